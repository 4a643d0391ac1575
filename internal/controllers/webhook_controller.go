package controllers

import (
	"net/http"

	"github.com/cicd-fixer/backend/internal/logger"
	"github.com/cicd-fixer/backend/internal/services"
	"github.com/gin-gonic/gin"
)

type WebhookController struct {
	orchestrator *services.AnalysisOrchestrator
}

func NewWebhookController(orchestrator *services.AnalysisOrchestrator) *WebhookController {
	return &WebhookController{orchestrator: orchestrator}
}

type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"workflow_run"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// HandleGitHubWebhook ingests workflow_run events. Only completed runs
// that concluded in failure start an analysis; everything else is
// acknowledged and dropped.
func (wc *WebhookController) HandleGitHubWebhook(c *gin.Context) {
	eventType := c.GetHeader("X-GitHub-Event")
	if eventType != "workflow_run" {
		c.JSON(http.StatusOK, gin.H{"message": "Event ignored", "event": eventType})
		return
	}

	var event workflowRunEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook payload: " + err.Error()})
		return
	}

	if event.Action != "completed" || event.WorkflowRun.Conclusion != "failure" {
		c.JSON(http.StatusOK, gin.H{"message": "Run not a completed failure, ignored"})
		return
	}

	owner := event.Repository.Owner.Login
	repo := event.Repository.Name
	runID := event.WorkflowRun.ID

	handle, err := wc.orchestrator.StartAnalysis(owner, repo, runID, event.WorkflowRun.Name, "")
	if err != nil {
		logger.WithError(err, "webhook_controller").Error("Failed to queue analysis from webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue analysis"})
		return
	}

	logger.WithRun(runID, owner, repo).Info("Webhook queued failed run for analysis")
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Analysis queued",
		"run_id":  handle.RunID,
	})
}
