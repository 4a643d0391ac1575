package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/cicd-fixer/backend/internal/logger"
	"github.com/cicd-fixer/backend/internal/models"
	"github.com/cicd-fixer/backend/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type AnalysisController struct {
	db           *gorm.DB
	orchestrator *services.AnalysisOrchestrator
	classifier   *services.ErrorClassifier
	predictor    *services.SuccessPredictor
	proposer     *services.FixProposer
}

func NewAnalysisController(db *gorm.DB, orchestrator *services.AnalysisOrchestrator, classifier *services.ErrorClassifier, predictor *services.SuccessPredictor, proposer *services.FixProposer) *AnalysisController {
	return &AnalysisController{
		db:           db,
		orchestrator: orchestrator,
		classifier:   classifier,
		predictor:    predictor,
		proposer:     proposer,
	}
}

type AnalyzeRequest struct {
	Owner        string `json:"owner" binding:"required"`
	Repo         string `json:"repo" binding:"required"`
	RunID        int64  `json:"run_id" binding:"required"`
	WorkflowName string `json:"workflow_name"`
	FailureLog   string `json:"failure_log"`
}

// AnalyzeWorkflow queues a failed workflow run for analysis. Repeated
// calls for the same run while it is in flight are acknowledged without
// duplicating work.
func (ac *AnalysisController) AnalyzeWorkflow(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	handle, err := ac.orchestrator.StartAnalysis(req.Owner, req.Repo, req.RunID, req.WorkflowName, req.FailureLog)
	if err != nil {
		logger.WithError(err, "analysis_controller").Error("Failed to queue analysis")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue analysis"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":         "Analysis queued",
		"run_id":          handle.RunID,
		"workflow_run_id": handle.WorkflowRunID,
	})
}

// GetRunStatus reports the pipeline state of a run.
func (ac *AnalysisController) GetRunStatus(c *gin.Context) {
	runID, err := strconv.ParseInt(c.Param("runId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	run, err := ac.orchestrator.RunStatus(runID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load run status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":                 run.RunID,
		"owner":                  run.Owner,
		"repo":                   run.RepoName,
		"fix_status":             run.FixStatus,
		"failure_reason":         run.FailureReason,
		"confidence_score":       run.ConfidenceScore,
		"pending_clarifications": run.PendingClarifications,
	})
}

// ListClarifications returns the questions waiting on a human answer.
func (ac *AnalysisController) ListClarifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"clarifications": ac.orchestrator.PendingClarifications(),
	})
}

type ClarificationAnswerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// AnswerClarification resumes a suspended analysis with the human's answer.
func (ac *AnalysisController) AnswerClarification(c *gin.Context) {
	clarificationID := c.Param("clarificationId")

	var req ClarificationAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	if err := ac.orchestrator.AnswerClarification(clarificationID, req.Answer); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No pending clarification with that ID"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deliver answer"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Clarification answered, analysis resuming"})
}

type PredictRequest struct {
	ErrorLog     string `json:"error_log" binding:"required"`
	SuggestedFix string `json:"suggested_fix" binding:"required"`
	Language     string `json:"language"`
}

// PredictFixSuccess scores a fix against the learned history without
// running the full pipeline.
func (ac *AnalysisController) PredictFixSuccess(c *gin.Context) {
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	sig := ac.classifier.Classify(req.ErrorLog, req.Language)
	prediction := ac.predictor.Predict(sig, req.SuggestedFix)

	c.JSON(http.StatusOK, gin.H{
		"fingerprint":       sig.Fingerprint,
		"error_type":        sig.Type,
		"error_pattern":     sig.Pattern,
		"severity":          sig.Severity,
		"predicted_success": prediction.Probability,
		"confidence":        prediction.Confidence,
		"factors":           prediction.Factors,
	})
}

type GenerateFixRequest struct {
	Owner      string `json:"owner" binding:"required"`
	Repo       string `json:"repo" binding:"required"`
	FailureLog string `json:"failure_log" binding:"required"`
}

// GenerateFix produces a one-off fix proposal outside the pipeline. A
// clarification request from the generator is surfaced as a question
// rather than suspending anything.
func (ac *AnalysisController) GenerateFix(c *gin.Context) {
	var req GenerateFixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	language, framework, buildSystem := services.DetectStack(req.FailureLog)
	sig := ac.classifier.Classify(req.FailureLog, language)
	repoCtx := &services.RepoContext{
		Owner:       req.Owner,
		Repo:        req.Repo,
		Language:    language,
		Framework:   framework,
		BuildSystem: buildSystem,
	}

	proposal, err := ac.proposer.Propose(context.Background(), sig, repoCtx, req.FailureLog)
	if err != nil {
		var clarification *services.ClarificationNeeded
		if errors.As(err, &clarification) {
			c.JSON(http.StatusOK, gin.H{
				"needs_clarification": clarification.Question,
				"error_type":          sig.Type,
			})
			return
		}
		logger.WithError(err, "analysis_controller").Error("Fix generation failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Fix generation failed"})
		return
	}

	prediction := ac.predictor.Predict(sig, proposal.SuggestedFix)

	c.JSON(http.StatusOK, gin.H{
		"error_type":        sig.Type,
		"error_pattern":     sig.Pattern,
		"severity":          sig.Severity,
		"suggested_fix":     proposal.SuggestedFix,
		"steps":             proposal.Steps,
		"commands":          proposal.Commands,
		"confidence":        proposal.Confidence,
		"rationale":         proposal.Rationale,
		"estimated_time":    proposal.EstimatedTime,
		"fallback":          proposal.Fallback,
		"predicted_success": prediction.Probability,
	})
}

// ListFailures returns recent failure analyses, optionally filtered by
// error type or repository owner.
func (ac *AnalysisController) ListFailures(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	query := ac.db.Model(&models.FailureAnalysis{}).Preload("WorkflowRun")
	if errorType := c.Query("error_type"); errorType != "" {
		query = query.Where("error_type = ?", errorType)
	}
	if owner := c.Query("owner"); owner != "" {
		query = query.Joins("JOIN workflow_runs ON workflow_runs.id = failure_analyses.workflow_run_id").
			Where("workflow_runs.owner = ?", owner)
	}

	var failures []models.FailureAnalysis
	if err := query.Order("failure_analyses.created_at DESC").Limit(limit).Find(&failures).Error; err != nil {
		logger.WithError(err, "analysis_controller").Error("Failed to list failures")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list failures"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"failures": failures,
		"count":    len(failures),
	})
}

// GetFailure returns one failure analysis by its failure ID.
func (ac *AnalysisController) GetFailure(c *gin.Context) {
	failureID := c.Param("failureId")

	var analysis models.FailureAnalysis
	err := ac.db.Preload("WorkflowRun").Where("failure_id = ?", failureID).First(&analysis).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Failure analysis not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load failure analysis"})
		return
	}

	c.JSON(http.StatusOK, analysis)
}
