package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/cicd-fixer/backend/internal/logger"
	"github.com/cicd-fixer/backend/internal/middleware"
	"github.com/cicd-fixer/backend/internal/services"
	"github.com/gin-gonic/gin"
)

type FixController struct {
	lifecycle *services.FixLifecycleManager
}

func NewFixController(lifecycle *services.FixLifecycleManager) *FixController {
	return &FixController{lifecycle: lifecycle}
}

// ListPending returns fixes awaiting a reviewer decision.
func (fc *FixController) ListPending(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	fixes, err := fc.lifecycle.PendingFixes(limit)
	if err != nil {
		logger.WithError(err, "fix_controller").Error("Failed to list pending fixes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list pending fixes"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"fixes": fixes,
		"count": len(fixes),
	})
}

// GetFix returns one fix with its workflow run.
func (fc *FixController) GetFix(c *gin.Context) {
	analysis, err := fc.lifecycle.GetFix(c.Param("failureId"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Fix not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load fix"})
		return
	}
	c.JSON(http.StatusOK, analysis)
}

type DecisionRequest struct {
	Comment string `json:"comment"`
}

// ApproveFix records an approval and attempts publication. A publish
// failure still returns 200 with the approval intact and the failure
// reason in the body.
func (fc *FixController) ApproveFix(c *gin.Context) {
	fc.decide(c, services.DecisionApprove)
}

// RejectFix records a rejection.
func (fc *FixController) RejectFix(c *gin.Context) {
	fc.decide(c, services.DecisionReject)
}

func (fc *FixController) decide(c *gin.Context, action services.DecisionAction) {
	failureID := c.Param("failureId")

	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	actor := middleware.Actor(c)
	result, err := fc.lifecycle.Decide(c.Request.Context(), failureID, action, req.Comment, actor)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Fix not found"})
		case errors.Is(err, services.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "A decision was already recorded for this fix"})
		default:
			logger.WithError(err, "fix_controller").Error("Failed to record decision")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record decision"})
		}
		return
	}

	response := gin.H{
		"message":   "Decision recorded",
		"action":    action,
		"analysis":  result.Analysis,
		"published": result.Published,
	}
	if result.Published {
		response["pr_url"] = result.PRURL
		response["branch"] = result.Branch
	}
	if result.PublishError != "" {
		response["publish_error"] = result.PublishError
	}
	c.JSON(http.StatusOK, response)
}

// RepublishFix retries publication of an approved fix.
func (fc *FixController) RepublishFix(c *gin.Context) {
	failureID := c.Param("failureId")
	actor := middleware.Actor(c)

	result, err := fc.lifecycle.Republish(c.Request.Context(), failureID, actor)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Fix not found"})
		case errors.Is(err, services.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Fix is not awaiting publication"})
		default:
			logger.WithError(err, "fix_controller").Error("Republish failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Republish failed"})
		}
		return
	}

	response := gin.H{
		"published": result.Published,
	}
	if result.Published {
		response["pr_url"] = result.PRURL
		response["branch"] = result.Branch
	}
	if result.PublishError != "" {
		response["publish_error"] = result.PublishError
	}
	c.JSON(http.StatusOK, response)
}

type OutcomeRequest struct {
	Outcome       string   `json:"outcome" binding:"required"` // "success" or "failure"
	Effectiveness *float64 `json:"effectiveness"`
}

// RecordOutcome feeds an observed fix result back into the learning loop.
func (fc *FixController) RecordOutcome(c *gin.Context) {
	failureID := c.Param("failureId")

	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	var outcome services.Outcome
	switch req.Outcome {
	case "success":
		outcome = services.OutcomeSuccess
	case "failure":
		outcome = services.OutcomeFailure
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Outcome must be 'success' or 'failure'"})
		return
	}

	effectiveness := 1.0
	if outcome == services.OutcomeFailure {
		effectiveness = 0.0
	}
	if req.Effectiveness != nil {
		effectiveness = *req.Effectiveness
	}

	if err := fc.lifecycle.RecordOutcome(failureID, outcome, effectiveness); err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Fix not found"})
		case errors.Is(err, services.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Fix has no published or rejected state to score"})
		default:
			logger.WithError(err, "fix_controller").Error("Failed to record outcome")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record outcome"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Outcome recorded"})
}

// GetFixHistory lists publication attempts for a fix.
func (fc *FixController) GetFixHistory(c *gin.Context) {
	history, err := fc.lifecycle.FixHistoryFor(c.Param("failureId"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Fix not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load fix history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history": history,
		"count":   len(history),
	})
}
