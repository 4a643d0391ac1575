package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/cicd-fixer/backend/internal/logger"
	"github.com/cicd-fixer/backend/internal/services"
	"github.com/gin-gonic/gin"
)

type AnalyticsController struct {
	analytics *services.AnalyticsService
}

func NewAnalyticsController(analytics *services.AnalyticsService) *AnalyticsController {
	return &AnalyticsController{analytics: analytics}
}

// GetFailurePatterns returns the cached failure pattern report.
func (ac *AnalyticsController) GetFailurePatterns(c *gin.Context) {
	daysBack := 30
	if raw := c.Query("days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			daysBack = parsed
		}
	}

	report, err := ac.analytics.FailurePatterns(daysBack)
	if err != nil {
		logger.WithError(err, "analytics_controller").Error("Failed to build pattern report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build pattern report"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetEffectiveness returns published fix performance aggregates.
func (ac *AnalyticsController) GetEffectiveness(c *gin.Context) {
	report, err := ac.analytics.Effectiveness()
	if err != nil {
		logger.WithError(err, "analytics_controller").Error("Failed to build effectiveness report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build effectiveness report"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetDashboard returns headline counters.
func (ac *AnalyticsController) GetDashboard(c *gin.Context) {
	dashboard, err := ac.analytics.Dashboard()
	if err != nil {
		logger.WithError(err, "analytics_controller").Error("Failed to build dashboard")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build dashboard"})
		return
	}
	c.JSON(http.StatusOK, dashboard)
}

// GetRepositorySummary returns the learning state of one repository.
func (ac *AnalyticsController) GetRepositorySummary(c *gin.Context) {
	summary, err := ac.analytics.RepositorySummary(c.Param("owner"), c.Param("repo"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Repository not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load repository summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
