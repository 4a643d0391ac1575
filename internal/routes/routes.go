package routes

import (
	"github.com/cicd-fixer/backend/internal/controllers"
	"github.com/cicd-fixer/backend/internal/middleware"
	"github.com/cicd-fixer/backend/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Services bundles the long-lived pipeline services so main can own their
// lifecycle (start, resume, graceful stop).
type Services struct {
	Classifier   *services.ErrorClassifier
	Store        *services.PatternStore
	Predictor    *services.SuccessPredictor
	Proposer     *services.FixProposer
	Orchestrator *services.AnalysisOrchestrator
	Lifecycle    *services.FixLifecycleManager
	Analytics    *services.AnalyticsService
	LLM          *services.LLMService
	GitHub       *services.GitHubService
}

// BuildServices wires the full pipeline against the given database.
func BuildServices(db *gorm.DB) *Services {
	llmService := services.NewLLMService()
	githubService := services.NewGitHubService()

	classifier := services.NewErrorClassifier()
	store := services.NewPatternStore(db)
	predictor := services.NewSuccessPredictor(store)
	proposer := services.NewFixProposer(llmService, store)
	analytics := services.NewAnalyticsService(db)
	orchestrator := services.NewAnalysisOrchestrator(db, classifier, store, proposer, predictor, githubService, analytics)
	lifecycle := services.NewFixLifecycleManager(db, store, githubService, analytics)

	return &Services{
		Classifier:   classifier,
		Store:        store,
		Predictor:    predictor,
		Proposer:     proposer,
		Orchestrator: orchestrator,
		Lifecycle:    lifecycle,
		Analytics:    analytics,
		LLM:          llmService,
		GitHub:       githubService,
	}
}

// SetupRoutes configures all application routes
func SetupRoutes(r *gin.Engine, db *gorm.DB, svc *Services) {
	// Initialize controllers
	analysisController := controllers.NewAnalysisController(db, svc.Orchestrator, svc.Classifier, svc.Predictor, svc.Proposer)
	webhookController := controllers.NewWebhookController(svc.Orchestrator)
	fixController := controllers.NewFixController(svc.Lifecycle)
	analyticsController := controllers.NewAnalyticsController(svc.Analytics)

	// API routes
	api := r.Group("/api/v1")
	{
		// Webhook ingestion (GitHub calls this, no bearer token)
		webhook := api.Group("/webhook")
		{
			webhook.POST("/github", webhookController.HandleGitHubWebhook)
		}

		// Analysis
		analysis := api.Group("/analysis")
		{
			analysis.POST("/analyze", analysisController.AnalyzeWorkflow)
			analysis.GET("/runs/:runId", analysisController.GetRunStatus)
			analysis.POST("/predict", analysisController.PredictFixSuccess)
			analysis.POST("/generate-fix", analysisController.GenerateFix)
			analysis.GET("/clarifications", analysisController.ListClarifications)
			analysis.POST("/clarifications/:clarificationId/answer", analysisController.AnswerClarification)
		}

		// Failure analyses
		failures := api.Group("/failures")
		{
			failures.GET("", analysisController.ListFailures)
			failures.GET("/:failureId", analysisController.GetFailure)
		}

		// Fix lifecycle
		fixes := api.Group("/fixes")
		{
			fixes.GET("/pending", fixController.ListPending)
			fixes.GET("/:failureId", fixController.GetFix)
			fixes.GET("/:failureId/history", fixController.GetFixHistory)
			fixes.POST("/:failureId/outcome", fixController.RecordOutcome)

			// Reviewer decisions require authentication
			reviewed := fixes.Group("")
			reviewed.Use(middleware.AuthMiddleware())
			{
				reviewed.POST("/:failureId/approve", fixController.ApproveFix)
				reviewed.POST("/:failureId/reject", fixController.RejectFix)
				reviewed.POST("/:failureId/republish", fixController.RepublishFix)
			}
		}

		// Analytics
		analytics := api.Group("/analytics")
		{
			analytics.GET("/patterns", analyticsController.GetFailurePatterns)
			analytics.GET("/effectiveness", analyticsController.GetEffectiveness)
			analytics.GET("/dashboard", analyticsController.GetDashboard)
			analytics.GET("/repositories/:owner/:repo", analyticsController.GetRepositorySummary)
		}
	}
}
