package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/cicd-fixer/backend/internal/logger"
	"github.com/cicd-fixer/backend/internal/models"
	"gorm.io/gorm"
)

type DecisionAction string

const (
	DecisionApprove DecisionAction = "approve"
	DecisionReject  DecisionAction = "reject"
)

// DecisionResult is the outcome of acting on a pending fix. Published is
// false when the approval stuck but publication failed; PublishError then
// carries the reason.
type DecisionResult struct {
	Analysis     *models.FailureAnalysis `json:"analysis"`
	Published    bool                    `json:"published"`
	PRURL        string                  `json:"prUrl,omitempty"`
	Branch       string                  `json:"branch,omitempty"`
	PublishError string                  `json:"publishError,omitempty"`
}

// FixLifecycleManager owns the human decision gate: pending fixes are
// approved or rejected exactly once, approved fixes are published as pull
// requests, and observed outcomes are fed back into the pattern store.
type FixLifecycleManager struct {
	db        *gorm.DB
	store     *PatternStore
	publisher Publisher
	analytics *AnalyticsService
}

func NewFixLifecycleManager(db *gorm.DB, store *PatternStore, publisher Publisher, analytics *AnalyticsService) *FixLifecycleManager {
	return &FixLifecycleManager{
		db:        db,
		store:     store,
		publisher: publisher,
		analytics: analytics,
	}
}

// PendingFixes lists analyses no reviewer has acted on yet, newest first.
func (fm *FixLifecycleManager) PendingFixes(limit int) ([]models.FailureAnalysis, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var fixes []models.FailureAnalysis
	err := fm.db.Preload("WorkflowRun").
		Where("fix_approved = ? AND fix_rejected = ? AND fix_implemented = ?", false, false, false).
		Order("created_at DESC").
		Limit(limit).
		Find(&fixes).Error
	return fixes, err
}

// GetFix loads one analysis by its failure ID.
func (fm *FixLifecycleManager) GetFix(failureID string) (*models.FailureAnalysis, error) {
	var analysis models.FailureAnalysis
	err := fm.db.Preload("WorkflowRun").
		Where("failure_id = ?", failureID).
		First(&analysis).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failure %s: %w", failureID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

// Decide records a reviewer's approve or reject decision. The decision is
// first-writer-wins: a second decision for the same fix returns
// ErrConflict no matter which action it carries. Approval triggers
// publication; a publish failure leaves the fix approved and is reported
// in the result rather than rolling back the decision.
func (fm *FixLifecycleManager) Decide(ctx context.Context, failureID string, action DecisionAction, comment, actor string) (*DecisionResult, error) {
	if action != DecisionApprove && action != DecisionReject {
		return nil, fmt.Errorf("unknown decision action %q", action)
	}

	analysis, err := fm.GetFix(failureID)
	if err != nil {
		return nil, err
	}
	if analysis.DecisionMade() {
		return nil, fmt.Errorf("failure %s: %w", failureID, ErrConflict)
	}

	updates := map[string]interface{}{
		"user_feedback": comment,
	}
	if action == DecisionApprove {
		updates["fix_approved"] = true
	} else {
		updates["fix_rejected"] = true
	}

	// The guard clause makes concurrent deciders race safely: only one
	// update can flip the row out of the pending state.
	res := fm.db.Model(&models.FailureAnalysis{}).
		Where("failure_id = ? AND fix_approved = ? AND fix_rejected = ? AND fix_implemented = ?",
			failureID, false, false, false).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("failure %s: %w", failureID, ErrConflict)
	}

	logger.WithFix(failureID, string(action)).Infof("Fix decision recorded by %s", actor)

	if fm.analytics != nil {
		fm.analytics.RecordMetric("fix_decision", 1, "count", models.JSONB{
			"action":     string(action),
			"error_type": analysis.ErrorType,
		})
	}

	analysis, err = fm.GetFix(failureID)
	if err != nil {
		return nil, err
	}

	result := &DecisionResult{Analysis: analysis}
	if action == DecisionReject {
		fm.recordRejectionLearning(analysis)
		return result, nil
	}

	fm.publish(ctx, analysis, actor, comment, result)
	return result, nil
}

// Republish retries publication of an approved fix whose earlier publish
// attempt failed. It never re-runs automatically; the caller must ask.
func (fm *FixLifecycleManager) Republish(ctx context.Context, failureID, actor string) (*DecisionResult, error) {
	analysis, err := fm.GetFix(failureID)
	if err != nil {
		return nil, err
	}
	if !analysis.FixApproved || analysis.FixImplemented || analysis.FixRejected {
		return nil, fmt.Errorf("failure %s is not awaiting publication: %w", failureID, ErrConflict)
	}

	result := &DecisionResult{Analysis: analysis}
	fm.publish(ctx, analysis, actor, "republish requested", result)
	return result, nil
}

// publish attempts publication and appends the attempt to fix_history.
// Exactly one history row is written per attempt, success or not.
func (fm *FixLifecycleManager) publish(ctx context.Context, analysis *models.FailureAnalysis, actor, comment string, result *DecisionResult) {
	history := models.FixHistory{
		FailureAnalysisID: analysis.ID,
		FixDescription:    analysis.SuggestedFix,
		ImplementedBy:     actor,
		Notes:             comment,
	}

	if fm.publisher == nil {
		result.PublishError = "no publisher configured"
		history.Notes = appendNote(history.Notes, "publish skipped: no publisher configured")
		if err := fm.db.Create(&history).Error; err != nil {
			logger.WithError(err, "fix_lifecycle").Error("Failed to record fix history")
		}
		return
	}

	var run models.WorkflowRun
	if err := fm.db.First(&run, analysis.WorkflowRunID).Error; err != nil {
		result.PublishError = fmt.Sprintf("loading workflow run: %v", err)
		history.Notes = appendNote(history.Notes, result.PublishError)
		if err := fm.db.Create(&history).Error; err != nil {
			logger.WithError(err, "fix_lifecycle").Error("Failed to record fix history")
		}
		return
	}

	published, err := fm.publisher.PublishFix(ctx, run.Owner, run.RepoName, analysis)
	if err != nil {
		result.PublishError = err.Error()
		history.Notes = appendNote(history.Notes, "publish failed: "+err.Error())
		logger.WithFix(analysis.FailureID, "publish").Warnf("Publication failed, fix stays approved: %v", err)
	} else {
		result.Published = true
		result.PRURL = published.PRURL
		result.Branch = published.Branch
		history.Published = true
		history.FixImplementation = published.PRURL

		err = fm.db.Transaction(func(tx *gorm.DB) error {
			// Approved and implemented are mutually exclusive; publication
			// moves the fix from one to the other.
			if err := tx.Model(&models.FailureAnalysis{}).
				Where("id = ?", analysis.ID).
				Updates(map[string]interface{}{
					"fix_implemented": true,
					"fix_approved":    false,
				}).Error; err != nil {
				return err
			}
			return tx.Model(&models.WorkflowRun{}).
				Where("id = ?", analysis.WorkflowRunID).
				Update("fix_status", string(models.AnalysisStatusPublished)).Error
		})
		if err != nil {
			logger.WithError(err, "fix_lifecycle").Error("Failed to persist publication state")
		} else {
			analysis.FixImplemented = true
			analysis.FixApproved = false
		}
	}

	if err := fm.db.Create(&history).Error; err != nil {
		logger.WithError(err, "fix_lifecycle").Error("Failed to record fix history")
	}
	result.Analysis = analysis
}

// RecordOutcome feeds the observed result of a published fix back into the
// learning loop. The event is applied at most once per failure ID, so
// webhook replays are harmless.
func (fm *FixLifecycleManager) RecordOutcome(failureID string, outcome Outcome, effectiveness float64) error {
	analysis, err := fm.GetFix(failureID)
	if err != nil {
		return err
	}
	if !analysis.FixImplemented && !analysis.FixRejected {
		return fmt.Errorf("failure %s has no published fix to score: %w", failureID, ErrConflict)
	}

	var run models.WorkflowRun
	if err := fm.db.First(&run, analysis.WorkflowRunID).Error; err != nil {
		return err
	}

	sig := ErrorSignature{
		Fingerprint: Fingerprint(run.FailureLogs),
		Pattern:     analysis.ErrorPattern,
		Type:        ErrorType(analysis.ErrorType),
		Severity:    Severity(analysis.ErrorSeverity),
	}

	if err := fm.store.RecordOutcome(sig, outcome, failureID); err != nil {
		return err
	}
	if err := fm.store.SetActualOutcome(sig.Fingerprint, outcome, effectiveness); err != nil {
		logger.WithError(err, "fix_lifecycle").Warn("Failed to record outcome on prediction row")
	}

	// First effectiveness report wins; later reports keep the original.
	err = fm.db.Model(&models.FixHistory{}).
		Where("failure_analysis_id = ? AND fix_effectiveness IS NULL", analysis.ID).
		Update("fix_effectiveness", effectiveness).Error
	if err != nil {
		logger.WithError(err, "fix_lifecycle").Warn("Failed to record fix effectiveness")
	}

	if err := fm.store.LearnFromOutcome(run.Owner, run.RepoName, sig, analysis.SuggestedFix, outcome); err != nil {
		logger.WithError(err, "fix_lifecycle").Warn("Failed to update repository profile")
	}

	if fm.analytics != nil {
		fm.analytics.RecordMetric("fix_outcome", effectiveness, "score", models.JSONB{
			"outcome":    string(outcome),
			"error_type": analysis.ErrorType,
		})
	}

	logger.WithFix(failureID, "outcome").Infof("Recorded %s outcome with effectiveness %.2f", outcome, effectiveness)
	return nil
}

// FixHistoryFor lists publication attempts for one analysis, oldest first.
func (fm *FixLifecycleManager) FixHistoryFor(failureID string) ([]models.FixHistory, error) {
	analysis, err := fm.GetFix(failureID)
	if err != nil {
		return nil, err
	}
	var history []models.FixHistory
	err = fm.db.Where("failure_analysis_id = ?", analysis.ID).
		Order("created_at ASC").
		Find(&history).Error
	return history, err
}

// recordRejectionLearning counts a rejection against the error pattern so
// repeated rejections push future predictions down.
func (fm *FixLifecycleManager) recordRejectionLearning(analysis *models.FailureAnalysis) {
	var run models.WorkflowRun
	if err := fm.db.First(&run, analysis.WorkflowRunID).Error; err != nil {
		return
	}
	sig := ErrorSignature{
		Fingerprint: Fingerprint(run.FailureLogs),
		Pattern:     analysis.ErrorPattern,
		Type:        ErrorType(analysis.ErrorType),
		Severity:    Severity(analysis.ErrorSeverity),
	}
	if err := fm.store.RecordOutcome(sig, OutcomeFailure, "rejection-"+analysis.FailureID); err != nil {
		logger.WithError(err, "fix_lifecycle").Warn("Failed to record rejection outcome")
	}
}

func appendNote(existing, extra string) string {
	if existing == "" {
		return extra
	}
	return existing + "; " + extra
}
