package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cicd-fixer/backend/internal/models"
	"gorm.io/gorm"
)

// seedPendingFix creates an undecided analysis for the given run.
func seedPendingFix(t *testing.T, conn *gorm.DB, run *models.WorkflowRun, failureID string) *models.FailureAnalysis {
	t.Helper()
	analysis := &models.FailureAnalysis{
		FailureID:         failureID,
		WorkflowRunID:     run.ID,
		ErrorPattern:      "Dependency Installation Failure",
		ErrorType:         string(ErrorTypeDependency),
		ErrorSeverity:     string(SeverityMedium),
		SuggestedFix:      "Reinstall dependencies with a clean lockfile and clear the npm cache",
		FixConfidence:     0.7,
		PredictedSuccess:  0.65,
		AnalysisTimestamp: time.Now(),
	}
	if err := conn.Create(analysis).Error; err != nil {
		t.Fatalf("seeding analysis: %v", err)
	}
	return analysis
}

func testLifecycle(conn *gorm.DB, publisher Publisher) (*FixLifecycleManager, *PatternStore) {
	store := NewPatternStore(conn)
	return NewFixLifecycleManager(conn, store, publisher, nil), store
}

func TestApproveFlowPublishesFix(t *testing.T) {
	conn := testDB(t)
	run := seedWorkflowRun(t, conn, 42, "ENOENT: no such file or directory, npm install")

	// A known failure with a positive history must score at or above even.
	classifier := NewErrorClassifier()
	sig := classifier.Classify(run.FailureLogs, "javascript")
	if sig.Type != ErrorTypeDependency {
		t.Fatalf("Expected dependency_error, got %s", sig.Type)
	}

	store := NewPatternStore(conn)
	if err := store.RecordSignature(sig); err != nil {
		t.Fatalf("RecordSignature: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.RecordOutcome(sig, OutcomeSuccess, fmt.Sprintf("evt-%d", i)); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	prediction := NewSuccessPredictor(store).Predict(sig, defaultStubFix().Description)
	if prediction.Probability < 0.5 {
		t.Errorf("Expected at least even odds after three successes, got %.2f", prediction.Probability)
	}

	analysis := seedPendingFix(t, conn, run, "fail-approve-1")
	publisher := &stubPublisher{}
	manager, _ := testLifecycle(conn, publisher)

	result, err := manager.Decide(context.Background(), analysis.FailureID, DecisionApprove, "looks right", "reviewer-1")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !result.Published {
		t.Fatalf("Expected publication, got error %q", result.PublishError)
	}
	if result.PRURL == "" || result.Branch == "" {
		t.Error("Expected a PR URL and branch in the result")
	}

	reloaded, err := manager.GetFix(analysis.FailureID)
	if err != nil {
		t.Fatalf("GetFix: %v", err)
	}
	if !reloaded.FixImplemented || reloaded.FixApproved || reloaded.FixRejected {
		t.Errorf("Expected implemented only, got approved=%v rejected=%v implemented=%v",
			reloaded.FixApproved, reloaded.FixRejected, reloaded.FixImplemented)
	}

	var history []models.FixHistory
	conn.Where("failure_analysis_id = ?", analysis.ID).Find(&history)
	if len(history) != 1 {
		t.Fatalf("Expected one history row, got %d", len(history))
	}
	if !history[0].Published || history[0].FixImplementation != result.PRURL {
		t.Error("History row must record the successful publication")
	}

	var updatedRun models.WorkflowRun
	conn.First(&updatedRun, run.ID)
	if updatedRun.FixStatus != models.AnalysisStatusPublished {
		t.Errorf("Expected run status published, got %q", updatedRun.FixStatus)
	}
}

func TestDoubleDecisionConflicts(t *testing.T) {
	conn := testDB(t)
	run := seedWorkflowRun(t, conn, 43, "npm install failed")
	analysis := seedPendingFix(t, conn, run, "fail-double-1")
	manager, _ := testLifecycle(conn, &stubPublisher{})

	if _, err := manager.Decide(context.Background(), analysis.FailureID, DecisionApprove, "", "reviewer-1"); err != nil {
		t.Fatalf("First decision: %v", err)
	}
	_, err := manager.Decide(context.Background(), analysis.FailureID, DecisionReject, "", "reviewer-2")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on the second decision, got %v", err)
	}
}

func TestConcurrentDecisionsExactlyOneWins(t *testing.T) {
	conn := testDB(t)
	run := seedWorkflowRun(t, conn, 44, "npm install failed")
	analysis := seedPendingFix(t, conn, run, "fail-race-1")
	manager, _ := testLifecycle(conn, &stubPublisher{})

	var wg sync.WaitGroup
	results := make([]error, 2)
	actions := []DecisionAction{DecisionApprove, DecisionReject}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = manager.Decide(context.Background(), analysis.FailureID, actions[i], "", "reviewer")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrConflict) {
			t.Errorf("Expected ErrConflict for the loser, got %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly one decision to win, got %d", winners)
	}
}

func TestPublishFailureLeavesFixApproved(t *testing.T) {
	conn := testDB(t)
	run := seedWorkflowRun(t, conn, 45, "npm install failed")
	analysis := seedPendingFix(t, conn, run, "fail-pub-1")
	publisher := &stubPublisher{fail: true}
	manager, _ := testLifecycle(conn, publisher)

	result, err := manager.Decide(context.Background(), analysis.FailureID, DecisionApprove, "", "reviewer-1")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.Published {
		t.Fatal("Expected publication to fail")
	}
	if result.PublishError == "" {
		t.Error("Expected the publish error in the result")
	}

	reloaded, _ := manager.GetFix(analysis.FailureID)
	if !reloaded.FixApproved || reloaded.FixImplemented {
		t.Error("A failed publish must leave the fix approved, not implemented")
	}

	var history []models.FixHistory
	conn.Where("failure_analysis_id = ?", analysis.ID).Find(&history)
	if len(history) != 1 || history[0].Published {
		t.Fatalf("Expected one unpublished history row, got %d", len(history))
	}

	// Republication is explicit, never automatic.
	publisher.mu.Lock()
	publisher.fail = false
	publisher.mu.Unlock()

	retry, err := manager.Republish(context.Background(), analysis.FailureID, "reviewer-1")
	if err != nil {
		t.Fatalf("Republish: %v", err)
	}
	if !retry.Published {
		t.Fatalf("Expected republish to succeed, got %q", retry.PublishError)
	}

	reloaded, _ = manager.GetFix(analysis.FailureID)
	if !reloaded.FixImplemented || reloaded.FixApproved {
		t.Error("Republish must move the fix from approved to implemented")
	}

	conn.Where("failure_analysis_id = ?", analysis.ID).Find(&history)
	if len(history) != 2 {
		t.Fatalf("Expected two history rows after the retry, got %d", len(history))
	}
	if publisher.attemptCount() != 2 {
		t.Errorf("Expected two publish attempts, got %d", publisher.attemptCount())
	}
}

func TestRepublishRequiresApprovedFix(t *testing.T) {
	conn := testDB(t)
	run := seedWorkflowRun(t, conn, 46, "npm install failed")
	analysis := seedPendingFix(t, conn, run, "fail-repub-1")
	manager, _ := testLifecycle(conn, &stubPublisher{})

	_, err := manager.Republish(context.Background(), analysis.FailureID, "reviewer-1")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for an undecided fix, got %v", err)
	}
}

func TestRecordOutcomeExactlyOnce(t *testing.T) {
	conn := testDB(t)
	run := seedWorkflowRun(t, conn, 47, "ENOENT during npm install")
	analysis := seedPendingFix(t, conn, run, "fail-outcome-1")
	manager, store := testLifecycle(conn, &stubPublisher{})

	if _, err := manager.Decide(context.Background(), analysis.FailureID, DecisionApprove, "", "reviewer-1"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if err := manager.RecordOutcome(analysis.FailureID, OutcomeSuccess, 0.9); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	// A webhook replay of the same outcome must not count twice.
	if err := manager.RecordOutcome(analysis.FailureID, OutcomeSuccess, 0.2); err != nil {
		t.Fatalf("RecordOutcome replay: %v", err)
	}

	stats, err := store.TypeStats(ErrorTypeDependency)
	if err != nil {
		t.Fatalf("TypeStats: %v", err)
	}
	if stats.SuccessCount != 1 || stats.FailureCount != 0 {
		t.Errorf("Expected one counted success, got %d/%d", stats.SuccessCount, stats.FailureCount)
	}

	var history models.FixHistory
	if err := conn.Where("failure_analysis_id = ?", analysis.ID).First(&history).Error; err != nil {
		t.Fatalf("loading history: %v", err)
	}
	if history.FixEffectiveness == nil || *history.FixEffectiveness != 0.9 {
		t.Error("The first effectiveness report must win")
	}
}

func TestRecordOutcomeRequiresDecision(t *testing.T) {
	conn := testDB(t)
	run := seedWorkflowRun(t, conn, 48, "npm install failed")
	analysis := seedPendingFix(t, conn, run, "fail-undecided-1")
	manager, _ := testLifecycle(conn, &stubPublisher{})

	err := manager.RecordOutcome(analysis.FailureID, OutcomeSuccess, 1.0)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for an undecided fix, got %v", err)
	}
}

func TestRejectionCountsAgainstPattern(t *testing.T) {
	conn := testDB(t)
	run := seedWorkflowRun(t, conn, 49, "ENOENT during npm install")
	analysis := seedPendingFix(t, conn, run, "fail-reject-1")
	manager, store := testLifecycle(conn, &stubPublisher{})

	result, err := manager.Decide(context.Background(), analysis.FailureID, DecisionReject, "wrong root cause", "reviewer-1")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if result.Published {
		t.Error("A rejection must never publish")
	}

	reloaded, _ := manager.GetFix(analysis.FailureID)
	if !reloaded.FixRejected || reloaded.FixApproved || reloaded.FixImplemented {
		t.Error("Expected the fix to be rejected only")
	}
	if reloaded.UserFeedback != "wrong root cause" {
		t.Errorf("Expected the reviewer comment to persist, got %q", reloaded.UserFeedback)
	}

	stats, err := store.TypeStats(ErrorTypeDependency)
	if err != nil {
		t.Fatalf("TypeStats: %v", err)
	}
	if stats.FailureCount != 1 {
		t.Errorf("Expected the rejection counted as a failure, got %d", stats.FailureCount)
	}
}

func TestPendingFixesExcludesDecided(t *testing.T) {
	conn := testDB(t)
	run := seedWorkflowRun(t, conn, 50, "npm install failed")
	pending := seedPendingFix(t, conn, run, "fail-pending-1")
	decided := seedPendingFix(t, conn, run, "fail-pending-2")
	manager, _ := testLifecycle(conn, &stubPublisher{})

	if _, err := manager.Decide(context.Background(), decided.FailureID, DecisionReject, "", "reviewer-1"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	fixes, err := manager.PendingFixes(20)
	if err != nil {
		t.Fatalf("PendingFixes: %v", err)
	}
	if len(fixes) != 1 || fixes[0].FailureID != pending.FailureID {
		t.Fatalf("Expected only the undecided fix, got %d rows", len(fixes))
	}
}

func TestGetFixUnknownID(t *testing.T) {
	conn := testDB(t)
	manager, _ := testLifecycle(conn, &stubPublisher{})

	_, err := manager.GetFix("no-such-failure")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
