package services

import (
	"fmt"
	"testing"

	"github.com/cicd-fixer/backend/internal/models"
)

func seedTypeTallies(t *testing.T, store *PatternStore, errorType ErrorType, successes, failures int) {
	t.Helper()
	row := models.MLPrediction{
		ErrorLogHash: Fingerprint(fmt.Sprintf("seed log for %s %d/%d", errorType, successes, failures)),
		ErrorType:    string(errorType),
		ErrorPattern: "seeded",
		SuccessCount: successes,
		FailureCount: failures,
	}
	if err := store.db.Create(&row).Error; err != nil {
		t.Fatalf("seeding tallies: %v", err)
	}
}

func depSignature() ErrorSignature {
	return ErrorSignature{
		Fingerprint: Fingerprint("ENOENT: no such file or directory, npm install"),
		Pattern:     "Dependency Installation Failure",
		Type:        ErrorTypeDependency,
		Severity:    SeverityMedium,
	}
}

func TestPredictNeutralWithoutHistory(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)
	predictor := NewSuccessPredictor(store)

	prediction := predictor.Predict(depSignature(), "reinstall dependencies")
	if prediction.Probability != 0.5 {
		t.Errorf("Expected neutral 0.5 with no history, got %.3f", prediction.Probability)
	}
	if len(prediction.Factors) == 0 {
		t.Error("Expected at least one explanatory factor")
	}
}

func TestPredictMonotoneInSuccessRate(t *testing.T) {
	rates := []struct {
		successes int
		failures  int
	}{
		{0, 8},
		{2, 6},
		{4, 4},
		{6, 2},
		{8, 0},
	}

	var previous float64 = -1
	for _, rate := range rates {
		t.Run(fmt.Sprintf("%d_of_8", rate.successes), func(t *testing.T) {
			conn := testDB(t)
			store := NewPatternStore(conn)
			predictor := NewSuccessPredictor(store)
			seedTypeTallies(t, store, ErrorTypeDependency, rate.successes, rate.failures)

			prediction := predictor.Predict(depSignature(), "reinstall dependencies")
			if prediction.Probability < previous {
				t.Errorf("Probability %.3f decreased below %.3f as success rate rose", prediction.Probability, previous)
			}
			previous = prediction.Probability
		})
	}
}

func TestPredictAboveHalfWithPriorSuccesses(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)
	predictor := NewSuccessPredictor(store)
	seedTypeTallies(t, store, ErrorTypeDependency, 3, 0)

	prediction := predictor.Predict(depSignature(), "clear npm cache and reinstall dependencies")
	if prediction.Probability < 0.5 {
		t.Errorf("Expected prediction >= 0.5 with three prior successes and no failures, got %.3f", prediction.Probability)
	}
}

func TestPredictSparseHistoryStaysNearNeutral(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)
	predictor := NewSuccessPredictor(store)

	// One success is a 100% historical rate, but a single sample must not
	// swing the estimate to certainty.
	seedTypeTallies(t, store, ErrorTypeDependency, 1, 0)

	prediction := predictor.Predict(depSignature(), "reinstall dependencies")
	if prediction.Probability > 0.8 {
		t.Errorf("One sample pushed the estimate to %.3f; expected it pulled toward neutral", prediction.Probability)
	}
}

func TestPredictBoundsAndFactors(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)
	predictor := NewSuccessPredictor(store)
	seedTypeTallies(t, store, ErrorTypeTest, 20, 0)

	sig := ErrorSignature{
		Fingerprint: Fingerprint("tests failed"),
		Pattern:     "Test Suite Failure",
		Type:        ErrorTypeTest,
		Severity:    SeverityMedium,
	}
	prediction := predictor.Predict(sig, "quarantine the flaky test")
	if prediction.Probability < 0 || prediction.Probability > 1 {
		t.Errorf("Probability %.3f out of [0,1]", prediction.Probability)
	}
	if prediction.Confidence < 0 || prediction.Confidence > 1 {
		t.Errorf("Confidence %.3f out of [0,1]", prediction.Confidence)
	}
	if len(prediction.Factors) == 0 {
		t.Error("Expected explanatory factors")
	}
}

func TestPredictPersistsPredictionRow(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)
	predictor := NewSuccessPredictor(store)

	sig := depSignature()
	prediction := predictor.Predict(sig, "reinstall dependencies")

	var row models.MLPrediction
	if err := conn.Where("error_log_hash = ?", sig.Fingerprint).First(&row).Error; err != nil {
		t.Fatalf("Expected a prediction row for the fingerprint: %v", err)
	}
	if row.PredictedSuccess != prediction.Probability {
		t.Errorf("Persisted %.3f, predicted %.3f", row.PredictedSuccess, prediction.Probability)
	}
}
