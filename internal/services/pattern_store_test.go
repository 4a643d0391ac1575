package services

import (
	"testing"
	"time"

	"github.com/cicd-fixer/backend/internal/models"
	"gorm.io/gorm"
)

func TestRecordSignatureCreatesOneRow(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)
	sig := depSignature()

	for i := 0; i < 3; i++ {
		if err := store.RecordSignature(sig); err != nil {
			t.Fatalf("RecordSignature: %v", err)
		}
	}

	var count int64
	conn.Model(&models.MLPrediction{}).Where("error_log_hash = ?", sig.Fingerprint).Count(&count)
	if count != 1 {
		t.Errorf("Expected one row per fingerprint, got %d", count)
	}

	var row models.MLPrediction
	conn.Where("error_log_hash = ?", sig.Fingerprint).First(&row)
	if row.SuccessCount != 0 || row.FailureCount != 0 {
		t.Error("Classification alone must not change outcome tallies")
	}
}

func TestRecordOutcomeIsIdempotentPerEvent(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)
	sig := depSignature()

	for i := 0; i < 3; i++ {
		if err := store.RecordOutcome(sig, OutcomeSuccess, "event-1"); err != nil {
			t.Fatalf("RecordOutcome replay %d: %v", i, err)
		}
	}
	if err := store.RecordOutcome(sig, OutcomeFailure, "event-2"); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	// Replaying the failure event must not double-count either.
	if err := store.RecordOutcome(sig, OutcomeFailure, "event-2"); err != nil {
		t.Fatalf("RecordOutcome replay: %v", err)
	}

	var row models.MLPrediction
	if err := conn.Where("error_log_hash = ?", sig.Fingerprint).First(&row).Error; err != nil {
		t.Fatalf("loading row: %v", err)
	}
	if row.SuccessCount != 1 {
		t.Errorf("Expected success count 1, got %d", row.SuccessCount)
	}
	if row.FailureCount != 1 {
		t.Errorf("Expected failure count 1, got %d", row.FailureCount)
	}
}

func TestRecordOutcomeRequiresEventID(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)

	if err := store.RecordOutcome(depSignature(), OutcomeSuccess, ""); err == nil {
		t.Error("Expected an error for an empty event ID")
	}
}

func TestTypeStatsAggregatesAcrossFingerprints(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)

	seedTypeTallies(t, store, ErrorTypeDependency, 3, 1)
	seedTypeTallies(t, store, ErrorTypeDependency, 1, 1)
	seedTypeTallies(t, store, ErrorTypeTest, 5, 0) // other type, ignored

	stats, err := store.TypeStats(ErrorTypeDependency)
	if err != nil {
		t.Fatalf("TypeStats: %v", err)
	}
	if stats.SuccessCount != 4 || stats.FailureCount != 2 {
		t.Errorf("Expected 4/2, got %d/%d", stats.SuccessCount, stats.FailureCount)
	}
	if stats.Samples != 6 {
		t.Errorf("Expected 6 samples, got %d", stats.Samples)
	}
	want := 4.0 / 6.0
	if stats.SuccessRate < want-0.001 || stats.SuccessRate > want+0.001 {
		t.Errorf("Expected success rate %.3f, got %.3f", want, stats.SuccessRate)
	}
}

func seedImplementedFix(t *testing.T, conn *gorm.DB, errorType ErrorType, desc string, effectiveness float64, createdAt time.Time) uint {
	t.Helper()
	run := seedWorkflowRun(t, conn, time.Now().UnixNano(), "seed log "+desc)
	analysis := models.FailureAnalysis{
		FailureID:      "fa-" + desc,
		WorkflowRunID:  run.ID,
		ErrorType:      string(errorType),
		ErrorPattern:   "seeded",
		SuggestedFix:   desc,
		FixConfidence:  0.6,
		FixImplemented: true,
	}
	if err := conn.Create(&analysis).Error; err != nil {
		t.Fatalf("seeding analysis: %v", err)
	}
	history := models.FixHistory{
		FailureAnalysisID: analysis.ID,
		FixDescription:    desc,
		Published:         true,
		FixEffectiveness:  &effectiveness,
		CreatedAt:         createdAt,
	}
	if err := conn.Create(&history).Error; err != nil {
		t.Fatalf("seeding history: %v", err)
	}
	return history.ID
}

func TestSimilarFixesRankingAndTieBreak(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)
	now := time.Now()

	weakID := seedImplementedFix(t, conn, ErrorTypeDependency, "weak fix", 0.2, now)
	strongID := seedImplementedFix(t, conn, ErrorTypeDependency, "strong fix", 0.9, now)
	tieA := seedImplementedFix(t, conn, ErrorTypeDependency, "tie fix a", 0.5, now)
	tieB := seedImplementedFix(t, conn, ErrorTypeDependency, "tie fix b", 0.5, now)
	seedImplementedFix(t, conn, ErrorTypeTest, "other type fix", 0.99, now)

	ranked, err := store.SimilarFixes(depSignature(), 10)
	if err != nil {
		t.Fatalf("SimilarFixes: %v", err)
	}
	if len(ranked) != 4 {
		t.Fatalf("Expected 4 fixes of the same type, got %d", len(ranked))
	}
	if ranked[0].FixID != strongID {
		t.Errorf("Expected the most effective fix first, got fix %d", ranked[0].FixID)
	}
	if ranked[len(ranked)-1].FixID != weakID {
		t.Errorf("Expected the least effective fix last, got fix %d", ranked[len(ranked)-1].FixID)
	}

	// Equal scores order by lower fix ID for stable results.
	posA, posB := -1, -1
	for i, fix := range ranked {
		if fix.FixID == tieA {
			posA = i
		}
		if fix.FixID == tieB {
			posB = i
		}
	}
	if posA == -1 || posB == -1 || posA > posB {
		t.Errorf("Expected tie broken by lower fix ID: positions %d, %d", posA, posB)
	}
}

func TestSimilarFixesHonorsLimit(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)
	now := time.Now()

	for i := 0; i < 5; i++ {
		seedImplementedFix(t, conn, ErrorTypeDependency, string(rune('a'+i))+" fix", 0.5+float64(i)/100, now)
	}

	ranked, err := store.SimilarFixes(depSignature(), 2)
	if err != nil {
		t.Fatalf("SimilarFixes: %v", err)
	}
	if len(ranked) != 2 {
		t.Errorf("Expected 2 results, got %d", len(ranked))
	}
}

func TestProfileLazyCreateAndLearning(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)

	profile, err := store.Profile("acme", "widgets")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.ID == 0 {
		t.Fatal("Expected the profile to be created on first access")
	}

	again, err := store.Profile("acme", "widgets")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if again.ID != profile.ID {
		t.Error("Expected the same profile on repeat access")
	}

	sig := depSignature()
	if err := store.LearnFromOutcome("acme", "widgets", sig, "reinstall dependencies", OutcomeSuccess); err != nil {
		t.Fatalf("LearnFromOutcome: %v", err)
	}
	if err := store.LearnFromOutcome("acme", "widgets", sig, "reinstall dependencies", OutcomeFailure); err != nil {
		t.Fatalf("LearnFromOutcome: %v", err)
	}

	updated, _ := store.Profile("acme", "widgets")
	if updated.LearningScore <= 0 {
		t.Errorf("Expected a positive learning score after a success, got %.3f", updated.LearningScore)
	}
	if len(updated.SuccessfulFixes.StringSlice("fixes")) != 1 {
		t.Error("Expected one recorded successful fix")
	}
	if len(updated.FailurePatterns.StringSlice("patterns")) != 1 {
		t.Error("Expected one recorded failure pattern")
	}
	if count, ok := updated.CommonPatterns[sig.Pattern].(float64); !ok || count != 2 {
		t.Errorf("Expected pattern counted twice, got %v", updated.CommonPatterns[sig.Pattern])
	}
}

func TestUpdateProfileStackNeverOverwrites(t *testing.T) {
	conn := testDB(t)
	store := NewPatternStore(conn)

	if err := store.UpdateProfileStack("acme", "widgets", "javascript", "react", "npm"); err != nil {
		t.Fatalf("UpdateProfileStack: %v", err)
	}
	if err := store.UpdateProfileStack("acme", "widgets", "python", "", ""); err != nil {
		t.Fatalf("UpdateProfileStack: %v", err)
	}

	profile, _ := store.Profile("acme", "widgets")
	if profile.Language != "javascript" {
		t.Errorf("Expected detected language to stick, got %q", profile.Language)
	}
}
