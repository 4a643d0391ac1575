package services

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cicd-fixer/backend/internal/logger"
	"github.com/cicd-fixer/backend/internal/models"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// PatternStore persists error signatures, their outcome tallies and the
// per-repository learning profiles. It is the single writer for
// ml_predictions and repository_profiles.
type PatternStore struct {
	db *gorm.DB
}

func NewPatternStore(db *gorm.DB) *PatternStore {
	return &PatternStore{db: db}
}

// TypeStats aggregates observed outcomes for one error type.
type TypeStats struct {
	ErrorType    ErrorType `json:"errorType"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	Samples      int       `json:"samples"`
	SuccessRate  float64   `json:"successRate"`
}

// RankedFix is a previously implemented fix scored for relevance to a new
// failure of the same type.
type RankedFix struct {
	FixID       uint    `json:"fixId"`
	AnalysisID  uint    `json:"analysisId"`
	Description string  `json:"description"`
	SuccessRate float64 `json:"successRate"`
	Score       float64 `json:"score"`
}

// RecordSignature makes sure a tally row exists for the fingerprint.
// Classification alone never changes tallies.
func (ps *PatternStore) RecordSignature(sig ErrorSignature) error {
	_, err := ps.ensureRow(sig)
	return err
}

func (ps *PatternStore) ensureRow(sig ErrorSignature) (*models.MLPrediction, error) {
	var pred models.MLPrediction
	err := ps.db.Where("error_log_hash = ?", sig.Fingerprint).First(&pred).Error
	if err == nil {
		return &pred, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	pred = models.MLPrediction{
		ErrorLogHash:  sig.Fingerprint,
		ErrorPattern:  sig.Pattern,
		ErrorType:     string(sig.Type),
		AppliedEvents: models.JSONB{"events": []interface{}{}},
	}
	if err := ps.db.Create(&pred).Error; err != nil {
		// Lost a race on the unique hash; the winner's row serves.
		var existing models.MLPrediction
		if err2 := ps.db.Where("error_log_hash = ?", sig.Fingerprint).First(&existing).Error; err2 == nil {
			return &existing, nil
		}
		return nil, err
	}
	return &pred, nil
}

// RecordOutcome applies one outcome event to the fingerprint's tallies.
// Events are identified by eventID; replaying an already-applied event is a
// no-op, so callers may safely retry.
func (ps *PatternStore) RecordOutcome(sig ErrorSignature, outcome Outcome, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("outcome event requires an event id")
	}

	// Compare-and-swap on the counters keeps concurrent writers from
	// double-counting without database-specific row locks.
	for attempt := 0; attempt < 3; attempt++ {
		pred, err := ps.ensureRow(sig)
		if err != nil {
			return err
		}

		events := pred.AppliedEvents.StringSlice("events")
		for _, applied := range events {
			if applied == eventID {
				return nil
			}
		}

		updated := append(events, eventID)
		eventList := make([]interface{}, len(updated))
		for i, e := range updated {
			eventList[i] = e
		}

		updates := map[string]interface{}{
			"applied_events": models.JSONB{"events": eventList},
		}
		if outcome == OutcomeSuccess {
			updates["success_count"] = pred.SuccessCount + 1
		} else {
			updates["failure_count"] = pred.FailureCount + 1
		}

		res := ps.db.Model(&models.MLPrediction{}).
			Where("id = ? AND success_count = ? AND failure_count = ?",
				pred.ID, pred.SuccessCount, pred.FailureCount).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			logger.Info("Recorded fix outcome", map[string]interface{}{
				"fingerprint": sig.Fingerprint[:12],
				"error_type":  sig.Type,
				"outcome":     outcome,
				"event_id":    eventID,
			})
			return nil
		}
		// Concurrent update slipped in, reload and retry.
	}
	return fmt.Errorf("recording outcome for %s: too much contention", sig.Fingerprint[:12])
}

// RecordPrediction stores the latest prediction made for a fingerprint.
func (ps *PatternStore) RecordPrediction(sig ErrorSignature, prediction *Prediction) error {
	if _, err := ps.ensureRow(sig); err != nil {
		return err
	}
	factorList := make([]interface{}, len(prediction.Factors))
	for i, f := range prediction.Factors {
		factorList[i] = f
	}
	return ps.db.Model(&models.MLPrediction{}).
		Where("error_log_hash = ?", sig.Fingerprint).
		Updates(map[string]interface{}{
			"predicted_success": prediction.Probability,
			"confidence_score":  prediction.Confidence,
			"factors":           models.JSONB{"factors": factorList},
		}).Error
}

// SetActualOutcome records the observed outcome string on the prediction
// row, first value wins.
func (ps *PatternStore) SetActualOutcome(fingerprint string, outcome Outcome, feedbackScore float64) error {
	return ps.db.Model(&models.MLPrediction{}).
		Where("error_log_hash = ? AND (actual_outcome IS NULL OR actual_outcome = '')", fingerprint).
		Updates(map[string]interface{}{
			"actual_outcome": string(outcome),
			"feedback_score": feedbackScore,
		}).Error
}

// TypeStats sums outcome tallies across every fingerprint of the type.
func (ps *PatternStore) TypeStats(errorType ErrorType) (*TypeStats, error) {
	var row struct {
		SuccessTotal int
		FailureTotal int
	}
	err := ps.db.Model(&models.MLPrediction{}).
		Select("COALESCE(SUM(success_count),0) as success_total, COALESCE(SUM(failure_count),0) as failure_total").
		Where("error_type = ?", string(errorType)).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}

	stats := &TypeStats{
		ErrorType:    errorType,
		SuccessCount: row.SuccessTotal,
		FailureCount: row.FailureTotal,
		Samples:      row.SuccessTotal + row.FailureTotal,
	}
	if stats.Samples > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.Samples)
	}
	return stats, nil
}

// SimilarFixes returns up to k previously implemented fixes for the same
// error type, ranked by success rate weighted with recency. Ties rank the
// older fix first so ordering is stable.
func (ps *PatternStore) SimilarFixes(sig ErrorSignature, k int) ([]RankedFix, error) {
	if k <= 0 {
		k = 3
	}

	var rows []struct {
		models.FixHistory
		FixConfidence float64
	}
	err := ps.db.Model(&models.FixHistory{}).
		Select("fix_history.*, failure_analyses.fix_confidence").
		Joins("JOIN failure_analyses ON failure_analyses.id = fix_history.failure_analysis_id").
		Where("failure_analyses.error_type = ? AND fix_history.published = ?", string(sig.Type), true).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ranked := make([]RankedFix, 0, len(rows))
	for _, row := range rows {
		successRate := row.FixConfidence
		if row.FixEffectiveness != nil {
			successRate = *row.FixEffectiveness
		}
		ageDays := now.Sub(row.CreatedAt).Hours() / 24
		recency := math.Exp(-ageDays / 30)
		ranked = append(ranked, RankedFix{
			FixID:       row.ID,
			AnalysisID:  row.FailureAnalysisID,
			Description: row.FixDescription,
			SuccessRate: successRate,
			Score:       successRate * (0.5 + 0.5*recency),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].FixID < ranked[j].FixID
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

// SuccessfulFixTexts returns fix descriptions that worked for the type,
// newest first, for similarity scoring in the predictor.
func (ps *PatternStore) SuccessfulFixTexts(errorType ErrorType, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	var texts []string
	err := ps.db.Model(&models.FailureAnalysis{}).
		Where("error_type = ? AND fix_implemented = ?", string(errorType), true).
		Order("updated_at DESC").
		Limit(limit).
		Pluck("suggested_fix", &texts).Error
	return texts, err
}

// Profile returns the repository's learning profile, creating an empty one
// on first sight.
func (ps *PatternStore) Profile(owner, repo string) (*models.RepositoryProfile, error) {
	var profile models.RepositoryProfile
	err := ps.db.Where(models.RepositoryProfile{Owner: owner, RepoName: repo}).
		FirstOrCreate(&profile).Error
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// UpdateProfileStack records the detected language, framework and build
// system for a repository. Empty values never overwrite known ones.
func (ps *PatternStore) UpdateProfileStack(owner, repo, language, framework, buildSystem string) error {
	profile, err := ps.Profile(owner, repo)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{}
	if language != "" && profile.Language == "" {
		updates["language"] = language
	}
	if framework != "" && profile.Framework == "" {
		updates["framework"] = framework
	}
	if buildSystem != "" && profile.BuildSystem == "" {
		updates["build_system"] = buildSystem
	}
	if len(updates) == 0 {
		return nil
	}
	return ps.db.Model(&models.RepositoryProfile{}).
		Where("id = ?", profile.ID).
		Updates(updates).Error
}

// LearnFromOutcome folds one observed outcome into the repository profile:
// pattern counters, the fix lists and the learning score.
func (ps *PatternStore) LearnFromOutcome(owner, repo string, sig ErrorSignature, fixText string, outcome Outcome) error {
	profile, err := ps.Profile(owner, repo)
	if err != nil {
		return err
	}

	patterns := profile.CommonPatterns
	if patterns == nil {
		patterns = models.JSONB{}
	}
	count := 0.0
	if v, ok := patterns[sig.Pattern].(float64); ok {
		count = v
	}
	patterns[sig.Pattern] = count + 1

	score := profile.LearningScore
	summary := summarizeFix(fixText)

	updates := map[string]interface{}{
		"common_patterns": patterns,
	}
	if outcome == OutcomeSuccess {
		fixes := append(profile.SuccessfulFixes.StringSlice("fixes"), summary)
		updates["successful_fixes"] = models.JSONB{"fixes": toInterfaceSlice(fixes)}
		score += 0.05
	} else {
		failures := append(profile.FailurePatterns.StringSlice("patterns"), sig.Pattern)
		updates["failure_patterns"] = models.JSONB{"patterns": toInterfaceSlice(failures)}
		score -= 0.02
	}
	updates["learning_score"] = clamp(score, 0, 1)

	return ps.db.Model(&models.RepositoryProfile{}).
		Where("id = ?", profile.ID).
		Updates(updates).Error
}

func summarizeFix(fixText string) string {
	fixText = strings.TrimSpace(fixText)
	if idx := strings.IndexByte(fixText, '\n'); idx > 0 {
		fixText = fixText[:idx]
	}
	if len(fixText) > 200 {
		fixText = fixText[:200]
	}
	return fixText
}

func toInterfaceSlice(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
