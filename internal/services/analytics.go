package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/cicd-fixer/backend/internal/logger"
	"github.com/cicd-fixer/backend/internal/models"
	"gorm.io/gorm"
)

// PatternReport summarizes failure activity over a time window.
type PatternReport struct {
	DaysBack        int              `json:"daysBack"`
	TotalFailures   int64            `json:"totalFailures"`
	ByErrorType     map[string]int64 `json:"byErrorType"`
	ByRepository    map[string]int64 `json:"byRepository"`
	ApprovalRate    float64          `json:"approvalRate"`
	AvgConfidence   float64          `json:"avgConfidence"`
	Recommendations []string         `json:"recommendations"`
	GeneratedAt     time.Time        `json:"generatedAt"`
}

// EffectivenessReport aggregates how published fixes performed.
type EffectivenessReport struct {
	PublishedFixes   int64   `json:"publishedFixes"`
	ScoredFixes      int64   `json:"scoredFixes"`
	AvgEffectiveness float64 `json:"avgEffectiveness"`
}

type cachedReport struct {
	report    *PatternReport
	expiresAt time.Time
}

// AnalyticsService computes dashboard aggregates over the analysis tables
// and records pipeline metrics. Pattern reports are cached with a TTL
// because they scan several tables.
type AnalyticsService struct {
	db *gorm.DB

	cacheMu sync.Mutex
	cache   map[string]cachedReport
	ttl     time.Duration
}

func NewAnalyticsService(db *gorm.DB) *AnalyticsService {
	return &AnalyticsService{
		db:    db,
		cache: make(map[string]cachedReport),
		ttl:   time.Hour,
	}
}

// RecordMetric writes one measurement. Failures are logged, not returned;
// metric emission never blocks the pipeline.
func (as *AnalyticsService) RecordMetric(name string, value float64, unit string, context models.JSONB) {
	metric := models.AnalyticsMetric{
		MetricName:  name,
		MetricValue: value,
		MetricUnit:  unit,
		Context:     context,
	}
	if err := as.db.Create(&metric).Error; err != nil {
		logger.WithError(err, "analytics").Warn("Failed to record metric")
	}
}

// FailurePatterns builds (or serves from cache) the failure pattern report
// for the trailing window.
func (as *AnalyticsService) FailurePatterns(daysBack int) (*PatternReport, error) {
	if daysBack <= 0 || daysBack > 365 {
		daysBack = 30
	}
	cacheKey := fmt.Sprintf("patterns:%d", daysBack)

	as.cacheMu.Lock()
	if cached, ok := as.cache[cacheKey]; ok && time.Now().Before(cached.expiresAt) {
		as.cacheMu.Unlock()
		return cached.report, nil
	}
	as.cacheMu.Unlock()

	since := time.Now().AddDate(0, 0, -daysBack)
	report := &PatternReport{
		DaysBack:     daysBack,
		ByErrorType:  make(map[string]int64),
		ByRepository: make(map[string]int64),
		GeneratedAt:  time.Now(),
	}

	if err := as.db.Model(&models.FailureAnalysis{}).
		Where("created_at >= ?", since).
		Count(&report.TotalFailures).Error; err != nil {
		return nil, err
	}

	var typeRows []struct {
		ErrorType string
		Total     int64
	}
	err := as.db.Model(&models.FailureAnalysis{}).
		Select("error_type, COUNT(*) as total").
		Where("created_at >= ?", since).
		Group("error_type").
		Scan(&typeRows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range typeRows {
		report.ByErrorType[row.ErrorType] = row.Total
	}

	var repoRows []struct {
		Owner    string
		RepoName string
		Total    int64
	}
	err = as.db.Model(&models.FailureAnalysis{}).
		Select("workflow_runs.owner, workflow_runs.repo_name, COUNT(*) as total").
		Joins("JOIN workflow_runs ON workflow_runs.id = failure_analyses.workflow_run_id").
		Where("failure_analyses.created_at >= ?", since).
		Group("workflow_runs.owner, workflow_runs.repo_name").
		Scan(&repoRows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range repoRows {
		report.ByRepository[row.Owner+"/"+row.RepoName] = row.Total
	}

	var decided, approved int64
	as.db.Model(&models.FailureAnalysis{}).
		Where("created_at >= ? AND (fix_approved = ? OR fix_rejected = ? OR fix_implemented = ?)", since, true, true, true).
		Count(&decided)
	as.db.Model(&models.FailureAnalysis{}).
		Where("created_at >= ? AND (fix_approved = ? OR fix_implemented = ?)", since, true, true).
		Count(&approved)
	if decided > 0 {
		report.ApprovalRate = float64(approved) / float64(decided)
	}

	var avg struct{ Avg float64 }
	as.db.Model(&models.FailureAnalysis{}).
		Select("COALESCE(AVG(fix_confidence),0) as avg").
		Where("created_at >= ?", since).
		Scan(&avg)
	report.AvgConfidence = avg.Avg

	report.Recommendations = buildRecommendations(report)

	as.cacheMu.Lock()
	as.cache[cacheKey] = cachedReport{report: report, expiresAt: time.Now().Add(as.ttl)}
	as.cacheMu.Unlock()

	return report, nil
}

// Effectiveness aggregates published fix performance.
func (as *AnalyticsService) Effectiveness() (*EffectivenessReport, error) {
	report := &EffectivenessReport{}

	if err := as.db.Model(&models.FixHistory{}).
		Where("published = ?", true).
		Count(&report.PublishedFixes).Error; err != nil {
		return nil, err
	}
	as.db.Model(&models.FixHistory{}).
		Where("fix_effectiveness IS NOT NULL").
		Count(&report.ScoredFixes)

	var avg struct{ Avg float64 }
	as.db.Model(&models.FixHistory{}).
		Select("COALESCE(AVG(fix_effectiveness),0) as avg").
		Where("fix_effectiveness IS NOT NULL").
		Scan(&avg)
	report.AvgEffectiveness = avg.Avg

	return report, nil
}

// Dashboard returns the headline counters for the UI landing page.
func (as *AnalyticsService) Dashboard() (map[string]interface{}, error) {
	var totalRuns, totalAnalyses, pendingFixes, publishedFixes int64

	if err := as.db.Model(&models.WorkflowRun{}).Count(&totalRuns).Error; err != nil {
		return nil, err
	}
	as.db.Model(&models.FailureAnalysis{}).Count(&totalAnalyses)
	as.db.Model(&models.FailureAnalysis{}).
		Where("fix_approved = ? AND fix_rejected = ? AND fix_implemented = ?", false, false, false).
		Count(&pendingFixes)
	as.db.Model(&models.FailureAnalysis{}).
		Where("fix_implemented = ?", true).
		Count(&publishedFixes)

	return map[string]interface{}{
		"totalRuns":      totalRuns,
		"totalAnalyses":  totalAnalyses,
		"pendingFixes":   pendingFixes,
		"publishedFixes": publishedFixes,
	}, nil
}

// RepositorySummary reports the learning state of one repository.
func (as *AnalyticsService) RepositorySummary(owner, repo string) (map[string]interface{}, error) {
	var profile models.RepositoryProfile
	err := as.db.Where("owner = ? AND repo_name = ?", owner, repo).First(&profile).Error
	if err != nil {
		return nil, fmt.Errorf("repository %s/%s: %w", owner, repo, ErrNotFound)
	}

	var runCount int64
	as.db.Model(&models.WorkflowRun{}).
		Where("owner = ? AND repo_name = ?", owner, repo).
		Count(&runCount)

	return map[string]interface{}{
		"owner":           profile.Owner,
		"repo":            profile.RepoName,
		"language":        profile.Language,
		"framework":       profile.Framework,
		"buildSystem":     profile.BuildSystem,
		"learningScore":   profile.LearningScore,
		"commonPatterns":  profile.CommonPatterns,
		"successfulFixes": profile.SuccessfulFixes,
		"failurePatterns": profile.FailurePatterns,
		"analyzedRuns":    runCount,
	}, nil
}

func buildRecommendations(report *PatternReport) []string {
	var recs []string

	var dominantType string
	var dominantCount int64
	for errorType, count := range report.ByErrorType {
		if count > dominantCount {
			dominantType, dominantCount = errorType, count
		}
	}

	if report.TotalFailures > 0 && dominantCount*2 > report.TotalFailures {
		switch ErrorType(dominantType) {
		case ErrorTypeDependency:
			recs = append(recs, "Most failures are dependency errors; pin dependency versions and cache the package manager between runs")
		case ErrorTypeTest:
			recs = append(recs, "Most failures are test failures; quarantine flaky tests and review recent test changes")
		case ErrorTypeBuild:
			recs = append(recs, "Most failures are build errors; gate merges on a local build check")
		case ErrorTypeTimeout:
			recs = append(recs, "Most failures are timeouts; raise job timeouts or split long-running steps")
		case ErrorTypePermission:
			recs = append(recs, "Most failures are permission errors; audit workflow token scopes and repository secrets")
		case ErrorTypeResource:
			recs = append(recs, "Most failures are resource exhaustion; move heavy jobs to larger runners")
		}
	}

	if report.ApprovalRate > 0 && report.ApprovalRate < 0.3 {
		recs = append(recs, "Fix approval rate is low; proposed fixes may need richer repository context")
	}
	if len(recs) == 0 && report.TotalFailures > 0 {
		recs = append(recs, "Failure mix is varied; no single remediation dominates")
	}
	return recs
}
