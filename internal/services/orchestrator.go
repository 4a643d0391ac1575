package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cicd-fixer/backend/internal/logger"
	"github.com/cicd-fixer/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AnalysisHandle identifies an analysis accepted by the orchestrator.
// Concurrent triggers for the same run receive the same handle.
type AnalysisHandle struct {
	RunID         int64  `json:"runId"`
	WorkflowRunID uint   `json:"workflowRunId"`
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`

	// Done closes when the pipeline reaches a terminal state for this
	// submission.
	Done chan struct{} `json:"-"`
}

type analysisRequest struct {
	handle      *AnalysisHandle
	failureLog  string
	isResumed   bool
	clarAnswers []string
}

type clarificationWaiter struct {
	question string
	req      analysisRequest
	timer    *time.Timer
}

// AnalysisOrchestrator drives failed runs through the analysis pipeline on
// a fixed worker pool. Each run moves through queued, classifying,
// proposing, scored and completed, with awaiting_clarification as an
// optional detour; failed is absorbing. Every transition is persisted
// before the next stage starts, so a restart resumes from the database.
type AnalysisOrchestrator struct {
	db         *gorm.DB
	classifier *ErrorClassifier
	store      *PatternStore
	proposer   *FixProposer
	predictor  *SuccessPredictor
	fetcher    WorkflowFetcher
	analytics  *AnalyticsService

	queue       chan analysisRequest
	workerCount int
	stopChan    chan struct{}
	wg          sync.WaitGroup

	mu       sync.Mutex
	inflight map[int64]*AnalysisHandle
	waiters  map[string]*clarificationWaiter // clarification ID -> waiter

	clarificationTimeout time.Duration
	started              bool
}

func NewAnalysisOrchestrator(db *gorm.DB, classifier *ErrorClassifier, store *PatternStore, proposer *FixProposer, predictor *SuccessPredictor, fetcher WorkflowFetcher, analytics *AnalyticsService) *AnalysisOrchestrator {
	workers := 2
	if raw := os.Getenv("ANALYSIS_WORKERS"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			workers = parsed
		}
	}
	clarTimeout := 30 * time.Minute
	if raw := os.Getenv("CLARIFICATION_TIMEOUT_MINUTES"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			clarTimeout = time.Duration(parsed) * time.Minute
		}
	}

	return &AnalysisOrchestrator{
		db:                   db,
		classifier:           classifier,
		store:                store,
		proposer:             proposer,
		predictor:            predictor,
		fetcher:              fetcher,
		analytics:            analytics,
		queue:                make(chan analysisRequest, 256),
		workerCount:          workers,
		stopChan:             make(chan struct{}),
		inflight:             make(map[int64]*AnalysisHandle),
		waiters:              make(map[string]*clarificationWaiter),
		clarificationTimeout: clarTimeout,
	}
}

// Start launches the analysis workers.
func (ao *AnalysisOrchestrator) Start() {
	ao.mu.Lock()
	if ao.started {
		ao.mu.Unlock()
		return
	}
	ao.started = true
	ao.mu.Unlock()

	for i := 0; i < ao.workerCount; i++ {
		ao.wg.Add(1)
		go ao.worker(i)
	}
	logger.Info("Analysis orchestrator started", map[string]interface{}{
		"workers": ao.workerCount,
	})
}

// Stop drains the workers. Suspended analyses keep their persisted state
// and are resumed on the next boot.
func (ao *AnalysisOrchestrator) Stop() {
	close(ao.stopChan)
	ao.wg.Wait()

	ao.mu.Lock()
	suspended := make([]*clarificationWaiter, 0, len(ao.waiters))
	for id, waiter := range ao.waiters {
		waiter.timer.Stop()
		delete(ao.waiters, id)
		suspended = append(suspended, waiter)
	}
	ao.mu.Unlock()
	for _, waiter := range suspended {
		ao.release(waiter.req.handle.RunID, waiter.req.handle)
	}

	logger.Info("Analysis orchestrator stopped", nil)
}

func (ao *AnalysisOrchestrator) worker(id int) {
	defer ao.wg.Done()
	for {
		select {
		case <-ao.stopChan:
			return
		case req := <-ao.queue:
			ao.process(req)
		}
	}
}

// StartAnalysis accepts a failed run for analysis. Calls are idempotent
// while the run is in flight: the second caller gets the first caller's
// handle and no duplicate work happens. failureLog may be empty when a
// fetcher is configured.
func (ao *AnalysisOrchestrator) StartAnalysis(owner, repo string, runID int64, workflowName, failureLog string) (*AnalysisHandle, error) {
	ao.mu.Lock()
	if existing, ok := ao.inflight[runID]; ok {
		ao.mu.Unlock()
		logger.WithRun(runID, owner, repo).Debug("Analysis already in flight, returning existing handle")
		return existing, nil
	}

	handle := &AnalysisHandle{
		RunID: runID,
		Owner: owner,
		Repo:  repo,
		Done:  make(chan struct{}),
	}
	ao.inflight[runID] = handle
	ao.mu.Unlock()

	run := models.WorkflowRun{
		RunID:        runID,
		Owner:        owner,
		RepoName:     repo,
		WorkflowName: workflowName,
		Status:       "completed",
		Conclusion:   "failure",
		FailureLogs:  failureLog,
		FixStatus:    models.AnalysisStatusQueued,
	}
	err := ao.db.Where(models.WorkflowRun{RunID: runID}).
		Attrs(run).
		FirstOrCreate(&run).Error
	if err != nil {
		ao.release(runID, handle)
		return nil, err
	}

	// A re-trigger of a finished run starts a fresh pass.
	if run.FixStatus.IsTerminal() {
		if err := ao.transition(run.ID, models.AnalysisStatusQueued); err != nil {
			ao.release(runID, handle)
			return nil, err
		}
	}

	handle.WorkflowRunID = run.ID
	if failureLog == "" {
		failureLog = run.FailureLogs
	}

	select {
	case ao.queue <- analysisRequest{handle: handle, failureLog: failureLog}:
	case <-ao.stopChan:
		ao.release(runID, handle)
		return nil, fmt.Errorf("orchestrator is shutting down")
	}

	logger.WithRun(runID, owner, repo).Info("Queued workflow run for analysis")
	return handle, nil
}

// ResumePending re-enqueues every run the previous process left
// unfinished. Runs that were awaiting a clarification re-raise their
// question with a fresh deadline.
func (ao *AnalysisOrchestrator) ResumePending() error {
	var runs []models.WorkflowRun
	err := ao.db.Where("fix_status IN ?", []string{
		string(models.AnalysisStatusQueued),
		string(models.AnalysisStatusClassifying),
		string(models.AnalysisStatusProposing),
		string(models.AnalysisStatusAwaitingClarification),
	}).Find(&runs).Error
	if err != nil {
		return err
	}

	for i := range runs {
		run := runs[i]
		ao.mu.Lock()
		if _, ok := ao.inflight[run.RunID]; ok {
			ao.mu.Unlock()
			continue
		}
		handle := &AnalysisHandle{
			RunID:         run.RunID,
			WorkflowRunID: run.ID,
			Owner:         run.Owner,
			Repo:          run.RepoName,
			Done:          make(chan struct{}),
		}
		ao.inflight[run.RunID] = handle
		ao.mu.Unlock()

		if err := ao.transition(run.ID, models.AnalysisStatusQueued); err != nil {
			ao.release(run.RunID, handle)
			continue
		}

		select {
		case ao.queue <- analysisRequest{
			handle:      handle,
			failureLog:  run.FailureLogs,
			isResumed:   true,
			clarAnswers: run.PendingClarifications.StringSlice("answers"),
		}:
		case <-ao.stopChan:
			ao.release(run.RunID, handle)
			return nil
		}
	}

	if len(runs) > 0 {
		logger.Info("Resumed pending analyses", map[string]interface{}{
			"count": len(runs),
		})
	}
	return nil
}

// AnswerClarification delivers the human's answer to a suspended analysis
// and puts the run back on the queue. Unknown, expired or already-answered
// clarification IDs return ErrNotFound.
func (ao *AnalysisOrchestrator) AnswerClarification(clarificationID, answer string) error {
	ao.mu.Lock()
	waiter, ok := ao.waiters[clarificationID]
	if ok {
		delete(ao.waiters, clarificationID)
	}
	ao.mu.Unlock()

	if !ok {
		return fmt.Errorf("clarification %s: %w", clarificationID, ErrNotFound)
	}
	waiter.timer.Stop()

	req := waiter.req
	req.clarAnswers = append(req.clarAnswers, answer)
	req.isResumed = true

	// Persist before enqueueing so a crash here still resumes on boot.
	err := ao.db.Model(&models.WorkflowRun{}).
		Where("id = ?", req.handle.WorkflowRunID).
		Updates(map[string]interface{}{
			"fix_status": string(models.AnalysisStatusProposing),
			"pending_clarifications": models.JSONB{
				"answers": toInterfaceSlice(req.clarAnswers),
			},
		}).Error
	if err != nil {
		return err
	}

	select {
	case ao.queue <- req:
	case <-ao.stopChan:
		ao.release(req.handle.RunID, req.handle)
		return nil
	}

	logger.WithRun(req.handle.RunID, req.handle.Owner, req.handle.Repo).Info("Clarification answered")
	return nil
}

// PendingClarifications lists the questions currently waiting for answers.
func (ao *AnalysisOrchestrator) PendingClarifications() []map[string]interface{} {
	ao.mu.Lock()
	defer ao.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(ao.waiters))
	for id, waiter := range ao.waiters {
		out = append(out, map[string]interface{}{
			"clarificationId": id,
			"runId":           waiter.req.handle.RunID,
			"question":        waiter.question,
		})
	}
	return out
}

// RunStatus reports the persisted pipeline state of a run.
func (ao *AnalysisOrchestrator) RunStatus(runID int64) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := ao.db.Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (ao *AnalysisOrchestrator) release(runID int64, handle *AnalysisHandle) {
	ao.mu.Lock()
	if current, ok := ao.inflight[runID]; ok && current == handle {
		delete(ao.inflight, runID)
	}
	ao.mu.Unlock()
	close(handle.Done)
}

func (ao *AnalysisOrchestrator) transition(workflowRunID uint, status models.AnalysisStatus) error {
	return ao.db.Model(&models.WorkflowRun{}).
		Where("id = ?", workflowRunID).
		Update("fix_status", string(status)).Error
}

func (ao *AnalysisOrchestrator) fail(req analysisRequest, reason string) {
	err := ao.db.Model(&models.WorkflowRun{}).
		Where("id = ?", req.handle.WorkflowRunID).
		Updates(map[string]interface{}{
			"fix_status":             string(models.AnalysisStatusFailed),
			"failure_reason":         reason,
			"pending_clarifications": nil,
		}).Error
	if err != nil {
		logger.WithError(err, "orchestrator").Error("Failed to persist failure state")
	}
	logger.WithRun(req.handle.RunID, req.handle.Owner, req.handle.Repo).Warnf("Analysis failed: %s", reason)
	ao.release(req.handle.RunID, req.handle)
}

// process drives one run through the pipeline stages.
func (ao *AnalysisOrchestrator) process(req analysisRequest) {
	handle := req.handle
	log := logger.WithRun(handle.RunID, handle.Owner, handle.Repo)

	if err := ao.transition(handle.WorkflowRunID, models.AnalysisStatusClassifying); err != nil {
		ao.fail(req, fmt.Sprintf("persisting state: %v", err))
		return
	}

	failureLog := req.failureLog
	if failureLog == "" && ao.fetcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		fetched, err := ao.fetcher.FetchFailureLogs(ctx, handle.Owner, handle.Repo, handle.RunID)
		cancel()
		if err != nil {
			ao.fail(req, fmt.Sprintf("fetching failure logs: %v", err))
			return
		}
		failureLog = fetched
		ao.db.Model(&models.WorkflowRun{}).
			Where("id = ?", handle.WorkflowRunID).
			Update("failure_logs", failureLog)
	}
	if failureLog == "" {
		ao.fail(req, "failure log is empty or unreadable")
		return
	}

	language, framework, buildSystem := DetectStack(failureLog)
	if err := ao.store.UpdateProfileStack(handle.Owner, handle.Repo, language, framework, buildSystem); err != nil {
		log.Warnf("Failed to update repository profile: %v", err)
	}
	profile, err := ao.store.Profile(handle.Owner, handle.Repo)
	if err == nil {
		if language == "" {
			language = profile.Language
		}
		if framework == "" {
			framework = profile.Framework
		}
		if buildSystem == "" {
			buildSystem = profile.BuildSystem
		}
	}

	sig := ao.classifier.Classify(failureLog, language)
	if err := ao.store.RecordSignature(sig); err != nil {
		log.Warnf("Failed to record signature: %v", err)
	}
	log.Infof("Classified failure as %s (%s)", sig.Type, sig.Severity)

	repoCtx := &RepoContext{
		Owner:                handle.Owner,
		Repo:                 handle.Repo,
		Language:             language,
		Framework:            framework,
		BuildSystem:          buildSystem,
		ClarificationAnswers: req.clarAnswers,
	}

	if err := ao.transition(handle.WorkflowRunID, models.AnalysisStatusProposing); err != nil {
		ao.fail(req, fmt.Sprintf("persisting state: %v", err))
		return
	}

	const maxClarificationRounds = 3
	proposal, err := ao.proposer.Propose(context.Background(), sig, repoCtx, failureLog)
	if err != nil {
		var clarification *ClarificationNeeded
		if errors.As(err, &clarification) && len(req.clarAnswers) < maxClarificationRounds {
			// Suspend without holding the worker. The answer re-enqueues
			// the request, so other queued runs keep flowing meanwhile.
			ao.suspend(req, clarification.Question)
			return
		}
		ao.fail(req, fmt.Sprintf("proposing fix: %v", err))
		return
	}

	prediction := ao.predictor.Predict(sig, proposal.SuggestedFix)

	failureID := uuid.New().String()
	analysis := models.FailureAnalysis{
		FailureID:         failureID,
		WorkflowRunID:     handle.WorkflowRunID,
		ErrorPattern:      sig.Pattern,
		ErrorType:         string(sig.Type),
		ErrorSeverity:     string(sig.Severity),
		SuggestedFix:      proposal.SuggestedFix,
		FixConfidence:     proposal.Confidence,
		PredictedSuccess:  prediction.Probability,
		MLInsights:        models.JSONB{"factors": toInterfaceSlice(prediction.Factors), "fallback": proposal.Fallback, "similar_fixes": proposal.SimilarFixes},
		AnalysisTimestamp: time.Now(),
	}

	err = ao.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&analysis).Error; err != nil {
			return err
		}
		return tx.Model(&models.WorkflowRun{}).
			Where("id = ?", handle.WorkflowRunID).
			Updates(map[string]interface{}{
				"fix_status":             string(models.AnalysisStatusScored),
				"confidence_score":       proposal.Confidence,
				"pending_clarifications": nil,
				"repository_context": models.JSONB{
					"language":     language,
					"framework":    framework,
					"build_system": buildSystem,
				},
			}).Error
	})
	if err != nil {
		ao.fail(req, fmt.Sprintf("persisting analysis: %v", err))
		return
	}

	if err := ao.transition(handle.WorkflowRunID, models.AnalysisStatusCompleted); err != nil {
		log.Warnf("Failed to persist completed state: %v", err)
	}

	if ao.analytics != nil {
		ao.analytics.RecordMetric("analysis_completed", 1, "count", models.JSONB{
			"error_type": sig.Type,
			"confidence": proposal.Confidence,
			"fallback":   proposal.Fallback,
		})
	}

	log.Infof("Analysis completed with confidence %.2f (failure %s)", proposal.Confidence, failureID)
	ao.release(handle.RunID, handle)
}

// suspend parks the run on a pending clarification and returns the worker
// to the pool. The run stays inflight until the answer, the deadline or a
// shutdown resolves it.
func (ao *AnalysisOrchestrator) suspend(req analysisRequest, question string) {
	handle := req.handle
	clarificationID := uuid.New().String()

	pending := models.JSONB{
		"clarification_id": clarificationID,
		"question":         question,
		"asked_at":         time.Now().Format(time.RFC3339),
		"answers":          toInterfaceSlice(req.clarAnswers),
	}
	err := ao.db.Model(&models.WorkflowRun{}).
		Where("id = ?", handle.WorkflowRunID).
		Updates(map[string]interface{}{
			"fix_status":             string(models.AnalysisStatusAwaitingClarification),
			"pending_clarifications": pending,
		}).Error
	if err != nil {
		ao.fail(req, fmt.Sprintf("persisting clarification: %v", err))
		return
	}

	waiter := &clarificationWaiter{
		question: question,
		req:      req,
	}
	ao.mu.Lock()
	ao.waiters[clarificationID] = waiter
	waiter.timer = time.AfterFunc(ao.clarificationTimeout, func() {
		ao.expireClarification(clarificationID)
	})
	ao.mu.Unlock()

	logger.WithRun(handle.RunID, handle.Owner, handle.Repo).Infof("Awaiting clarification %s: %s", clarificationID, question)
}

// expireClarification fails a run whose question went unanswered. Losing
// the waiter-map race to AnswerClarification means the answer arrived in
// time, so the timer becomes a no-op.
func (ao *AnalysisOrchestrator) expireClarification(clarificationID string) {
	ao.mu.Lock()
	waiter, ok := ao.waiters[clarificationID]
	if ok {
		delete(ao.waiters, clarificationID)
	}
	ao.mu.Unlock()

	if !ok {
		return
	}
	ao.fail(waiter.req, ErrClarificationTimeout.Error())
}
