package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cicd-fixer/backend/internal/db"
	"github.com/cicd-fixer/backend/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// testDB opens an isolated in-memory database and migrates the schema.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("getting sql.DB: %v", err)
	}
	// A single connection keeps the shared-cache database alive and
	// serializes concurrent test writers the way postgres row locks would.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return conn
}

// stubGenerator is a scriptable FixGenerator for tests.
type stubGenerator struct {
	mu    sync.Mutex
	calls int

	fix      *GeneratedFix
	err      error
	question string // NeedsClarification on the first call only
	block    chan struct{}
}

func (s *stubGenerator) GenerateFix(ctx context.Context, prompt string) (*GeneratedFix, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	fix := *s.fix
	if first && s.question != "" {
		fix.NeedsClarification = s.question
	}
	return &fix, nil
}

func (s *stubGenerator) CheckHealth(ctx context.Context) error {
	return nil
}

func (s *stubGenerator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubPublisher records publish attempts and can be told to fail.
type stubPublisher struct {
	mu       sync.Mutex
	attempts int
	fail     bool
}

func (s *stubPublisher) PublishFix(ctx context.Context, owner, repo string, analysis *models.FailureAnalysis) (*PublishResult, error) {
	s.mu.Lock()
	s.attempts++
	n := s.attempts
	s.mu.Unlock()

	if s.fail {
		return nil, fmt.Errorf("%w: simulated outage", ErrPublishFailed)
	}
	return &PublishResult{
		PRURL:  fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, n),
		Branch: fmt.Sprintf("cicd-fix-test-%d", n),
	}, nil
}

func (s *stubPublisher) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// testProposer builds a proposer with a deterministic candidate count.
func testProposer(generator FixGenerator, store *PatternStore, candidates int) *FixProposer {
	p := NewFixProposer(generator, store)
	p.candidateCount = candidates
	return p
}

// defaultStubFix is a plausible generated fix for dependency failures.
func defaultStubFix() *GeneratedFix {
	return &GeneratedFix{
		Description:   "Reinstall dependencies with a clean lockfile and clear the npm cache",
		Steps:         []string{"Delete node_modules", "Run npm cache clean --force", "Run npm install"},
		Commands:      []string{"rm -rf node_modules", "npm cache clean --force", "npm install"},
		Confidence:    0.7,
		Rationale:     "ENOENT during npm install usually means a corrupted dependency tree",
		EstimatedTime: "10 minutes",
	}
}

// seedWorkflowRun inserts a failed run and returns it.
func seedWorkflowRun(t *testing.T, conn *gorm.DB, runID int64, failureLog string) *models.WorkflowRun {
	t.Helper()
	run := &models.WorkflowRun{
		RunID:       runID,
		Owner:       "acme",
		RepoName:    "widgets",
		Status:      "completed",
		Conclusion:  "failure",
		FailureLogs: failureLog,
		FixStatus:   models.AnalysisStatusQueued,
	}
	if err := conn.Create(run).Error; err != nil {
		t.Fatalf("seeding workflow run: %v", err)
	}
	return run
}
