package models

import (
	"time"
)

type AnalysisStatus string

const (
	AnalysisStatusQueued                AnalysisStatus = "queued"
	AnalysisStatusClassifying           AnalysisStatus = "classifying"
	AnalysisStatusAwaitingClarification AnalysisStatus = "awaiting_clarification"
	AnalysisStatusProposing             AnalysisStatus = "proposing"
	AnalysisStatusScored                AnalysisStatus = "scored"
	AnalysisStatusCompleted             AnalysisStatus = "completed"
	AnalysisStatusFailed                AnalysisStatus = "failed"
	AnalysisStatusPublished             AnalysisStatus = "published"
)

// IsTerminal reports whether the analysis can make no further progress.
func (s AnalysisStatus) IsTerminal() bool {
	return s == AnalysisStatusCompleted || s == AnalysisStatusFailed || s == AnalysisStatusPublished
}

// WorkflowRun is one observed CI workflow execution. Rows are append-only;
// FixStatus, ConfidenceScore and PendingClarifications are the only fields
// the pipeline mutates after ingest.
type WorkflowRun struct {
	ID                    uint           `json:"id" gorm:"primaryKey"`
	RunID                 int64          `json:"runId" gorm:"uniqueIndex;not null"`
	Owner                 string         `json:"owner" gorm:"not null;index:idx_workflow_repo"`
	RepoName              string         `json:"repoName" gorm:"not null;index:idx_workflow_repo"`
	WorkflowName          string         `json:"workflowName"`
	Status                string         `json:"status"`     // GitHub run status ("completed")
	Conclusion            string         `json:"conclusion"` // GitHub run conclusion ("failure")
	Branch                string         `json:"branch"`
	CommitSHA             string         `json:"commitSha"`
	FailureLogs           string         `json:"failureLogs" gorm:"type:text"`
	FixStatus             AnalysisStatus `json:"fixStatus" gorm:"not null;default:'queued';index"`
	FailureReason         string         `json:"failureReason"`
	ConfidenceScore       *float64       `json:"confidenceScore"`
	RepositoryContext     JSONB          `json:"repositoryContext" gorm:"type:jsonb"`
	PendingClarifications JSONB          `json:"pendingClarifications" gorm:"type:jsonb"`
	CreatedAt             time.Time      `json:"createdAt"`
	UpdatedAt             time.Time      `json:"updatedAt"`
}

func (WorkflowRun) TableName() string {
	return "workflow_runs"
}
