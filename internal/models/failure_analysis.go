package models

import (
	"time"
)

// FailureAnalysis is the scored result of analyzing one failed run.
// FixApproved, FixRejected and FixImplemented are mutually exclusive;
// once any of them is set the suggested fix text is frozen.
type FailureAnalysis struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	FailureID         string    `json:"failureId" gorm:"uniqueIndex;not null;size:36"`
	WorkflowRunID     uint      `json:"workflowRunId" gorm:"not null;index"`
	ErrorPattern      string    `json:"errorPattern"`
	ErrorType         string    `json:"errorType" gorm:"index"`
	ErrorSeverity     string    `json:"errorSeverity"`
	SuggestedFix      string    `json:"suggestedFix" gorm:"type:text"`
	FixConfidence     float64   `json:"fixConfidence"`
	PredictedSuccess  float64   `json:"predictedSuccess"`
	FixApproved       bool      `json:"fixApproved" gorm:"default:false"`
	FixRejected       bool      `json:"fixRejected" gorm:"default:false"`
	FixImplemented    bool      `json:"fixImplemented" gorm:"default:false"`
	MLInsights        JSONB     `json:"mlInsights" gorm:"type:jsonb"`
	UserFeedback      string    `json:"userFeedback" gorm:"type:text"`
	AnalysisTimestamp time.Time `json:"analysisTimestamp"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`

	WorkflowRun *WorkflowRun `json:"workflowRun,omitempty" gorm:"foreignKey:WorkflowRunID;references:ID"`
}

func (FailureAnalysis) TableName() string {
	return "failure_analyses"
}

// DecisionMade reports whether a reviewer already acted on this fix.
func (fa *FailureAnalysis) DecisionMade() bool {
	return fa.FixApproved || fa.FixRejected || fa.FixImplemented
}
