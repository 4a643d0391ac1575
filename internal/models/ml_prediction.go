package models

import (
	"time"
)

// MLPrediction aggregates everything learned about one error fingerprint:
// the last prediction made for it and the outcome tallies fed back by the
// lifecycle manager. AppliedEvents keeps the IDs of outcome events already
// counted so replays never double-increment the tallies.
type MLPrediction struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	ErrorLogHash     string    `json:"errorLogHash" gorm:"uniqueIndex;not null;size:64"`
	ErrorPattern     string    `json:"errorPattern"`
	ErrorType        string    `json:"errorType" gorm:"index"`
	PredictedSuccess float64   `json:"predictedSuccess"`
	ConfidenceScore  float64   `json:"confidenceScore"`
	Factors          JSONB     `json:"factors" gorm:"type:jsonb"`
	SuccessCount     int       `json:"successCount" gorm:"default:0"`
	FailureCount     int       `json:"failureCount" gorm:"default:0"`
	AppliedEvents    JSONB     `json:"appliedEvents" gorm:"type:jsonb"`
	ActualOutcome    string    `json:"actualOutcome"`
	FeedbackScore    *float64  `json:"feedbackScore"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (MLPrediction) TableName() string {
	return "ml_predictions"
}

// Samples is the number of outcomes observed for this fingerprint.
func (p *MLPrediction) Samples() int {
	return p.SuccessCount + p.FailureCount
}
