package models

import (
	"time"
)

// FixHistory is an append-only record of publication attempts. One row is
// written per approval or republish attempt whether or not the publish
// itself succeeded.
type FixHistory struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	FailureAnalysisID uint      `json:"failureAnalysisId" gorm:"not null;index"`
	FixDescription    string    `json:"fixDescription" gorm:"type:text;not null"`
	FixImplementation string    `json:"fixImplementation" gorm:"type:text"` // PR URL when publication succeeded
	FixEffectiveness  *float64  `json:"fixEffectiveness"`
	ImplementedBy     string    `json:"implementedBy"`
	Published         bool      `json:"published" gorm:"default:false"`
	Notes             string    `json:"notes" gorm:"type:text"`
	CreatedAt         time.Time `json:"createdAt"`

	FailureAnalysis *FailureAnalysis `json:"failureAnalysis,omitempty" gorm:"foreignKey:FailureAnalysisID;references:ID"`
}

func (FixHistory) TableName() string {
	return "fix_history"
}
