package models

import (
	"time"
)

// RepositoryProfile accumulates per-repository learning: detected stack,
// recurring failure patterns and the fixes that worked there before.
type RepositoryProfile struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	Owner           string    `json:"owner" gorm:"not null;uniqueIndex:idx_repo_profile"`
	RepoName        string    `json:"repoName" gorm:"not null;uniqueIndex:idx_repo_profile"`
	Language        string    `json:"language"`
	Framework       string    `json:"framework"`
	BuildSystem     string    `json:"buildSystem"`
	CommonPatterns  JSONB     `json:"commonPatterns" gorm:"type:jsonb"`
	SuccessfulFixes JSONB     `json:"successfulFixes" gorm:"type:jsonb"`
	FailurePatterns JSONB     `json:"failurePatterns" gorm:"type:jsonb"`
	LearningScore   float64   `json:"learningScore" gorm:"default:0"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (RepositoryProfile) TableName() string {
	return "repository_profiles"
}
