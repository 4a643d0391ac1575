package models

import (
	"time"
)

// AnalyticsMetric is a single named measurement emitted by the pipeline.
type AnalyticsMetric struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	MetricName  string    `json:"metricName" gorm:"not null;index"`
	MetricValue float64   `json:"metricValue" gorm:"not null"`
	MetricUnit  string    `json:"metricUnit"`
	Context     JSONB     `json:"context" gorm:"type:jsonb"`
	Tags        JSONB     `json:"tags" gorm:"type:jsonb"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (AnalyticsMetric) TableName() string {
	return "analytics_metrics"
}
