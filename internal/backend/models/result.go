package models

import "time"

type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailed  ResultStatus = "FAILED"
)

// CollectionResult is an immutable record of one collection attempt.
type CollectionResult struct {
	ID             string       `json:"id"`
	TaskID         string       `json:"taskId"`
	BatchID        string       `json:"batchId"`
	AgentID        string       `json:"agentId"`
	DeviceID       string       `json:"deviceId"`
	MetricID       string       `json:"metricId"`
	RawValue       string       `json:"rawValue"`
	ProcessedValue *float64     `json:"processedValue,omitempty"`
	ResultType     string       `json:"resultType,omitempty"`
	Status         ResultStatus `json:"status"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
	DurationMs     int64        `json:"durationMs"`
	Timestamp      time.Time    `json:"timestamp"`
	ReceivedAt     time.Time    `json:"receivedAt"`
}

// ResultSummary aggregates history-store records since a point in time.
type ResultSummary struct {
	Since         time.Time  `json:"since"`
	Total         int        `json:"total"`
	Success       int        `json:"success"`
	Failed        int        `json:"failed"`
	AvgDurationMs float64    `json:"avgDurationMs"`
	MinDurationMs int64      `json:"minDurationMs"`
	MaxDurationMs int64      `json:"maxDurationMs"`
	LastAt        *time.Time `json:"lastAt,omitempty"`
}
