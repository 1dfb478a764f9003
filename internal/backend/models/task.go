package models

import (
	"maps"
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskTimeout   TaskStatus = "TIMEOUT"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether status is final. TIMEOUT is transient: the
// reconciler immediately resolves it to PENDING or FAILED.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskSpec describes one device+metric pair to collect.
type TaskSpec struct {
	DeviceID   string         `json:"deviceId" binding:"required"`
	MetricID   string         `json:"metricId" binding:"required"`
	Protocol   string         `json:"protocol" binding:"required"`
	Target     string         `json:"target" binding:"required"`
	MetricType string         `json:"metricType,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	MaxRetries *int           `json:"maxRetries,omitempty"`
}

type CollectionTask struct {
	ID              string            `json:"id"`
	BatchID         string            `json:"batchId"`
	TaskDefID       string            `json:"taskDefId,omitempty"`
	DeviceID        string            `json:"deviceId"`
	MetricID        string            `json:"metricId"`
	PluginType      string            `json:"pluginType"`
	Protocol        string            `json:"protocol"`
	Target          string            `json:"target"`
	MetricType      string            `json:"metricType,omitempty"`
	Params          map[string]any    `json:"params,omitempty"`
	Status          TaskStatus        `json:"status"`
	ScheduledAt     time.Time         `json:"scheduledAt"`
	NextExecutionAt time.Time         `json:"nextExecutionAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	ExecutionCount  int               `json:"executionCount"`
	SuccessCount    int               `json:"successCount"`
	FailureCount    int               `json:"failureCount"`
	AvgDurationMs   float64           `json:"avgDurationMs"`
	RetryCount      int               `json:"retryCount"`
	MaxRetries      int               `json:"maxRetries"`
	LastError       string            `json:"lastError,omitempty"`
	LastResult      *CollectionResult `json:"lastResult,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func (t *CollectionTask) Clone() *CollectionTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Params = maps.Clone(t.Params)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.LastResult != nil {
		r := *t.LastResult
		c.LastResult = &r
	}
	return &c
}

// RecordExecution folds one finished attempt into the running statistics.
func (t *CollectionTask) RecordExecution(success bool, durationMs int64) {
	t.ExecutionCount++
	if success {
		t.SuccessCount++
	} else {
		t.FailureCount++
	}
	t.AvgDurationMs += (float64(durationMs) - t.AvgDurationMs) / float64(t.ExecutionCount)
}

type TaskStatusUpdate struct {
	Status          TaskStatus `json:"status" binding:"required"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	ExecutionTimeMs int64      `json:"executionTime,omitempty"`
	Message         string     `json:"message,omitempty"`
}

// TaskSpecError reports why a single spec in a createTasks call was rejected.
type TaskSpecError struct {
	Index    int    `json:"index"`
	DeviceID string `json:"deviceId"`
	MetricID string `json:"metricId"`
	Protocol string `json:"protocol"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Err      error  `json:"-"`
}

type CreateTasksResult struct {
	Created []*CollectionTask `json:"created"`
	Errors  []TaskSpecError   `json:"errors"`
}
