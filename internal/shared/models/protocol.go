// Package models holds the agent protocol payloads shared by the coordinator
// and the collector agent.
package models

import "time"

type RegisterRequest struct {
	CollectorID    string   `json:"collectorId,omitempty"`
	Hostname       string   `json:"hostname"`
	IP             string   `json:"ip"`
	Port           int      `json:"port,omitempty"`
	Version        string   `json:"version"`
	Capabilities   []string `json:"capabilities"`
	Tags           []string `json:"tags,omitempty"`
	BootstrapToken string   `json:"bootstrapToken,omitempty"`
}

type RegisterResponse struct {
	CollectorID string    `json:"collectorId"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ServerTime  time.Time `json:"serverTime"`
}

type HeartbeatMetrics struct {
	CPU          float64 `json:"cpu"`
	Memory       float64 `json:"memory"`
	Disk         float64 `json:"disk"`
	RunningTasks int     `json:"runningTasks"`
}

type HeartbeatRequest struct {
	CollectorID string           `json:"collectorId"`
	Timestamp   time.Time        `json:"timestamp"`
	Status      string           `json:"status"`
	Metrics     HeartbeatMetrics `json:"metrics"`
	Error       string           `json:"error,omitempty"`
	Version     string           `json:"version,omitempty"`
}

type HeartbeatResponse struct {
	ServerTime time.Time `json:"serverTime"`
	Action     string    `json:"action"`
}

type StatusUpdate struct {
	Status        string     `json:"status"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	ExecutionTime int64      `json:"executionTime,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// ResultReport is one entry of a POST /results body.
type ResultReport struct {
	TaskID         string    `json:"taskId"`
	BatchID        string    `json:"batchId"`
	DeviceID       string    `json:"deviceId"`
	MetricID       string    `json:"metricId"`
	ResultValue    string    `json:"resultValue"`
	ProcessedValue *float64  `json:"processedValue,omitempty"`
	ResultType     string    `json:"resultType"`
	Status         string    `json:"status"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	ExecutionTime  int64     `json:"executionTime"`
	Timestamp      time.Time `json:"timestamp"`
}

// ResultAck reports the outcome of one submitted result.
type ResultAck struct {
	TaskID   string `json:"taskId"`
	Accepted bool   `json:"accepted"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

type LogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"taskId,omitempty"`
	BatchID   string         `json:"batchId,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Batch and Task are the subset of the coordinator's batch and task views the
// agent needs to execute work.
type Batch struct {
	ID      string `json:"id"`
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}

type Task struct {
	ID              string         `json:"id"`
	BatchID         string         `json:"batchId"`
	DeviceID        string         `json:"deviceId"`
	MetricID        string         `json:"metricId"`
	PluginType      string         `json:"pluginType"`
	Protocol        string         `json:"protocol"`
	Target          string         `json:"target"`
	MetricType      string         `json:"metricType,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	Status          string         `json:"status"`
	NextExecutionAt time.Time      `json:"nextExecutionAt"`
}

// Envelope mirrors the coordinator's JSON response wrapper.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Data    T      `json:"data"`
}
