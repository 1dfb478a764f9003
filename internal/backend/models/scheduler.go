package models

import (
	"slices"
	"time"
)

// TaskDefinition is a recurring collection job kept in the external store.
type TaskDefinition struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	AgentID         string     `json:"agentId,omitempty"`
	IntervalSeconds int        `json:"intervalSeconds"`
	Enabled         bool       `json:"enabled"`
	Specs           []TaskSpec `json:"specs"`
	NextExecutionAt time.Time  `json:"nextExecutionAt"`
	LastExecutionAt *time.Time `json:"lastExecutionAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (d *TaskDefinition) Interval() time.Duration {
	return time.Duration(d.IntervalSeconds) * time.Second
}

// Protocols returns the distinct protocols the definition's specs need.
func (d *TaskDefinition) Protocols() []string {
	var out []string
	for _, s := range d.Specs {
		if !slices.Contains(out, s.Protocol) {
			out = append(out, s.Protocol)
		}
	}
	return out
}

type DefinitionState string

const (
	DefinitionScheduled DefinitionState = "SCHEDULED"
	DefinitionRunning   DefinitionState = "RUNNING"
	DefinitionPaused    DefinitionState = "PAUSED"
	DefinitionError     DefinitionState = "ERROR"
)

// ScheduledTask is the scheduler's in-memory view of a definition.
type ScheduledTask struct {
	Definition  TaskDefinition  `json:"definition"`
	State       DefinitionState `json:"state"`
	LastBatchID string          `json:"lastBatchId,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

type SchedulerStats struct {
	TotalTasks       int        `json:"totalTasks"`
	ScheduledTasks   int        `json:"scheduledTasks"`
	RunningTasks     int        `json:"runningTasks"`
	PausedTasks      int        `json:"pausedTasks"`
	ErrorTasks       int        `json:"errorTasks"`
	TodayExecutions  int64      `json:"todayExecutions"`
	TodaySuccess     int64      `json:"todaySuccess"`
	TodayFailure     int64      `json:"todayFailure"`
	MinExecutionMs   int64      `json:"minExecutionMs"`
	AvgExecutionMs   float64    `json:"avgExecutionMs"`
	MaxExecutionMs   int64      `json:"maxExecutionMs"`
	ActiveBatches    int        `json:"activeBatches"`
	OnlineAgents     int        `json:"onlineAgents"`
	RunningPlugins   int        `json:"runningPlugins"`
	LastRefreshedAt  *time.Time `json:"lastRefreshedAt,omitempty"`
	StatisticsSince  time.Time  `json:"statisticsSince"`
	SchedulerRunning bool       `json:"schedulerRunning"`
}

type SchedulerHealth struct {
	Running     bool       `json:"running"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	Uptime      string     `json:"uptime"`
	Workers     int        `json:"workers"`
	TotalAgents int        `json:"totalAgents"`
	Online      int        `json:"onlineAgents"`
	Offline     int        `json:"offlineAgents"`
	Plugins     int        `json:"plugins"`
	PluginsUp   int        `json:"pluginsRunning"`
	SinkBreaker string     `json:"sinkBreaker"`
	Healthy     bool       `json:"healthy"`
}

type AgentLogEntry struct {
	ID        string         `json:"id,omitempty"`
	AgentID   string         `json:"agentId"`
	Level     string         `json:"level" binding:"required"`
	Message   string         `json:"message" binding:"required"`
	TaskID    string         `json:"taskId,omitempty"`
	BatchID   string         `json:"batchId,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
