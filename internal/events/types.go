package events

import (
	"strings"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// agent registry / heartbeat monitor
	AgentRegistered    EventType = "agent_registered"
	AgentStatusChanged EventType = "agent_status_changed"
	AgentOffline       EventType = "agent_offline"

	// plugin lifecycle
	PluginStateChanged EventType = "plugin_state_changed"
	PluginError        EventType = "plugin_error"

	// orchestrator
	BatchCreated       EventType = "batch_created"
	BatchSubmitted     EventType = "batch_submitted"
	BatchCompleted     EventType = "batch_completed"
	BatchFailed        EventType = "batch_failed"
	BatchCancelled     EventType = "batch_cancelled"
	TaskTimedOut       EventType = "task_timed_out"
	TaskRetryExhausted EventType = "task_retry_exhausted"

	// scheduler control
	SchedulerStarted EventType = "scheduler_started"
	SchedulerStopped EventType = "scheduler_stopped"
	TasksReloaded    EventType = "tasks_reloaded"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity maps a config string to a Severity, defaulting to warning.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "info":
		return SeverityInfo
	case "critical":
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// Event is the payload published through the bus. Data carries a snapshot of
// the entity that changed (an Agent, TaskBatch, PluginInfo, ...).
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Source    string            `json:"source,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Data      any               `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
