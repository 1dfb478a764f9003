package models

import (
	"slices"
	"time"
)

type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "ONLINE"
	AgentStatusBusy    AgentStatus = "BUSY"
	AgentStatusError   AgentStatus = "ERROR"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

// Reportable reports whether an agent may claim this status in a heartbeat.
// OFFLINE is only ever set by the timeout sweep.
func (s AgentStatus) Reportable() bool {
	return s == AgentStatusOnline || s == AgentStatusBusy || s == AgentStatusError
}

// Eligible reports whether an agent in this status may receive new batches.
func (s AgentStatus) Eligible() bool {
	return s == AgentStatusOnline || s == AgentStatusBusy
}

type HeartbeatAction string

const (
	ActionContinue HeartbeatAction = "CONTINUE"
	ActionPause    HeartbeatAction = "PAUSE"
	ActionUpgrade  HeartbeatAction = "UPGRADE"
)

type AgentMetrics struct {
	CPU          float64 `json:"cpu"`
	Memory       float64 `json:"memory"`
	Disk         float64 `json:"disk"`
	RunningTasks int     `json:"runningTasks"`
}

type Agent struct {
	ID             string       `json:"id"`
	Hostname       string       `json:"hostname"`
	IP             string       `json:"ip"`
	Port           int          `json:"port,omitempty"`
	Version        string       `json:"version"`
	Capabilities   []string     `json:"capabilities"`
	Tags           []string     `json:"tags,omitempty"`
	Status         AgentStatus  `json:"status"`
	Enabled        bool         `json:"enabled"`
	Metrics        AgentMetrics `json:"metrics"`
	LastHeartbeat  time.Time    `json:"lastHeartbeat"`
	LastReportedAt time.Time    `json:"lastReportedAt,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
	LastErrorAt    *time.Time   `json:"lastErrorAt,omitempty"`
	RegisteredAt   time.Time    `json:"registeredAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand out of the registry.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Capabilities = slices.Clone(a.Capabilities)
	c.Tags = slices.Clone(a.Tags)
	if a.LastErrorAt != nil {
		t := *a.LastErrorAt
		c.LastErrorAt = &t
	}
	return &c
}

func (a *Agent) HasCapability(protocol string) bool {
	return slices.Contains(a.Capabilities, protocol)
}

func (a *Agent) HasTag(tag string) bool {
	return slices.Contains(a.Tags, tag)
}

type AgentFilter struct {
	Status      AgentStatus `form:"status"`
	Capability  string      `form:"capability"`
	Tag         string      `form:"tag"`
	EnabledOnly bool        `form:"enabledOnly"`
}

func (f AgentFilter) Match(a *Agent) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	if f.Tag != "" && !a.HasTag(f.Tag) {
		return false
	}
	if f.EnabledOnly && !a.Enabled {
		return false
	}
	return true
}

// WildcardAgentID binds a token to any agent; used for first registration.
const WildcardAgentID = "*"

type RegistrationToken struct {
	Token     string    `json:"token"`
	AgentID   string    `json:"agentId"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ValidFor reports whether the token is unexpired at now and bound to agentID.
func (t *RegistrationToken) ValidFor(agentID string, now time.Time) bool {
	if t == nil || !now.Before(t.ExpiresAt) {
		return false
	}
	return t.AgentID == WildcardAgentID || t.AgentID == agentID
}

type AgentStats struct {
	Agent          *Agent     `json:"agent"`
	TotalResults   int        `json:"totalResults"`
	SuccessResults int        `json:"successResults"`
	FailedResults  int        `json:"failedResults"`
	SuccessRate    float64    `json:"successRate"`
	AvgDurationMs  float64    `json:"avgDurationMs"`
	LastActivity   *time.Time `json:"lastActivity,omitempty"`
	Uptime         string     `json:"uptime"`
}
