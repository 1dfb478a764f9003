package models

import "time"

type PluginState string

const (
	PluginCreated      PluginState = "CREATED"
	PluginInitializing PluginState = "INITIALIZING"
	PluginInitialized  PluginState = "INITIALIZED"
	PluginStarting     PluginState = "STARTING"
	PluginRunning      PluginState = "RUNNING"
	PluginStopping     PluginState = "STOPPING"
	PluginStopped      PluginState = "STOPPED"
	PluginDestroying   PluginState = "DESTROYING"
	PluginDestroyed    PluginState = "DESTROYED"
	PluginError        PluginState = "ERROR"
	PluginSuspended    PluginState = "SUSPENDED"
)

type HealthStatus struct {
	Healthy        bool      `json:"healthy"`
	Message        string    `json:"message"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// PluginInfo is a read-only snapshot of a registered plugin.
type PluginInfo struct {
	Type           string         `json:"type"`
	Version        string         `json:"version"`
	Protocols      []string       `json:"protocols"`
	MetricTypes    []string       `json:"metricTypes"`
	Enabled        bool           `json:"enabled"`
	State          PluginState    `json:"state"`
	DependsOn      []string       `json:"dependsOn,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	LastHealth     *HealthStatus  `json:"lastHealth,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
	StateChangedAt time.Time      `json:"stateChangedAt"`
}
