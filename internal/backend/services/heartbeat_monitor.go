package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/events"
	shared "NetPulse/internal/shared/models"
)

type HeartbeatConfig struct {
	Timeout       time.Duration
	LatestVersion string
}

// HeartbeatMonitor records agent liveness reports and declares silent agents
// OFFLINE. It never sets OFFLINE from a heartbeat.
type HeartbeatMonitor struct {
	registry *AgentRegistry
	config   HeartbeatConfig
	bus      *events.Bus
	logger   *slog.Logger

	paused atomic.Bool
}

func NewHeartbeatMonitor(registry *AgentRegistry, config HeartbeatConfig, bus *events.Bus, logger *slog.Logger) *HeartbeatMonitor {
	if config.Timeout <= 0 {
		config.Timeout = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatMonitor{
		registry: registry,
		config:   config,
		bus:      bus,
		logger:   logger,
	}
}

// SetPaused makes every heartbeat answer PAUSE until cleared.
func (m *HeartbeatMonitor) SetPaused(paused bool) {
	m.paused.Store(paused)
}

func (m *HeartbeatMonitor) ReceiveHeartbeat(ctx context.Context, agentID string, req *shared.HeartbeatRequest) (models.HeartbeatAction, error) {
	status := models.AgentStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if status == "" {
		status = models.AgentStatusOnline
	}
	if !status.Reportable() {
		return "", fmt.Errorf("%w: status %q cannot be reported", ErrValidation, req.Status)
	}

	var previous models.AgentStatus
	agent, err := m.registry.update(agentID, func(a *models.Agent, now time.Time) {
		previous = a.Status
		a.Status = status
		a.LastHeartbeat = now
		a.LastReportedAt = req.Timestamp
		a.Metrics = models.AgentMetrics{
			CPU:          req.Metrics.CPU,
			Memory:       req.Metrics.Memory,
			Disk:         req.Metrics.Disk,
			RunningTasks: req.Metrics.RunningTasks,
		}
		if req.Version != "" {
			a.Version = req.Version
		}
		if req.Error != "" {
			a.LastError = req.Error
			t := now
			a.LastErrorAt = &t
		}
		a.UpdatedAt = now
	})
	if err != nil {
		m.logger.Warn("heartbeat from unknown agent", "agent_id", agentID)
		return "", err
	}

	if previous != status {
		m.logger.Info("agent status changed",
			"agent_id", agentID,
			"from", previous,
			"to", status,
		)
		sev := events.SeverityInfo
		if status == models.AgentStatusError {
			sev = events.SeverityWarning
		}
		m.bus.Publish(events.Event{
			Type:     events.AgentStatusChanged,
			Severity: sev,
			Source:   "heartbeat",
			Message:  fmt.Sprintf("agent %s is %s", agent.Hostname, status),
			Metadata: map[string]string{"agent_id": agentID, "status": string(status), "previous": string(previous)},
			Data:     agent,
		})
	}

	return m.actionFor(agent), nil
}

func (m *HeartbeatMonitor) actionFor(agent *models.Agent) models.HeartbeatAction {
	if m.paused.Load() || !agent.Enabled {
		return models.ActionPause
	}
	if m.config.LatestVersion != "" && compareVersions(agent.Version, m.config.LatestVersion) < 0 {
		return models.ActionUpgrade
	}
	return models.ActionContinue
}

// Sweep marks every agent silent for longer than the timeout as OFFLINE and
// returns the ids it changed.
func (m *HeartbeatMonitor) Sweep(ctx context.Context) []string {
	m.registry.mu.Lock()
	now := m.registry.now()
	var offline []*models.Agent
	for _, a := range m.registry.agents {
		if a.Status == models.AgentStatusOffline {
			continue
		}
		if now.Sub(a.LastHeartbeat) > m.config.Timeout {
			a.Status = models.AgentStatusOffline
			a.UpdatedAt = now
			offline = append(offline, a.Clone())
		}
	}
	m.registry.mu.Unlock()

	ids := make([]string, 0, len(offline))
	for _, a := range offline {
		ids = append(ids, a.ID)
		m.logger.Warn("agent went offline",
			"agent_id", a.ID,
			"hostname", a.Hostname,
			"last_heartbeat", a.LastHeartbeat,
		)
		m.bus.Publish(events.Event{
			Type:     events.AgentOffline,
			Severity: events.SeverityCritical,
			Source:   "heartbeat",
			Message:  fmt.Sprintf("agent %s (%s) missed heartbeats since %s", a.Hostname, a.IP, a.LastHeartbeat.Format(time.RFC3339)),
			Metadata: map[string]string{"agent_id": a.ID, "hostname": a.Hostname},
			Data:     a,
		})
	}
	return ids
}

// compareVersions compares dotted numeric versions, ignoring a leading "v"
// and any pre-release suffix. Missing parts count as zero.
func compareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func versionParts(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var out []int
	for _, p := range strings.Split(v, ".") {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		out = append(out, n)
	}
	return out
}
