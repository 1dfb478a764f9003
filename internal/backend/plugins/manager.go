package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/events"
	"NetPulse/internal/shared/collectors"
)

type ManagerConfig struct {
	OperationTimeout   time.Duration
	HealthCheckTimeout time.Duration
}

type RegisterOptions struct {
	DependsOn []string
	Config    map[string]any
	Disabled  bool
}

type entry struct {
	plugin collectors.Collector

	// opMu serializes lifecycle operations and health checks on one plugin.
	opMu sync.Mutex

	// guarded by Manager.mu
	state       models.PluginState
	enabled     bool
	initialized bool
	dependsOn   []string
	config      map[string]any
	lastHealth  *models.HealthStatus
	lastError   string
	changedAt   time.Time
}

// Manager is the plugin registry and lifecycle state machine. Plugin calls
// run outside mu so a slow Init or Start never blocks resolution.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	config ManagerConfig
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(config ManagerConfig, bus *events.Bus, logger *slog.Logger) *Manager {
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 30 * time.Second
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		entries: make(map[string]*entry),
		config:  config,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

func (m *Manager) Register(plugin collectors.Collector, opts RegisterOptions) error {
	typ := plugin.Type()
	if typ == "" {
		return fmt.Errorf("plugin type is empty")
	}

	m.mu.Lock()
	if _, ok := m.entries[typ]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginExists, typ)
	}
	e := &entry{
		plugin:    plugin,
		state:     models.PluginCreated,
		enabled:   !opts.Disabled,
		dependsOn: slices.Clone(opts.DependsOn),
		config:    maps.Clone(opts.Config),
		changedAt: m.now(),
	}
	m.entries[typ] = e
	info := m.infoLocked(typ, e)
	m.mu.Unlock()

	m.logger.Info("plugin registered", "type", typ, "version", plugin.Version(), "protocols", plugin.SupportedProtocols())
	m.publish(events.PluginStateChanged, events.SeverityInfo, info, "plugin registered")
	return nil
}

// Unregister stops and destroys the plugin as needed before removing it.
func (m *Manager) Unregister(ctx context.Context, typ string) error {
	m.mu.RLock()
	e, ok := m.entries[typ]
	var dependents []string
	for other, oe := range m.entries {
		if other != typ && oe.state != models.PluginDestroyed && slices.Contains(oe.dependsOn, typ) {
			dependents = append(dependents, other)
		}
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, typ)
	}
	if len(dependents) > 0 {
		slices.Sort(dependents)
		return fmt.Errorf("%w: %s required by %v", ErrPluginInUse, typ, dependents)
	}

	switch m.state(e) {
	case models.PluginRunning, models.PluginSuspended, models.PluginError:
		if err := m.Stop(ctx, typ); err != nil {
			return err
		}
	}
	if m.state(e) != models.PluginDestroyed {
		if err := m.Destroy(ctx, typ); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.entries, typ)
	m.mu.Unlock()

	m.logger.Info("plugin unregistered", "type", typ)
	return nil
}

func (m *Manager) GetPlugin(typ string) (models.PluginInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[typ]
	if !ok {
		return models.PluginInfo{}, fmt.Errorf("%w: %s", ErrPluginNotFound, typ)
	}
	return m.infoLocked(typ, e), nil
}

// List returns all plugins sorted by type.
func (m *Manager) List() []models.PluginInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.PluginInfo, 0, len(m.entries))
	for _, typ := range slices.Sorted(maps.Keys(m.entries)) {
		out = append(out, m.infoLocked(typ, m.entries[typ]))
	}
	return out
}

// PluginsForProtocol returns the enabled RUNNING plugins serving protocol.
func (m *Manager) PluginsForProtocol(protocol string) []models.PluginInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PluginInfo
	for _, typ := range slices.Sorted(maps.Keys(m.entries)) {
		e := m.entries[typ]
		if e.state != models.PluginRunning || !e.enabled {
			continue
		}
		if slices.Contains(e.plugin.SupportedProtocols(), protocol) {
			out = append(out, m.infoLocked(typ, e))
		}
	}
	return out
}

// Resolve picks the plugin new tasks for protocol are assigned to.
func (m *Manager) Resolve(protocol string) (models.PluginInfo, error) {
	candidates := m.PluginsForProtocol(protocol)
	if len(candidates) == 0 {
		return models.PluginInfo{}, fmt.Errorf("%w: %s", ErrNoPluginAvailable, protocol)
	}
	return candidates[0], nil
}

func (m *Manager) SetEnabled(typ string, enabled bool) error {
	m.mu.Lock()
	e, ok := m.entries[typ]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, typ)
	}
	e.enabled = enabled
	info := m.infoLocked(typ, e)
	m.mu.Unlock()

	m.publish(events.PluginStateChanged, events.SeverityInfo, info, fmt.Sprintf("plugin enabled=%t", enabled))
	return nil
}

// CountRunning returns the number of plugins in RUNNING.
func (m *Manager) CountRunning() (running, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.state == models.PluginRunning {
			running++
		}
	}
	return running, len(m.entries)
}

func (m *Manager) lookup(typ string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, typ)
	}
	return e, nil
}

func (m *Manager) state(e *entry) models.PluginState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.state
}

// infoLocked must be called with m.mu held.
func (m *Manager) infoLocked(typ string, e *entry) models.PluginInfo {
	info := models.PluginInfo{
		Type:           typ,
		Version:        e.plugin.Version(),
		Protocols:      e.plugin.SupportedProtocols(),
		MetricTypes:    e.plugin.SupportedMetricTypes(),
		Enabled:        e.enabled,
		State:          e.state,
		DependsOn:      slices.Clone(e.dependsOn),
		Config:         maps.Clone(e.config),
		LastError:      e.lastError,
		StateChangedAt: e.changedAt,
	}
	if e.lastHealth != nil {
		h := *e.lastHealth
		info.LastHealth = &h
	}
	return info
}

func (m *Manager) publish(typ events.EventType, severity events.Severity, info models.PluginInfo, msg string) {
	m.bus.Publish(events.Event{
		Type:     typ,
		Severity: severity,
		Source:   "plugins",
		Message:  msg,
		Metadata: map[string]string{"plugin": info.Type, "state": string(info.State)},
		Data:     info,
	})
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
