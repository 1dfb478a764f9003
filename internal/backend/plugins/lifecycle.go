package plugins

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/events"
	"NetPulse/internal/shared/collectors"
)

type operation struct {
	name string
	from []models.PluginState
	via  models.PluginState // transitional state while the plugin call runs
	to   models.PluginState
}

var (
	opInitialize = operation{
		name: "initialize",
		from: []models.PluginState{models.PluginCreated},
		via:  models.PluginInitializing,
		to:   models.PluginInitialized,
	}
	opStart = operation{
		name: "start",
		from: []models.PluginState{models.PluginInitialized, models.PluginStopped},
		via:  models.PluginStarting,
		to:   models.PluginRunning,
	}
	opStop = operation{
		name: "stop",
		from: []models.PluginState{models.PluginRunning, models.PluginSuspended, models.PluginError},
		via:  models.PluginStopping,
		to:   models.PluginStopped,
	}
	opDestroy = operation{
		name: "destroy",
		from: []models.PluginState{models.PluginCreated, models.PluginInitialized, models.PluginStopped, models.PluginError},
		via:  models.PluginDestroying,
		to:   models.PluginDestroyed,
	}
	opSuspend = operation{
		name: "suspend",
		from: []models.PluginState{models.PluginRunning},
		to:   models.PluginSuspended,
	}
	opResume = operation{
		name: "resume",
		from: []models.PluginState{models.PluginSuspended},
		to:   models.PluginRunning,
	}
)

func (m *Manager) Initialize(ctx context.Context, typ string) error {
	return m.transition(ctx, typ, opInitialize, func(ctx context.Context, e *entry) error {
		return m.initPlugin(ctx, e)
	})
}

// Start brings an INITIALIZED or STOPPED plugin to RUNNING. A plugin whose
// Init never succeeded (it failed into ERROR and was stopped) is initialized
// again first.
func (m *Manager) Start(ctx context.Context, typ string) error {
	return m.transition(ctx, typ, opStart, func(ctx context.Context, e *entry) error {
		m.mu.RLock()
		initialized := e.initialized
		m.mu.RUnlock()

		if !initialized {
			if err := m.initPlugin(ctx, e); err != nil {
				return err
			}
		}
		if lc, ok := e.plugin.(collectors.Lifecycle); ok {
			return lc.Start(ctx)
		}
		return nil
	})
}

func (m *Manager) Stop(ctx context.Context, typ string) error {
	return m.transition(ctx, typ, opStop, func(ctx context.Context, e *entry) error {
		if lc, ok := e.plugin.(collectors.Lifecycle); ok {
			return lc.Stop(ctx)
		}
		return nil
	})
}

func (m *Manager) Destroy(ctx context.Context, typ string) error {
	return m.transition(ctx, typ, opDestroy, func(ctx context.Context, e *entry) error {
		err := e.plugin.Close()
		m.mu.Lock()
		e.initialized = false
		m.mu.Unlock()
		return err
	})
}

func (m *Manager) Suspend(ctx context.Context, typ string) error {
	return m.transition(ctx, typ, opSuspend, nil)
}

func (m *Manager) Resume(ctx context.Context, typ string) error {
	return m.transition(ctx, typ, opResume, nil)
}

// Restart is Stop followed by Start with the same configuration. A plugin
// that is already STOPPED or INITIALIZED is just started.
func (m *Manager) Restart(ctx context.Context, typ string) error {
	e, err := m.lookup(typ)
	if err != nil {
		return err
	}

	switch m.state(e) {
	case models.PluginInitialized, models.PluginStopped:
	default:
		if err := m.Stop(ctx, typ); err != nil {
			return err
		}
	}
	return m.Start(ctx, typ)
}

func (m *Manager) initPlugin(ctx context.Context, e *entry) error {
	m.mu.RLock()
	cfg := maps.Clone(e.config)
	m.mu.RUnlock()

	if err := e.plugin.Init(ctx, cfg); err != nil {
		return err
	}

	m.mu.Lock()
	e.initialized = true
	m.mu.Unlock()
	return nil
}

// transition validates op against the current state, moves through the
// transitional state while action runs, and lands in op.to or ERROR.
func (m *Manager) transition(ctx context.Context, typ string, op operation, action func(ctx context.Context, e *entry) error) error {
	e, err := m.lookup(typ)
	if err != nil {
		return err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	m.mu.Lock()
	from := e.state
	if !slices.Contains(op.from, from) {
		m.mu.Unlock()
		terr := &TransitionError{Type: typ, Op: op.name, From: from}
		m.logger.Warn("rejected plugin transition", "type", typ, "op", op.name, "state", from)
		return terr
	}

	var viaInfo models.PluginInfo
	if op.via != "" {
		m.setStateLocked(e, op.via, "")
		viaInfo = m.infoLocked(typ, e)
	}
	m.mu.Unlock()

	if op.via != "" {
		m.publish(events.PluginStateChanged, events.SeverityInfo, viaInfo, op.name)
	}

	var actionErr error
	if action != nil {
		opCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
		actionErr = action(opCtx, e)
		cancel()
	}

	m.mu.Lock()
	if actionErr != nil {
		m.setStateLocked(e, models.PluginError, actionErr.Error())
	} else {
		m.setStateLocked(e, op.to, "")
	}
	info := m.infoLocked(typ, e)
	m.mu.Unlock()

	if actionErr != nil {
		m.logger.Error("plugin operation failed", "type", typ, "op", op.name, "from", from, "error", actionErr)
		m.publish(events.PluginError, events.SeverityWarning, info, fmt.Sprintf("%s failed: %v", op.name, actionErr))
		return fmt.Errorf("plugin %s: %s failed: %w", typ, op.name, actionErr)
	}

	m.logger.Info("plugin state changed", "type", typ, "op", op.name, "from", from, "to", op.to)
	m.publish(events.PluginStateChanged, events.SeverityInfo, info, op.name)
	return nil
}

// setStateLocked must be called with m.mu held.
func (m *Manager) setStateLocked(e *entry, state models.PluginState, lastError string) {
	e.state = state
	e.changedAt = m.now()
	if lastError != "" || state != models.PluginError {
		e.lastError = lastError
	}
}

// HealthCheck probes a RUNNING plugin. A failed probe moves it to ERROR; the
// plugin is kept and can be restarted. Plugins in other states report
// unhealthy without a transition.
func (m *Manager) HealthCheck(ctx context.Context, typ string) (models.HealthStatus, error) {
	e, err := m.lookup(typ)
	if err != nil {
		return models.HealthStatus{}, err
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if state := m.state(e); state != models.PluginRunning {
		return models.HealthStatus{
			Healthy:   false,
			Message:   fmt.Sprintf("plugin is %s", state),
			CheckedAt: m.now(),
		}, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.config.HealthCheckTimeout)
	start := m.now()
	probeErr := e.plugin.HealthCheck(checkCtx)
	cancel()

	status := models.HealthStatus{
		Healthy:        probeErr == nil,
		Message:        "ok",
		ResponseTimeMs: m.now().Sub(start).Milliseconds(),
		CheckedAt:      m.now(),
	}
	if probeErr != nil {
		status.Message = probeErr.Error()
	}

	m.mu.Lock()
	e.lastHealth = &status
	if probeErr != nil && e.state == models.PluginRunning {
		m.setStateLocked(e, models.PluginError, probeErr.Error())
	}
	info := m.infoLocked(typ, e)
	m.mu.Unlock()

	if probeErr != nil {
		m.logger.Warn("plugin health check failed", "type", typ, "error", probeErr)
		m.publish(events.PluginError, events.SeverityWarning, info, "health check failed: "+probeErr.Error())
	}
	return status, nil
}

// HealthCheckAll probes every plugin and returns the results keyed by type.
func (m *Manager) HealthCheckAll(ctx context.Context) map[string]models.HealthStatus {
	results := make(map[string]models.HealthStatus)
	for _, info := range m.List() {
		status, err := m.HealthCheck(ctx, info.Type)
		if err != nil {
			// unregistered concurrently
			continue
		}
		results[info.Type] = status
	}
	return results
}

// RecoverErrored restarts enabled plugins sitting in ERROR and returns how
// many came back.
func (m *Manager) RecoverErrored(ctx context.Context) int {
	recovered := 0
	for _, info := range m.List() {
		if info.State != models.PluginError || !info.Enabled {
			continue
		}
		if err := m.Restart(ctx, info.Type); err != nil {
			m.logger.Warn("plugin recovery failed", "type", info.Type, "error", err)
			continue
		}
		recovered++
	}
	return recovered
}

// StartAllInOrder initializes and starts enabled plugins in dependency order.
// A cycle or a missing dependency fails before any plugin is touched. A
// plugin whose dependency failed is skipped.
func (m *Manager) StartAllInOrder(ctx context.Context) error {
	order, err := m.Order()
	if err != nil {
		return err
	}

	failed := make(map[string]bool)
	var errs []error
	for _, typ := range order {
		info, err := m.GetPlugin(typ)
		if err != nil {
			continue
		}
		if !info.Enabled {
			continue
		}
		if dep := firstFailed(info.DependsOn, failed); dep != "" {
			failed[typ] = true
			errs = append(errs, fmt.Errorf("plugin %s: dependency %s failed to start", typ, dep))
			continue
		}

		if err := m.bringUp(ctx, typ, info.State); err != nil {
			failed[typ] = true
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

func (m *Manager) bringUp(ctx context.Context, typ string, state models.PluginState) error {
	switch state {
	case models.PluginCreated:
		if err := m.Initialize(ctx, typ); err != nil {
			return err
		}
		return m.Start(ctx, typ)
	case models.PluginInitialized, models.PluginStopped:
		return m.Start(ctx, typ)
	case models.PluginRunning:
		return nil
	default:
		return &TransitionError{Type: typ, Op: "start", From: state}
	}
}

// StopAllInOrder stops plugins in reverse dependency order.
func (m *Manager) StopAllInOrder(ctx context.Context) error {
	order, err := m.Order()
	if err != nil {
		return err
	}

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		info, err := m.GetPlugin(order[i])
		if err != nil {
			continue
		}
		switch info.State {
		case models.PluginRunning, models.PluginSuspended, models.PluginError:
			if err := m.Stop(ctx, info.Type); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return joinErrors(errs)
}

// Order returns plugin types sorted so every plugin follows its dependencies.
// Ties are broken alphabetically.
func (m *Manager) Order() ([]string, error) {
	m.mu.RLock()
	deps := make(map[string][]string, len(m.entries))
	for typ, e := range m.entries {
		deps[typ] = slices.Clone(e.dependsOn)
	}
	m.mu.RUnlock()

	return topoSort(deps)
}

func topoSort(deps map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))

	for typ, ds := range deps {
		if _, ok := indegree[typ]; !ok {
			indegree[typ] = 0
		}
		for _, d := range ds {
			if _, ok := deps[d]; !ok {
				return nil, fmt.Errorf("%w: %s (required by %s)", ErrPluginNotFound, d, typ)
			}
			indegree[typ]++
			dependents[d] = append(dependents[d], typ)
		}
	}

	var ready []string
	for typ, n := range indegree {
		if n == 0 {
			ready = append(ready, typ)
		}
	}
	slices.Sort(ready)

	order := make([]string, 0, len(deps))
	for len(ready) > 0 {
		typ := ready[0]
		ready = ready[1:]
		order = append(order, typ)

		var next []string
		for _, dependent := range dependents[typ] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		ready = append(ready, next...)
		slices.Sort(ready)
	}

	if len(order) != len(deps) {
		var stuck []string
		for typ, n := range indegree {
			if n > 0 {
				stuck = append(stuck, typ)
			}
		}
		slices.Sort(stuck)
		return nil, &DependencyCycleError{Types: stuck}
	}
	return order, nil
}

func firstFailed(deps []string, failed map[string]bool) string {
	for _, d := range deps {
		if failed[d] {
			return d
		}
	}
	return ""
}
