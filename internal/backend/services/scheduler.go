package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/backend/plugins"
	"NetPulse/internal/events"
	"NetPulse/pkg/uuidutil"
	"NetPulse/pkg/validator"
	"NetPulse/pkg/workerpool"
)

// DefinitionStore is the external store of recurring task definitions.
type DefinitionStore interface {
	ListEnabled(ctx context.Context) ([]models.TaskDefinition, error)
	Get(ctx context.Context, id string) (*models.TaskDefinition, error)
	Save(ctx context.Context, def *models.TaskDefinition) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	MarkExecuted(ctx context.Context, id string, last, next time.Time) error
}

type SchedulerConfig struct {
	WorkerPoolSize       int
	SweepInterval        time.Duration
	DispatchInterval     time.Duration
	ReconcileInterval    time.Duration
	StatsInterval        time.Duration
	CleanupInterval      time.Duration
	PluginHealthInterval time.Duration
	Retention            time.Duration
	AutoRecoverPlugins   bool
}

// Scheduler drives the periodic jobs and holds the in-memory schedule of
// task definitions.
type Scheduler struct {
	mu        sync.RWMutex
	tasks     map[string]*models.ScheduledTask
	running   bool
	startedAt time.Time
	last      models.SchedulerStats
	refreshed *time.Time

	registry     *AgentRegistry
	monitor      *HeartbeatMonitor
	orchestrator *Orchestrator
	plugins      *plugins.Manager
	defs         DefinitionStore
	stats        *Statistics
	pool         *workerpool.Pool
	pruners      []namedPruner

	config SchedulerConfig
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewScheduler(
	config SchedulerConfig,
	registry *AgentRegistry,
	monitor *HeartbeatMonitor,
	orchestrator *Orchestrator,
	pluginManager *plugins.Manager,
	defs DefinitionStore,
	stats *Statistics,
	bus *events.Bus,
	logger *slog.Logger,
) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	config.SweepInterval = cmp.Or(config.SweepInterval, 15*time.Second)
	config.DispatchInterval = cmp.Or(config.DispatchInterval, 10*time.Second)
	config.ReconcileInterval = cmp.Or(config.ReconcileInterval, 30*time.Second)
	config.StatsInterval = cmp.Or(config.StatsInterval, time.Minute)
	config.CleanupInterval = cmp.Or(config.CleanupInterval, time.Hour)
	config.PluginHealthInterval = cmp.Or(config.PluginHealthInterval, time.Minute)
	config.Retention = cmp.Or(config.Retention, 24*time.Hour)

	s := &Scheduler{
		tasks:        make(map[string]*models.ScheduledTask),
		registry:     registry,
		monitor:      monitor,
		orchestrator: orchestrator,
		plugins:      pluginManager,
		defs:         defs,
		stats:        stats,
		pool:         workerpool.New(config.WorkerPoolSize, logger),
		config:       config,
		bus:          bus,
		logger:       logger,
		now:          time.Now,
	}
	monitor.SetPaused(true)

	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(ctx context.Context) error
	}{
		{"heartbeat-sweep", config.SweepInterval, func(ctx context.Context) error {
			monitor.Sweep(ctx)
			return nil
		}},
		{"timeout-reconcile", config.ReconcileInterval, func(ctx context.Context) error {
			orchestrator.ReconcileTimeouts(ctx)
			return nil
		}},
		{"stats-refresh", config.StatsInterval, func(ctx context.Context) error {
			s.RefreshStats()
			return nil
		}},
		{"dispatch", config.DispatchInterval, func(ctx context.Context) error {
			s.Dispatch(ctx)
			return nil
		}},
		{"cleanup", config.CleanupInterval, func(ctx context.Context) error {
			s.CleanupExpiredTasks(ctx)
			return nil
		}},
		{"plugin-health", config.PluginHealthInterval, func(ctx context.Context) error {
			s.CheckPlugins(ctx)
			return nil
		}},
	}
	for _, j := range jobs {
		if err := s.pool.Every(j.name, j.interval, false, j.fn); err != nil {
			return nil, fmt.Errorf("failed to register job %s: %w", j.name, err)
		}
	}
	return s, nil
}

// Start reloads the task definitions and starts the periodic jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if _, err := s.ReloadAllTasks(ctx); err != nil {
		s.logger.Warn("starting with an empty schedule", "error", err)
	}
	if err := s.pool.Start(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, workerpool.ErrAlreadyRunning) {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	s.mu.Lock()
	s.running = true
	s.startedAt = s.now()
	s.mu.Unlock()
	s.monitor.SetPaused(false)

	s.logger.Info("scheduler started", "workers", s.pool.Size())
	s.bus.Publish(events.Event{
		Type:     events.SchedulerStarted,
		Severity: events.SeverityInfo,
		Source:   "scheduler",
		Message:  "scheduler started",
	})
	return nil
}

// Stop halts the periodic jobs and waits for in-flight runs. Agents are told
// to pause through their heartbeats.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.monitor.SetPaused(true)
	s.pool.Stop()

	s.logger.Info("scheduler stopped")
	s.bus.Publish(events.Event{
		Type:     events.SchedulerStopped,
		Severity: events.SeverityWarning,
		Source:   "scheduler",
		Message:  "scheduler stopped",
	})
}

func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ReloadAllTasks rebuilds the schedule from the enabled definitions in the
// store. Paused definitions stay paused; overdue ones become due now.
func (s *Scheduler) ReloadAllTasks(ctx context.Context) (int, error) {
	defs, err := s.defs.ListEnabled(ctx)
	if err != nil {
		s.logger.Error("failed to load task definitions", "error", err)
		return 0, fmt.Errorf("failed to load task definitions: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	next := make(map[string]*models.ScheduledTask, len(defs))
	for _, def := range defs {
		st := &models.ScheduledTask{Definition: def, State: models.DefinitionScheduled}
		if prev, ok := s.tasks[def.ID]; ok {
			st.LastBatchID = prev.LastBatchID
			if prev.State == models.DefinitionPaused {
				st.State = models.DefinitionPaused
			}
		}
		if st.Definition.NextExecutionAt.Before(now) {
			st.Definition.NextExecutionAt = now
		}
		next[def.ID] = st
	}
	s.tasks = next
	s.mu.Unlock()

	s.logger.Info("task definitions reloaded", "count", len(defs))
	s.bus.Publish(events.Event{
		Type:     events.TasksReloaded,
		Severity: events.SeverityInfo,
		Source:   "scheduler",
		Message:  fmt.Sprintf("%d task definitions loaded", len(defs)),
	})
	return len(defs), nil
}

// CreateDefinition validates and stores a new definition and schedules it.
func (s *Scheduler) CreateDefinition(ctx context.Context, def *models.TaskDefinition) (*models.TaskDefinition, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if def.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("%w: intervalSeconds must be positive", ErrValidation)
	}
	if len(def.Specs) == 0 {
		return nil, fmt.Errorf("%w: at least one spec is required", ErrValidation)
	}
	for i := range def.Specs {
		def.Specs[i].Protocol = validator.NormalizeProtocol(def.Specs[i].Protocol)
		if err := validateSpec(def.Specs[i]); err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
	}

	now := s.now()
	if def.ID == "" {
		def.ID = uuidutil.New()
	}
	def.Enabled = true
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.NextExecutionAt.IsZero() {
		def.NextExecutionAt = now
	}
	if err := s.defs.Save(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to save task definition: %w", err)
	}

	s.mu.Lock()
	s.tasks[def.ID] = &models.ScheduledTask{Definition: *def, State: models.DefinitionScheduled}
	s.mu.Unlock()

	s.logger.Info("task definition created", "task_def_id", def.ID, "interval", def.Interval())
	return def, nil
}

// GetDefinition reads a definition from the store, including disabled ones.
func (s *Scheduler) GetDefinition(ctx context.Context, defID string) (*models.TaskDefinition, error) {
	def, err := s.defs.Get(ctx, defID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, defID)
	}
	return def, nil
}

func (s *Scheduler) Pause(defID string) error {
	return s.setState(defID, models.DefinitionPaused)
}

func (s *Scheduler) Resume(defID string) error {
	return s.setState(defID, models.DefinitionScheduled)
}

func (s *Scheduler) setState(defID string, state models.DefinitionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[defID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDefinitionNotFound, defID)
	}
	st.State = state
	if state == models.DefinitionScheduled {
		st.LastError = ""
		if now := s.now(); st.Definition.NextExecutionAt.Before(now) {
			st.Definition.NextExecutionAt = now
		}
	}
	s.logger.Info("task definition state changed", "task_def_id", defID, "state", state)
	return nil
}

// StopTask disables the definition in the store and drops it from the
// schedule. Batches already created keep running.
func (s *Scheduler) StopTask(ctx context.Context, defID string) error {
	if _, err := s.GetDefinition(ctx, defID); err != nil {
		return err
	}
	if err := s.defs.SetEnabled(ctx, defID, false); err != nil {
		return fmt.Errorf("failed to disable task definition: %w", err)
	}
	s.mu.Lock()
	delete(s.tasks, defID)
	s.mu.Unlock()

	s.logger.Info("task definition stopped", "task_def_id", defID)
	return nil
}

func (s *Scheduler) Tasks() []models.ScheduledTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ScheduledTask, 0, len(s.tasks))
	for _, id := range slices.Sorted(maps.Keys(s.tasks)) {
		out = append(out, *s.tasks[id])
	}
	return out
}

// Dispatch turns every due definition into a submitted batch. A definition
// whose previous batch is still active is skipped unless that batch's agent
// went OFFLINE. Returns the number of batches submitted.
func (s *Scheduler) Dispatch(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []models.TaskDefinition
	for _, st := range s.tasks {
		switch st.State {
		case models.DefinitionPaused:
			continue
		case models.DefinitionRunning:
			if b, err := s.orchestrator.GetBatch(st.LastBatchID); err == nil && !b.Status.IsTerminal() && !s.agentOffline(b.AgentID) {
				continue
			}
			st.State = models.DefinitionScheduled
		}
		if !st.Definition.NextExecutionAt.After(now) {
			due = append(due, st.Definition)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(due, func(a, b models.TaskDefinition) int {
		return a.NextExecutionAt.Compare(b.NextExecutionAt)
	})

	dispatched := 0
	for _, def := range due {
		if ctx.Err() != nil {
			break
		}
		batch, err := s.dispatchOne(ctx, def, now)
		s.afterDispatch(ctx, def, batch, err, now)
		if err == nil {
			dispatched++
		}
	}
	return dispatched
}

func (s *Scheduler) dispatchOne(ctx context.Context, def models.TaskDefinition, now time.Time) (*models.TaskBatch, error) {
	agentID, err := s.pickAgent(def)
	if err != nil {
		return nil, err
	}

	batch, err := s.orchestrator.CreateBatch(ctx, &models.CreateBatchRequest{
		TaskDefID:   def.ID,
		AgentID:     agentID,
		Name:        fmt.Sprintf("%s@%s", def.Name, now.UTC().Format(time.RFC3339)),
		Description: def.Description,
	})
	if err != nil {
		return nil, err
	}

	res, err := s.orchestrator.CreateTasks(ctx, batch.ID, def.Specs)
	if err != nil {
		return nil, err
	}
	for _, e := range res.Errors {
		s.logger.Warn("task spec rejected",
			"task_def_id", def.ID,
			"device_id", e.DeviceID,
			"metric_id", e.MetricID,
			"code", e.Code,
			"error", e.Message,
		)
	}
	if len(res.Created) == 0 {
		if _, err := s.orchestrator.CancelBatch(ctx, batch.ID); err != nil {
			s.logger.Warn("failed to cancel empty batch",
				"task_def_id", def.ID,
				"batch_id", batch.ID,
				"error", err,
			)
		}
		return nil, fmt.Errorf("%w: no task could be created for %s", ErrEmptyBatch, def.ID)
	}
	return s.orchestrator.SubmitBatch(ctx, batch.ID)
}

func (s *Scheduler) agentOffline(agentID string) bool {
	a, err := s.registry.GetAgent(agentID)
	return err != nil || a.Status == models.AgentStatusOffline
}

// pickAgent returns the pinned agent or the least busy eligible agent that
// supports every protocol the definition needs.
func (s *Scheduler) pickAgent(def models.TaskDefinition) (string, error) {
	if def.AgentID != "" {
		return def.AgentID, nil
	}

	protocols := def.Protocols()
	load := s.orchestrator.AgentLoad()
	var best *models.Agent
	for _, a := range s.registry.ListAgents(models.AgentFilter{EnabledOnly: true}) {
		if !a.Status.Eligible() || !allCapabilities(a, protocols) {
			continue
		}
		if best == nil || load[a.ID] < load[best.ID] || (load[a.ID] == load[best.ID] && a.ID < best.ID) {
			best = a
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: no eligible agent supports %s", ErrAgentNotEligible, strings.Join(protocols, ","))
	}
	return best.ID, nil
}

func allCapabilities(a *models.Agent, protocols []string) bool {
	for _, p := range protocols {
		if !a.HasCapability(p) {
			return false
		}
	}
	return true
}

func (s *Scheduler) afterDispatch(ctx context.Context, def models.TaskDefinition, batch *models.TaskBatch, err error, now time.Time) {
	next := now.Add(def.Interval())

	s.mu.Lock()
	if st, ok := s.tasks[def.ID]; ok {
		st.Definition.NextExecutionAt = next
		if err != nil {
			st.State = models.DefinitionError
			st.LastError = err.Error()
		} else {
			st.State = models.DefinitionRunning
			st.LastBatchID = batch.ID
			st.LastError = ""
			st.Definition.LastExecutionAt = &now
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("failed to dispatch task definition", "task_def_id", def.ID, "error", err)
		return
	}
	s.logger.Info("task definition dispatched",
		"task_def_id", def.ID,
		"batch_id", batch.ID,
		"agent_id", batch.AgentID,
		"next", next,
	)
	if err := s.defs.MarkExecuted(ctx, def.ID, now, next); err != nil {
		s.logger.Warn("failed to record execution time", "task_def_id", def.ID, "error", err)
	}
}

// Pruner drops externally stored records older than cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type namedPruner struct {
	name string
	p    Pruner
}

// AddPruner registers p with the cleanup job. Call before Start.
func (s *Scheduler) AddPruner(name string, p Pruner) {
	s.mu.Lock()
	s.pruners = append(s.pruners, namedPruner{name: name, p: p})
	s.mu.Unlock()
}

// CleanupExpiredTasks purges finished batches past retention and expired
// tokens. Results already in the history store are untouched.
func (s *Scheduler) CleanupExpiredTasks(ctx context.Context) int {
	n := s.orchestrator.CleanupExpired(ctx, s.config.Retention)
	if t := s.registry.PurgeExpiredTokens(); t > 0 {
		s.logger.Debug("expired tokens purged", "count", t)
	}

	s.mu.RLock()
	pruners := slices.Clone(s.pruners)
	s.mu.RUnlock()

	cutoff := s.now().Add(-s.config.Retention)
	for _, np := range pruners {
		removed, err := np.p.Prune(ctx, cutoff)
		if err != nil {
			s.logger.Warn("failed to prune expired records", "store", np.name, "error", err)
			continue
		}
		if removed > 0 {
			s.logger.Info("expired records pruned", "store", np.name, "count", removed)
		}
	}
	return n
}

// CheckPlugins health-checks every plugin and, when enabled, restarts the
// ones in ERROR.
func (s *Scheduler) CheckPlugins(ctx context.Context) {
	results := s.plugins.HealthCheckAll(ctx)
	for typ, h := range results {
		if !h.Healthy {
			s.logger.Debug("plugin unhealthy", "plugin", typ, "message", h.Message)
		}
	}
	if s.config.AutoRecoverPlugins {
		if n := s.plugins.RecoverErrored(ctx); n > 0 {
			s.logger.Info("plugins recovered", "count", n)
		}
	}
}

// RefreshStats recomputes the statistics snapshot served by LastStats.
func (s *Scheduler) RefreshStats() models.SchedulerStats {
	s.stats.Roll()
	st := s.Stats()
	now := s.now()
	st.LastRefreshedAt = &now

	s.mu.Lock()
	s.last = st
	s.refreshed = &now
	s.mu.Unlock()
	return st
}

// LastStats returns the snapshot from the most recent refresh.
func (s *Scheduler) LastStats() models.SchedulerStats {
	s.mu.RLock()
	refreshed := s.refreshed != nil
	st := s.last
	s.mu.RUnlock()
	if !refreshed {
		return s.RefreshStats()
	}
	return st
}

// Stats computes the statistics snapshot now.
func (s *Scheduler) Stats() models.SchedulerStats {
	exec := s.stats.Snapshot()
	running, _ := s.plugins.CountRunning()
	counts := s.registry.CountByStatus()

	st := models.SchedulerStats{
		TodayExecutions: exec.Executions,
		TodaySuccess:    exec.Success,
		TodayFailure:    exec.Failure,
		MinExecutionMs:  exec.MinMs,
		AvgExecutionMs:  exec.AvgMs,
		MaxExecutionMs:  exec.MaxMs,
		StatisticsSince: exec.Since,
		ActiveBatches:   s.orchestrator.ActiveBatches(),
		OnlineAgents:    counts[models.AgentStatusOnline] + counts[models.AgentStatusBusy],
		RunningPlugins:  running,
	}

	s.mu.RLock()
	st.SchedulerRunning = s.running
	st.LastRefreshedAt = s.refreshed
	st.TotalTasks = len(s.tasks)
	for _, t := range s.tasks {
		switch t.State {
		case models.DefinitionScheduled:
			st.ScheduledTasks++
		case models.DefinitionRunning:
			st.RunningTasks++
		case models.DefinitionPaused:
			st.PausedTasks++
		case models.DefinitionError:
			st.ErrorTasks++
		}
	}
	s.mu.RUnlock()
	return st
}

func (s *Scheduler) Health() models.SchedulerHealth {
	counts := s.registry.CountByStatus()
	running, total := s.plugins.CountRunning()

	h := models.SchedulerHealth{
		Workers:     s.pool.Size(),
		Online:      counts[models.AgentStatusOnline] + counts[models.AgentStatusBusy],
		Offline:     counts[models.AgentStatusOffline],
		Plugins:     total,
		PluginsUp:   running,
		SinkBreaker: string(s.orchestrator.BreakerState()),
	}
	for _, n := range counts {
		h.TotalAgents += n
	}

	s.mu.RLock()
	h.Running = s.running
	if s.running {
		started := s.startedAt
		h.StartedAt = &started
		h.Uptime = s.now().Sub(started).Round(time.Second).String()
	}
	s.mu.RUnlock()

	h.Healthy = h.Running && (total == 0 || running > 0)
	return h
}
