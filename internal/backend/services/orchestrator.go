package services

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/events"
	shared "NetPulse/internal/shared/models"
	"NetPulse/pkg/resilience"
	"NetPulse/pkg/uuidutil"
	"NetPulse/pkg/validator"
)

type PluginResolver interface {
	Resolve(protocol string) (models.PluginInfo, error)
}

// ResultSink is the external metric-history store.
type ResultSink interface {
	Append(ctx context.Context, result *models.CollectionResult) error
}

// ExecutionRecorder receives one call per finished task attempt.
type ExecutionRecorder interface {
	RecordExecution(success bool, durationMs int64)
}

type OrchestratorConfig struct {
	TaskTimeout        time.Duration
	MaxRetryTimes      int
	RetryInterval      time.Duration
	ExponentialBackoff bool
	BatchPullLimit     int
	SinkTimeout        time.Duration
}

type batchState struct {
	mu      sync.Mutex
	batch   *models.TaskBatch
	tasks   map[string]*models.CollectionTask
	order   []string
	removed bool
}

// Orchestrator owns batches and tasks. o.mu guards the batch and task
// indexes only; each batch carries its own lock so reports for different
// batches never contend. When both are needed o.mu is taken first.
type Orchestrator struct {
	mu        sync.RWMutex
	batches   map[string]*batchState
	taskIndex map[string]string

	agents  *AgentRegistry
	plugins PluginResolver
	sink    ResultSink
	breaker *resilience.Breaker
	stats   ExecutionRecorder

	config OrchestratorConfig
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewOrchestrator(
	config OrchestratorConfig,
	agents *AgentRegistry,
	plugins PluginResolver,
	sink ResultSink,
	stats ExecutionRecorder,
	bus *events.Bus,
	logger *slog.Logger,
) *Orchestrator {
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 5 * time.Minute
	}
	if config.MaxRetryTimes < 0 {
		config.MaxRetryTimes = 0
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 30 * time.Second
	}
	if config.BatchPullLimit <= 0 {
		config.BatchPullLimit = 10
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		batches:   make(map[string]*batchState),
		taskIndex: make(map[string]string),
		agents:    agents,
		plugins:   plugins,
		sink:      sink,
		breaker:   resilience.NewBreaker("result-sink", 5, 30*time.Second, logger),
		stats:     stats,
		config:    config,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

func (o *Orchestrator) CreateBatch(ctx context.Context, req *models.CreateBatchRequest) (*models.TaskBatch, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: batch name is required", ErrValidation)
	}
	agent, err := o.agents.GetAgent(req.AgentID)
	if err != nil {
		return nil, err
	}
	if !agent.Status.Eligible() || !agent.Enabled {
		return nil, fmt.Errorf("%w: agent %s is %s (enabled=%t)", ErrAgentNotEligible, agent.ID, agent.Status, agent.Enabled)
	}

	now := o.now()
	batch := &models.TaskBatch{
		ID:          uuidutil.New(),
		TaskDefID:   req.TaskDefID,
		AgentID:     agent.ID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Status:      models.BatchPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	o.mu.Lock()
	o.batches[batch.ID] = &batchState{
		batch: batch,
		tasks: make(map[string]*models.CollectionTask),
	}
	o.mu.Unlock()

	o.logger.Info("batch created",
		"batch_id", batch.ID,
		"agent_id", batch.AgentID,
		"task_def_id", batch.TaskDefID,
	)
	snapshot := batch.Clone()
	o.bus.Publish(o.batchEvent(events.BatchCreated, events.SeverityInfo, snapshot, "batch %s created for agent %s"))
	return snapshot, nil
}

// CreateTasks adds one task per spec. A rejected spec is reported in the
// result's Errors and does not affect its siblings. Plugins are resolved
// before the batch is locked.
func (o *Orchestrator) CreateTasks(ctx context.Context, batchID string, specs []models.TaskSpec) (*models.CreateTasksResult, error) {
	bs, err := o.lookupBatch(batchID)
	if err != nil {
		return nil, err
	}
	bs.mu.Lock()
	agentID, status := bs.batch.AgentID, bs.batch.Status
	bs.mu.Unlock()
	if status != models.BatchPending {
		return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchState, batchID, status)
	}

	agent, err := o.agents.GetAgent(agentID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	result := &models.CreateTasksResult{
		Created: make([]*models.CollectionTask, 0, len(specs)),
		Errors:  []models.TaskSpecError{},
	}
	var tasks []*models.CollectionTask

	for i, spec := range specs {
		spec.Protocol = validator.NormalizeProtocol(spec.Protocol)
		reject := func(code string, err error) {
			result.Errors = append(result.Errors, models.TaskSpecError{
				Index:    i,
				DeviceID: spec.DeviceID,
				MetricID: spec.MetricID,
				Protocol: spec.Protocol,
				Code:     code,
				Message:  err.Error(),
				Err:      err,
			})
		}

		if err := validateSpec(spec); err != nil {
			reject("VALIDATION_ERROR", err)
			continue
		}
		plugin, err := o.plugins.Resolve(spec.Protocol)
		if err != nil {
			reject("NO_PLUGIN_AVAILABLE", fmt.Errorf("%w: %s", ErrNoPluginAvailable, spec.Protocol))
			continue
		}
		if !agent.HasCapability(spec.Protocol) {
			reject("CAPABILITY_ERROR", fmt.Errorf("%w: agent %s does not support %s", ErrCapability, agent.ID, spec.Protocol))
			continue
		}

		maxRetries := o.config.MaxRetryTimes
		if spec.MaxRetries != nil && *spec.MaxRetries >= 0 {
			maxRetries = *spec.MaxRetries
		}
		tasks = append(tasks, &models.CollectionTask{
			ID:              uuidutil.New(),
			BatchID:         batchID,
			DeviceID:        spec.DeviceID,
			MetricID:        spec.MetricID,
			PluginType:      plugin.Type,
			Protocol:        spec.Protocol,
			Target:          spec.Target,
			MetricType:      spec.MetricType,
			Params:          spec.Params,
			Status:          models.TaskPending,
			ScheduledAt:     now,
			NextExecutionAt: now,
			MaxRetries:      maxRetries,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	if len(tasks) > 0 {
		bs.mu.Lock()
		if bs.removed {
			bs.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		if bs.batch.Status != models.BatchPending {
			status := bs.batch.Status
			bs.mu.Unlock()
			return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchState, batchID, status)
		}
		for _, t := range tasks {
			t.TaskDefID = bs.batch.TaskDefID
			bs.tasks[t.ID] = t
			bs.order = append(bs.order, t.ID)
			bs.batch.Counts.Total++
			bs.batch.Counts.Add(models.TaskPending, 1)
			result.Created = append(result.Created, t.Clone())
		}
		bs.batch.UpdatedAt = now
		bs.mu.Unlock()

		o.mu.Lock()
		for _, t := range tasks {
			o.taskIndex[t.ID] = batchID
		}
		o.mu.Unlock()
	}

	o.logger.Info("tasks created",
		"batch_id", batchID,
		"created", len(result.Created),
		"rejected", len(result.Errors),
	)
	return result, nil
}

func validateSpec(spec models.TaskSpec) error {
	if strings.TrimSpace(spec.DeviceID) == "" || strings.TrimSpace(spec.MetricID) == "" {
		return fmt.Errorf("%w: deviceId and metricId are required", ErrValidation)
	}
	if !validator.ValidateProtocol(spec.Protocol) {
		return fmt.Errorf("%w: unsupported protocol %q", ErrValidation, spec.Protocol)
	}
	if !validator.ValidateTarget(spec.Target) {
		return fmt.Errorf("%w: invalid target %q", ErrValidation, spec.Target)
	}
	return nil
}

func (o *Orchestrator) SubmitBatch(ctx context.Context, batchID string) (*models.TaskBatch, error) {
	bs, err := o.lookupBatch(batchID)
	if err != nil {
		return nil, err
	}

	bs.mu.Lock()
	if err := bs.live(batchID); err != nil {
		bs.mu.Unlock()
		return nil, err
	}
	if bs.batch.Status != models.BatchPending {
		status := bs.batch.Status
		bs.mu.Unlock()
		return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchState, batchID, status)
	}
	if bs.batch.Counts.Total == 0 {
		bs.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEmptyBatch, batchID)
	}
	now := o.now()
	bs.batch.Status = models.BatchSubmitted
	bs.batch.SubmittedAt = &now
	bs.batch.UpdatedAt = now
	snapshot := bs.batch.Clone()
	bs.mu.Unlock()

	o.logger.Info("batch submitted", "batch_id", batchID, "tasks", snapshot.Counts.Total)
	o.bus.Publish(o.batchEvent(events.BatchSubmitted, events.SeverityInfo, snapshot, "batch %s submitted to agent %s"))
	return snapshot, nil
}

// PendingBatchesForAgent lists the agent's batches in the given statuses,
// oldest first. Agents that are OFFLINE or disabled get nothing.
func (o *Orchestrator) PendingBatchesForAgent(agentID string, statuses []models.BatchStatus, limit int) ([]*models.TaskBatch, error) {
	agent, err := o.agents.GetAgent(agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if agent.Status == models.AgentStatusOffline || !agent.Enabled {
		return []*models.TaskBatch{}, nil
	}
	if len(statuses) == 0 {
		statuses = []models.BatchStatus{models.BatchSubmitted, models.BatchRunning}
	}
	if limit <= 0 || limit > o.config.BatchPullLimit {
		limit = o.config.BatchPullLimit
	}

	out := o.collectBatches(func(b *models.TaskBatch) bool {
		return b.AgentID == agentID && slices.Contains(statuses, b.Status)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListBatches returns batches matching agentID and status when non-empty.
func (o *Orchestrator) ListBatches(agentID string, status models.BatchStatus) []*models.TaskBatch {
	return o.collectBatches(func(b *models.TaskBatch) bool {
		return (agentID == "" || b.AgentID == agentID) && (status == "" || b.Status == status)
	})
}

func (o *Orchestrator) collectBatches(match func(b *models.TaskBatch) bool) []*models.TaskBatch {
	out := []*models.TaskBatch{}
	for _, bs := range o.snapshotStates() {
		bs.mu.Lock()
		if !bs.removed && match(bs.batch) {
			out = append(out, bs.batch.Clone())
		}
		bs.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *models.TaskBatch) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (o *Orchestrator) GetBatch(batchID string) (*models.TaskBatch, error) {
	bs, err := o.lookupBatch(batchID)
	if err != nil {
		return nil, err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if err := bs.live(batchID); err != nil {
		return nil, err
	}
	return bs.batch.Clone(), nil
}

// TasksForBatch returns the batch's tasks in creation order. A non-empty
// agentID must own the batch.
func (o *Orchestrator) TasksForBatch(agentID, batchID string) ([]*models.CollectionTask, error) {
	bs, err := o.lookupBatch(batchID)
	if err != nil {
		return nil, err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if err := bs.live(batchID); err != nil {
		return nil, err
	}
	if agentID != "" && bs.batch.AgentID != agentID {
		return nil, fmt.Errorf("%w: batch %s", ErrAgentMismatch, batchID)
	}

	out := make([]*models.CollectionTask, 0, len(bs.order))
	for _, id := range bs.order {
		out = append(out, bs.tasks[id].Clone())
	}
	return out, nil
}

func (o *Orchestrator) GetTask(taskID string) (*models.CollectionTask, error) {
	bs, task, err := o.lockTask(taskID)
	if err != nil {
		return nil, err
	}
	defer bs.mu.Unlock()
	return task.Clone(), nil
}

// UpdateBatchStatus accepts an agent's SUBMITTED to RUNNING report. Reports
// against a finished batch return its current state unchanged.
func (o *Orchestrator) UpdateBatchStatus(ctx context.Context, agentID, batchID string, update *models.BatchStatusUpdate) (*models.TaskBatch, error) {
	bs, err := o.lookupBatch(batchID)
	if err != nil {
		return nil, err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if err := bs.live(batchID); err != nil {
		return nil, err
	}
	b := bs.batch
	if b.AgentID != agentID {
		return nil, fmt.Errorf("%w: batch %s", ErrAgentMismatch, batchID)
	}
	if b.Status.IsTerminal() || b.Status == update.Status {
		return b.Clone(), nil
	}
	if b.Status != models.BatchSubmitted || update.Status != models.BatchRunning {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBatchState, b.Status, update.Status)
	}

	now := o.now()
	b.Status = models.BatchRunning
	b.StartedAt = &now
	b.UpdatedAt = now
	o.logger.Debug("batch running", "batch_id", batchID, "agent_id", agentID)
	return b.Clone(), nil
}

var taskTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskPending: {models.TaskRunning, models.TaskCancelled},
	models.TaskRunning: {models.TaskCompleted, models.TaskFailed, models.TaskTimeout, models.TaskCancelled},
}

func canTransition(from, to models.TaskStatus) bool {
	return slices.Contains(taskTransitions[from], to)
}

// UpdateTaskStatus applies an agent's status report. Writes against a
// terminal task are no-ops returning the current state.
func (o *Orchestrator) UpdateTaskStatus(ctx context.Context, agentID, taskID string, update *models.TaskStatusUpdate) (*models.CollectionTask, error) {
	bs, task, err := o.lockTask(taskID)
	if err != nil {
		return nil, err
	}
	var pending []events.Event
	defer func() {
		bs.mu.Unlock()
		o.publishAll(pending)
	}()

	if bs.batch.AgentID != agentID {
		return nil, fmt.Errorf("%w: task %s", ErrAgentMismatch, taskID)
	}
	if task.Status.IsTerminal() || task.Status == update.Status {
		return task.Clone(), nil
	}
	if !canTransition(task.Status, update.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, update.Status)
	}

	now := o.now()
	switch update.Status {
	case models.TaskRunning:
		start := now
		if update.StartTime != nil && !update.StartTime.IsZero() {
			start = *update.StartTime
		}
		o.moveTask(bs, task, models.TaskRunning, now)
		task.StartedAt = &start
		if bs.batch.Status == models.BatchSubmitted {
			bs.batch.Status = models.BatchRunning
			bs.batch.StartedAt = &now
		}

	case models.TaskTimeout:
		pending = append(pending, o.timeoutLocked(bs, task, now, update.Message)...)

	case models.TaskCompleted, models.TaskFailed:
		success := update.Status == models.TaskCompleted
		o.moveTask(bs, task, update.Status, now)
		end := now
		if update.EndTime != nil && !update.EndTime.IsZero() {
			end = *update.EndTime
		}
		task.CompletedAt = &end
		task.RecordExecution(success, update.ExecutionTimeMs)
		if !success {
			task.LastError = update.Message
		}
		o.recordStats(success, update.ExecutionTimeMs)

	case models.TaskCancelled:
		o.moveTask(bs, task, models.TaskCancelled, now)
		task.CompletedAt = &now
	}

	pending = append(pending, o.recomputeLocked(bs, now)...)
	return task.Clone(), nil
}

// SubmitResult records a collection result and completes its task. A result
// for a task that is already terminal is acknowledged without changes;
// applied reports whether this call changed anything.
func (o *Orchestrator) SubmitResult(ctx context.Context, agentID string, report *shared.ResultReport) (task *models.CollectionTask, applied bool, err error) {
	status, err := parseResultStatus(report.Status)
	if err != nil {
		return nil, false, err
	}

	bs, t, err := o.lockTask(report.TaskID)
	if err != nil {
		return nil, false, err
	}
	if bs.batch.AgentID != agentID {
		bs.mu.Unlock()
		return nil, false, fmt.Errorf("%w: task %s", ErrAgentMismatch, report.TaskID)
	}
	if report.BatchID != "" && report.BatchID != bs.batch.ID {
		bs.mu.Unlock()
		return nil, false, fmt.Errorf("%w: task %s does not belong to batch %s", ErrValidation, report.TaskID, report.BatchID)
	}
	if t.Status.IsTerminal() {
		snapshot := t.Clone()
		bs.mu.Unlock()
		o.logger.Debug("duplicate result ignored", "task_id", report.TaskID, "status", snapshot.Status)
		return snapshot, false, nil
	}

	now := o.now()
	ts := report.Timestamp
	if ts.IsZero() {
		ts = now
	}
	result := &models.CollectionResult{
		ID:             uuidutil.New(),
		TaskID:         t.ID,
		BatchID:        bs.batch.ID,
		AgentID:        agentID,
		DeviceID:       cmp.Or(report.DeviceID, t.DeviceID),
		MetricID:       cmp.Or(report.MetricID, t.MetricID),
		RawValue:       report.ResultValue,
		ProcessedValue: report.ProcessedValue,
		ResultType:     report.ResultType,
		Status:         status,
		ErrorMessage:   report.ErrorMessage,
		DurationMs:     report.ExecutionTime,
		Timestamp:      ts,
		ReceivedAt:     now,
	}

	success := status == models.ResultSuccess
	to := models.TaskCompleted
	if !success {
		to = models.TaskFailed
		t.LastError = report.ErrorMessage
	}
	if t.StartedAt == nil {
		start := ts.Add(-time.Duration(report.ExecutionTime) * time.Millisecond)
		t.StartedAt = &start
	}
	o.moveTask(bs, t, to, now)
	t.CompletedAt = &now
	t.LastResult = result
	t.RecordExecution(success, report.ExecutionTime)
	o.recordStats(success, report.ExecutionTime)

	pending := o.recomputeLocked(bs, now)
	snapshot := t.Clone()
	bs.mu.Unlock()

	o.publishAll(pending)
	o.appendToSink(ctx, result)
	return snapshot, true, nil
}

func parseResultStatus(s string) (models.ResultStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "COMPLETED", "OK":
		return models.ResultSuccess, nil
	case "FAILED", "FAILURE", "ERROR":
		return models.ResultFailed, nil
	}
	return "", fmt.Errorf("%w: unknown result status %q", ErrValidation, s)
}

// appendToSink writes to the history store. Failures are logged; the task
// state is already applied.
func (o *Orchestrator) appendToSink(ctx context.Context, result *models.CollectionResult) {
	if o.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.SinkTimeout)
	defer cancel()

	err := o.breaker.Do(ctx, func(ctx context.Context) error {
		return o.sink.Append(ctx, result)
	})
	if err != nil {
		o.logger.Warn("failed to append result to history",
			"task_id", result.TaskID,
			"batch_id", result.BatchID,
			"error", err,
		)
	}
}

// ReconcileTimeouts times out RUNNING tasks older than the execution timeout
// and returns how many it handled. Submitted tasks of an OFFLINE agent that
// stay unstarted past the timeout, counted from their next execution time,
// are timed out as well. A failure on one batch does not stop the sweep.
func (o *Orchestrator) ReconcileTimeouts(ctx context.Context) int {
	offline := make(map[string]bool)
	for _, a := range o.agents.ListAgents(models.AgentFilter{Status: models.AgentStatusOffline}) {
		offline[a.ID] = true
	}

	total := 0
	for _, bs := range o.snapshotStates() {
		if ctx.Err() != nil {
			break
		}
		total += o.reconcileBatch(bs, offline)
	}
	if total > 0 {
		o.logger.Info("timed out tasks reconciled", "count", total)
	}
	return total
}

func (o *Orchestrator) reconcileBatch(bs *batchState, offline map[string]bool) (n int) {
	var pending []events.Event
	bs.mu.Lock()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic while reconciling batch", "batch_id", bs.batch.ID, "panic", r)
		}
		bs.mu.Unlock()
		o.publishAll(pending)
	}()

	if bs.removed || bs.batch.Status.IsTerminal() {
		return 0
	}
	stranded := bs.batch.Status != models.BatchPending && offline[bs.batch.AgentID]
	if bs.batch.Counts.Running == 0 && !stranded {
		return 0
	}
	now := o.now()
	for _, id := range bs.order {
		t := bs.tasks[id]
		var msg string
		switch {
		case t.Status == models.TaskRunning:
			started := t.ScheduledAt
			if t.StartedAt != nil {
				started = *t.StartedAt
			}
			if now.Sub(started) <= o.config.TaskTimeout {
				continue
			}
		case t.Status == models.TaskPending && stranded:
			if now.Sub(t.NextExecutionAt) <= o.config.TaskTimeout {
				continue
			}
			msg = "agent offline, task was never started"
		default:
			continue
		}
		pending = append(pending, o.timeoutLocked(bs, t, now, msg)...)
		n++
	}
	if n > 0 {
		pending = append(pending, o.recomputeLocked(bs, now)...)
	}
	return n
}

// timeoutLocked moves a RUNNING task through TIMEOUT. The retry counter is
// bumped first; the task goes back to PENDING while it stays below the
// limit and fails once it reaches it.
func (o *Orchestrator) timeoutLocked(bs *batchState, t *models.CollectionTask, now time.Time, msg string) []events.Event {
	elapsed := int64(o.config.TaskTimeout / time.Millisecond)
	if t.StartedAt != nil {
		elapsed = now.Sub(*t.StartedAt).Milliseconds()
	}
	o.moveTask(bs, t, models.TaskTimeout, now)
	t.LastError = cmp.Or(msg, ErrTaskTimeout.Error())
	t.RecordExecution(false, elapsed)
	o.recordStats(false, elapsed)

	meta := map[string]string{
		"task_id":   t.ID,
		"batch_id":  bs.batch.ID,
		"agent_id":  bs.batch.AgentID,
		"device_id": t.DeviceID,
		"metric_id": t.MetricID,
	}

	if t.MaxRetries > 0 {
		t.RetryCount++
	}
	if t.RetryCount < t.MaxRetries {
		o.moveTask(bs, t, models.TaskPending, now)
		t.StartedAt = nil
		t.NextExecutionAt = now.Add(o.backoff(t.RetryCount))
		o.logger.Warn("task timed out, retrying",
			"task_id", t.ID,
			"retry", t.RetryCount,
			"max_retries", t.MaxRetries,
			"next_execution", t.NextExecutionAt,
		)
		return []events.Event{{
			Type:     events.TaskTimedOut,
			Severity: events.SeverityWarning,
			Source:   "orchestrator",
			Message:  fmt.Sprintf("task %s timed out (retry %d/%d)", t.ID, t.RetryCount, t.MaxRetries),
			Metadata: meta,
			Data:     t.Clone(),
		}}
	}

	o.moveTask(bs, t, models.TaskFailed, now)
	t.CompletedAt = &now
	o.logger.Warn("task retries exhausted",
		"task_id", t.ID,
		"retries", t.RetryCount,
	)
	return []events.Event{{
		Type:     events.TaskRetryExhausted,
		Severity: events.SeverityWarning,
		Source:   "orchestrator",
		Message:  fmt.Sprintf("task %s failed after %d retries", t.ID, t.RetryCount),
		Metadata: meta,
		Data:     t.Clone(),
	}}
}

func (o *Orchestrator) backoff(retry int) time.Duration {
	d := o.config.RetryInterval
	if !o.config.ExponentialBackoff {
		return d
	}
	for i := 1; i < retry && i < 6; i++ {
		d *= 2
	}
	return d
}

// CancelBatch cancels every unfinished task and closes the batch. Agents
// already executing a task are not interrupted; their later reports are
// ignored.
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID string) (*models.TaskBatch, error) {
	bs, err := o.lookupBatch(batchID)
	if err != nil {
		return nil, err
	}

	bs.mu.Lock()
	if err := bs.live(batchID); err != nil {
		bs.mu.Unlock()
		return nil, err
	}
	b := bs.batch
	if b.Status == models.BatchCancelled {
		snapshot := b.Clone()
		bs.mu.Unlock()
		return snapshot, nil
	}
	if b.Status.IsTerminal() {
		status := b.Status
		bs.mu.Unlock()
		return nil, fmt.Errorf("%w: batch %s is %s", ErrBatchState, batchID, status)
	}

	now := o.now()
	cancelled := 0
	for _, id := range bs.order {
		if t := bs.tasks[id]; !t.Status.IsTerminal() {
			o.moveTask(bs, t, models.TaskCancelled, now)
			t.CompletedAt = &now
			cancelled++
		}
	}
	b.Status = models.BatchCancelled
	b.CancelledAt = &now
	b.FinishedAt = &now
	b.UpdatedAt = now
	snapshot := b.Clone()
	bs.mu.Unlock()

	o.logger.Info("batch cancelled", "batch_id", batchID, "cancelled_tasks", cancelled)
	o.bus.Publish(o.batchEvent(events.BatchCancelled, events.SeverityInfo, snapshot, "batch %s for agent %s cancelled"))
	return snapshot, nil
}

func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) (*models.CollectionTask, error) {
	bs, t, err := o.lockTask(taskID)
	if err != nil {
		return nil, err
	}
	var pending []events.Event
	defer func() {
		bs.mu.Unlock()
		o.publishAll(pending)
	}()

	if t.Status == models.TaskCancelled {
		return t.Clone(), nil
	}
	if !canTransition(t.Status, models.TaskCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, models.TaskCancelled)
	}
	now := o.now()
	o.moveTask(bs, t, models.TaskCancelled, now)
	t.CompletedAt = &now
	pending = o.recomputeLocked(bs, now)

	o.logger.Info("task cancelled", "task_id", taskID, "batch_id", bs.batch.ID)
	return t.Clone(), nil
}

// RescheduleTask resets a terminal task to PENDING with its retry counter
// incremented, reopening its batch if the batch had finished.
func (o *Orchestrator) RescheduleTask(ctx context.Context, taskID string) (*models.CollectionTask, error) {
	bs, t, err := o.lockTask(taskID)
	if err != nil {
		return nil, err
	}
	defer bs.mu.Unlock()

	if bs.batch.Status == models.BatchCancelled {
		return nil, fmt.Errorf("%w: batch %s is cancelled", ErrBatchState, bs.batch.ID)
	}
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, t.Status)
	}

	now := o.now()
	o.moveTask(bs, t, models.TaskPending, now)
	t.RetryCount++
	t.StartedAt = nil
	t.CompletedAt = nil
	t.NextExecutionAt = now

	b := bs.batch
	if b.Status.IsTerminal() {
		b.FinishedAt = nil
		switch {
		case b.StartedAt != nil:
			b.Status = models.BatchRunning
		case b.SubmittedAt != nil:
			b.Status = models.BatchSubmitted
		default:
			b.Status = models.BatchPending
		}
	}

	o.logger.Info("task rescheduled", "task_id", taskID, "retry", t.RetryCount, "batch_status", b.Status)
	return t.Clone(), nil
}

// CleanupExpired drops finished batches older than retention from the
// working set and returns how many were removed.
func (o *Orchestrator) CleanupExpired(ctx context.Context, retention time.Duration) int {
	cutoff := o.now().Add(-retention)

	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for id, bs := range o.batches {
		bs.mu.Lock()
		b := bs.batch
		expired := b.Status.IsTerminal() && b.FinishedAt != nil && b.FinishedAt.Before(cutoff)
		if expired {
			bs.removed = true
			for taskID := range bs.tasks {
				delete(o.taskIndex, taskID)
			}
			delete(o.batches, id)
			removed++
		}
		bs.mu.Unlock()
	}
	if removed > 0 {
		o.logger.Info("expired batches removed", "count", removed, "retention", retention)
	}
	return removed
}

// ActiveBatches counts batches that have not finished.
func (o *Orchestrator) ActiveBatches() int {
	n := 0
	for _, bs := range o.snapshotStates() {
		bs.mu.Lock()
		if !bs.removed && !bs.batch.Status.IsTerminal() {
			n++
		}
		bs.mu.Unlock()
	}
	return n
}

// AgentLoad returns the number of unfinished tasks per agent.
func (o *Orchestrator) AgentLoad() map[string]int {
	load := make(map[string]int)
	for _, bs := range o.snapshotStates() {
		bs.mu.Lock()
		if !bs.removed && !bs.batch.Status.IsTerminal() {
			c := bs.batch.Counts
			load[bs.batch.AgentID] += c.Pending + c.Running
		}
		bs.mu.Unlock()
	}
	return load
}

// TaskCounts sums task counts over every batch in the working set.
func (o *Orchestrator) TaskCounts() models.TaskCounts {
	var total models.TaskCounts
	for _, bs := range o.snapshotStates() {
		bs.mu.Lock()
		if !bs.removed {
			c := bs.batch.Counts
			total.Total += c.Total
			total.Pending += c.Pending
			total.Running += c.Running
			total.Completed += c.Completed
			total.Failed += c.Failed
			total.Cancelled += c.Cancelled
		}
		bs.mu.Unlock()
	}
	return total
}

func (o *Orchestrator) BreakerState() resilience.State {
	return o.breaker.State()
}

// moveTask changes a task's status and keeps the batch counters in step.
func (o *Orchestrator) moveTask(bs *batchState, t *models.CollectionTask, to models.TaskStatus, now time.Time) {
	bs.batch.Counts.Add(t.Status, -1)
	bs.batch.Counts.Add(to, 1)
	t.Status = to
	t.UpdatedAt = now
	bs.batch.UpdatedAt = now
}

// recomputeLocked derives the batch status from its counters once every
// task is terminal: CANCELLED when all were cancelled, COMPLETED when at
// least one completed, FAILED otherwise.
func (o *Orchestrator) recomputeLocked(bs *batchState, now time.Time) []events.Event {
	b := bs.batch
	c := b.Counts
	if b.Status.IsTerminal() || c.Total == 0 || c.Terminal() < c.Total {
		return nil
	}

	var (
		typ events.EventType
		sev events.Severity
		msg string
	)
	switch {
	case c.Cancelled == c.Total:
		b.Status = models.BatchCancelled
		b.CancelledAt = &now
		typ, sev, msg = events.BatchCancelled, events.SeverityInfo, "batch %s for agent %s cancelled"
	case c.Completed > 0:
		b.Status = models.BatchCompleted
		typ, sev, msg = events.BatchCompleted, events.SeverityInfo, "batch %s for agent %s completed"
	default:
		b.Status = models.BatchFailed
		typ, sev, msg = events.BatchFailed, events.SeverityWarning, "batch %s for agent %s failed"
	}
	b.FinishedAt = &now
	b.UpdatedAt = now

	o.logger.Info("batch finished",
		"batch_id", b.ID,
		"status", b.Status,
		"completed", c.Completed,
		"failed", c.Failed,
		"cancelled", c.Cancelled,
	)
	return []events.Event{o.batchEvent(typ, sev, b.Clone(), msg)}
}

func (o *Orchestrator) batchEvent(typ events.EventType, sev events.Severity, b *models.TaskBatch, format string) events.Event {
	return events.Event{
		Type:     typ,
		Severity: sev,
		Source:   "orchestrator",
		Message:  fmt.Sprintf(format, b.Name, b.AgentID),
		Metadata: map[string]string{
			"batch_id":    b.ID,
			"agent_id":    b.AgentID,
			"task_def_id": b.TaskDefID,
			"status":      string(b.Status),
		},
		Data: b,
	}
}

func (o *Orchestrator) publishAll(evs []events.Event) {
	for _, e := range evs {
		o.bus.Publish(e)
	}
}

func (o *Orchestrator) recordStats(success bool, durationMs int64) {
	if o.stats != nil {
		o.stats.RecordExecution(success, durationMs)
	}
}

func (o *Orchestrator) lookupBatch(batchID string) (*batchState, error) {
	o.mu.RLock()
	bs, ok := o.batches[batchID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return bs, nil
}

// lockTask returns the task with its batch locked. The caller unlocks.
func (o *Orchestrator) lockTask(taskID string) (*batchState, *models.CollectionTask, error) {
	o.mu.RLock()
	batchID, ok := o.taskIndex[taskID]
	bs := o.batches[batchID]
	o.mu.RUnlock()
	if !ok || bs == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	bs.mu.Lock()
	t, ok := bs.tasks[taskID]
	if bs.removed || !ok {
		bs.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return bs, t, nil
}

func (o *Orchestrator) snapshotStates() []*batchState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*batchState, 0, len(o.batches))
	for _, bs := range o.batches {
		out = append(out, bs)
	}
	return out
}

func (bs *batchState) live(batchID string) error {
	if bs.removed {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return nil
}
