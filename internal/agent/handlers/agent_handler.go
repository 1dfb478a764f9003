// Package handlers holds the agent's run loop and task execution.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"NetPulse/internal/agent/clients"
	"NetPulse/internal/agent/sysinfo"
	shared "NetPulse/internal/shared/models"
)

// ErrUpgradeRequested is returned by Run when the coordinator asks the agent
// to upgrade; in-flight tasks have finished by then.
var ErrUpgradeRequested = errors.New("coordinator requested an agent upgrade")

const (
	errorDelay    = 5 * time.Second
	maxErrorDelay = time.Minute
	maxLogBuffer  = 500
)

// API is the part of the coordinator protocol the run loop needs.
type API interface {
	Register(ctx context.Context, req *shared.RegisterRequest) (*shared.RegisterResponse, error)
	Registered() bool
	Forget()
	CollectorID() string
	Heartbeat(ctx context.Context, req *shared.HeartbeatRequest) (*shared.HeartbeatResponse, error)
	PendingBatches(ctx context.Context, limit int) ([]shared.Batch, error)
	BatchTasks(ctx context.Context, batchID string) ([]shared.Task, error)
	UpdateBatchStatus(ctx context.Context, batchID string, update *shared.StatusUpdate) error
	UpdateTaskStatus(ctx context.Context, taskID string, update *shared.StatusUpdate) error
	SubmitResults(ctx context.Context, reports []shared.ResultReport) ([]shared.ResultAck, error)
	SubmitLogs(ctx context.Context, entries []shared.LogEntry) error
}

type Config struct {
	Registration      shared.RegisterRequest
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	Concurrency       int
	BatchLimit        int
}

// AgentHandler registers with the coordinator, keeps the heartbeat going and
// executes due tasks of the batches assigned to this agent.
type AgentHandler struct {
	config Config
	api    API
	runner *TaskHandler
	logger *slog.Logger
	now    func() time.Time
	sample func(ctx context.Context, running int) shared.HeartbeatMetrics

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	running  atomic.Int32
	paused   atomic.Bool
	upgrade  atomic.Bool
	lastErr  atomic.Value // string
	mu       sync.Mutex
	inflight map[string]struct{}
	logs     []shared.LogEntry
}

func NewAgentHandler(config Config, api API, runner *TaskHandler, logger *slog.Logger) *AgentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	return &AgentHandler{
		config:   config,
		api:      api,
		runner:   runner,
		logger:   logger,
		now:      time.Now,
		sample:   sysinfo.Sample,
		sem:      semaphore.NewWeighted(int64(config.Concurrency)),
		inflight: make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled or an upgrade is requested, then waits for
// in-flight tasks.
func (s *AgentHandler) Run(ctx context.Context) error {
	defer s.wg.Wait()

	if err := s.register(ctx); err != nil {
		return err
	}

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(s.config.PollInterval)
	defer poll.Stop()

	s.sendHeartbeat(ctx)
	s.Poll(ctx)

	for {
		if s.upgrade.Load() {
			s.logger.Warn("stopping for upgrade")
			return ErrUpgradeRequested
		}

		select {
		case <-ctx.Done():
			s.logger.Info("stopping agent handler due to context cancellation")
			return nil
		case <-heartbeat.C:
			s.sendHeartbeat(ctx)
			s.flushLogs(ctx)
		case <-poll.C:
			s.Poll(ctx)
		}
	}
}

// register retries with a capped backoff until it succeeds or ctx ends.
func (s *AgentHandler) register(ctx context.Context) error {
	delay := errorDelay
	for {
		req := s.config.Registration
		res, err := s.api.Register(ctx, &req)
		if err == nil {
			s.logger.Info("registered with coordinator", "collector_id", res.CollectorID, "token_expires", res.ExpiresAt)
			return nil
		}

		s.logger.Error("failed to register", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxErrorDelay)
	}
}

// handleErr forgets the token when the coordinator rejected it, so the next
// cycle registers again.
func (s *AgentHandler) handleErr(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	if clients.NeedsRegistration(err) {
		s.logger.Warn("coordinator rejected agent, registering again", "op", op, "error", err)
		s.api.Forget()
		if err := s.register(ctx); err != nil {
			s.logger.Debug("re-registration aborted", "error", err)
		}
		return
	}
	s.lastErr.Store(err.Error())
	s.logger.Error("coordinator call failed", "op", op, "error", err)
}

func (s *AgentHandler) sendHeartbeat(ctx context.Context) {
	running := int(s.running.Load())
	status := "ONLINE"
	if running >= s.config.Concurrency {
		status = "BUSY"
	}

	req := &shared.HeartbeatRequest{
		Timestamp: s.now().UTC(),
		Status:    status,
		Metrics:   s.sample(ctx, running),
		Version:   s.config.Registration.Version,
	}
	if msg, ok := s.lastErr.Swap("").(string); ok && msg != "" {
		req.Error = msg
	}

	res, err := s.api.Heartbeat(ctx, req)
	if err != nil {
		s.handleErr(ctx, "heartbeat", err)
		return
	}

	switch res.Action {
	case "PAUSE":
		if !s.paused.Swap(true) {
			s.logger.Info("coordinator paused collection")
		}
	case "UPGRADE":
		s.paused.Store(true)
		s.upgrade.Store(true)
	default:
		if s.paused.Swap(false) {
			s.logger.Info("coordinator resumed collection")
		}
	}
}

// Poll pulls the assigned batches and starts every due task that fits in the
// concurrency budget.
func (s *AgentHandler) Poll(ctx context.Context) {
	if s.paused.Load() || !s.api.Registered() {
		return
	}

	batches, err := s.api.PendingBatches(ctx, s.config.BatchLimit)
	if err != nil {
		s.handleErr(ctx, "pending batches", err)
		return
	}

	for _, b := range batches {
		if ctx.Err() != nil {
			return
		}
		if b.Status == "SUBMITTED" {
			if err := s.api.UpdateBatchStatus(ctx, b.ID, &shared.StatusUpdate{Status: "RUNNING"}); err != nil {
				s.logger.Debug("batch status report failed", "batch_id", b.ID, "error", err)
			}
		}
		if !s.startDue(ctx, b.ID) {
			return
		}
	}
}

// startDue returns false once the concurrency budget is spent.
func (s *AgentHandler) startDue(ctx context.Context, batchID string) bool {
	tasks, err := s.api.BatchTasks(ctx, batchID)
	if err != nil {
		s.handleErr(ctx, "batch tasks", err)
		return true
	}

	now := s.now()
	for i := range tasks {
		task := tasks[i]
		if task.Status != "PENDING" || task.NextExecutionAt.After(now) {
			continue
		}
		if !s.claim(task.ID) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.release(task.ID)
			return false
		}

		s.wg.Add(1)
		s.running.Add(1)
		go func() {
			defer func() {
				s.running.Add(-1)
				s.sem.Release(1)
				s.release(task.ID)
				s.wg.Done()
			}()
			s.execute(context.WithoutCancel(ctx), &task)
		}()
	}
	return true
}

func (s *AgentHandler) claim(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[taskID]; busy {
		return false
	}
	s.inflight[taskID] = struct{}{}
	return true
}

func (s *AgentHandler) release(taskID string) {
	s.mu.Lock()
	delete(s.inflight, taskID)
	s.mu.Unlock()
}

func (s *AgentHandler) execute(ctx context.Context, task *shared.Task) {
	start := s.now().UTC()
	if err := s.api.UpdateTaskStatus(ctx, task.ID, &shared.StatusUpdate{Status: "RUNNING", StartTime: &start}); err != nil {
		s.logger.Debug("task not started", "task_id", task.ID, "error", err)
		return
	}

	report := s.runner.ExecuteTask(ctx, task)
	if report.Status != "SUCCESS" {
		s.bufferLog(shared.LogEntry{
			Level:     "ERROR",
			Message:   report.ErrorMessage,
			Timestamp: report.Timestamp,
			TaskID:    task.ID,
			BatchID:   task.BatchID,
			Context:   map[string]any{"protocol": task.Protocol, "target": task.Target},
		})
	}

	acks, err := s.api.SubmitResults(ctx, []shared.ResultReport{report})
	if err != nil {
		s.handleErr(ctx, "submit results", err)
		return
	}
	for _, ack := range acks {
		if !ack.Accepted {
			s.logger.Warn("result rejected", "task_id", ack.TaskID, "error", ack.Error)
		}
	}
}

func (s *AgentHandler) bufferLog(e shared.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) >= maxLogBuffer {
		s.logs = s.logs[1:]
	}
	s.logs = append(s.logs, e)
}

func (s *AgentHandler) flushLogs(ctx context.Context) {
	s.mu.Lock()
	entries := s.logs
	s.logs = nil
	s.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	if err := s.api.SubmitLogs(ctx, entries); err != nil {
		s.logger.Debug("failed to ship logs", "count", len(entries), "error", err)
		s.handleErr(ctx, "submit logs", err)
	}
}

// Paused reports whether the last heartbeat asked the agent to hold off.
func (s *AgentHandler) Paused() bool {
	return s.paused.Load()
}
