package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetPulse/internal/agent/clients"
	"NetPulse/internal/shared/collectors"
	shared "NetPulse/internal/shared/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubCollector struct {
	err   error
	value float64
	block chan struct{}
}

func (c *stubCollector) Type() string                               { return "tcp" }
func (c *stubCollector) Version() string                            { return "test" }
func (c *stubCollector) SupportedProtocols() []string               { return []string{"tcp"} }
func (c *stubCollector) SupportedMetricTypes() []string             { return []string{"port_open"} }
func (c *stubCollector) Init(context.Context, map[string]any) error { return nil }
func (c *stubCollector) HealthCheck(context.Context) error          { return nil }
func (c *stubCollector) Close() error                               { return nil }
func (c *stubCollector) Collect(ctx context.Context, spec collectors.DeviceSpec) (*collectors.Measurement, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	v := c.value
	return &collectors.Measurement{Value: &v, ResultType: "gauge", Duration: 7 * time.Millisecond}, nil
}

type fakeAPI struct {
	mu          sync.Mutex
	token       string
	registers   int
	heartbeats  []shared.HeartbeatRequest
	action      string
	batches     []shared.Batch
	tasks       map[string][]shared.Task
	batchStatus map[string]string
	taskStatus  map[string][]string
	results     []shared.ResultReport
	logs        []shared.LogEntry
	batchesErr  error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		action:      "CONTINUE",
		tasks:       make(map[string][]shared.Task),
		batchStatus: make(map[string]string),
		taskStatus:  make(map[string][]string),
	}
}

func (f *fakeAPI) Register(ctx context.Context, req *shared.RegisterRequest) (*shared.RegisterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	f.token = "tok"
	return &shared.RegisterResponse{CollectorID: "c-1", Token: "tok"}, nil
}

func (f *fakeAPI) Registered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token != ""
}

func (f *fakeAPI) Forget() {
	f.mu.Lock()
	f.token = ""
	f.mu.Unlock()
}

func (f *fakeAPI) CollectorID() string { return "c-1" }

func (f *fakeAPI) Heartbeat(ctx context.Context, req *shared.HeartbeatRequest) (*shared.HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, *req)
	return &shared.HeartbeatResponse{Action: f.action}, nil
}

func (f *fakeAPI) PendingBatches(ctx context.Context, limit int) ([]shared.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchesErr != nil {
		err := f.batchesErr
		f.batchesErr = nil
		return nil, err
	}
	return append([]shared.Batch(nil), f.batches...), nil
}

func (f *fakeAPI) BatchTasks(ctx context.Context, batchID string) ([]shared.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shared.Task(nil), f.tasks[batchID]...), nil
}

func (f *fakeAPI) UpdateBatchStatus(ctx context.Context, batchID string, update *shared.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchStatus[batchID] = update.Status
	return nil
}

func (f *fakeAPI) UpdateTaskStatus(ctx context.Context, taskID string, update *shared.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskStatus[taskID] = append(f.taskStatus[taskID], update.Status)
	return nil
}

func (f *fakeAPI) SubmitResults(ctx context.Context, reports []shared.ResultReport) ([]shared.ResultAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, reports...)
	acks := make([]shared.ResultAck, len(reports))
	for i, r := range reports {
		acks[i] = shared.ResultAck{TaskID: r.TaskID, Accepted: true}
	}
	return acks, nil
}

func (f *fakeAPI) SubmitLogs(ctx context.Context, entries []shared.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entries...)
	return nil
}

func (f *fakeAPI) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func newTestAgent(api API, c collectors.Collector, concurrency int) *AgentHandler {
	runner := NewTaskHandler(collectors.NewSet(c), time.Second, testLogger())
	a := NewAgentHandler(Config{
		Registration:      shared.RegisterRequest{Hostname: "probe", Version: "1.0.0"},
		HeartbeatInterval: time.Hour,
		PollInterval:      time.Hour,
		Concurrency:       concurrency,
	}, api, runner, testLogger())
	a.sample = func(context.Context, int) shared.HeartbeatMetrics { return shared.HeartbeatMetrics{CPU: 1} }
	return a
}

func TestPollExecutesDueTasks(t *testing.T) {
	api := newFakeAPI()
	api.token = "tok"
	now := time.Now()
	api.batches = []shared.Batch{{ID: "b-1", Status: "SUBMITTED"}}
	api.tasks["b-1"] = []shared.Task{
		{ID: "t-due", BatchID: "b-1", Protocol: "tcp", Target: "10.0.0.1:22", Status: "PENDING", NextExecutionAt: now.Add(-time.Second)},
		{ID: "t-later", BatchID: "b-1", Protocol: "tcp", Target: "10.0.0.1:22", Status: "PENDING", NextExecutionAt: now.Add(time.Hour)},
		{ID: "t-done", BatchID: "b-1", Protocol: "tcp", Target: "10.0.0.1:22", Status: "COMPLETED"},
	}

	a := newTestAgent(api, &stubCollector{value: 1}, 2)
	a.Poll(context.Background())
	a.wg.Wait()

	assert.Equal(t, "RUNNING", api.batchStatus["b-1"])
	assert.Equal(t, []string{"RUNNING"}, api.taskStatus["t-due"])
	assert.Empty(t, api.taskStatus["t-later"])

	require.Len(t, api.results, 1)
	r := api.results[0]
	assert.Equal(t, "t-due", r.TaskID)
	assert.Equal(t, "b-1", r.BatchID)
	assert.Equal(t, "SUCCESS", r.Status)
	assert.Equal(t, "1", r.ResultValue)
	assert.EqualValues(t, 7, r.ExecutionTime)
}

func TestFailedCollectionIsReportedAndLogged(t *testing.T) {
	api := newFakeAPI()
	api.token = "tok"
	api.batches = []shared.Batch{{ID: "b-1", Status: "RUNNING"}}
	api.tasks["b-1"] = []shared.Task{
		{ID: "t-1", BatchID: "b-1", Protocol: "tcp", Target: "10.0.0.1:22", Status: "PENDING"},
		{ID: "t-2", BatchID: "b-1", Protocol: "icmp", Target: "10.0.0.1", Status: "PENDING"},
	}

	a := newTestAgent(api, &stubCollector{err: errors.New("connection refused")}, 4)
	a.Poll(context.Background())
	a.wg.Wait()

	require.Len(t, api.results, 2)
	for _, r := range api.results {
		assert.Equal(t, "FAILED", r.Status)
		assert.NotEmpty(t, r.ErrorMessage)
	}
	_, reported := api.batchStatus["b-1"]
	assert.False(t, reported, "running batches are not reported again")

	a.flushLogs(context.Background())
	require.Len(t, api.logs, 2)
	assert.Equal(t, "ERROR", api.logs[0].Level)
}

func TestConcurrencyBudgetAndInflightDedup(t *testing.T) {
	api := newFakeAPI()
	api.token = "tok"
	api.batches = []shared.Batch{{ID: "b-1", Status: "RUNNING"}}
	for _, id := range []string{"t-1", "t-2", "t-3"} {
		api.tasks["b-1"] = append(api.tasks["b-1"], shared.Task{ID: id, BatchID: "b-1", Protocol: "tcp", Target: "h:1", Status: "PENDING"})
	}

	block := make(chan struct{})
	a := newTestAgent(api, &stubCollector{block: block}, 2)

	a.Poll(context.Background())
	require.Eventually(t, func() bool { return a.running.Load() == 2 }, time.Second, 5*time.Millisecond)

	// a second poll while both slots are busy starts nothing new
	a.Poll(context.Background())
	assert.EqualValues(t, 2, a.running.Load())

	close(block)
	a.wg.Wait()
	assert.Equal(t, 2, api.resultCount())

	a.Poll(context.Background())
	a.wg.Wait()
	assert.GreaterOrEqual(t, api.resultCount(), 4, "tasks still PENDING on the server run again")
}

func TestHeartbeatActions(t *testing.T) {
	api := newFakeAPI()
	api.token = "tok"
	api.batches = []shared.Batch{{ID: "b-1", Status: "RUNNING"}}
	api.tasks["b-1"] = []shared.Task{{ID: "t-1", BatchID: "b-1", Protocol: "tcp", Target: "h:1", Status: "PENDING"}}
	a := newTestAgent(api, &stubCollector{value: 1}, 1)

	api.action = "PAUSE"
	a.sendHeartbeat(context.Background())
	assert.True(t, a.Paused())
	a.Poll(context.Background())
	a.wg.Wait()
	assert.Zero(t, api.resultCount())

	api.action = "CONTINUE"
	a.sendHeartbeat(context.Background())
	assert.False(t, a.Paused())

	require.Len(t, api.heartbeats, 2)
	assert.Equal(t, "1.0.0", api.heartbeats[0].Version)
	assert.Equal(t, "ONLINE", api.heartbeats[0].Status)
	assert.Equal(t, 1.0, api.heartbeats[0].Metrics.CPU)

	api.action = "UPGRADE"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, a.Run(ctx), ErrUpgradeRequested)
}

func TestRejectedTokenTriggersRegistration(t *testing.T) {
	api := newFakeAPI()
	api.token = "stale"
	api.batchesErr = &clients.APIError{StatusCode: 401, Code: "INVALID_TOKEN"}

	a := newTestAgent(api, &stubCollector{value: 1}, 1)
	a.Poll(context.Background())

	assert.Equal(t, 1, api.registers)
	assert.True(t, api.Registered())
}

func TestRunStopsOnCancel(t *testing.T) {
	api := newFakeAPI()
	a := newTestAgent(api, &stubCollector{value: 1}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return api.Registered() }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, api.registers)
}
