package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/backend/plugins"
	"NetPulse/internal/events"
	"NetPulse/internal/shared/collectors"
	shared "NetPulse/internal/shared/models"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memorySink struct {
	mu      sync.Mutex
	results []*models.CollectionResult
	err     error
}

func (s *memorySink) Append(ctx context.Context, r *models.CollectionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, r)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

type memoryDefs struct {
	mu   sync.Mutex
	defs map[string]models.TaskDefinition
	err  error
}

func newMemoryDefs(defs ...models.TaskDefinition) *memoryDefs {
	m := &memoryDefs{defs: make(map[string]models.TaskDefinition)}
	for _, d := range defs {
		m.defs[d.ID] = d
	}
	return m
}

func (m *memoryDefs) ListEnabled(ctx context.Context) ([]models.TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []models.TaskDefinition
	for _, d := range m.defs {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memoryDefs) Get(ctx context.Context, id string) (*models.TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *memoryDefs) Save(ctx context.Context, def *models.TaskDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.ID] = *def
	return nil
}

func (m *memoryDefs) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return errors.New("not found")
	}
	d.Enabled = enabled
	m.defs[id] = d
	return nil
}

func (m *memoryDefs) MarkExecuted(ctx context.Context, id string, last, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.defs[id]
	d.LastExecutionAt = &last
	d.NextExecutionAt = next
	m.defs[id] = d
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) count(typ events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type testEnv struct {
	clock    *testClock
	bus      *events.Bus
	recorder *eventRecorder
	registry *AgentRegistry
	monitor  *HeartbeatMonitor
	plugins  *plugins.Manager
	orch     *Orchestrator
	stats    *Statistics
	sink     *memorySink
}

func newTestEnv(t *testing.T, cfg OrchestratorConfig) *testEnv {
	t.Helper()

	clock := newTestClock()
	bus := events.NewBus(nil)
	rec := &eventRecorder{}
	bus.Subscribe(rec.handle)

	registry := NewAgentRegistry(AgentRegistryConfig{TokenExpiry: time.Hour}, bus, nil)
	registry.now = clock.Now

	monitor := NewHeartbeatMonitor(registry, HeartbeatConfig{Timeout: 90 * time.Second, LatestVersion: "1.2.0"}, bus, nil)

	pm := plugins.NewManager(plugins.ManagerConfig{}, bus, nil)
	for _, c := range collectors.Builtin() {
		require.NoError(t, pm.Register(c, plugins.RegisterOptions{}))
	}
	require.NoError(t, pm.StartAllInOrder(context.Background()))

	stats := NewStatistics()
	stats.now = clock.Now
	stats.Reset()

	sink := &memorySink{}
	orch := NewOrchestrator(cfg, registry, pm, sink, stats, bus, nil)
	orch.now = clock.Now

	return &testEnv{
		clock:    clock,
		bus:      bus,
		recorder: rec,
		registry: registry,
		monitor:  monitor,
		plugins:  pm,
		orch:     orch,
		stats:    stats,
		sink:     sink,
	}
}

// onlineAgent registers an agent and reports it ONLINE.
func (e *testEnv) onlineAgent(t *testing.T, hostname string, capabilities ...string) string {
	t.Helper()
	res, err := e.registry.Register(context.Background(), &shared.RegisterRequest{
		Hostname:     hostname,
		IP:           "10.0.0.1",
		Version:      "1.2.0",
		Capabilities: capabilities,
	})
	require.NoError(t, err)
	_, err = e.monitor.ReceiveHeartbeat(context.Background(), res.AgentID, &shared.HeartbeatRequest{
		CollectorID: res.AgentID,
		Status:      "ONLINE",
	})
	require.NoError(t, err)
	return res.AgentID
}

func snmpSpec(device string) models.TaskSpec {
	return models.TaskSpec{
		DeviceID:   device,
		MetricID:   "uptime",
		Protocol:   "snmp",
		Target:     "192.0.2.10",
		MetricType: "sys_uptime",
	}
}

// submittedBatch creates and submits a batch with one snmp task per device.
func (e *testEnv) submittedBatch(t *testing.T, agentID string, devices ...string) (*models.TaskBatch, []*models.CollectionTask) {
	t.Helper()
	ctx := context.Background()

	batch, err := e.orch.CreateBatch(ctx, &models.CreateBatchRequest{AgentID: agentID, Name: "poll"})
	require.NoError(t, err)

	specs := make([]models.TaskSpec, 0, len(devices))
	for _, d := range devices {
		specs = append(specs, snmpSpec(d))
	}
	res, err := e.orch.CreateTasks(ctx, batch.ID, specs)
	require.NoError(t, err)
	require.Empty(t, res.Errors)

	batch, err = e.orch.SubmitBatch(ctx, batch.ID)
	require.NoError(t, err)
	return batch, res.Created
}

func (e *testEnv) run(t *testing.T, agentID, taskID string) {
	t.Helper()
	_, err := e.orch.UpdateTaskStatus(context.Background(), agentID, taskID, &models.TaskStatusUpdate{Status: models.TaskRunning})
	require.NoError(t, err)
}

func (e *testEnv) result(t *testing.T, agentID, taskID, status, value string) (*models.CollectionTask, bool) {
	t.Helper()
	task, applied, err := e.orch.SubmitResult(context.Background(), agentID, &shared.ResultReport{
		TaskID:        taskID,
		ResultValue:   value,
		Status:        status,
		ExecutionTime: 40,
	})
	require.NoError(t, err)
	return task, applied
}
