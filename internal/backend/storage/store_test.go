package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/config"
	"NetPulse/internal/events"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func result(id, agentID string, status models.ResultStatus, duration int64, ts time.Time) *models.CollectionResult {
	return &models.CollectionResult{
		ID:         id,
		TaskID:     "task-" + id,
		BatchID:    "batch-1",
		AgentID:    agentID,
		DeviceID:   "router-1",
		MetricID:   "ifInOctets",
		RawValue:   "42",
		Status:     status,
		DurationMs: duration,
		Timestamp:  ts,
		ReceivedAt: ts,
	}
}

func TestResultStore_AppendAndSummary(t *testing.T) {
	ctx := context.Background()
	store := NewResultStore(newTestDB(t))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	value := 42.0
	r := result("r1", "agent-1", models.ResultSuccess, 100, base)
	r.ProcessedValue = &value
	require.NoError(t, store.Append(ctx, r))
	require.NoError(t, store.Append(ctx, result("r2", "agent-1", models.ResultFailed, 300, base.Add(time.Minute))))
	require.NoError(t, store.Append(ctx, result("r3", "agent-2", models.ResultSuccess, 200, base.Add(2*time.Minute))))
	require.NoError(t, store.Append(ctx, result("old", "agent-2", models.ResultSuccess, 5, base.Add(-time.Hour))))

	// duplicate ids are ignored
	require.NoError(t, store.Append(ctx, result("r1", "agent-1", models.ResultFailed, 999, base)))

	sum, err := store.Summary(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.Success)
	assert.Equal(t, 1, sum.Failed)
	assert.InDelta(t, 200.0, sum.AvgDurationMs, 0.001)
	assert.Equal(t, int64(100), sum.MinDurationMs)
	assert.Equal(t, int64(300), sum.MaxDurationMs)
	require.NotNil(t, sum.LastAt)
	assert.True(t, sum.LastAt.Equal(base.Add(2*time.Minute)))

	agentSum, err := store.AgentSummary(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, agentSum.Total)
	assert.Equal(t, 1, agentSum.Failed)

	list, err := store.ListByAgent(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].ID, "newest first")
	require.NotNil(t, list[1].ProcessedValue)
	assert.Equal(t, 42.0, *list[1].ProcessedValue)
	assert.Nil(t, list[0].ProcessedValue)

	byTask, err := store.ListByTask(ctx, "task-r3", 10)
	require.NoError(t, err)
	require.Len(t, byTask, 1)
	assert.Equal(t, "agent-2", byTask[0].AgentID)

	n, err := store.DeleteOlderThan(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResultStore_EmptySummary(t *testing.T) {
	store := NewResultStore(newTestDB(t))

	sum, err := store.Summary(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
	assert.Zero(t, sum.AvgDurationMs)
	assert.Nil(t, sum.LastAt)
}

func TestTaskDefinitionStore(t *testing.T) {
	ctx := context.Background()
	store := NewTaskDefinitionStore(newTestDB(t))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	missing, err := store.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	retries := 2
	def := &models.TaskDefinition{
		ID:              "def-1",
		Name:            "core switches",
		AgentID:         "agent-1",
		IntervalSeconds: 60,
		Enabled:         true,
		Specs: []models.TaskSpec{{
			DeviceID:   "sw-1",
			MetricID:   "sysUpTime",
			Protocol:   "snmp",
			Target:     "10.0.0.1",
			Params:     map[string]any{"oid": "1.3.6.1.2.1.1.3.0"},
			MaxRetries: &retries,
		}},
		NextExecutionAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.Save(ctx, def))
	require.NoError(t, store.Save(ctx, &models.TaskDefinition{
		ID: "def-2", Name: "disabled", IntervalSeconds: 30, Enabled: false,
		Specs: []models.TaskSpec{}, CreatedAt: now, UpdatedAt: now,
	}))

	got, err := store.Get(ctx, "def-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "core switches", got.Name)
	require.Len(t, got.Specs, 1)
	assert.Equal(t, "1.3.6.1.2.1.1.3.0", got.Specs[0].Params["oid"])
	require.NotNil(t, got.Specs[0].MaxRetries)
	assert.Equal(t, 2, *got.Specs[0].MaxRetries)
	assert.Nil(t, got.LastExecutionAt)
	assert.True(t, got.NextExecutionAt.Equal(now))

	enabled, err := store.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "def-1", enabled[0].ID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	next := now.Add(time.Minute)
	require.NoError(t, store.MarkExecuted(ctx, "def-1", now, next))
	got, err = store.Get(ctx, "def-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastExecutionAt)
	assert.True(t, got.LastExecutionAt.Equal(now))
	assert.True(t, got.NextExecutionAt.Equal(next))

	require.NoError(t, store.SetEnabled(ctx, "def-1", false))
	enabled, err = store.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	err = store.SetEnabled(ctx, "nope", true)
	assert.True(t, errors.Is(err, ErrDefinitionNotFound))

	require.NoError(t, store.Delete(ctx, "def-2"))
	assert.ErrorIs(t, store.Delete(ctx, "def-2"), ErrDefinitionNotFound)
}

func TestCollectorStore_UpsertAndList(t *testing.T) {
	ctx := context.Background()
	store := NewCollectorStore(newTestDB(t))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	agent := &models.Agent{
		ID:            "agent-1",
		Hostname:      "probe-b",
		IP:            "10.0.0.5",
		Port:          9100,
		Version:       "1.0.0",
		Capabilities:  []string{"snmp", "http"},
		Tags:          []string{"dc1"},
		Status:        models.AgentStatusOnline,
		Enabled:       true,
		LastHeartbeat: now,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.Upsert(ctx, agent))
	require.NoError(t, store.Upsert(ctx, &models.Agent{
		ID: "agent-2", Hostname: "probe-a", IP: "10.0.0.6", Version: "1.0.0",
		Capabilities: []string{"tcp"}, Status: models.AgentStatusOnline, Enabled: true,
		RegisteredAt: now, UpdatedAt: now,
	}))

	agent.Status = models.AgentStatusOffline
	agent.LastError = "heartbeat timeout"
	require.NoError(t, store.Upsert(ctx, agent))

	got, err := store.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.AgentStatusOffline, got.Status)
	assert.Equal(t, "heartbeat timeout", got.LastError)
	assert.Equal(t, []string{"snmp", "http"}, got.Capabilities)
	assert.Equal(t, 9100, got.Port)
	assert.True(t, got.RegisteredAt.Equal(now))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "probe-a", list[0].Hostname)

	missing, err := store.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMirrorAgents(t *testing.T) {
	ctx := context.Background()
	store := NewCollectorStore(newTestDB(t))
	bus := events.NewBus(nil)
	stop := MirrorAgents(bus, store, testLogger())
	defer stop()

	now := time.Now().UTC()
	agent := &models.Agent{
		ID: "agent-1", Hostname: "probe", IP: "10.0.0.5", Version: "1.0.0",
		Capabilities: []string{"snmp"}, Status: models.AgentStatusOnline, Enabled: true,
		RegisteredAt: now, UpdatedAt: now,
	}
	bus.Publish(events.Event{Type: events.AgentRegistered, Data: agent})
	bus.Publish(events.Event{Type: events.BatchCreated, Data: &models.TaskBatch{ID: "b"}})

	got, err := store.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.AgentStatusOnline, got.Status)

	offline := agent.Clone()
	offline.Status = models.AgentStatusOffline
	bus.Publish(events.Event{Type: events.AgentOffline, Data: offline})

	got, err = store.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, got.Status)
}

func TestLogStore(t *testing.T) {
	ctx := context.Background()
	store := NewLogStore(newTestDB(t))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, nil))
	require.NoError(t, store.Append(ctx, []models.AgentLogEntry{
		{AgentID: "agent-1", Level: "INFO", Message: "started", Timestamp: base},
		{AgentID: "agent-1", Level: "ERROR", Message: "snmp timeout", TaskID: "t1",
			Context: map[string]any{"target": "10.0.0.1"}, Timestamp: base.Add(time.Second)},
		{AgentID: "agent-2", Level: "INFO", Message: "other", Timestamp: base},
	}))

	logs, err := store.ListByAgent(ctx, "agent-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "snmp timeout", logs[0].Message)
	assert.Equal(t, "10.0.0.1", logs[0].Context["target"])
	assert.NotEmpty(t, logs[0].ID)
	assert.Nil(t, logs[1].Context)

	n, err := store.DeleteOlderThan(ctx, base.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

type memoryPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	closed   bool
	err      error
}

func (p *memoryPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *memoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestEventForwarder_PublishesWithPrefix(t *testing.T) {
	bus := events.NewBus(nil)
	pub := &memoryPublisher{}
	fwd := NewEventForwarder(bus, pub, "netpulse.events", 16, testLogger())

	bus.Publish(events.Event{Type: events.AgentOffline, Message: "probe silent", Severity: events.SeverityCritical})
	bus.Publish(events.Event{Type: events.BatchCompleted})

	require.NoError(t, fwd.Close())
	require.NoError(t, fwd.Close())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.True(t, pub.closed)
	assert.Equal(t, []string{"netpulse.events.agent_offline", "netpulse.events.batch_completed"}, pub.subjects)
	assert.Contains(t, string(pub.payloads[0]), `"severity":"critical"`)

	// events after close are ignored
	bus.Publish(events.Event{Type: events.BatchFailed})
	assert.Len(t, pub.subjects, 2)
}

func TestEventForwarder_PublishErrorsAreSwallowed(t *testing.T) {
	bus := events.NewBus(nil)
	pub := &memoryPublisher{err: errors.New("broker down")}
	fwd := NewEventForwarder(bus, pub, "", 4, testLogger())

	bus.Publish(events.Event{Type: events.PluginError})
	require.NoError(t, fwd.Close())
	assert.Equal(t, "plugin_error", fwd.Subject(events.PluginError))
}

func TestSummaryCache(t *testing.T) {
	cache, err := NewSummaryCache[models.ResultSummary](&config.CacheConfig{
		MaxCost: 100, NumCounters: 1000, TTL: time.Minute,
	})
	require.NoError(t, err)
	defer cache.Close()

	_, ok := cache.Get("24h")
	assert.False(t, ok)

	cache.Set("24h", models.ResultSummary{Total: 7})
	cache.Wait()

	got, ok := cache.Get("24h")
	require.True(t, ok)
	assert.Equal(t, 7, got.Total)

	cache.Delete("24h")
	_, ok = cache.Get("24h")
	assert.False(t, ok)
}
