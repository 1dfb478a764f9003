package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/events"
	shared "NetPulse/internal/shared/models"
)

func newTestScheduler(t *testing.T, env *testEnv, defs *memoryDefs) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerConfig{WorkerPoolSize: 2, Retention: time.Hour}, env.registry, env.monitor, env.orch, env.plugins, defs, env.stats, env.bus, nil)
	require.NoError(t, err)
	s.now = env.clock.Now
	t.Cleanup(s.Stop)
	return s
}

func definition(id string, specs ...models.TaskSpec) models.TaskDefinition {
	return models.TaskDefinition{
		ID:              id,
		Name:            "def-" + id,
		IntervalSeconds: 60,
		Enabled:         true,
		Specs:           specs,
	}
}

func (e *testEnv) finishBatch(t *testing.T, batchID string) {
	t.Helper()
	tasks, err := e.orch.TasksForBatch("", batchID)
	require.NoError(t, err)
	b, err := e.orch.GetBatch(batchID)
	require.NoError(t, err)
	for _, task := range tasks {
		e.result(t, b.AgentID, task.ID, "SUCCESS", "1")
	}
}

func TestDispatchPicksLeastBusyAgent(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{})
	ctx := context.Background()
	busy := env.onlineAgent(t, "busy", "snmp")
	idle := env.onlineAgent(t, "idle", "snmp")
	env.onlineAgent(t, "dns-only", "dns")
	env.submittedBatch(t, busy, "d1", "d2")

	defs := newMemoryDefs(definition("def1", snmpSpec("router-1"), snmpSpec("router-2")))
	s := newTestScheduler(t, env, defs)
	_, err := s.ReloadAllTasks(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Dispatch(ctx))

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.DefinitionRunning, tasks[0].State)
	batch, err := env.orch.GetBatch(tasks[0].LastBatchID)
	require.NoError(t, err)
	assert.Equal(t, idle, batch.AgentID)
	assert.Equal(t, "def1", batch.TaskDefID)
	assert.Equal(t, models.BatchSubmitted, batch.Status)
	assert.Equal(t, 2, batch.Counts.Total)

	stored, err := defs.Get(ctx, "def1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastExecutionAt)
	assert.Equal(t, env.clock.Now().Add(time.Minute), stored.NextExecutionAt)

	assert.Zero(t, s.Dispatch(ctx), "not due yet")
	env.clock.Advance(time.Minute)
	assert.Zero(t, s.Dispatch(ctx), "previous batch still active")

	env.finishBatch(t, batch.ID)
	assert.Equal(t, 1, s.Dispatch(ctx))
}

func TestDispatchPinnedAgentAndPause(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{})
	ctx := context.Background()
	env.onlineAgent(t, "a", "snmp")
	pinned := env.onlineAgent(t, "b", "snmp")

	def := definition("def1", snmpSpec("router-1"))
	def.AgentID = pinned
	s := newTestScheduler(t, env, newMemoryDefs(def))
	_, err := s.ReloadAllTasks(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Pause("def1"))
	assert.Zero(t, s.Dispatch(ctx))
	assert.ErrorIs(t, s.Pause("missing"), ErrDefinitionNotFound)

	require.NoError(t, s.Resume("def1"))
	assert.Equal(t, 1, s.Dispatch(ctx))

	batch, err := env.orch.GetBatch(s.Tasks()[0].LastBatchID)
	require.NoError(t, err)
	assert.Equal(t, pinned, batch.AgentID)
}

func TestDispatchWithoutEligibleAgentRecordsError(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{})
	ctx := context.Background()
	env.onlineAgent(t, "dns-only", "dns")

	s := newTestScheduler(t, env, newMemoryDefs(definition("def1", snmpSpec("router-1"))))
	_, err := s.ReloadAllTasks(ctx)
	require.NoError(t, err)

	assert.Zero(t, s.Dispatch(ctx))
	st := s.Tasks()[0]
	assert.Equal(t, models.DefinitionError, st.State)
	assert.Contains(t, st.LastError, "no eligible agent")
	assert.Equal(t, 1, s.Stats().ErrorTasks)

	env.onlineAgent(t, "snmp", "snmp")
	assert.Zero(t, s.Dispatch(ctx), "retried on the next interval")
	env.clock.Advance(time.Minute)
	assert.Equal(t, 1, s.Dispatch(ctx))
}

func TestDispatchMovesOnFromOfflineAgent(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{TaskTimeout: 5 * time.Minute})
	ctx := context.Background()
	gone := env.onlineAgent(t, "gone", "snmp")

	s := newTestScheduler(t, env, newMemoryDefs(definition("def1", snmpSpec("router-1"))))
	_, err := s.ReloadAllTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, s.Dispatch(ctx))
	stranded := s.Tasks()[0].LastBatchID

	env.clock.Advance(91 * time.Second)
	healthy := env.onlineAgent(t, "healthy", "snmp")
	assert.Equal(t, []string{gone}, env.monitor.Sweep(ctx))

	require.Equal(t, 1, s.Dispatch(ctx), "batch of an offline agent does not block the definition")
	next, err := env.orch.GetBatch(s.Tasks()[0].LastBatchID)
	require.NoError(t, err)
	assert.NotEqual(t, stranded, next.ID)
	assert.Equal(t, healthy, next.AgentID)

	assert.Zero(t, env.orch.ReconcileTimeouts(ctx), "not overdue yet")
	env.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, env.orch.ReconcileTimeouts(ctx))

	old, err := env.orch.GetBatch(stranded)
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, old.Status)
	tasks, err := env.orch.TasksForBatch("", stranded)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].LastError, "agent offline")

	assert.Zero(t, env.orch.AgentLoad()[gone])
	assert.Equal(t, 1, env.orch.ActiveBatches())

	current, err := env.orch.GetBatch(next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchSubmitted, current.Status, "online agents keep their pending work")
}

func TestDispatchCancelsEmptyBatch(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{})
	ctx := context.Background()
	agentID := env.onlineAgent(t, "a", "snmp")

	spec := snmpSpec("router-1")
	spec.Target = ""
	s := newTestScheduler(t, env, newMemoryDefs(definition("def1", spec)))
	_, err := s.ReloadAllTasks(ctx)
	require.NoError(t, err)

	assert.Zero(t, s.Dispatch(ctx))
	st := s.Tasks()[0]
	assert.Equal(t, models.DefinitionError, st.State)
	assert.Contains(t, st.LastError, ErrEmptyBatch.Error())

	batches := env.orch.ListBatches(agentID, "")
	require.Len(t, batches, 1)
	assert.Equal(t, models.BatchCancelled, batches[0].Status)
	assert.Zero(t, env.orch.ActiveBatches())
}

func TestReloadAllTasks(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{})
	ctx := context.Background()

	future := definition("future", snmpSpec("r1"))
	future.NextExecutionAt = env.clock.Now().Add(time.Hour)
	overdue := definition("overdue", snmpSpec("r2"))
	overdue.NextExecutionAt = env.clock.Now().Add(-time.Hour)
	disabled := definition("disabled", snmpSpec("r3"))
	disabled.Enabled = false

	defs := newMemoryDefs(future, overdue, disabled)
	s := newTestScheduler(t, env, defs)

	n, err := s.ReloadAllTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, s.Pause("future"))

	n, err = s.ReloadAllTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "future", tasks[0].Definition.ID)
	assert.Equal(t, models.DefinitionPaused, tasks[0].State)
	assert.Equal(t, env.clock.Now().Add(time.Hour), tasks[0].Definition.NextExecutionAt)
	assert.Equal(t, models.DefinitionScheduled, tasks[1].State)
	assert.Equal(t, env.clock.Now(), tasks[1].Definition.NextExecutionAt)
	assert.Equal(t, 2, env.recorder.count(events.TasksReloaded))
}

func TestCreateDefinitionAndStopTask(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{})
	ctx := context.Background()
	defs := newMemoryDefs()
	s := newTestScheduler(t, env, defs)

	_, err := s.CreateDefinition(ctx, &models.TaskDefinition{Name: "x", IntervalSeconds: 0, Specs: []models.TaskSpec{snmpSpec("r")}})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.CreateDefinition(ctx, &models.TaskDefinition{Name: "x", IntervalSeconds: 30})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = s.CreateDefinition(ctx, &models.TaskDefinition{Name: "x", IntervalSeconds: 30, Specs: []models.TaskSpec{{DeviceID: "d", MetricID: "m", Protocol: "ftp", Target: "x"}}})
	assert.ErrorIs(t, err, ErrValidation)

	def, err := s.CreateDefinition(ctx, &models.TaskDefinition{Name: "core", IntervalSeconds: 30, Specs: []models.TaskSpec{snmpSpec("r")}})
	require.NoError(t, err)
	assert.NotEmpty(t, def.ID)
	assert.True(t, def.Enabled)
	assert.Len(t, s.Tasks(), 1)

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "core", got.Name)
	_, err = s.GetDefinition(ctx, "missing")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	require.NoError(t, s.StopTask(ctx, def.ID))
	assert.Empty(t, s.Tasks())
	assert.ErrorIs(t, s.StopTask(ctx, "missing"), ErrDefinitionNotFound)
	stored, err := defs.Get(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	n, err := s.ReloadAllTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartStopTogglesHeartbeatAction(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{})
	ctx := context.Background()
	id := env.onlineAgent(t, "h1", "snmp")
	s := newTestScheduler(t, env, newMemoryDefs())

	hb := func() models.HeartbeatAction {
		action, err := env.monitor.ReceiveHeartbeat(ctx, id, &shared.HeartbeatRequest{Status: "ONLINE"})
		require.NoError(t, err)
		return action
	}
	assert.Equal(t, models.ActionPause, hb())

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Running())
	assert.Equal(t, models.ActionContinue, hb())

	h := s.Health()
	assert.True(t, h.Running)
	assert.True(t, h.Healthy)
	assert.Equal(t, 2, h.Workers)
	assert.Equal(t, 1, h.TotalAgents)
	assert.Equal(t, 4, h.PluginsUp)
	assert.Equal(t, "closed", h.SinkBreaker)

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	assert.Equal(t, models.ActionPause, hb())
	assert.False(t, s.Health().Healthy)

	assert.Equal(t, 1, env.recorder.count(events.SchedulerStarted))
	assert.Equal(t, 1, env.recorder.count(events.SchedulerStopped))
}

func TestStatsSnapshot(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{})
	ctx := context.Background()
	agentID := env.onlineAgent(t, "h1", "snmp")
	_, tasks := env.submittedBatch(t, agentID, "d1", "d2")
	env.result(t, agentID, tasks[0].ID, "SUCCESS", "1")

	s := newTestScheduler(t, env, newMemoryDefs(definition("def1", snmpSpec("r1")), definition("def2", snmpSpec("r2"))))
	_, err := s.ReloadAllTasks(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Pause("def2"))

	st := s.RefreshStats()
	assert.Equal(t, 2, st.TotalTasks)
	assert.Equal(t, 1, st.ScheduledTasks)
	assert.Equal(t, 1, st.PausedTasks)
	assert.Equal(t, int64(1), st.TodayExecutions)
	assert.Equal(t, int64(1), st.TodaySuccess)
	assert.Equal(t, 1, st.ActiveBatches)
	assert.Equal(t, 1, st.OnlineAgents)
	assert.Equal(t, 4, st.RunningPlugins)
	assert.NotNil(t, st.LastRefreshedAt)
	assert.Equal(t, st, s.LastStats())
}

func TestCleanupExpiredTasks(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{})
	agentID := env.onlineAgent(t, "h1", "snmp")
	batch, tasks := env.submittedBatch(t, agentID, "d1")
	env.result(t, agentID, tasks[0].ID, "SUCCESS", "1")

	s := newTestScheduler(t, env, newMemoryDefs())
	assert.Zero(t, s.CleanupExpiredTasks(context.Background()))

	env.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, s.CleanupExpiredTasks(context.Background()))
	_, err := env.orch.GetBatch(batch.ID)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

type prunerFunc func(ctx context.Context, cutoff time.Time) (int64, error)

func (f prunerFunc) Prune(ctx context.Context, cutoff time.Time) (int64, error) { return f(ctx, cutoff) }

func TestCleanupRunsPruners(t *testing.T) {
	env := newTestEnv(t, OrchestratorConfig{})
	s := newTestScheduler(t, env, newMemoryDefs())

	var cutoffs []time.Time
	s.AddPruner("failing", prunerFunc(func(ctx context.Context, cutoff time.Time) (int64, error) {
		return 0, errors.New("store down")
	}))
	s.AddPruner("results", prunerFunc(func(ctx context.Context, cutoff time.Time) (int64, error) {
		cutoffs = append(cutoffs, cutoff)
		return 3, nil
	}))

	s.CleanupExpiredTasks(context.Background())
	require.Len(t, cutoffs, 1, "a failing pruner does not stop the others")
	assert.True(t, cutoffs[0].Equal(env.clock.Now().Add(-time.Hour)))
}
