package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/events"
)

type fakeSource struct {
	stats  models.SchedulerStats
	health models.SchedulerHealth
}

func (f *fakeSource) LastStats() models.SchedulerStats { return f.stats }
func (f *fakeSource) Health() models.SchedulerHealth   { return f.health }

func TestSchedulerGauges(t *testing.T) {
	src := &fakeSource{
		stats:  models.SchedulerStats{TotalTasks: 4, ActiveBatches: 2, OnlineAgents: 3, AvgExecutionMs: 12.5},
		health: models.SchedulerHealth{Healthy: true},
	}
	m := New(src, nil)

	expected := `
# HELP netpulse_scheduler_active_batches Batches not yet in a terminal state.
# TYPE netpulse_scheduler_active_batches gauge
netpulse_scheduler_active_batches 2
# HELP netpulse_scheduler_healthy 1 when the scheduler is running and healthy.
# TYPE netpulse_scheduler_healthy gauge
netpulse_scheduler_healthy 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"netpulse_scheduler_active_batches", "netpulse_scheduler_healthy"))

	src.stats.ActiveBatches = 0
	src.health.Healthy = false
	expected = `
# HELP netpulse_scheduler_active_batches Batches not yet in a terminal state.
# TYPE netpulse_scheduler_active_batches gauge
netpulse_scheduler_active_batches 0
# HELP netpulse_scheduler_healthy 1 when the scheduler is running and healthy.
# TYPE netpulse_scheduler_healthy gauge
netpulse_scheduler_healthy 0
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"netpulse_scheduler_active_batches", "netpulse_scheduler_healthy"))
}

func TestEventCounter(t *testing.T) {
	bus := events.NewBus(nil)
	m := New(nil, bus)

	bus.Publish(events.Event{Type: events.AgentOffline, Severity: events.SeverityCritical})
	bus.Publish(events.Event{Type: events.AgentOffline, Severity: events.SeverityCritical})
	bus.Publish(events.Event{Type: events.BatchCompleted})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("agent_offline", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("batch_completed", "info")))

	m.Close()
	bus.Publish(events.Event{Type: events.BatchCompleted})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("batch_completed", "info")))
}

func TestHandlerServesRequestMetrics(t *testing.T) {
	m := New(nil, nil)
	m.ObserveRequest(http.MethodGet, "/api/v1/agents", 200, 15*time.Millisecond)
	m.ObserveRequest(http.MethodGet, "", 404, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `netpulse_http_request_duration_seconds_count{method="GET",route="/api/v1/agents",status="200"} 1`)
	assert.Contains(t, body, `route="unmatched"`)
	assert.Contains(t, body, "go_goroutines")
}

func TestForwardDropsAndSinkBreaker(t *testing.T) {
	src := &fakeSource{health: models.SchedulerHealth{SinkBreaker: "open"}}
	m := New(src, nil)

	var dropped int64 = 3
	m.TrackForwardDrops(func() int64 { return dropped })

	expected := `
# HELP netpulse_broker_dropped_events_total Events dropped before reaching the broker.
# TYPE netpulse_broker_dropped_events_total counter
netpulse_broker_dropped_events_total 3
# HELP netpulse_scheduler_result_sink_open 1 while the result sink circuit breaker rejects writes.
# TYPE netpulse_scheduler_result_sink_open gauge
netpulse_scheduler_result_sink_open 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"netpulse_broker_dropped_events_total", "netpulse_scheduler_result_sink_open"))
}
