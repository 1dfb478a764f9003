// Package metrics exposes scheduler, agent and plugin state to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"NetPulse/internal/backend/models"
	"NetPulse/internal/events"
)

const namespace = "netpulse"

// StatsSource is read on every scrape. LastStats should be cheap; the
// scheduler refreshes it on its own interval.
type StatsSource interface {
	LastStats() models.SchedulerStats
	Health() models.SchedulerHealth
}

type Metrics struct {
	registry    *prometheus.Registry
	events      *prometheus.CounterVec
	requests    *prometheus.HistogramVec
	unsubscribe func()
}

func New(source StatsSource, bus *events.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published on the internal bus.",
		}, []string{"type", "severity"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.events, m.requests)

	if source != nil {
		registerStats(reg, source)
	}
	if bus != nil {
		m.unsubscribe = bus.Subscribe(func(e events.Event) {
			m.events.WithLabelValues(string(e.Type), e.Severity.String()).Inc()
		})
	}
	return m
}

func registerStats(reg *prometheus.Registry, source StatsSource) {
	gauge := func(name, help string, fn func(models.SchedulerStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(source.LastStats()) })
	}

	reg.MustRegister(
		gauge("definitions", "Task definitions loaded in the scheduler.",
			func(s models.SchedulerStats) float64 { return float64(s.TotalTasks) }),
		gauge("definitions_paused", "Paused task definitions.",
			func(s models.SchedulerStats) float64 { return float64(s.PausedTasks) }),
		gauge("definitions_error", "Task definitions whose last dispatch failed.",
			func(s models.SchedulerStats) float64 { return float64(s.ErrorTasks) }),
		gauge("active_batches", "Batches not yet in a terminal state.",
			func(s models.SchedulerStats) float64 { return float64(s.ActiveBatches) }),
		gauge("executions_today", "Task executions recorded since local midnight.",
			func(s models.SchedulerStats) float64 { return float64(s.TodayExecutions) }),
		gauge("executions_failed_today", "Failed task executions since local midnight.",
			func(s models.SchedulerStats) float64 { return float64(s.TodayFailure) }),
		gauge("execution_avg_ms", "Average task execution time today in milliseconds.",
			func(s models.SchedulerStats) float64 { return s.AvgExecutionMs }),
		gauge("online_agents", "Agents currently ONLINE.",
			func(s models.SchedulerStats) float64 { return float64(s.OnlineAgents) }),
		gauge("running_plugins", "Plugins in the RUNNING state.",
			func(s models.SchedulerStats) float64 { return float64(s.RunningPlugins) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "healthy",
			Help:      "1 when the scheduler is running and healthy.",
		}, func() float64 {
			if source.Health().Healthy {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "result_sink_open",
			Help:      "1 while the result sink circuit breaker rejects writes.",
		}, func() float64 {
			if source.Health().SinkBreaker == "open" {
				return 1
			}
			return 0
		}),
	)
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// TrackForwardDrops exports the number of events the broker forwarder had
// to drop because its queue was full.
func (m *Metrics) TrackForwardDrops(dropped func() int64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "dropped_events_total",
		Help:      "Events dropped before reaching the broker.",
	}, func() float64 { return float64(dropped()) }))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}
