// Package telemetry exposes the scheduler's Prometheus metrics and
// OpenTelemetry spans: tick duration, queue depths, submit counters,
// and pool gauges (spec.md §6 ambient observability, carried from the
// teacher's promauto pattern regardless of the feature Non-goals).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the main loop and job
// manager record against.
type Metrics struct {
	TickDuration   prometheus.Histogram
	TickErrors     *prometheus.CounterVec
	CommandQueueDepth prometheus.Gauge
	MessageQueueDepth prometheus.Gauge
	ExtTriggerQueueDepth prometheus.Gauge
	SubmitsTotal   *prometheus.CounterVec
	PoolActive     prometheus.Gauge
	PoolRunahead   prometheus.Gauge
	StallEpisodes  prometheus.Counter
}

// New registers every collector against reg and returns the handle the
// engine uses to record observations. Callers pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests, so repeated construction never
// panics on duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "schedd_tick_duration_seconds",
			Help:    "Duration of one main-loop tick.",
			Buckets: prometheus.DefBuckets,
		}),
		TickErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "schedd_tick_errors_total",
			Help: "Total errors raised during a main-loop tick, by error kind.",
		}, []string{"kind"}),
		CommandQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "schedd_command_queue_depth",
			Help: "Pending operator commands awaiting dispatch.",
		}),
		MessageQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "schedd_message_queue_depth",
			Help: "Pending task status messages awaiting processing.",
		}),
		ExtTriggerQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "schedd_ext_trigger_queue_depth",
			Help: "Pending external-trigger events awaiting matching.",
		}),
		SubmitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "schedd_submits_total",
			Help: "Total job submissions by outcome.",
		}, []string{"outcome"}),
		PoolActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "schedd_pool_active_tasks",
			Help: "Task instances currently preparing, submitted, or running.",
		}),
		PoolRunahead: f.NewGauge(prometheus.GaugeOpts{
			Name: "schedd_pool_runahead_tasks",
			Help: "Task instances currently held in the runahead pool.",
		}),
		StallEpisodes: f.NewCounter(prometheus.CounterOpts{
			Name: "schedd_stall_episodes_total",
			Help: "Total distinct stall episodes detected.",
		}),
	}
}
