// Package metrics exposes the orchestrator's Prometheus collectors. Counters
// and histograms are fed from the event bus by Run; gauges pull live values
// from the owning components so they can never drift.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arbiter"

// Metrics holds every collector on its own registry, so tests and repeated
// construction never trip duplicate-registration panics on the default
// registry.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    *prometheus.CounterVec
	Violations     *prometheus.CounterVec
	WaiversApplied prometheus.Counter
	Reassignments  prometheus.Counter

	RoutingDuration    prometheus.Histogram
	PolicyEvalDuration prometheus.Histogram
	TaskDuration       prometheus.Histogram
}

// New creates the collector set. Gauges are attached separately through
// RegisterSources once the components they read exist.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted into the queue.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks that finished successfully.",
		}),
		TasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Tasks that reached the failed state, by failure kind.",
		}, []string{"kind"}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Constitutional violations detected, labelled by the batch's maximum severity.",
		}, []string{"severity"}),
		WaiversApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waivers_applied_total",
			Help:      "Violations suppressed by an approved waiver.",
		}),
		Reassignments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reassignments_total",
			Help:      "Assignments handed to a different agent after a failed attempt.",
		}),

		RoutingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_duration_milliseconds",
			Help:      "Time spent picking an agent for a task.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		PolicyEvalDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "policy_evaluation_duration_milliseconds",
			Help:      "Time spent validating one operation against the policy engine.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "End-to-end task execution latency reported on completion.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

// RegisterSources attaches the pull gauges. Each callback is invoked on every
// scrape; they must be cheap and safe for concurrent use. Any nil source is
// skipped.
func (m *Metrics) RegisterSources(queueDepth, inFlightAssignments, registeredAgents func() int) {
	gauge := func(name, help string, src func() int) {
		if src == nil {
			return
		}
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(src()) }))
	}

	gauge("queue_depth", "Tasks currently waiting in the queue.", queueDepth)
	gauge("assignments_in_flight", "Assignments in a non-terminal state.", inFlightAssignments)
	gauge("agents_registered", "Agents currently registered.", registeredAgents)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
