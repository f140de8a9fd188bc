// Package metrics exposes the enrollment core's Prometheus collectors:
// task outcomes, queue depth, breaker state, and saga outcomes, per the
// observability expansion's metric list. The nil-guarded
// package-level-singleton shape (InitPrometheus once at startup, record
// functions that no-op until it has run) is carried over unchanged from
// the platform this core grew out of.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the Prometheus collectors for the enrollment
// core.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	tasksTotal     *prometheus.CounterVec
	sagaOutcomes   *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	queueDepth    *prometheus.GaugeVec
	breakerState  *prometheus.GaugeVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total task queue outcomes by route and terminal status",
			},
			[]string{"route", "status"},
		),

		sagaOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_outcomes_total",
				Help:      "Total enrollment saga outcomes",
			},
			[]string{"outcome"}, // completed, compensated, failed
		),

		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_milliseconds",
				Help:      "Duration of a task handler invocation in milliseconds",
				Buckets:   buckets,
			},
			[]string{"route", "handler"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current pending task count by route",
			},
			[]string{"route"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"name"},
		),
	}

	registry.MustRegister(
		pm.tasksTotal,
		pm.sagaOutcomes,
		pm.taskDuration,
		pm.queueDepth,
		pm.breakerState,
	)

	promMetrics = pm
}

// RecordTask records a terminal task outcome for route.
func RecordTask(route, status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.tasksTotal.WithLabelValues(route, status).Inc()
}

// RecordTaskDuration records how long a handler invocation took.
func RecordTaskDuration(route, handler string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.taskDuration.WithLabelValues(route, handler).Observe(durationMs)
}

// RecordSagaOutcome records a saga's terminal outcome.
func RecordSagaOutcome(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.sagaOutcomes.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the pending-task gauge for route.
func SetQueueDepth(route string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(route).Set(float64(depth))
}

// SetBreakerState sets the breaker state gauge for name.
// state: 0=closed, 1=open, 2=half_open.
func SetBreakerState(name string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns an HTTP handler for Prometheus metrics scraping.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry, for custom collectors.
func Registry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
