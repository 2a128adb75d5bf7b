// Package metrics exposes Prometheus collectors for task execution and
// progress fan-out.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kbforge"

// Registry owns a private Prometheus registry and the daemon's collectors.
type Registry struct {
	reg *prometheus.Registry

	tasksEnqueued   *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	phaseCommits    *prometheus.CounterVec

	eventsPublished *prometheus.CounterVec
	eventsDelivered prometheus.Counter
	eventsDropped   prometheus.Counter
	connections     prometheus.Gauge
}

// New registers every collector plus the Go and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "enqueued_total",
			Help:      "Tasks accepted by the executor.",
		}, []string{"kind", "phase"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "attempts_total",
			Help:      "Task attempts by outcome (success, noop, error kind).",
		}, []string{"kind", "phase", "outcome"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of a single task attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2.5, 12),
		}, []string{"kind", "phase"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "retries_total",
			Help:      "Retries scheduled after retryable failures.",
		}, []string{"kind", "error_kind"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks reaching a terminal status.",
		}, []string{"kind", "phase", "status"}),
		phaseCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "items",
			Name:      "phase_commits_total",
			Help:      "Phase completions committed to content items.",
		}, []string{"phase"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "events_published_total",
			Help:      "Events published per channel class.",
		}, []string{"channel"}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "events_delivered_total",
			Help:      "Events written to subscriber connections.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "events_dropped_total",
			Help:      "Events shed from full subscriber queues.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "connections",
			Help:      "Open subscriber connections.",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.tasksEnqueued, r.attempts, r.attemptDuration, r.retries, r.tasksFinished, r.phaseCommits,
		r.eventsPublished, r.eventsDelivered, r.eventsDropped, r.connections,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// TaskEnqueued counts an accepted task.
func (r *Registry) TaskEnqueued(kind, phase string) {
	r.tasksEnqueued.WithLabelValues(kind, phase).Inc()
}

// AttemptFinished records one attempt's outcome and duration.
func (r *Registry) AttemptFinished(kind, phase, outcome string, d time.Duration) {
	r.attempts.WithLabelValues(kind, phase, outcome).Inc()
	r.attemptDuration.WithLabelValues(kind, phase).Observe(d.Seconds())
}

// TaskRetried counts a scheduled retry.
func (r *Registry) TaskRetried(kind, errorKind string) {
	r.retries.WithLabelValues(kind, errorKind).Inc()
}

// TaskFinished counts a terminal task status.
func (r *Registry) TaskFinished(kind, phase, status string) {
	r.tasksFinished.WithLabelValues(kind, phase, status).Inc()
}

// PhaseCommitted counts an applied phase commit.
func (r *Registry) PhaseCommitted(phase string) {
	r.phaseCommits.WithLabelValues(phase).Inc()
}

// EventPublished implements fanout.Metrics. Per-task and per-item channels
// collapse to their prefix to keep label cardinality bounded.
func (r *Registry) EventPublished(channel string) {
	r.eventsPublished.WithLabelValues(channelClass(channel)).Inc()
}

// EventDelivered implements fanout.Metrics.
func (r *Registry) EventDelivered() { r.eventsDelivered.Inc() }

// EventDropped implements fanout.Metrics.
func (r *Registry) EventDropped() { r.eventsDropped.Inc() }

// ConnectionsChanged implements fanout.Metrics.
func (r *Registry) ConnectionsChanged(n int) { r.connections.Set(float64(n)) }

func channelClass(channel string) string {
	class, _, _ := strings.Cut(channel, ":")
	return class
}
