// Package metrics exposes Prometheus instrumentation for the pipeline and a
// small HTTP server that serves /metrics and /healthz.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the daemon registers.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued     *prometheus.CounterVec
	JobsCompleted    *prometheus.CounterVec
	RetriesScheduled prometheus.Counter
	DeadLetters      prometheus.Counter
	JobDuration      prometheus.Histogram
	QueueDepth       *prometheus.GaugeVec
	AuditFlushes     prometheus.Counter
	AuditFlushErrors prometheus.Counter
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docmill",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs admitted into the queue, by priority lane.",
	}, []string{"lane"})

	m.JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docmill",
		Name:      "jobs_completed_total",
		Help:      "Jobs that reached a terminal status.",
	}, []string{"status"})

	m.RetriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docmill",
		Name:      "retries_scheduled_total",
		Help:      "Deliveries released back to the queue with backoff.",
	})

	m.DeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docmill",
		Name:      "dead_letters_total",
		Help:      "Deliveries moved to the dead-letter table.",
	})

	m.JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "docmill",
		Name:      "job_duration_seconds",
		Help:      "Wall time from claim to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "docmill",
		Name:      "queue_depth",
		Help:      "Messages waiting per priority lane.",
	}, []string{"lane"})

	m.AuditFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docmill",
		Name:      "audit_flushes_total",
		Help:      "Audit batches flushed to the store.",
	})

	m.AuditFlushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "docmill",
		Name:      "audit_flush_errors_total",
		Help:      "Audit batch flushes that exhausted their retries.",
	})

	m.registry.MustRegister(
		m.JobsEnqueued,
		m.JobsCompleted,
		m.RetriesScheduled,
		m.DeadLetters,
		m.JobDuration,
		m.QueueDepth,
		m.AuditFlushes,
		m.AuditFlushErrors,
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
