// Package metrics exposes a handful of prometheus instrumentation
// points for the queue and worker pool. Shipping these anywhere (a
// scrape endpoint, a dashboard) is the operator's concern; this
// package only records them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vectorize_queue_messages_read_total",
		Help: "Messages handed out by Queue.Read, by job.",
	}, []string{"job"})

	MessagesDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vectorize_queue_messages_deleted_total",
		Help: "Messages successfully deleted after writeback, by job.",
	}, []string{"job"})

	MessagesArchived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vectorize_queue_messages_archived_total",
		Help: "Messages moved to the dead-letter store, by job and reason.",
	}, []string{"job", "reason"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vectorize_queue_depth",
		Help: "Visible (non-hidden) messages sampled at last poll, by job.",
	}, []string{"job"})

	ProviderCallSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vectorize_provider_call_seconds",
		Help:    "Latency of embedding provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "outcome"})

	JobsDegraded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vectorize_jobs_degraded",
		Help: "1 if a job is currently degraded (SchemaDrift), 0 otherwise.",
	}, []string{"job"})
)

// Register registers every collector in this package with r. Call
// once at process startup; safe to call with a fresh registry in
// tests.
func Register(r prometheus.Registerer) {
	r.MustRegister(MessagesRead, MessagesDeleted, MessagesArchived, QueueDepth, ProviderCallSeconds, JobsDegraded)
}
