// Package metrics exposes the Prometheus registry shared by every component:
// the queue workers, the embedding poller, the KMS/encryption layer, and the
// dreaming handler all report through the gauges and histograms defined here.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task queue metrics
	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by type and tier",
		},
		[]string{"task_type", "tier"},
	)

	TasksClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_tasks_claimed_total",
			Help: "Total number of tasks claimed by tier",
		},
		[]string{"tier"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_tasks_completed_total",
			Help: "Total number of tasks completed by type",
		},
		[]string{"task_type"},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_tasks_failed_total",
			Help: "Total number of tasks that reached a terminal failed state",
		},
		[]string{"task_type"},
	)

	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_tasks_retried_total",
			Help: "Total number of tasks rescheduled for retry after a handler error",
		},
		[]string{"task_type"},
	)

	TaskHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p8_task_handler_duration_seconds",
			Help:    "Time taken to run a task handler to completion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	QuotaExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_quota_exceeded_total",
			Help: "Total number of tasks rejected pre-flight for exceeding a usage quota",
		},
		[]string{"resource"},
	)

	// Embedding pipeline metrics
	EmbeddingBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "p8_embedding_batch_size",
			Help:    "Number of rows claimed per embedding batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
	)

	EmbeddingProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_embedding_processed_total",
			Help: "Total embedding queue rows processed by outcome",
		},
		[]string{"outcome"}, // embedded, skipped, failed
	)

	EmbeddingProviderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p8_embedding_provider_duration_seconds",
			Help:    "Time taken for a single provider.Embed call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// KV sync / dialect metrics
	KVSyncLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "p8_kv_sync_lag_seconds",
			Help: "Age of the oldest unsynced KV row observed during the last rebuild scan",
		},
	)

	DialectQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_dialect_queries_total",
			Help: "Total dialect queries executed by mode",
		},
		[]string{"mode"}, // lookup, search, fuzzy, traverse, sql
	)

	// KMS / encryption metrics
	DEKCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_dek_cache_total",
			Help: "Total DEK cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss
	)

	KMSBackendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p8_kms_backend_duration_seconds",
			Help:    "Time taken for a KMS backend round trip",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Dreaming metrics
	DreamingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_dreaming_runs_total",
			Help: "Total dreaming handler runs by outcome",
		},
		[]string{"outcome"}, // ok, error, skipped
	)

	DreamingIOTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "p8_dreaming_io_tokens",
			Help:    "Input+output tokens consumed per dreaming run",
			Buckets: []float64{500, 1000, 5000, 10000, 20000, 40000, 80000},
		},
	)

	MomentsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8_moments_created_total",
			Help: "Total moments created by type",
		},
		[]string{"moment_type"},
	)

	DreamingPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p8_dreaming_phase_duration_seconds",
			Help:    "Time taken per dreaming phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksEnqueuedTotal,
		TasksClaimedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TasksRetriedTotal,
		TaskHandlerDuration,
		QuotaExceededTotal,
		EmbeddingBatchSize,
		EmbeddingProcessedTotal,
		EmbeddingProviderDuration,
		KVSyncLagSeconds,
		DialectQueriesTotal,
		DEKCacheHitsTotal,
		KMSBackendDuration,
		DreamingRunsTotal,
		DreamingIOTokens,
		MomentsCreatedTotal,
		DreamingPhaseDuration,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer started now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
