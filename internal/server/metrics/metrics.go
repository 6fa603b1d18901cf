// Package metrics holds the Prometheus collectors of the sync service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailvault_sync_jobs_finished_total",
			Help: "Sync jobs that reached a terminal state.",
		},
		[]string{
			"state",  // completed, failed, cancelled
			"reason", // failure kind, empty on success
		},
	)
	JobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailvault_sync_job_retries_total",
			Help: "Sync attempts scheduled after a retryable failure.",
		},
	)
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailvault_sync_attempt_duration_seconds",
			Help:    "Duration of a single sync pipeline run.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)
	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailvault_sync_jobs_queued",
			Help: "Jobs waiting for a worker.",
		},
	)
	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailvault_sync_jobs_running",
			Help: "Jobs currently executing a pipeline run.",
		},
	)
	ReconcileChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailvault_reconcile_changes_total",
			Help: "Edits detected by folder reconciliation.",
		},
		[]string{
			"kind", // inserted, deleted, updated
		},
	)
	MessagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailvault_messages_fetched_total",
			Help: "Messages downloaded from mailbox servers.",
		},
	)
	BlobsOffloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailvault_bodies_offloaded_total",
			Help: "Encrypted bodies written to object storage.",
		},
	)
	DownstreamOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailvault_downstream_batches_total",
			Help: "Downstream processing results per batch.",
		},
		[]string{
			"outcome", // processed, skipped, dropped, error
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
