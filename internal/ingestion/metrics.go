package ingestion

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rpattn/assetimport/internal/domain"
)

var (
	importJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assetimport",
		Name:      "jobs_total",
		Help:      "Import jobs that reached a final status, broken down by status.",
	}, []string{"status"})

	importRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assetimport",
		Name:      "rows_total",
		Help:      "Processed import rows broken down by outcome.",
	}, []string{"outcome"})

	importJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "assetimport",
		Name:      "job_duration_seconds",
		Help:      "Wall time spent processing one import job.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	submitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "assetimport",
		Name:      "submit_retries_total",
		Help:      "Transient failures retried while submitting import jobs.",
	})
)

func recordJob(status domain.JobStatus, started time.Time) {
	importJobs.WithLabelValues(string(status)).Inc()
	if !started.IsZero() {
		importJobDuration.Observe(time.Since(started).Seconds())
	}
}

func recordRows(outcomes []domain.RowOutcome) {
	for _, outcome := range outcomes {
		status := outcome.Status
		if status == "" {
			status = domain.OutcomeFailed
		}
		importRows.WithLabelValues(string(status)).Inc()
	}
}

func recordSubmitRetry() {
	submitRetries.Inc()
}
