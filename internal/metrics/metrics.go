// Package metrics exposes Prometheus collectors for the scan
// orchestration service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scanJobsTotal          *prometheus.CounterVec
	scanAttemptsTotal      *prometheus.CounterVec
	scanActiveWorkers      prometheus.Gauge
	probeDurationSeconds   *prometheus.HistogramVec
	breakerRejectionsTotal prometheus.Counter
	batchJobsTotal         *prometheus.CounterVec
	batchURLsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times.
func Init() {
	once.Do(func() {
		scanJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanq_jobs_total",
				Help: "Queue jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		scanAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanq_attempts_total",
				Help: "Probe attempts made by queue workers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scanActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scanq_active_workers",
				Help: "Workers currently executing a job.",
			},
		)

		probeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanq_probe_duration_seconds",
				Help:    "Histogram of probe latencies, labeled by caller.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"caller"},
		)

		breakerRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scanq_breaker_rejections_total",
				Help: "Calls rejected while the circuit was open.",
			},
		)

		batchJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanq_batch_jobs_total",
				Help: "Batch audit jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		batchURLsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanq_batch_urls_total",
				Help: "URLs audited by the batch runner, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// RecordJob counts a terminal queue job.
func RecordJob(status string) {
	if scanJobsTotal != nil {
		scanJobsTotal.WithLabelValues(status).Inc()
	}
}

// RecordAttempt counts one probe attempt outcome.
func RecordAttempt(outcome string) {
	if scanAttemptsTotal != nil {
		scanAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

// WorkerStarted marks a worker as busy.
func WorkerStarted() {
	if scanActiveWorkers != nil {
		scanActiveWorkers.Inc()
	}
}

// WorkerFinished marks a worker as idle.
func WorkerFinished() {
	if scanActiveWorkers != nil {
		scanActiveWorkers.Dec()
	}
}

// ObserveProbe records one probe latency sample.
func ObserveProbe(caller string, d time.Duration) {
	if probeDurationSeconds != nil {
		probeDurationSeconds.WithLabelValues(caller).Observe(d.Seconds())
	}
}

// RecordBreakerRejection counts a fast-failed call.
func RecordBreakerRejection() {
	if breakerRejectionsTotal != nil {
		breakerRejectionsTotal.Inc()
	}
}

// RecordBatchJob counts a terminal batch job.
func RecordBatchJob(status string) {
	if batchJobsTotal != nil {
		batchJobsTotal.WithLabelValues(status).Inc()
	}
}

// RecordBatchURL counts one audited URL.
func RecordBatchURL(result string) {
	if batchURLsTotal != nil {
		batchURLsTotal.WithLabelValues(result).Inc()
	}
}
