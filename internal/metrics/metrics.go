// Package metrics provides Prometheus instrumentation for the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished job attempts by terminal outcome.
	// Labels: status (complete/error/cancelled)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_jobs_total",
			Help: "Total number of finished transcription jobs by outcome",
		},
		[]string{"status"},
	)

	// WindowsProcessedTotal counts completed inference windows.
	WindowsProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transcription_windows_processed_total",
			Help: "Total number of completed streaming inference windows",
		},
	)

	// BackupWritesTotal counts snapshot slot writes by result.
	// Labels: status (success/error)
	BackupWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_backup_writes_total",
			Help: "Total number of backup snapshot writes by result",
		},
		[]string{"status"},
	)

	// JobDuration observes wall-clock run duration in seconds.
	// Buckets: 1s, 5s, 15s, 30s, 60s, 120s, 300s, 600s, 1800s
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transcription_job_duration_seconds",
			Help:    "Wall-clock duration of transcription runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// ModelLoadDuration observes engine acquisition duration in seconds.
	ModelLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transcription_model_load_duration_seconds",
			Help:    "Duration of model load and engine acquisition in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)
)

// RecordJob records one finished job attempt.
func RecordJob(status string) {
	JobsTotal.WithLabelValues(status).Inc()
}

// RecordWindowProcessed records one completed inference window.
func RecordWindowProcessed() {
	WindowsProcessedTotal.Inc()
}

// RecordBackupWrite records one snapshot write attempt.
func RecordBackupWrite(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	BackupWritesTotal.WithLabelValues(status).Inc()
}
