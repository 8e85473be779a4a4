package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the worker's collectors on a registry owned by the process.
// Components receive it explicitly; nothing registers on the global default.
type Metrics struct {
	Registry *prometheus.Registry

	EventsReceived  prometheus.Counter
	EventsSucceeded prometheus.Counter
	EventsFailed    *prometheus.CounterVec
	EventsSkipped   prometheus.Counter
	// SkippedUnconfirmed counts skips for videos whose ledger holds no
	// completed attempt, so no ready event is known to have been published
	SkippedUnconfirmed prometheus.Counter
	JobDuration     prometheus.Histogram
	JobsInProgress  prometheus.Gauge

	EngineRuns        *prometheus.CounterVec
	EngineRunDuration *prometheus.HistogramVec

	StorageOperationsTotal  *prometheus.CounterVec
	StorageBytesTransferred *prometheus.CounterVec

	PublishedTotal *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcoder_events_total",
			Help: "Total number of upload events received",
		}),
		EventsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcoder_success_total",
			Help: "Total number of upload events processed successfully",
		}),
		EventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcoder_error_total",
			Help: "Total number of upload events that failed, by failure kind",
		}, []string{"kind"}),
		EventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcoder_skipped_total",
			Help: "Total number of upload events skipped because the output already existed",
		}),
		SkippedUnconfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcoder_skipped_unconfirmed_total",
			Help: "Skipped upload events whose video has no completed attempt in the job ledger",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcoder_duration_seconds",
			Help:    "End-to-end processing time per upload event",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),
		JobsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcoder_jobs_in_progress",
			Help: "Number of jobs currently being processed",
		}),

		EngineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcoder_ffmpeg_runs",
			Help: "FFmpeg invocations by variant and result",
		}, []string{"variant", "result"}),
		EngineRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcoder_ffmpeg_run_duration_seconds",
			Help:    "FFmpeg invocation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"variant"}),

		StorageOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcoder_storage_operations_total",
			Help: "Total number of object storage operations",
		}, []string{"operation", "status"}),
		StorageBytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcoder_storage_bytes_transferred_total",
			Help: "Total bytes transferred to/from object storage",
		}, []string{"operation"}),

		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcoder_published_total",
			Help: "Ready events published, by result",
		}, []string{"result"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsReceived,
		m.EventsSucceeded,
		m.EventsFailed,
		m.EventsSkipped,
		m.SkippedUnconfirmed,
		m.JobDuration,
		m.JobsInProgress,
		m.EngineRuns,
		m.EngineRunDuration,
		m.StorageOperationsTotal,
		m.StorageBytesTransferred,
		m.PublishedTotal,
	)

	return m
}

// RecordReceived records a delivery handed to the worker
func (m *Metrics) RecordReceived() {
	m.EventsReceived.Inc()
}

// RecordSucceeded records a job acknowledged as done
func (m *Metrics) RecordSucceeded(duration time.Duration) {
	m.EventsSucceeded.Inc()
	m.JobDuration.Observe(duration.Seconds())
}

// RecordFailed records a failed job; kind is permanent, transient or cancelled
func (m *Metrics) RecordFailed(kind string, duration time.Duration) {
	m.EventsFailed.WithLabelValues(kind).Inc()
	m.JobDuration.Observe(duration.Seconds())
}

// RecordSkipped records a duplicate delivery for an already completed video
func (m *Metrics) RecordSkipped() {
	m.EventsSkipped.Inc()
}

// RecordSkippedUnconfirmed records a skip with no completed attempt on record
func (m *Metrics) RecordSkippedUnconfirmed() {
	m.SkippedUnconfirmed.Inc()
}

// JobStarted and JobFinished track jobs in flight
func (m *Metrics) JobStarted() {
	m.JobsInProgress.Inc()
}

func (m *Metrics) JobFinished() {
	m.JobsInProgress.Dec()
}

// RecordEngineRun records an ffmpeg invocation
func (m *Metrics) RecordEngineRun(variant string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.EngineRuns.WithLabelValues(variant, result).Inc()
	m.EngineRunDuration.WithLabelValues(variant).Observe(duration.Seconds())
}

// RecordStorageOperation records an object storage operation
func (m *Metrics) RecordStorageOperation(operation string, bytesTransferred int64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(operation, status).Inc()
	if bytesTransferred > 0 {
		m.StorageBytesTransferred.WithLabelValues(operation).Add(float64(bytesTransferred))
	}
}

// RecordPublish records a ready event publish attempt
func (m *Metrics) RecordPublish(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.PublishedTotal.WithLabelValues(result).Inc()
}
