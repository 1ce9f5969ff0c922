package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadsTotal tracks track downloads by terminal status
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_downloads_total",
			Help: "Total number of track downloads by outcome",
		},
		[]string{"status"},
	)

	// DownloadDuration tracks how long a track job took to reach a terminal state
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offline_download_duration_seconds",
			Help:    "Track download duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
		},
	)

	// QueueSize tracks jobs waiting for a worker
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_queue_size",
			Help: "Number of queued download jobs",
		},
	)

	// ActiveDownloads tracks jobs currently held by a worker
	ActiveDownloads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_active_downloads",
			Help: "Number of download jobs in progress",
		},
	)

	// DownloadBytesTotal tracks audio and art bytes written to the content store
	DownloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_download_bytes_total",
			Help: "Total bytes downloaded from content mirrors",
		},
	)

	// MirrorFailuresTotal tracks individual mirror attempts that failed
	MirrorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_mirror_failures_total",
			Help: "Total number of failed content mirror requests",
		},
		[]string{"kind"},
	)

	// SyncPassesTotal tracks reconciliation passes by result
	SyncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_sync_passes_total",
			Help: "Total number of collection reconciliation passes",
		},
		[]string{"result"},
	)

	// APIRequestsTotal tracks metadata API requests by endpoint and status
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_api_requests_total",
			Help: "Total number of metadata API requests",
		},
		[]string{"endpoint", "status"},
	)

	// APIRequestDuration tracks metadata API latency
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offline_api_request_duration_seconds",
			Help:    "Metadata API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// ErrorsTotal tracks errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

// SetActiveDownloads records how many jobs workers are running
func SetActiveDownloads(n int) {
	ActiveDownloads.Set(float64(n))
}

// RecordDownloadComplete records a track that verified on disk
func RecordDownloadComplete(duration time.Duration) {
	DownloadsTotal.WithLabelValues("complete").Inc()
	DownloadDuration.Observe(duration.Seconds())
}

// RecordDownloadFailed records a job that exhausted its attempts
func RecordDownloadFailed(errorType string) {
	DownloadsTotal.WithLabelValues("error").Inc()
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordDownloadSkipped records a track that was already verified on disk
func RecordDownloadSkipped() {
	DownloadsTotal.WithLabelValues("skipped").Inc()
}

// RecordBytes adds to the downloaded byte counter
func RecordBytes(n int64) {
	if n > 0 {
		DownloadBytesTotal.Add(float64(n))
	}
}

// RecordMirrorFailure records one failed mirror request; kind is "art" or "audio"
func RecordMirrorFailure(kind string) {
	MirrorFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordSyncPass records a reconciliation pass result
// (skipped, updated, removed, error).
func RecordSyncPass(result string) {
	SyncPassesTotal.WithLabelValues(result).Inc()
}

// UpdateQueueSize updates the queue size metric
func UpdateQueueSize(size int) {
	QueueSize.Set(float64(size))
}

// RecordAPIRequest records a metadata API request
func RecordAPIRequest(endpoint string, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(endpoint, status).Inc()
	APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordError records an error
func RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}
