// Package telemetry provides Prometheus metrics, correlation-id aware logging
// helpers and optional OpenTelemetry tracing setup.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered at import so every package (and its tests) can bump
// a counter without any setup step.
var (
	// Counters
	ImagesReceived      = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_images_received_total", Help: "Number of image events received from Telegram"})
	ImagesRejected      = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_images_rejected_total", Help: "Number of images dropped for blacklisted or unauthenticated senders"})
	DownloadsSucceeded  = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_downloads_succeeded_total", Help: "Number of Telegram file downloads succeeded"})
	DownloadsFailed     = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_downloads_failed_total", Help: "Number of Telegram file downloads failed"})
	UploadsSucceeded    = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_uploads_succeeded_total", Help: "Number of Imgur uploads succeeded"})
	UploadsFailed       = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_uploads_failed_total", Help: "Number of Imgur uploads failed"})
	Announcements       = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_irc_announcements_total", Help: "Number of links announced on IRC"})
	ImagesFinished      = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_images_finished_total", Help: "Number of images delivered end to end"})
	AuthStarted         = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_auth_started_total", Help: "Number of authentication handshakes started"})
	AuthSucceeded       = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_auth_succeeded_total", Help: "Number of authentication handshakes completed"})
	AuthTimedOut        = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_auth_timed_out_total", Help: "Number of authentication handshakes timed out"})
	AuthInvalidAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "imgrelay_auth_invalid_total", Help: "Number of IRC auth attempts with unknown codes"})

	// Histograms (seconds)
	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "imgrelay_download_duration_seconds", Help: "Telegram file download duration seconds", Buckets: prometheus.DefBuckets})
	UploadDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "imgrelay_upload_duration_seconds", Help: "Imgur upload duration seconds", Buckets: prometheus.DefBuckets})
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "imgrelay_pipeline_duration_seconds", Help: "Total pipeline run duration seconds", Buckets: prometheus.DefBuckets})

	// Gauges
	BacklogGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "imgrelay_backlog_size", Help: "Unfinished image records at startup scan"})
)

// SetBacklog records the unfinished record count from the startup scan.
func SetBacklog(n int) {
	BacklogGauge.Set(float64(n))
}

// TimeFunc measures fn and records the duration in obs when non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
