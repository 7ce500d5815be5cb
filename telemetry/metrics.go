// Package telemetry provides Prometheus metrics, OpenTelemetry tracing helpers
// and correlation-id aware logging.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	WebhookEvents      *prometheus.CounterVec // by event type
	WebhookRejected    prometheus.Counter
	SettleOutcomes     *prometheus.CounterVec // merged|single|fallback|abandoned
	Dispatches         *prometheus.CounterVec // ok|failed|timeout|skipped
	StandaloneFiles    prometheus.Counter
	ProbeFailures      prometheus.Counter
	AnnotationFailures prometheus.Counter

	// Histograms (seconds)
	MergeDuration    prometheus.Observer
	ConcatDuration   prometheus.Observer
	DispatchDuration prometheus.Observer

	// Gauges
	ActiveSessionsGauge prometheus.Gauge
	PendingFilesGauge   prometheus.Gauge
	ArmedTimersGauge    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rec_webhook_events_total", Help: "Webhook events accepted, by event type"}, []string{"type"})
		WebhookRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "rec_webhook_rejected_total", Help: "Webhook bodies that could not be parsed"})
		SettleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rec_settles_total", Help: "Session settlements by outcome"}, []string{"outcome"})
		Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rec_dispatches_total", Help: "Downstream pipeline invocations by result"}, []string{"result"})
		StandaloneFiles = promauto.NewCounter(prometheus.CounterOpts{Name: "rec_standalone_files_total", Help: "Files processed without a session"})
		ProbeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "rec_probe_failures_total", Help: "Media duration probes that failed or timed out"})
		AnnotationFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "rec_annotation_failures_total", Help: "Annotation tracks skipped during merge"})
		MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rec_merge_duration_seconds", Help: "Segment merge duration seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 12)})
		ConcatDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rec_concat_duration_seconds", Help: "ffmpeg media concat step duration seconds, including filler synthesis", Buckets: prometheus.ExponentialBuckets(1, 2, 12)})
		DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rec_dispatch_duration_seconds", Help: "Downstream pipeline run duration seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 14)})
		ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "rec_active_sessions", Help: "Sessions not yet completed"})
		PendingFilesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "rec_pending_files", Help: "Files waiting for a session"})
		ArmedTimersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "rec_armed_timers", Help: "Debounce and timeout timers currently armed"})
	})
}

// IncWebhookEvent counts an accepted event of the given type.
func IncWebhookEvent(eventType string) {
	if WebhookEvents != nil {
		WebhookEvents.WithLabelValues(eventType).Inc()
	}
}

// IncWebhookRejected counts an unparseable webhook body.
func IncWebhookRejected() {
	if WebhookRejected != nil {
		WebhookRejected.Inc()
	}
}

// IncSettle counts a settlement outcome.
func IncSettle(outcome string) {
	if SettleOutcomes != nil {
		SettleOutcomes.WithLabelValues(outcome).Inc()
	}
}

// ObserveDispatch counts a pipeline run and records its duration.
func ObserveDispatch(result string, d time.Duration) {
	if Dispatches != nil {
		Dispatches.WithLabelValues(result).Inc()
	}
	if DispatchDuration != nil && d > 0 {
		DispatchDuration.Observe(d.Seconds())
	}
}

// IncStandalone counts a file processed without a session.
func IncStandalone() {
	if StandaloneFiles != nil {
		StandaloneFiles.Inc()
	}
}

// IncProbeFailure counts a failed duration probe.
func IncProbeFailure() {
	if ProbeFailures != nil {
		ProbeFailures.Inc()
	}
}

// IncAnnotationFailure counts a skipped annotation track.
func IncAnnotationFailure() {
	if AnnotationFailures != nil {
		AnnotationFailures.Inc()
	}
}

// ObserveMerge records a successful merge duration.
func ObserveMerge(d time.Duration) {
	if MergeDuration != nil {
		MergeDuration.Observe(d.Seconds())
	}
}

// SetActiveSessions records the number of non-completed sessions.
func SetActiveSessions(n int) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Set(float64(n))
	}
}

// SetPendingFiles records the number of queued files without a session.
func SetPendingFiles(n int) {
	if PendingFilesGauge != nil {
		PendingFilesGauge.Set(float64(n))
	}
}

// SetArmedTimers records the number of live timers.
func SetArmedTimers(n int) {
	if ArmedTimersGauge != nil {
		ArmedTimersGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
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

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
