// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
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
	WebhookQueueDrops  prometheus.Counter
	WebhookAuditFails  prometheus.Counter
	JobTransitions     *prometheus.CounterVec // by kind, status
	CapturesTotal      *prometheus.CounterVec // by result, error class
	PollAttempts       *prometheus.CounterVec // by outcome
	FetchCacheLookups  *prometheus.CounterVec // by kind, result
	ThumbnailAttempts  *prometheus.CounterVec // by outcome
	RetentionDeletions prometheus.Counter
	RateLimited        *prometheus.CounterVec // by budget

	// Histograms (seconds)
	CaptureDuration      prometheus.Observer
	PostProcessDuration  prometheus.Observer

	// Gauges
	ActiveCaptures prometheus.Gauge
	JobQueueDepth  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_webhook_events_total", Help: "EventSub messages classified, by event type"}, []string{"type"})
		WebhookQueueDrops = promauto.NewCounter(prometheus.CounterOpts{Name: "live_webhook_queue_drops_total", Help: "Notifications dropped because the dispatch queue was full"})
		WebhookAuditFails = promauto.NewCounter(prometheus.CounterOpts{Name: "live_webhook_audit_failures_total", Help: "Notifications not dispatched because their audit row could not be written"})
		JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_job_transitions_total", Help: "Job state transitions"}, []string{"kind", "status"})
		CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_captures_total", Help: "Finished capture pipelines"}, []string{"result", "class"})
		PollAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_stream_poll_attempts_total", Help: "Stream availability poll attempts"}, []string{"outcome"})
		FetchCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_fetch_cache_lookups_total", Help: "Fetch cache lookups"}, []string{"kind", "result"})
		ThumbnailAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_thumbnail_attempts_total", Help: "Thumbnail frame grabs"}, []string{"outcome"})
		RetentionDeletions = promauto.NewCounter(prometheus.CounterOpts{Name: "live_retention_deletions_total", Help: "Capture files removed by retention"})
		RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_http_rate_limited_total", Help: "Admin requests rejected with 429, by budget"}, []string{"budget"})
		CaptureDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_capture_duration_seconds", Help: "Capture pipeline duration seconds", Buckets: prometheus.ExponentialBuckets(60, 2, 10)})
		PostProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_postprocess_duration_seconds", Help: "Post-processing duration seconds", Buckets: prometheus.DefBuckets})
		ActiveCaptures = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_active_captures", Help: "Captures currently holding a slot"})
		JobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_job_queue_depth", Help: "Jobs waiting for a worker"})
	})
}

// The helpers below are no-ops until Init has run, so packages can record
// metrics unconditionally and tests need not register collectors.

// IncWebhookEvent counts one classified webhook message.
func IncWebhookEvent(eventType string) {
	if WebhookEvents != nil {
		WebhookEvents.WithLabelValues(eventType).Inc()
	}
}

// IncWebhookDrop counts one notification dropped by a full queue.
func IncWebhookDrop() {
	if WebhookQueueDrops != nil {
		WebhookQueueDrops.Inc()
	}
}

// IncWebhookAuditFailure counts a notification skipped because auditing it failed.
func IncWebhookAuditFailure() {
	if WebhookAuditFails != nil {
		WebhookAuditFails.Inc()
	}
}

// IncRateLimited counts one request rejected by the named rate budget.
func IncRateLimited(budget string) {
	if RateLimited != nil {
		RateLimited.WithLabelValues(budget).Inc()
	}
}

// IncJobTransition counts a job entering status.
func IncJobTransition(kind, status string) {
	if JobTransitions != nil {
		JobTransitions.WithLabelValues(kind, status).Inc()
	}
}

// ObserveCapture records a finished capture pipeline.
func ObserveCapture(result, class string, d time.Duration) {
	if CapturesTotal != nil {
		CapturesTotal.WithLabelValues(result, class).Inc()
	}
	if CaptureDuration != nil {
		CaptureDuration.Observe(d.Seconds())
	}
}

// IncPollAttempt counts a poll attempt by outcome (live, offline, error).
func IncPollAttempt(outcome string) {
	if PollAttempts != nil {
		PollAttempts.WithLabelValues(outcome).Inc()
	}
}

// IncFetchCache counts a fetch cache lookup (hit or miss).
func IncFetchCache(kind, result string) {
	if FetchCacheLookups != nil {
		FetchCacheLookups.WithLabelValues(kind, result).Inc()
	}
}

// IncThumbnailAttempt counts a thumbnail attempt by outcome (ok, solid, error).
func IncThumbnailAttempt(outcome string) {
	if ThumbnailAttempts != nil {
		ThumbnailAttempts.WithLabelValues(outcome).Inc()
	}
}

// IncRetentionDeletion counts a capture removed by retention.
func IncRetentionDeletion() {
	if RetentionDeletions != nil {
		RetentionDeletions.Inc()
	}
}

// SetActiveCaptures records the number of held capture slots.
func SetActiveCaptures(n int) {
	if ActiveCaptures != nil {
		ActiveCaptures.Set(float64(n))
	}
}

// SetJobQueueDepth records the number of queued jobs.
func SetJobQueueDepth(n int) {
	if JobQueueDepth != nil {
		JobQueueDepth.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
