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
	EventsIngested     *prometheus.CounterVec // by source
	ModerationVerdicts *prometheus.CounterVec // by verdict
	Sends              *prometheus.CounterVec // by status
	TokenRefreshes     *prometheus.CounterVec // by outcome
	WordlistReloads    prometheus.Counter

	// Histograms (seconds)
	SendDuration prometheus.Observer
	PollDuration prometheus.Observer

	// Gauges
	WordlistPhrases    prometheus.Gauge
	DispatchQueueDepth prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_events_ingested_total", Help: "Chat events received from sources"}, []string{"source"})
		ModerationVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_moderation_verdicts_total", Help: "Moderation decisions by verdict"}, []string{"verdict"})
		Sends = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_sends_total", Help: "Outbound send attempts by status"}, []string{"status"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_token_refreshes_total", Help: "OAuth token refresh attempts by outcome"}, []string{"outcome"})
		WordlistReloads = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_wordlist_reloads_total", Help: "Moderation wordlist recompilations"})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_send_duration_seconds", Help: "Outbound send duration seconds", Buckets: prometheus.DefBuckets})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_poll_duration_seconds", Help: "Polling fetch duration seconds", Buckets: prometheus.DefBuckets})
		WordlistPhrases = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_wordlist_phrases", Help: "Phrases in the active moderation matcher"})
		DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_dispatch_queue_depth", Help: "Messages waiting in the dispatch queue"})
	})
}

// CountEvent records one ingested event for a source.
func CountEvent(source string) {
	if EventsIngested != nil {
		EventsIngested.WithLabelValues(source).Inc()
	}
}

// CountVerdict records one moderation decision.
func CountVerdict(verdict string) {
	if ModerationVerdicts != nil {
		ModerationVerdicts.WithLabelValues(verdict).Inc()
	}
}

// CountSend records one outbound send attempt by status (ok, http_error, auth_error, discarded).
func CountSend(status string) {
	if Sends != nil {
		Sends.WithLabelValues(status).Inc()
	}
}

// CountRefresh records one token refresh attempt by outcome (ok, error).
func CountRefresh(outcome string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(outcome).Inc()
	}
}

// ObserveWordlistReload records a recompile and the resulting phrase count.
func ObserveWordlistReload(phrases int) {
	if WordlistReloads != nil {
		WordlistReloads.Inc()
	}
	if WordlistPhrases != nil {
		WordlistPhrases.Set(float64(phrases))
	}
}

// SetDispatchQueueDepth records the current dispatch queue length.
func SetDispatchQueueDepth(n int) {
	if DispatchQueueDepth != nil {
		DispatchQueueDepth.Set(float64(n))
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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
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
