package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Go runtime and process metrics are automatically registered by promhttp.Handler()
// so we don't need to register them explicitly here

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ollamux_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ollamux_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	// Dispatch metrics
	dispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ollamux_dispatch_attempts_total",
			Help: "Total number of upstream attempts",
		},
		[]string{"backend", "family", "outcome"}, // outcome: success, transient, terminal
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ollamux_dispatch_duration_seconds",
			Help:    "Upstream attempt latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"backend", "family"},
	)

	fallbackDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ollamux_fallback_depth",
			Help:    "Number of attempts consumed before a dispatch resolved",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"model"},
	)

	tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ollamux_tokens_total",
			Help: "Total number of tokens used",
		},
		[]string{"model", "backend", "type"}, // type: prompt, completion
	)

	// Compaction metrics
	compactionSavedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ollamux_compaction_saved_bytes_total",
			Help: "Bytes elided from upstream payloads by compaction",
		},
		[]string{"kind"}, // kind: tools, prompt
	)

	// Pool metrics
	poolEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ollamux_pool_entries",
			Help: "Number of live upstream transports",
		},
	)

	// Active connections
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ollamux_active_connections",
			Help: "Number of active connections",
		},
	)
)

// MetricsMiddleware collects Prometheus metrics
func MetricsMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			activeConnections.Inc()
			defer activeConnections.Dec()

			routePattern := getRoutePattern(r)

			// Use streaming-aware wrapper that preserves Flusher interface
			wrapped := NewStreamingResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()

			status := strconv.Itoa(wrapped.StatusCode())
			httpRequestsTotal.WithLabelValues(r.Method, routePattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, routePattern, status).Observe(duration)

			if duration > 10 {
				logger.Warn("Slow request detected",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Float64("duration", duration),
					zap.Int("status", wrapped.StatusCode()),
				)
			}
		})
	}
}

// RecordAttempt records one upstream attempt and its outcome
func RecordAttempt(backend, family, outcome string, duration float64) {
	dispatchAttemptsTotal.WithLabelValues(backend, family, outcome).Inc()
	dispatchDuration.WithLabelValues(backend, family).Observe(duration)
}

// RecordFallbackDepth records how many attempts a dispatch consumed
func RecordFallbackDepth(model string, attempts int) {
	fallbackDepth.WithLabelValues(model).Observe(float64(attempts))
}

// RecordTokens records token usage
func RecordTokens(model, backend string, promptTokens, completionTokens int) {
	tokensUsed.WithLabelValues(model, backend, "prompt").Add(float64(promptTokens))
	tokensUsed.WithLabelValues(model, backend, "completion").Add(float64(completionTokens))
}

// RecordCompactionSavings records bytes elided from an upstream payload
func RecordCompactionSavings(kind string, bytes int) {
	compactionSavedBytes.WithLabelValues(kind).Add(float64(bytes))
}

// UpdatePoolEntries updates the live transport gauge
func UpdatePoolEntries(n int) {
	poolEntries.Set(float64(n))
}

func getRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
