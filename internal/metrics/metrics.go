// Package metrics provides Prometheus instrumentation for the time machine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider attempt outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeEmpty    = "empty"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeCacheHit = "cache_hit"
)

var (
	// ProviderAttempts counts calls into each market data or news source.
	ProviderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timemachine_provider_attempts_total",
		Help: "Provider calls by data kind, provider and outcome",
	}, []string{"kind", "provider", "outcome"})

	// ProviderLatency tracks provider call latency.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "timemachine_provider_latency_seconds",
		Help:    "Provider call latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"kind", "provider"})

	// SyntheticFallbacks counts responses served from generated data.
	SyntheticFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timemachine_synthetic_fallbacks_total",
		Help: "Responses served from synthetic data after every source failed",
	}, []string{"kind"})

	// RateLimited counts requests refused by the primary provider's limiter.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timemachine_rate_limited_total",
		Help: "Requests refused by the rate limiter",
	}, []string{"kind"})

	// TradesTotal counts submitted trades, partitioned by side and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timemachine_trades_total",
		Help: "Total number of simulated trades submitted",
	}, []string{"side", "outcome"})

	// ActiveSessions tracks open time machine sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timemachine_active_sessions",
		Help: "Number of open sessions",
	})

	// StaleLoads counts session loads discarded because a newer selection won.
	StaleLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timemachine_stale_loads_total",
		Help: "Session loads discarded after a newer selection",
	})

	// LivePollsSkipped counts live polls skipped because the previous one
	// for the same symbol was still running.
	LivePollsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timemachine_live_polls_skipped_total",
		Help: "Live polls skipped while a previous poll was outstanding",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timemachine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timemachine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "timemachine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProvider records one provider call.
func ObserveProvider(kind, provider, outcome string, elapsed time.Duration) {
	ProviderAttempts.WithLabelValues(kind, provider, outcome).Inc()
	if outcome != OutcomeCacheHit {
		ProviderLatency.WithLabelValues(kind, provider).Observe(elapsed.Seconds())
	}
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the WebSocket upgrader, which asserts
// http.Hijacker on the writer it is given.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
