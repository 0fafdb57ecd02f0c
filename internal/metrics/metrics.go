// Package metrics provides Prometheus instrumentation for the perp engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActionsTotal counts action transitions, partitioned by action kind
	// ("deposit", "order", ...) and step ("created", "executed", ...).
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_actions_total",
		Help: "Total number of action transitions",
	}, []string{"kind", "step"})

	// ActionLatency tracks entry point latency by action kind and step.
	ActionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_action_latency_seconds",
		Help:    "Action entry point latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "step"})

	// ActionErrors counts failed entry points by action kind and error
	// class ("arithmetic", "oracle", ...).
	ActionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_action_errors_total",
		Help: "Entry points that returned an error",
	}, []string{"kind", "class"})

	// OracleRejections counts price sets rejected by validation.
	OracleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_oracle_rejections_total",
		Help: "Oracle price sets rejected by validation",
	})

	// LiquidationsTotal counts forced decreases by cut ("liquidate", "adl").
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Positions forcibly decreased",
	}, []string{"cut"})

	// CutShortfallUSD sums the losses, in USD, that forced decreases
	// could not cover from the position, by cut.
	CutShortfallUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_cut_shortfall_usd_total",
		Help: "USD of losses left uncovered by forced decreases",
	}, []string{"cut"})

	// InsolventCutsTotal counts forced decreases that ended with a shortfall.
	InsolventCutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_insolvent_cuts_total",
		Help: "Forced decreases of insolvent positions",
	}, []string{"cut"})

	// ActiveMarkets tracks the number of markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_active_markets",
		Help: "Number of initialized markets",
	})

	// PendingActions tracks actions seen pending by the keeper.
	PendingActions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_pending_actions",
		Help: "Pending actions at the last keeper tick",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveShortfall records a forced decrease that left usd uncovered.
func ObserveShortfall(cut string, usd float64) {
	InsolventCutsTotal.WithLabelValues(cut).Inc()
	CutShortfallUSD.WithLabelValues(cut).Add(usd)
}

// ObserveAction records one entry point call.
func ObserveAction(kind, step string, start time.Time) {
	ActionsTotal.WithLabelValues(kind, step).Inc()
	ActionLatency.WithLabelValues(kind, step).Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
