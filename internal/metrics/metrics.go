// Package metrics provides Prometheus instrumentation for the trading
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened counts positions opened, partitioned by side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"side"})

	// PositionsClosed counts positions closed, partitioned by reason
	// (trader_close, sltp, liquidation).
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_positions_closed_total",
		Help: "Total number of positions closed",
	}, []string{"reason"})

	// OrdersFilled counts pending orders filled by the Executor sweep.
	OrdersFilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_orders_filled_total",
		Help: "Total number of pending orders filled",
	})

	// EngineLatency is the handler latency for trader-facing Engine ops.
	EngineLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpcore_engine_op_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// SweepDuration tracks how long each Executor sweep pass takes.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpcore_sweep_duration_seconds",
		Help:    "Executor sweep pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweep"})

	// SweepScanned counts how many bucket entries a sweep pass examined.
	SweepScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_sweep_entries_scanned_total",
		Help: "Bucket entries examined by a sweep pass",
	}, []string{"sweep"})

	// ActivePositions tracks the number of currently open positions.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpcore_active_positions",
		Help: "Number of currently open positions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpcore_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpcore_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// ExposureLimitRejections counts position opens rejected by the risk limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_exposure_limit_rejections_total",
		Help: "Position opens rejected by the exposure limiter",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
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
