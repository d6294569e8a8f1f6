// Package metrics provides Prometheus instrumentation for the options indexer.
package metrics

import (
	"bufio"
	"fmt"
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
	// EventsProcessed counts applied events by kind and outcome
	// (ok, skipped, failed).
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_indexer_events_processed_total",
		Help: "Total number of chain events applied",
	}, []string{"kind", "outcome"})

	// EventLatency is the time taken to apply one event.
	EventLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_indexer_event_latency_seconds",
		Help:    "Event processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// SnapshotWrites counts snapshot bucket writes by family.
	SnapshotWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_indexer_snapshot_writes_total",
		Help: "Snapshot buckets written",
	}, []string{"family"})

	// SkippedAggregations counts aggregations dropped because of a domain
	// error, by family and reason.
	SkippedAggregations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_indexer_skipped_aggregations_total",
		Help: "Aggregations skipped after a domain error",
	}, []string{"family", "reason"})

	// ActiveMarkets tracks the number of indexed markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_indexer_active_markets",
		Help: "Number of markets seen by the indexer",
	})

	// LastBlock is the block number of the most recently applied event.
	LastBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_indexer_last_block",
		Help: "Block number of the last applied event",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
