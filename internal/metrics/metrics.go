// Package metrics provides Prometheus instrumentation for the gamma engine.
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
	// ChainFetches counts chain fetches by trigger (select, refresh, poll)
	// and result (ok, error, stale).
	ChainFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gex_chain_fetches_total",
		Help: "Total option chain fetches",
	}, []string{"trigger", "result"})

	// ChainFetchLatency tracks fetch latency by trigger.
	ChainFetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gex_chain_fetch_latency_seconds",
		Help:    "Option chain fetch latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"trigger"})

	// LiveEvents counts live feed events by outcome: applied, or the reason
	// the event was dropped.
	LiveEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gex_live_events_total",
		Help: "Live feed events by outcome",
	}, []string{"outcome"})

	// ConnectionStatus is 1 for the chain store's current status, 0 otherwise.
	ConnectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gex_connection_status",
		Help: "Current chain connection status",
	}, []string{"status"})

	// StatusTransitions counts chain status transitions.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gex_status_transitions_total",
		Help: "Chain connection status transitions",
	}, []string{"from", "to"})

	// ExposureComputations counts exposure reports served.
	ExposureComputations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gex_exposure_computations_total",
		Help: "Exposure reports computed",
	})

	// FeedReconnects counts live feed reconnect attempts.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gex_feed_reconnects_total",
		Help: "Live feed reconnect attempts",
	})

	// CacheLookups counts chain cache lookups by result (hit, miss).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gex_cache_lookups_total",
		Help: "Chain snapshot cache lookups",
	}, []string{"result"})

	// FlowTickerFailures counts per-ticker flow fetches that were skipped.
	// Tickers outside the default universe share the "other" label.
	FlowTickerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gex_flow_ticker_failures_total",
		Help: "Flow fetches skipped because the ticker failed",
	}, []string{"ticker"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gex_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

var statuses = []string{"disconnected", "connecting", "connected", "error"}

// SetConnectionStatus flips the status gauge to the given state.
func SetConnectionStatus(status string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		ConnectionStatus.WithLabelValues(s).Set(v)
	}
}

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

		// Label by route pattern, not the raw symbol path.
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
