// Package metrics provides Prometheus instrumentation for the prediction engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BrokerEventsTotal counts broker events by kind and outcome
	// (applied, stale, rejected, unknown, failed).
	BrokerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_broker_events_total",
		Help: "Broker events processed by the reconciliation pipeline",
	}, []string{"kind", "outcome"})

	// EventQueueDepth tracks the broker-event queue length after each drain.
	EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pe_event_queue_depth",
		Help: "Broker events waiting to be applied",
	})

	// DrainLatency tracks the duration of one queue drain.
	DrainLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pe_drain_latency_seconds",
		Help:    "Duration of one broker-event queue drain",
		Buckets: prometheus.DefBuckets,
	})

	// FlushesTotal counts delayed durable flushes by outcome.
	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_order_flushes_total",
		Help: "Delayed order-state flushes into the prediction store",
	}, []string{"outcome"})

	// LifecycleTransitions counts prediction state transitions by target state.
	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_lifecycle_transitions_total",
		Help: "Prediction lifecycle transitions",
	}, []string{"state"})

	// LedgerOperations counts ledger debits/credits by operation and outcome.
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_ledger_operations_total",
		Help: "Ledger debit and credit operations",
	}, []string{"op", "outcome"})

	// PriceFallbacks counts quote lookups served by a fallback source.
	PriceFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_price_fallbacks_total",
		Help: "Quote lookups served by a fallback source",
	}, []string{"source"})

	// PredictionsCreated counts created predictions by kind (real, virtual).
	PredictionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_predictions_created_total",
		Help: "Predictions created",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pe_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pe_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pe_http_request_duration_seconds",
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
