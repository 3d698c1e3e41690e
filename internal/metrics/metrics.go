// Package metrics provides Prometheus instrumentation for the round engine.
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
	// RoundsTotal counts completed rounds, partitioned by winning side
	// ("UP", "DOWN" or "PUSH").
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hilo_rounds_total",
		Help: "Total number of completed rounds",
	}, []string{"outcome"})

	// RoundTransitions counts lifecycle transitions by target status.
	RoundTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hilo_round_transitions_total",
		Help: "Round status transitions",
	}, []string{"status"})

	// BetsPlaced counts accepted bets by bet type and digit type.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hilo_bets_placed_total",
		Help: "Total number of accepted bets",
	}, []string{"bet_type", "digit_type"})

	// BetRejections counts rejected placements by reason.
	BetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hilo_bet_rejections_total",
		Help: "Bets rejected at placement",
	}, []string{"reason"})

	// BetLatency tracks bet placement latency.
	BetLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hilo_bet_latency_seconds",
		Help:    "Bet placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SettledBets counts settled bets by result.
	SettledBets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hilo_settled_bets_total",
		Help: "Settled bets by result",
	}, []string{"result"})

	// SettlementDuration tracks how long settling one round takes.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hilo_settlement_duration_seconds",
		Help:    "Round settlement duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// SettlementFailures counts settlements that hit a store failure.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hilo_settlement_failures_total",
		Help: "Settlements that could not be fully applied",
	})

	// PriceUnavailable counts lock/finish transitions that found no price.
	PriceUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hilo_price_unavailable_total",
		Help: "Transitions that found no usable price",
	}, []string{"phase"})

	// EventsDropped counts events a subscriber could not accept in time.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hilo_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full",
	}, []string{"subscriber"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hilo_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hilo_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hilo_http_request_duration_seconds",
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

		// Route pattern keeps path cardinality bounded.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
