// Package metrics provides Prometheus instrumentation for the wagering engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/totalizator/wager-engine/internal/pool"
)

var (
	// BetsPlaced counts accepted bets.
	BetsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_bets_placed_total",
		Help: "Total number of bets accepted",
	})

	// BetsCancelled counts refunded bets, including those refunded when a
	// competition is called off.
	BetsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_bets_cancelled_total",
		Help: "Total number of bets cancelled and refunded",
	})

	// BetsSettled counts settled bets by verdict (won, lost).
	BetsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_bets_settled_total",
		Help: "Total number of bets settled",
	}, []string{"verdict"})

	// Rejections counts refused operations by error code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_rejections_total",
		Help: "Operations refused by validation or business rules",
	}, []string{"code"})

	// PayoutTotal is the cumulative amount credited for winning bets.
	PayoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_payout_total",
		Help: "Cumulative payout credited to winners",
	})

	// SettlementDuration tracks how long one competition takes to settle.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wager_settlement_duration_seconds",
		Help:    "Competition settlement duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// PoolStater is satisfied by *pool.Pool.
type PoolStater interface {
	Stat() pool.Stat
}

// RegisterPool exports connection pool usage as gauges read on scrape.
func RegisterPool(reg prometheus.Registerer, p PoolStater) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "wager_pool_total_connections",
			Help: "Connections the pool manages",
		}, func() float64 { return float64(p.Stat().Capacity) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "wager_pool_acquired_connections",
			Help: "Connections currently checked out",
		}, func() float64 { return float64(p.Stat().Acquired) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "wager_pool_idle_connections",
			Help: "Connections waiting in the pool",
		}, func() float64 { return float64(p.Stat().Idle) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps label cardinality bounded.
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
