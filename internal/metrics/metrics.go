// Package metrics provides Prometheus instrumentation for the cover engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts pool operations by kind and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_operations_total",
		Help: "Total pool operations by result",
	}, []string{"op", "result"})

	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cover_operation_latency_seconds",
		Help:    "Pool operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// PoolTotalShares tracks outstanding shares per pool after each commit.
	PoolTotalShares = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cover_pool_total_shares",
		Help: "Outstanding underwriter shares per pool",
	}, []string{"pool_id"})

	// PoolLockedShares tracks shares reserved against active policies.
	PoolLockedShares = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cover_pool_locked_shares",
		Help: "Shares locked against active policies per pool",
	}, []string{"pool_id"})

	// PoolVaultAmount tracks the vault balance per pool.
	PoolVaultAmount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cover_pool_vault_amount",
		Help: "Vault balance per pool in base units",
	}, []string{"pool_id"})

	// PoolSeriesDropped counts pool observations skipped because the
	// per-pool gauges already track MaxPoolSeries pools.
	PoolSeriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cover_pool_series_dropped_total",
		Help: "Pool observations not recorded because the pool_id label cap was reached",
	})

	// PoliciesReleased counts expired policies whose lock was released.
	PoliciesReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cover_policies_released_total",
		Help: "Expired policies released without payout",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cover_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cover_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// MaxPoolSeries caps how many distinct pools get pool_id gauge series.
// Pools past the cap are still served, only not graphed.
var MaxPoolSeries = 1000

var poolSeries = struct {
	sync.Mutex
	seen map[uint64]struct{}
}{seen: make(map[uint64]struct{})}

func trackPool(poolID uint64) bool {
	poolSeries.Lock()
	defer poolSeries.Unlock()
	if _, ok := poolSeries.seen[poolID]; ok {
		return true
	}
	if len(poolSeries.seen) >= MaxPoolSeries {
		return false
	}
	poolSeries.seen[poolID] = struct{}{}
	return true
}

// ObservePool records the committed state of a pool.
func ObservePool(poolID uint64, total, locked, vault uint64) {
	if !trackPool(poolID) {
		PoolSeriesDropped.Inc()
		return
	}
	id := strconv.FormatUint(poolID, 10)
	PoolTotalShares.WithLabelValues(id).Set(float64(total))
	PoolLockedShares.WithLabelValues(id).Set(float64(locked))
	PoolVaultAmount.WithLabelValues(id).Set(float64(vault))
}

// ObserveOperation records the outcome and latency of one engine operation.
func ObserveOperation(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
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
