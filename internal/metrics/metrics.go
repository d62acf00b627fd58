// Package metrics provides Prometheus instrumentation for the Hirewire platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hirewire",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hirewire",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementsTotal counts settlement operations by kind and outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hirewire",
			Name:      "settlements_total",
			Help:      "Total settlement operations by kind and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// EscrowFundedTotal counts escrows funded via the payment gateway.
	EscrowFundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hirewire",
		Name:      "escrow_funded_total",
		Help:      "Total escrows funded.",
	})

	// EscrowHeldCents tracks the platform liability (sum of funded escrow amounts).
	EscrowHeldCents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hirewire",
		Name:      "escrow_held_cents",
		Help:      "Sum of funded escrow amounts in cents (platform liability).",
	})

	// PlatformRevenueCents tracks realized platform revenue.
	PlatformRevenueCents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hirewire",
		Name:      "platform_revenue_cents",
		Help:      "Sum of platform fees on settled escrows in cents.",
	})

	// WalletCreditsTotal counts wallet credits by source.
	WalletCreditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hirewire",
			Name:      "wallet_credits_total",
			Help:      "Total wallet credit transactions by source.",
		},
		[]string{"source"},
	)

	// ReconciliationMismatchesTotal counts half-applied settlements detected.
	ReconciliationMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hirewire",
		Name:      "reconciliation_mismatches_total",
		Help:      "Total half-applied settlements detected and completed by the reconciler.",
	})

	// StripeWebhooksTotal counts Stripe webhook deliveries by result.
	StripeWebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hirewire",
			Name:      "stripe_webhooks_total",
			Help:      "Total Stripe webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hirewire",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hirewire", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hirewire", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hirewire", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementsTotal,
		EscrowFundedTotal,
		EscrowHeldCents,
		PlatformRevenueCents,
		WalletCreditsTotal,
		ReconciliationMismatchesTotal,
		StripeWebhooksTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
