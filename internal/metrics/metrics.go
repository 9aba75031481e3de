// Package metrics provides Prometheus instrumentation for the PiggyPay backend.
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
			Namespace: "piggypay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "piggypay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts processed transactions by kind and outcome.
	// Outcomes: accepted, flagged, declined, error.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "piggypay",
			Name:      "transactions_total",
			Help:      "Total transactions processed by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// FraudScoreDuration observes classifier latency on the transaction path.
	FraudScoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "piggypay",
			Name:      "fraud_score_duration_seconds",
			Help:      "Fraud classifier scoring latency in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	// FraudScore observes the distribution of fraud probabilities.
	FraudScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "piggypay",
			Name:      "fraud_score",
			Help:      "Distribution of classifier fraud probabilities.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// HeldTransactionsResolvedTotal counts held records released by the resolver.
	HeldTransactionsResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piggypay",
		Name:      "held_transactions_resolved_total",
		Help:      "Total held transaction records resolved and replayed.",
	})

	// AccountsWithFraudAlert tracks accounts currently carrying a fraud alert.
	AccountsWithFraudAlert = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piggypay",
		Name:      "accounts_with_fraud_alert",
		Help:      "Accounts currently flagged pending verification.",
	})

	// PredictionLogFailuresTotal counts best-effort audit writes that failed.
	PredictionLogFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "piggypay",
		Name:      "prediction_log_failures_total",
		Help:      "Failed prediction audit log writes (best-effort path).",
	})

	// Database connection pool gauges (updated by StartDBStatsCollector)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piggypay", Name: "db_open_connections",
		Help: "Open database connections (in use + idle).",
	})

	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piggypay", Name: "db_idle_connections",
		Help: "Idle database connections.",
	})

	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piggypay", Name: "db_in_use_connections",
		Help: "Database connections currently in use.",
	})

	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piggypay", Name: "db_wait_count_total",
		Help: "Total connections waited for.",
	})

	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piggypay", Name: "db_wait_duration_seconds_total",
		Help: "Total time blocked waiting for a connection.",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "piggypay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		FraudScoreDuration,
		FraudScore,
		HeldTransactionsResolvedTotal,
		AccountsWithFraudAlert,
		PredictionLogFailuresTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
