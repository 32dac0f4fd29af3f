// Package metrics provides Prometheus instrumentation for the risk service.
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

const namespace = "behavauth"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RiskEvaluationsTotal counts risk evaluations by source (snapshot or session).
	RiskEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_evaluations_total",
			Help:      "Total risk evaluations by source.",
		},
		[]string{"source"},
	)

	// RiskScore observes the distribution of final risk values.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Distribution of final risk scores.",
		Buckets:   []float64{5, 10, 20, 30, 40, 55, 70, 85, 100},
	})

	// FailOpenTotal counts evaluations that fell back to risk 0, by reason.
	FailOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_fail_open_total",
			Help:      "Risk evaluations that returned 0 instead of a score, by reason.",
		},
		[]string{"reason"},
	)

	// SessionsClassifiedTotal counts session classifications by outcome.
	SessionsClassifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_classified_total",
			Help:      "Total sessions classified by outcome.",
		},
		[]string{"outcome"},
	)

	// ModelTrainingsTotal counts training attempts by result.
	ModelTrainingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_trainings_total",
			Help:      "Total model training attempts by result (trained, deferred, failed).",
		},
		[]string{"result"},
	)

	// ModelTrainingDuration observes successful training time.
	ModelTrainingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_training_duration_seconds",
		Help:      "Time spent fitting a user model in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// CachedModels tracks models held in the process-wide cache.
	CachedModels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cached_models",
		Help:      "Number of user models held in memory.",
	})

	// RetrainQueueDepth tracks users waiting for asynchronous retraining.
	RetrainQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "retrain_queue_depth",
		Help:      "Users queued for asynchronous retraining.",
	})

	// ActiveWebSocketClients tracks connected risk stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// CircuitTransitionsTotal counts breaker state changes by guarded dependency.
	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
		},
		[]string{"key", "from_state", "to_state"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected with 429 by path pattern.",
		},
		[]string{"path"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RiskEvaluationsTotal,
		RiskScore,
		FailOpenTotal,
		SessionsClassifiedTotal,
		ModelTrainingsTotal,
		ModelTrainingDuration,
		CachedModels,
		RetrainQueueDepth,
		ActiveWebSocketClients,
		CircuitTransitionsTotal,
		RateLimitedTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
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
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps user ids out of labels
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
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
