// Package metrics provides Prometheus instrumentation for the fraudwatch
// service.
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
			Namespace: "fraudwatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fraudwatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsIngestedTotal counts accepted transaction events by result.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "events_ingested_total",
			Help:      "Total transaction events accepted, by result.",
		},
		[]string{"result"},
	)

	// ScoresTotal counts scored events, split by whether they were flagged.
	ScoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "scores_total",
			Help:      "Total events scored, by flagged outcome.",
		},
		[]string{"flagged"},
	)

	// ScoringDuration observes end-to-end scoring latency per event.
	ScoringDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fraudwatch",
		Name:      "scoring_duration_seconds",
		Help:      "End-to-end scoring latency per event in seconds.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RetrainsTotal counts model retrain attempts by outcome.
	RetrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "retrains_total",
			Help:      "Total model retrain attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveModelCorpusSize tracks the training corpus size of the active model.
	ActiveModelCorpusSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch",
		Name:      "active_model_corpus_size",
		Help:      "Training corpus size of the currently active model run.",
	})

	// ReviewPending tracks review queue items awaiting disposition.
	ReviewPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch",
		Name:      "review_pending",
		Help:      "Number of review queue items awaiting disposition.",
	})

	// ProfileRepairsTotal counts entity profiles whose cached aggregates were
	// found inconsistent and rebuilt.
	ProfileRepairsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Name:      "profile_repairs_total",
		Help:      "Total entity profile aggregate rebuilds after inconsistency detection.",
	})

	// TrackedEntities tracks how many entities currently hold rolling state.
	TrackedEntities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch",
		Name:      "tracked_entities",
		Help:      "Number of entities with rolling behavioral state in memory.",
	})

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsIngestedTotal,
		ScoresTotal,
		ScoringDuration,
		RetrainsTotal,
		ActiveModelCorpusSize,
		ReviewPending,
		ProfileRepairsTotal,
		TrackedEntities,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
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
