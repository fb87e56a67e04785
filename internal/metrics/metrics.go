// Package metrics provides Prometheus instrumentation for the attestwatch
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
			Namespace: "attestwatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "attestwatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ProviderRequestsTotal counts provider screening calls by result.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attestwatch",
			Name:      "provider_requests_total",
			Help:      "Total provider screening requests by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// ProviderRequestDuration observes provider screening latency.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "attestwatch",
			Name:      "provider_request_duration_seconds",
			Help:      "Provider screening request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// AggregationsTotal counts wallet risk aggregations by result.
	AggregationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attestwatch",
			Name:      "aggregations_total",
			Help:      "Total wallet risk aggregations by result.",
		},
		[]string{"result"},
	)

	// RiskLevelsTotal counts computed profiles by resulting risk level.
	RiskLevelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attestwatch",
			Name:      "risk_levels_total",
			Help:      "Total computed risk profiles by level.",
		},
		[]string{"level"},
	)

	// AnomaliesDetectedTotal counts anomaly findings by type and severity.
	AnomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attestwatch",
			Name:      "anomalies_detected_total",
			Help:      "Total behavioral anomalies detected by type and severity.",
		},
		[]string{"type", "severity"},
	)

	// ActionsExecutedTotal counts enforcement actions by type and result.
	ActionsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attestwatch",
			Name:      "actions_executed_total",
			Help:      "Total enforcement actions executed by action type and result.",
		},
		[]string{"action", "result"},
	)

	// LedgerSubmissionsTotal counts registry transaction submissions by
	// operation and result.
	LedgerSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "attestwatch",
			Name:      "ledger_submissions_total",
			Help:      "Total attestation registry submissions by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// MonitoringCyclesTotal counts completed monitoring cycles.
	MonitoringCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "attestwatch",
		Name:      "monitoring_cycles_total",
		Help:      "Total completed monitoring cycles.",
	})

	// MonitoringCycleDuration observes full-cycle wall time.
	MonitoringCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attestwatch",
		Name:      "monitoring_cycle_duration_seconds",
		Help:      "Monitoring cycle duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// MonitoredWallets tracks wallets currently registered for monitoring.
	MonitoredWallets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attestwatch",
		Name:      "monitored_wallets",
		Help:      "Number of wallets currently registered for monitoring.",
	})

	// ScheduledActions tracks delayed actions waiting in the executor queue.
	ScheduledActions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attestwatch",
		Name:      "scheduled_actions",
		Help:      "Number of delayed actions waiting for execution.",
	})

	// CacheHitsTotal counts risk profile cache hits.
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "attestwatch",
		Name:      "cache_hits_total",
		Help:      "Total risk profile cache hits.",
	})
	// CacheMissesTotal counts risk profile cache misses, including TTL
	// expiries.
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "attestwatch",
		Name:      "cache_misses_total",
		Help:      "Total risk profile cache misses.",
	})

	// ActiveWebSocketClients tracks connected event feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "attestwatch",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attestwatch", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attestwatch", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attestwatch", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attestwatch", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attestwatch", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "attestwatch", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		AggregationsTotal,
		RiskLevelsTotal,
		AnomaliesDetectedTotal,
		ActionsExecutedTotal,
		LedgerSubmissionsTotal,
		MonitoringCyclesTotal,
		MonitoringCycleDuration,
		MonitoredWallets,
		ScheduledActions,
		CacheHitsTotal,
		CacheMissesTotal,
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
