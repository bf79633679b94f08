// Package metrics provides Prometheus metrics for monitoring partscout.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts API requests by endpoint and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partscout_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"endpoint", "status"},
	)

	// RequestDuration tracks API request duration by endpoint.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partscout_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
		},
		[]string{"endpoint"},
	)

	// FetchesTotal counts upstream fetches by page kind, strategy and outcome.
	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partscout_fetches_total",
			Help: "Total upstream fetches by kind, strategy and outcome",
		},
		[]string{"kind", "strategy", "outcome"},
	)

	// FetchDuration tracks upstream fetch duration by strategy.
	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partscout_fetch_duration_seconds",
			Help:    "Upstream fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"strategy"},
	)

	// EscalationsTotal counts direct fetches that escalated to a rendered fetch.
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partscout_escalations_total",
			Help: "Total direct-to-rendered escalations by trigger",
		},
		[]string{"trigger"},
	)

	// BrowserPoolCapacity shows the configured pool capacity.
	BrowserPoolCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partscout_browser_pool_capacity",
			Help: "Configured browser pool capacity",
		},
	)

	// BrowserPoolLive shows currently running browsers.
	BrowserPoolLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partscout_browser_pool_live",
			Help: "Browsers currently running in the pool",
		},
	)

	// BrowserPoolIdle shows idle browsers awaiting reuse or pruning.
	BrowserPoolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partscout_browser_pool_idle",
			Help: "Idle browsers in the pool",
		},
	)

	// BrowserPoolSpawned counts total browser launches.
	BrowserPoolSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partscout_browser_pool_spawned_total",
			Help: "Total browsers launched",
		},
	)

	// BrowserPoolPruned counts browsers closed by the idle pruner.
	BrowserPoolPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partscout_browser_pool_pruned_total",
			Help: "Total idle browsers pruned",
		},
	)

	// SerializerQueueDepth shows callers waiting for or holding the
	// browser slot.
	SerializerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partscout_serializer_queue_depth",
			Help: "Callers queued for the serialized browser slot",
		},
	)

	// SerializedOpDuration tracks how long the browser slot is held.
	SerializedOpDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partscout_serialized_op_duration_seconds",
			Help:    "Time the serialized browser slot is held per operation",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~2m
		},
	)

	// CacheOps counts disk cache reads by kind and result.
	CacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partscout_cache_reads_total",
			Help: "Disk cache reads by kind (hit, miss, stale)",
		},
		[]string{"kind", "result"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partscout_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partscout_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partscout_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partscout_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		FetchesTotal,
		FetchDuration,
		EscalationsTotal,
		SerializerQueueDepth,
		SerializedOpDuration,
		BrowserPoolCapacity,
		BrowserPoolLive,
		BrowserPoolIdle,
		BrowserPoolSpawned,
		BrowserPoolPruned,
		CacheOps,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed API request.
func RecordRequest(endpoint, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(endpoint, status).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordFetch records a completed upstream fetch.
func RecordFetch(kind, strategy, outcome string, duration time.Duration) {
	FetchesTotal.WithLabelValues(kind, strategy, outcome).Inc()
	FetchDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordEscalation records one direct-to-rendered escalation.
func RecordEscalation(trigger string) {
	EscalationsTotal.WithLabelValues(trigger).Inc()
}

// RecordCacheRead records one disk cache read outcome.
func RecordCacheRead(kind, result string) {
	CacheOps.WithLabelValues(kind, result).Inc()
}

// UpdatePoolMetrics updates the browser pool gauges.
func UpdatePoolMetrics(capacity, live, idle int) {
	BrowserPoolCapacity.Set(float64(capacity))
	BrowserPoolLive.Set(float64(live))
	BrowserPoolIdle.Set(float64(idle))
}
