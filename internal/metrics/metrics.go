package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	dbConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_db_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)

	dbConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	functionInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_function_invocations_total",
			Help: "Total number of function invocations",
		},
		[]string{"runtime", "outcome"},
	)

	functionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_function_duration_seconds",
			Help:    "Function execution time in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"runtime"},
	)

	functionMemory = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_function_memory_mb",
			Help:    "Peak linear memory per invocation in MiB",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
		},
		[]string{"runtime"},
	)

	activeSandboxes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_active_sandboxes",
			Help: "Number of sandboxes currently executing",
		},
	)

	moduleCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_module_cache_events_total",
			Help: "Compiled module cache events",
		},
		[]string{"event"},
	)

	moduleCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_module_cache_size",
			Help: "Number of compiled modules held in the cache",
		},
	)

	moduleCompileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_module_compile_duration_seconds",
			Help:    "Time spent compiling modules",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	recorderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_recorder_failures_total",
			Help: "Invocation records that could not be persisted",
		},
		[]string{"reason"},
	)

	recorderQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_recorder_queue_depth",
			Help: "Invocation records waiting to be persisted",
		},
	)
)

// Cache event labels.
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheEviction = "eviction"
	CacheBypass   = "bypass"
	CacheInvalid  = "invalidation"
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int) {
	statusStr := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

func IncrementInFlight() {
	httpRequestsInFlight.Inc()
}

func DecrementInFlight() {
	httpRequestsInFlight.Dec()
}

func UpdateDBStats(open, inUse, idle int) {
	dbConnectionsOpen.Set(float64(open))
	dbConnectionsInUse.Set(float64(inUse))
	dbConnectionsIdle.Set(float64(idle))
}

// RecordInvocation records the outcome of one invocation. outcome is
// "success" or an error kind.
func RecordInvocation(runtime, outcome string, duration time.Duration, memoryMB float64) {
	functionInvocations.WithLabelValues(runtime, outcome).Inc()
	functionDuration.WithLabelValues(runtime).Observe(duration.Seconds())
	functionMemory.WithLabelValues(runtime).Observe(memoryMB)
}

func SandboxStarted() {
	activeSandboxes.Inc()
}

func SandboxFinished() {
	activeSandboxes.Dec()
}

func RecordCacheEvent(event string) {
	moduleCacheEvents.WithLabelValues(event).Inc()
}

func SetCacheSize(n int) {
	moduleCacheSize.Set(float64(n))
}

func ObserveCompile(duration time.Duration) {
	moduleCompileDuration.Observe(duration.Seconds())
}

func RecordRecorderFailure(reason string) {
	recorderFailures.WithLabelValues(reason).Inc()
}

func SetRecorderQueueDepth(n int) {
	recorderQueueDepth.Set(float64(n))
}

// NormalizePath turns a chi route pattern into a metric label: "{id}" and
// "{id:[0-9]+}" both become ":id".
func NormalizePath(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if len(pattern) > 100 {
		pattern = pattern[:100]
	}

	var b strings.Builder
	inParam, inRegex := false, false
	for _, c := range pattern {
		switch {
		case c == '{':
			inParam = true
			b.WriteByte(':')
		case c == '}' && inParam:
			inParam, inRegex = false, false
		case inParam && c == ':':
			inRegex = true
		case inRegex:
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
