package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records decision cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records decision cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached decision.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached decision was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the decision cache entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// UpstreamResult captures the terminal result of a forwarded upstream request.
type UpstreamResult string

const (
	// UpstreamSuccess indicates the upstream returned a relayable response.
	UpstreamSuccess UpstreamResult = "success"
	// UpstreamExhausted indicates the retry budget ran out.
	UpstreamExhausted UpstreamResult = "exhausted"
	// UpstreamError indicates a non-retryable transport failure.
	UpstreamError UpstreamResult = "error"
)

// Recorder publishes Prometheus metrics for proxy activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	proxyRequests *prometheus.CounterVec
	proxyLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	upstreamAttempts *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	proxyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkggate",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total registry requests processed by the proxy.",
	}, []string{"registry", "kind", "outcome", "status_code", "from_cache"})

	proxyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pkggate",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed registry requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"registry", "kind", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkggate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Decision cache operations executed by the proxy.",
	}, []string{"registry", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pkggate",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for decision cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"registry", "operation", "result"})

	upstreamAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkggate",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Forwarded upstream requests by terminal result.",
	}, []string{"registry", "result"})

	reg.MustRegister(proxyRequests, proxyLatency, cacheOperations, cacheLatency, upstreamAttempts)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		proxyRequests:    proxyRequests,
		proxyLatency:     proxyLatency,
		cacheOperations:  cacheOperations,
		cacheLatency:     cacheLatency,
		upstreamAttempts: upstreamAttempts,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed proxy request.
func (r *Recorder) ObserveRequest(registry, kind, outcome string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	registryLabel := normalizeLabel(registry)
	kindLabel := normalizeLabel(kind)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.proxyRequests.WithLabelValues(registryLabel, kindLabel, outcomeLabel, statusLabel, cacheLabel).Inc()
	r.proxyLatency.WithLabelValues(registryLabel, kindLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(registry string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	registryLabel := normalizeLabel(registry)
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(registryLabel, CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(registry string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	registryLabel := normalizeLabel(registry)
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(registryLabel, CacheOperationStore, resultLabel, duration)
}

// ObserveUpstream records the terminal result of a forwarded upstream request.
func (r *Recorder) ObserveUpstream(registry string, result UpstreamResult) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(normalizeLabel(registry), normalizeLabel(string(result))).Inc()
}

func (r *Recorder) observeCache(registry string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(registry, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(registry, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
