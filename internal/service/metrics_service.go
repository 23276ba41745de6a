package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic and the accreditation pipeline.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	generations     *prometheus.CounterVec
	renderDuration  prometheus.Observer
	batches         *prometheus.CounterVec
	bulkUnits       *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	requestCount uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accreditation_request_transitions_total",
		Help: "Request state transitions by kind and outcome",
	}, []string{"kind", "outcome"})

	generations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credential_generations_total",
		Help: "Credential generation attempts by outcome",
	}, []string{"outcome"})

	renderDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "credential_render_seconds",
		Help:    "Time spent rendering a credential",
		Buckets: prometheus.DefBuckets,
	})

	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "print_batches_total",
		Help: "Print batch lifecycle events by stage and outcome",
	}, []string{"stage", "outcome"})

	bulkUnits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_units_total",
		Help: "Bulk orchestrator units by outcome",
	}, []string{"outcome"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "verification_cache_hits_total",
		Help: "Verification lookups served from cache",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "verification_cache_misses_total",
		Help: "Verification lookups that reached the database",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitions, generations, renderDuration, batches, bulkUnits, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		transitions:     transitions,
		generations:     generations,
		renderDuration:  renderDuration,
		batches:         batches,
		bulkUnits:       bulkUnits,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// RequestCount returns the number of observed HTTP requests.
func (m *MetricsService) RequestCount() uint64 {
	if m == nil {
		return 0
	}
	return atomic.LoadUint64(&m.requestCount)
}

// RecordTransition counts a request transition attempt.
func (m *MetricsService) RecordTransition(kind string, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, outcome(err)).Inc()
}

// RecordGeneration counts a credential render and its duration.
func (m *MetricsService) RecordGeneration(err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome(err)).Inc()
	m.renderDuration.Observe(duration.Seconds())
}

// RecordBatch counts a print batch lifecycle event such as queue, render or archive.
func (m *MetricsService) RecordBatch(stage string, err error) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(stage, outcome(err)).Inc()
}

// RecordBulkUnit counts an orchestrator unit by outcome (processed, skipped, failed).
func (m *MetricsService) RecordBulkUnit(result string) {
	if m == nil {
		return
	}
	m.bulkUnits.WithLabelValues(result).Inc()
}

// RecordCacheLookup counts a verification cache hit or miss.
func (m *MetricsService) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		return
	}
	m.cacheMisses.Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
