// Package observability exposes the layer's instrumentation as prometheus
// collectors. All methods are nil-safe so components can be wired without a
// metrics sink.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Breaker state gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Metrics bundles the collectors for cache, retry, breaker and store
// operations.
type Metrics struct {
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	retries      *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	opDuration   *prometheus.HistogramVec
	opErrors     *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docstore",
			Name:      "cache_hits_total",
			Help:      "Cache hits by cache name.",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docstore",
			Name:      "cache_misses_total",
			Help:      "Cache misses by cache name.",
		}, []string{"cache"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docstore",
			Name:      "retry_attempts_total",
			Help:      "Retry attempts by operation.",
		}, []string{"operation"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "docstore",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docstore",
			Name:      "store_operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "operation"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docstore",
			Name:      "store_operation_errors_total",
			Help:      "Store operation failures by component and operation.",
		}, []string{"component", "operation"}),
	}

	reg.MustRegister(m.cacheHits, m.cacheMisses, m.retries, m.breakerState, m.opDuration, m.opErrors)
	return m
}

// CacheHit records a cache hit.
func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

// CacheMiss records a cache miss.
func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RetryAttempt records one re-attempt of operation.
func (m *Metrics) RetryAttempt(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// SetBreakerState records the breaker's current state.
func (m *Metrics) SetBreakerState(breaker string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(breaker).Set(state)
}

// ObserveOperation records the latency and outcome of a store operation.
func (m *Metrics) ObserveOperation(component, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(component, operation).Observe(d.Seconds())
	if err != nil {
		m.opErrors.WithLabelValues(component, operation).Inc()
	}
}
