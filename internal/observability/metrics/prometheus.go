// Package metrics provides Prometheus metrics for the NDC calculator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	CalculationsTotal     *prometheus.CounterVec
	CalculationDuration   prometheus.Histogram
	StageDuration         *prometheus.HistogramVec
	UpstreamRequests      *prometheus.CounterVec
	UpstreamDuration      *prometheus.HistogramVec
	CacheHits             *prometheus.CounterVec
	CacheMisses           *prometheus.CounterVec
	CacheEntries          prometheus.Gauge
	RateLimited           prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	DeadLettered          *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates metrics registered with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered with reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CalculationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_calculations_total",
			Help: "Calculations by outcome (success or error kind)",
		}, []string{"outcome"}),
		CalculationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ndc_calculation_duration_seconds",
			Help:    "End-to-end calculation duration",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ndc_stage_duration_seconds",
			Help:    "Calculation stage duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_upstream_requests_total",
			Help: "Upstream provider requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ndc_upstream_request_duration_seconds",
			Help:    "Upstream provider request duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_cache_hits_total",
			Help: "Cache hits by namespace",
		}, []string{"namespace"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndc_cache_misses_total",
			Help: "Cache misses by namespace",
		}, []string{"namespace"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ndc_cache_entries",
			Help: "Entries held by the response cache after the last sweep",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ndc_rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dead_lettered_messages_total",
			Help: "Messages moved to the dead-letter topic by source",
		}, []string{"source"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.CalculationsTotal,
		m.CalculationDuration,
		m.StageDuration,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEntries,
		m.RateLimited,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.DeadLettered,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveCalculation records one finished calculation
func (m *Metrics) ObserveCalculation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CalculationsTotal.WithLabelValues(outcome).Inc()
	m.CalculationDuration.Observe(d.Seconds())
}

// ObserveStage records the duration of one pipeline stage
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveUpstream records one upstream HTTP call
func (m *Metrics) ObserveUpstream(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(provider, outcome).Inc()
	m.UpstreamDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// CacheLookup records a cache hit or miss
func (m *Metrics) CacheLookup(namespace string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(namespace).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(namespace).Inc()
}

// SetCacheEntries records the cache size
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// SetBreakerState records a circuit breaker transition
func (m *Metrics) SetBreakerState(name string, value float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(value)
}

// IncRateLimited counts one rejected request
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// IncProduced counts one produced stream message
func (m *Metrics) IncProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// IncConsumed counts one consumed stream message
func (m *Metrics) IncConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetOutboxPending records the outbox backlog
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// IncDeadLettered counts one dead-lettered message from source
func (m *Metrics) IncDeadLettered(source string) {
	if m == nil {
		return
	}
	m.DeadLettered.WithLabelValues(source).Inc()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
