// Package telemetry provides observability with Prometheus metrics and structured logging.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for aigate.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Token and cost metrics
	TokensInput  *prometheus.CounterVec
	TokensOutput *prometheus.CounterVec
	CostUSD      *prometheus.CounterVec

	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheFlush  prometheus.Counter

	// Resilience metrics
	CircuitBreakerState *prometheus.GaugeVec
	RetryAttempts       *prometheus.CounterVec
	FallbackInvocations *prometheus.CounterVec
	FallbackSuccess     *prometheus.CounterVec

	// Streaming
	StreamConnections *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_requests_total",
				Help: "Total number of chat requests",
			},
			[]string{"provider", "model", "status", "cached"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aigate_request_duration_seconds",
				Help:    "Chat request duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		TokensInput: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_tokens_input_total",
				Help: "Total estimated input tokens",
			},
			[]string{"provider", "model"},
		),

		TokensOutput: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_tokens_output_total",
				Help: "Total estimated output tokens",
			},
			[]string{"provider", "model"},
		),

		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_cost_usd_total",
				Help: "Total estimated cost in USD",
			},
			[]string{"provider", "model"},
		),

		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_provider_requests_total",
				Help: "Total requests sent to providers",
			},
			[]string{"provider", "operation"},
		),

		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_provider_errors_total",
				Help: "Total provider errors by kind",
			},
			[]string{"provider", "operation", "kind"},
		),

		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aigate_provider_latency_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "operation"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_cache_hits_total",
				Help: "Total response cache hits",
			},
			[]string{"provider"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_cache_misses_total",
				Help: "Total response cache misses",
			},
			[]string{"provider"},
		),

		CacheFlush: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aigate_cache_flush_total",
				Help: "Total response cache flushes",
			},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aigate_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),

		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_retry_attempts_total",
				Help: "Total retry attempts",
			},
			[]string{"service", "reason"},
		),

		FallbackInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_fallback_invocations_total",
				Help: "Total fallback invocations",
			},
			[]string{"primary", "fallback"},
		),

		FallbackSuccess: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aigate_fallback_success_total",
				Help: "Total successful fallback executions",
			},
			[]string{"fallback"},
		),

		StreamConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aigate_stream_connections",
				Help: "Open streaming responses",
			},
			[]string{"provider"},
		),
	}
}

// HandlerFor returns a metrics handler for a specific gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordRequest records a completed top-level chat call
func (m *Metrics) RecordRequest(provider, model string, cached bool, err error, duration time.Duration, inputTokens, outputTokens int64, costUSD float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	cachedStr := "false"
	if cached {
		cachedStr = "true"
	}
	m.RequestsTotal.WithLabelValues(provider, model, status, cachedStr).Inc()
	m.RequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if err != nil {
		return
	}
	m.TokensInput.WithLabelValues(provider, model).Add(float64(inputTokens))
	m.TokensOutput.WithLabelValues(provider, model).Add(float64(outputTokens))
	m.CostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordProviderCall records one adapter call; kind is empty on success
func (m *Metrics) RecordProviderCall(provider, operation, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, operation).Inc()
	m.ProviderLatency.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if kind != "" {
		m.ProviderErrors.WithLabelValues(provider, operation, kind).Inc()
	}
}

// RecordCacheHit records a response cache hit
func (m *Metrics) RecordCacheHit(provider string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(provider).Inc()
}

// RecordCacheMiss records a response cache miss
func (m *Metrics) RecordCacheMiss(provider string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(provider).Inc()
}

// RecordCacheFlush records a cache flush
func (m *Metrics) RecordCacheFlush() {
	if m == nil {
		return
	}
	m.CacheFlush.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state gauge
// state: 0=closed, 1=half-open, 2=open
func (m *Metrics) UpdateCircuitBreakerState(service, state string) {
	if m == nil {
		return
	}
	var stateValue float64
	switch state {
	case "closed":
		stateValue = 0
	case "half_open":
		stateValue = 1
	case "open":
		stateValue = 2
	}
	m.CircuitBreakerState.WithLabelValues(service).Set(stateValue)
}

// RecordRetryAttempt records a retry attempt
func (m *Metrics) RecordRetryAttempt(service, reason string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(service, reason).Inc()
}

// RecordFallbackInvocation records a fallback chain invocation
func (m *Metrics) RecordFallbackInvocation(primary, fallback string) {
	if m == nil {
		return
	}
	m.FallbackInvocations.WithLabelValues(primary, fallback).Inc()
}

// RecordFallbackSuccess records a successful fallback execution
func (m *Metrics) RecordFallbackSuccess(fallback string) {
	if m == nil {
		return
	}
	m.FallbackSuccess.WithLabelValues(fallback).Inc()
}

// StreamOpened increments the open stream gauge
func (m *Metrics) StreamOpened(provider string) {
	if m == nil {
		return
	}
	m.StreamConnections.WithLabelValues(provider).Inc()
}

// StreamClosed decrements the open stream gauge
func (m *Metrics) StreamClosed(provider string) {
	if m == nil {
		return
	}
	m.StreamConnections.WithLabelValues(provider).Dec()
}
