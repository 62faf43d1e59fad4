package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records orchestrator activity and exposes it for scraping.
type Metrics interface {
	// ObserveAttempt records one provider call. outcome is "success" or an error kind.
	ObserveAttempt(provider, outcome string, latency time.Duration)
	ObserveCacheHit(provider string)
	ObserveUsage(provider string, tokens int, costUSD float64)
	// ObserveRequest records a whole dispatch, across all its attempts.
	ObserveRequest(policy, outcome string, duration time.Duration)
	SetProviderAvailable(provider string, available bool)
	HTTPHandler() http.Handler
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) ObserveAttempt(provider, outcome string, latency time.Duration) {}
func (m *NoopMetrics) ObserveCacheHit(provider string)                                {}
func (m *NoopMetrics) ObserveUsage(provider string, tokens int, costUSD float64)      {}
func (m *NoopMetrics) ObserveRequest(policy, outcome string, duration time.Duration)  {}
func (m *NoopMetrics) SetProviderAvailable(provider string, available bool)           {}

func (m *NoopMetrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// PrometheusMetrics keeps its own registry so several instances can coexist.
type PrometheusMetrics struct {
	registry        *prometheus.Registry
	attempts        *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec
	cacheHits       *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	cost            *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	available       *prometheus.GaugeVec
}

// NewPrometheusMetrics registers every collector under the given namespace.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Provider calls by outcome",
			},
			[]string{"provider", "outcome"},
		),
		attemptLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_latency_milliseconds",
				Help:      "Provider call latency in milliseconds",
				Buckets:   []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
			},
			[]string{"provider"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Responses served from the response cache",
			},
			[]string{"provider"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens consumed by successful provider calls",
			},
			[]string{"provider"},
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cost_usd_total",
				Help:      "Cost of successful provider calls in USD",
			},
			[]string{"provider"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Dispatched requests by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "End to end dispatch duration in milliseconds",
				Buckets:   []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000, 90000},
			},
			[]string{"policy"},
		),
		available: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_available",
				Help:      "1 when the provider is eligible for routing",
			},
			[]string{"provider"},
		),
	}

	m.registry.MustRegister(
		m.attempts,
		m.attemptLatency,
		m.cacheHits,
		m.tokens,
		m.cost,
		m.requests,
		m.requestDuration,
		m.available,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *PrometheusMetrics) ObserveAttempt(provider, outcome string, latency time.Duration) {
	m.attempts.WithLabelValues(provider, outcome).Inc()
	m.attemptLatency.WithLabelValues(provider).Observe(float64(latency.Milliseconds()))
}

func (m *PrometheusMetrics) ObserveCacheHit(provider string) {
	m.cacheHits.WithLabelValues(provider).Inc()
}

func (m *PrometheusMetrics) ObserveUsage(provider string, tokens int, costUSD float64) {
	if tokens > 0 {
		m.tokens.WithLabelValues(provider).Add(float64(tokens))
	}
	if costUSD > 0 {
		m.cost.WithLabelValues(provider).Add(costUSD)
	}
}

func (m *PrometheusMetrics) ObserveRequest(policy, outcome string, duration time.Duration) {
	m.requests.WithLabelValues(policy, outcome).Inc()
	m.requestDuration.WithLabelValues(policy).Observe(float64(duration.Milliseconds()))
}

func (m *PrometheusMetrics) SetProviderAvailable(provider string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	m.available.WithLabelValues(provider).Set(v)
}

// Registry exposes the underlying registry, mainly for tests.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
