// Package monitoring exposes the gateway's Prometheus metrics.
//
// Everything hangs off an explicit registry so tests can construct isolated
// instances instead of fighting over the global one.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gateway instruments.
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	BudgetRejected  *prometheus.CounterVec
	CircuitRejected *prometheus.CounterVec
	InvalidOutputs  *prometheus.CounterVec
	UpstreamRetries prometheus.Counter
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Tool requests by tool and HTTP status.",
		}, []string{"tool", "status"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Cache hits by tool.",
		}, []string{"tool"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Cache misses by tool.",
		}, []string{"tool"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"tool"}),
		BudgetRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_budget_rejected_total",
			Help: "Requests rejected by the daily budget.",
		}, []string{"tool"}),
		CircuitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_rejected_total",
			Help: "Requests rejected by an open circuit.",
		}, []string{"tool"}),
		InvalidOutputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_invalid_outputs_total",
			Help: "Upstream responses that failed output validation.",
		}, []string{"tool"}),
		UpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upstream_retries_total",
			Help: "Upstream attempts beyond the first.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end tool request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
	}

	reg.MustRegister(
		m.Requests, m.CacheHits, m.CacheMisses,
		m.RateLimited, m.BudgetRejected, m.CircuitRejected,
		m.InvalidOutputs, m.UpstreamRetries, m.RequestDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
