// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Circuit breaker gauge values.
const (
	CircuitClosed   = 0
	CircuitOpen     = 1
	CircuitHalfOpen = 2
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// llm_gateway_inflight_requests
	inFlight prometheus.Gauge

	// llm_gateway_http_requests_total{method,route,status_code}
	httpRequestsTotal *prometheus.CounterVec

	// llm_gateway_http_request_duration_seconds{method,route,status_code}
	httpDuration *prometheus.HistogramVec

	// llm_gateway_provider_latency_seconds{provider,model,status}
	providerLatency *prometheus.HistogramVec

	// llm_gateway_tokens_total{provider,model,type}
	tokensTotal *prometheus.CounterVec

	// llm_gateway_cache_hits_total{type} / llm_gateway_cache_misses_total{type}
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// llm_gateway_circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// llm_gateway_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// llm_gateway_rate_limit_exceeded_total{key}
	rateLimitExceeded *prometheus.CounterVec

	// llm_gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// llm_gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llm_gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"method", "route", "status_code"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status_code"},
		),

		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_gateway_provider_latency_seconds",
				Help:    "Upstream provider call duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "model", "status"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "model", "type"},
		),

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_cache_hits_total",
				Help: "Total cache hits",
			},
			[]string{"type"},
		),

		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_cache_misses_total",
				Help: "Total cache misses",
			},
			[]string{"type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llm_gateway_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		rateLimitExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_gateway_rate_limit_exceeded_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"key"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llm_gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llm_gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.providerLatency,
		r.tokensTotal,
		r.cacheHits,
		r.cacheMisses,
		r.circuitBreakerState,
		r.cbTransitions,
		r.rateLimitExceeded,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one handled request.
func (r *Registry) ObserveHTTP(method, route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	r.httpDuration.WithLabelValues(method, route, status).Observe(dur.Seconds())
}

// ObserveProviderCall records one upstream provider call.
// status is "success" or "error".
func (r *Registry) ObserveProviderCall(provider, model, status string, dur time.Duration) {
	r.providerLatency.WithLabelValues(provider, model, status).Observe(dur.Seconds())
}

// AddTokens records prompt and completion token usage for one response.
func (r *Registry) AddTokens(provider, model string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

func (r *Registry) CacheHit(cacheType string) {
	r.cacheHits.WithLabelValues(cacheType).Inc()
}

func (r *Registry) CacheMiss(cacheType string) {
	r.cacheMisses.WithLabelValues(cacheType).Inc()
}

func (r *Registry) RecordRateLimitExceeded(key string) {
	r.rateLimitExceeded.WithLabelValues(key).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
