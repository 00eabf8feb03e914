package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// defaultRequestTimeout caps one orchestrated call, retries included, when
// the request carries no explicit timeout.
const defaultRequestTimeout = 30 * time.Second

// OrchestratorOptions holds optional tuning parameters for an Orchestrator.
// All fields have sensible defaults and can be omitted.
type OrchestratorOptions struct {
	// Logger is the structured logger used for attempt diagnostics and
	// breaker transitions. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Retry configures the backoff schedule around each request.
	Retry RetryConfig

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// Coalescer collapses concurrent duplicate requests into one
	// breaker-protected upstream call. Nil disables coalescing.
	Coalescer *Coalescer

	// RequestTimeout is the ceiling for one orchestrated call including
	// retries and backoff sleeps. Requests may override it per call via
	// their timeout field. Default: 30s.
	RequestTimeout time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry
}

// Orchestrator owns the provider registry and drives each chat completion
// through the reliability pipeline: retry around optional coalescing around
// the provider's circuit breaker.
type Orchestrator struct {
	providers       map[string]providers.Provider
	defaultProvider string

	cb        *CircuitBreaker
	coalescer *Coalescer

	retryCfg       RetryConfig
	requestTimeout time.Duration

	log     *slog.Logger
	metrics *metrics.Registry
}

// NewOrchestrator creates an Orchestrator over the given provider registry.
// defaultProvider names the registry entry used when a request does not
// specify one.
func NewOrchestrator(provs map[string]providers.Provider, defaultProvider string, opts OrchestratorOptions) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	o := &Orchestrator{
		providers:       provs,
		defaultProvider: defaultProvider,
		coalescer:       opts.Coalescer,
		retryCfg:        opts.Retry,
		requestTimeout:  requestTimeout,
		log:             log,
		metrics:         opts.Metrics,
	}

	// Breaker transitions feed the state gauge and the log; a caller-supplied
	// hook still sees every event.
	cbCfg := opts.CBConfig
	userHook := cbCfg.OnStateChange
	cbCfg.OnStateChange = func(name string, state int64) {
		if o.metrics != nil {
			o.metrics.SetCircuitBreaker(name, state)
		}
		if state == int64(cbOpen) {
			o.log.Warn("circuit_breaker_state_change",
				slog.String("provider", name),
				slog.Int64("state", state),
			)
		} else {
			o.log.Info("circuit_breaker_state_change",
				slog.String("provider", name),
				slog.Int64("state", state),
			)
		}
		if userHook != nil {
			userHook(name, state)
		}
	}
	o.cb = NewCircuitBreakerWithConfig(cbCfg)

	// Initialise circuit breaker gauges (closed) for registered providers.
	if o.metrics != nil {
		for name := range provs {
			o.metrics.SetCircuitBreaker(name, int64(o.cb.State(name)))
		}
	}

	return o
}

// ResolveName returns the provider name a request with the given explicit
// name would be routed to.
func (o *Orchestrator) ResolveName(name string) string {
	if name == "" {
		return o.defaultProvider
	}
	return name
}

// Chat resolves the target provider and executes the request through the
// pipeline. The per-request timeout (req.Timeout in ms, when set) bounds
// everything below it, backoff sleeps included.
func (o *Orchestrator) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	name := o.ResolveName(req.Provider)
	prov, ok := o.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", name)
	}

	timeout := o.requestTimeout
	if req.Timeout != nil && *req.Timeout > 0 {
		timeout = time.Duration(*req.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	upstream := func(callCtx context.Context) providers.Result {
		start := time.Now()
		res := prov.Chat(callCtx, req)
		o.observeUpstream(name, req.Model, res, time.Since(start))
		return res
	}

	guarded := func(attemptCtx context.Context) providers.Result {
		return o.cb.Fire(attemptCtx, name, upstream)
	}

	attempt := guarded
	if o.coalescer != nil {
		key := Fingerprint(name, req)
		attempt = func(attemptCtx context.Context) providers.Result {
			res, shared := o.coalescer.Execute(attemptCtx, key, guarded)
			if o.metrics != nil {
				if shared {
					o.metrics.CacheHit("coalesce")
				} else {
					o.metrics.CacheMiss("coalesce")
				}
			}
			return res
		}
	}

	attemptNum := 0
	res := retry(ctx, o.retryCfg, func(attemptCtx context.Context) providers.Result {
		attemptNum++
		r := attempt(attemptCtx)
		if !r.OK() {
			o.log.WarnContext(attemptCtx, "provider_attempt_failed",
				slog.String("provider", name),
				slog.Int("attempt", attemptNum),
				slog.Bool("retryable", r.Retryable),
				slog.String("error", r.Err.Error()),
			)
		}
		return r
	})

	if !res.OK() {
		return nil, res.Err
	}
	return res.Response, nil
}

// observeUpstream records latency and token usage for one real provider
// call. Coalesced callers share a single observation.
func (o *Orchestrator) observeUpstream(provider, model string, res providers.Result, dur time.Duration) {
	if o.metrics == nil {
		return
	}

	status := "success"
	if !res.OK() {
		status = "error"
	}
	o.metrics.ObserveProviderCall(provider, model, status, dur)

	if res.OK() {
		o.metrics.AddTokens(provider, model, res.Response.Usage.PromptTokens, res.Response.Usage.CompletionTokens)
	}
}
