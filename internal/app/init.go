package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
)

// initProviders builds the LLM provider map. At least one provider must be
// configured — this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	// Requests without an explicit provider land on the default. A missing
	// key there is not fatal but every such request will fail.
	if _, ok := a.provs[a.cfg.DefaultProvider]; !ok {
		a.log.Warn("default provider has no API key; requests must name a provider explicitly",
			slog.String("default_provider", a.cfg.DefaultProvider))
	}

	return nil
}

// initServices creates the in-process state shared by the pipeline: the
// fixed-window rate limiter, the idempotency store, the Prometheus registry,
// and the async request-event logger.
func (a *App) initServices(ctx context.Context) error {
	a.limiter = ratelimit.NewLimiter(ctx, a.cfg.RateLimit.Max, a.cfg.RateLimit.Window)
	a.idemStore = npCache.NewMemoryCache(ctx)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.log.Info("services ready",
		slog.Int("rate_limit_max", a.cfg.RateLimit.Max),
		slog.Duration("rate_limit_window", a.cfg.RateLimit.Window),
		slog.Duration("idempotency_ttl", a.cfg.Idempotency.TTL),
	)

	return nil
}

// initGateway wires the orchestrator and the HTTP surface around it.
func (a *App) initGateway(_ context.Context) error {
	var coalescer *proxy.Coalescer
	if a.cfg.Coalesce.Enabled {
		coalescer = proxy.NewCoalescer(a.cfg.Coalesce.Window)
		a.log.Info("request coalescing enabled",
			slog.Duration("window", a.cfg.Coalesce.Window))
	}

	orch := proxy.NewOrchestrator(a.provs, a.cfg.DefaultProvider, proxy.OrchestratorOptions{
		Logger: a.log,
		Retry: proxy.RetryConfig{
			MaxAttempts:  a.cfg.Retry.MaxAttempts,
			InitialDelay: a.cfg.Retry.InitialDelay,
			MaxDelay:     a.cfg.Retry.MaxDelay,
		},
		CBConfig: proxy.CBConfig{
			ErrorThresholdPct: a.cfg.CircuitBreaker.ErrorThresholdPct,
			MinSamples:        a.cfg.CircuitBreaker.MinSamples,
			Window:            a.cfg.CircuitBreaker.Window,
			ResetTimeout:      a.cfg.CircuitBreaker.ResetTimeout,
			CallTimeout:       a.cfg.CircuitBreaker.CallTimeout,
		},
		Coalescer:      coalescer,
		RequestTimeout: a.cfg.RequestTimeout,
		Metrics:        a.prom,
	})

	gw := proxy.NewGateway(a.baseCtx, orch, proxy.GatewayOptions{
		Logger:         a.log,
		Limiter:        a.limiter,
		Idempotency:    a.idemStore,
		IdempotencyTTL: a.cfg.Idempotency.TTL,
		Metrics:        a.prom,
		ReqLogger:      a.reqLogger,
	})
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	a.gw = gw

	return nil
}
