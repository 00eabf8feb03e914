// Package proxy is the reliability pipeline in front of the LLM providers.
//
// A chat-completion request travels through the layers in a fixed order:
// rate limiting, idempotent replay, schema validation, then the orchestrator
// (retry, coalescing, circuit breaking) which owns the actual provider call.
// Each layer either passes the request on or terminates it with a structured
// JSON envelope.
//
// Key design constraints:
//   - Logger, limiter, idempotency store, and metrics are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Idempotent replays are byte-for-byte: the stored body is returned
//     untouched, regardless of what the second request contained.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// GatewayOptions holds optional collaborators for a Gateway. All fields are
// nil-safe and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and pipeline
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Limiter is the per-client fixed-window rate limiter. Nil disables
	// rate limiting (used by unit tests; production always sets it).
	Limiter *ratelimit.Limiter

	// Idempotency stores successful response bodies for replay keyed by the
	// X-Idempotency-Key header. Nil disables replay.
	Idempotency cache.Cache

	// IdempotencyTTL bounds how long a stored response stays replayable.
	// Default: 1h.
	IdempotencyTTL time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// ReqLogger is the async request-event logger. Nil disables it.
	ReqLogger *logger.Logger
}

// Gateway is the HTTP surface — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	orch    *Orchestrator
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	// Optional dependencies — nil-safe when not configured.
	limiter        *ratelimit.Limiter
	idempotency    cache.Cache
	idempotencyTTL time.Duration
	reqLogger      *logger.Logger

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string

	srvMu sync.Mutex
	srv   *fasthttp.Server

	startedAt time.Time
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway wires the HTTP surface around an orchestrator.
func NewGateway(baseCtx context.Context, orch *Orchestrator, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if orch == nil {
		panic("gateway: orchestrator must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	gw := &Gateway{
		orch:           orch,
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		limiter:        opts.Limiter,
		idempotency:    opts.Idempotency,
		idempotencyTTL: ttl,
		reqLogger:      opts.ReqLogger,
		startedAt:      time.Now(),
	}

	if len(orch.providers) > 0 {
		gw.health = NewHealthChecker(baseCtx, orch.providers, gw.metrics)
	}

	return gw
}

// Close stops the gateway's background health probes. Injected collaborators
// (limiter, idempotency store, loggers) are owned by the caller and closed
// separately.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
		g.health = nil
	}
}

// dispatchChat is the handler for POST /v1/chat/completions.
//
// Ordering within one request is fixed: rate-limit check, then idempotency
// lookup, then validation, then the orchestrator, then the idempotency
// store, then the response. The replay lookup deliberately precedes
// validation so a stored response is returned even when the retried request
// body no longer parses.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	provider := "unknown"
	model := ""

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(string(ctx.Method()), route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue(requestIDKey).(string)

	// 1. Rate limit. The header trio goes on every response, allowed or not.
	if g.limiter != nil {
		key := ctx.RemoteIP().String()
		dec := g.limiter.Check(key)
		setRateLimitHeaders(ctx, g.limiter.Max(), dec)
		if !dec.Allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimitExceeded(key)
			}
			// Not an error condition: expected behavior under load.
			g.log.InfoContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("key", key),
			)
			apierr.WriteRateLimited(ctx, retryAfterSeconds(dec.ResetTime))
			g.logRequest(reqID, provider, model, fasthttp.StatusTooManyRequests, false, time.Since(start))
			return
		}
	}

	// 2. Idempotent replay.
	idemKey := string(ctx.Request.Header.Peek(headerIdempotencyKey))
	if idemKey != "" && g.idempotency != nil {
		if body, ok := g.idempotency.Get(ctx, idemKey); ok {
			if g.metrics != nil {
				g.metrics.CacheHit("idempotency")
			}
			g.log.DebugContext(ctx, "idempotent_replay",
				slog.String("request_id", reqID),
				slog.String("idempotency_key", idemKey),
			)
			ctx.Response.Header.Set(headerCached, "true")
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(body)
			g.logRequest(reqID, provider, model, fasthttp.StatusOK, true, time.Since(start))
			return
		}
		if g.metrics != nil {
			g.metrics.CacheMiss("idempotency")
		}
	}

	// 3. Parse and validate the request body.
	var req providers.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteValidation(ctx, []apierr.FieldError{
			{Field: "body", Message: "invalid JSON: " + err.Error()},
		})
		return
	}
	if details := validateChatRequest(&req); len(details) > 0 {
		g.log.DebugContext(ctx, "validation_failed",
			slog.String("request_id", reqID),
			slog.Int("violations", len(details)),
		)
		apierr.WriteValidation(ctx, details)
		return
	}

	model = req.Model
	provider = g.orch.ResolveName(req.Provider)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.String("provider", provider),
	)

	// 4. Orchestrated provider call (retry, coalescing, circuit breaker).
	resp, err := g.orch.Chat(ctx, &req)
	if err != nil {
		g.log.ErrorContext(ctx, "request_failed",
			slog.String("request_id", reqID),
			slog.String("provider", provider),
			slog.String("model", model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteInternal(ctx, reqID)
		g.logRequest(reqID, provider, model, fasthttp.StatusInternalServerError, false, time.Since(start))
		return
	}

	// Adapters normalize vendor output; re-check before it leaves the process.
	if err := validateChatResponse(resp); err != nil {
		g.log.ErrorContext(ctx, "response_invalid",
			slog.String("request_id", reqID),
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx, reqID)
		g.logRequest(reqID, provider, model, fasthttp.StatusInternalServerError, false, time.Since(start))
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		g.log.ErrorContext(ctx, "response_marshal_failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx, reqID)
		return
	}

	// 5. Store for replay. Only successful responses are stored, and never
	// after the client has gone away.
	if idemKey != "" && g.idempotency != nil && ctx.Err() == nil {
		if err := g.idempotency.Set(ctx, idemKey, body, g.idempotencyTTL); err != nil {
			g.log.WarnContext(ctx, "idempotency_store_failed",
				slog.String("request_id", reqID),
				slog.String("idempotency_key", idemKey),
				slog.String("error", err.Error()),
			)
		}
	}

	g.logRequestTokens(reqID, provider, model, resp.Usage, time.Since(start))

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", provider),
		slog.String("model", resp.Model),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// setRateLimitHeaders exposes the limiter decision on the response.
// X-RateLimit-Reset is the ISO-8601 instant the window rolls over.
func setRateLimitHeaders(ctx *fasthttp.RequestCtx, limit int, dec ratelimit.Decision) {
	h := &ctx.Response.Header
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	h.Set("X-RateLimit-Reset", dec.ResetTime.UTC().Format(time.RFC3339))
}

// retryAfterSeconds converts a window reset instant into whole seconds from
// now, rounded up so "retry after 0" never points inside the closed window.
func retryAfterSeconds(reset time.Time) int64 {
	secs := int64(math.Ceil(time.Until(reset).Seconds()))
	if secs < 0 {
		secs = 0
	}
	return secs
}

// logRequest enqueues a request-event entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID, provider, model string, status int, cached bool, dur time.Duration) {
	if g.reqLogger == nil {
		return
	}
	g.reqLogger.Log(logger.RequestLog{
		RequestID: requestID,
		Provider:  provider,
		Model:     model,
		Status:    status,
		Cached:    cached,
		Duration:  dur,
		CreatedAt: time.Now(),
	})
}

// logRequestTokens is logRequest for the successful path, with usage counts.
func (g *Gateway) logRequestTokens(requestID, provider, model string, usage providers.Usage, dur time.Duration) {
	if g.reqLogger == nil {
		return
	}
	g.reqLogger.Log(logger.RequestLog{
		RequestID:        requestID,
		Provider:         provider,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Status:           fasthttp.StatusOK,
		Cached:           false,
		Duration:         dur,
		CreatedAt:        time.Now(),
	})
}
