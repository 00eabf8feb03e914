package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_ObserveHTTP(t *testing.T) {
	r := New()

	r.ObserveHTTP("POST", "/v1/chat/completions", 200, 120*time.Millisecond)
	r.ObserveHTTP("POST", "/v1/chat/completions", 200, 80*time.Millisecond)
	r.ObserveHTTP("GET", "/health", 200, time.Millisecond)

	got := testutil.ToFloat64(r.httpRequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200"))
	if got != 2 {
		t.Errorf("http_requests_total = %v, want 2", got)
	}
}

func TestRegistry_CacheCounters(t *testing.T) {
	r := New()

	r.CacheHit("idempotency")
	r.CacheHit("idempotency")
	r.CacheMiss("idempotency")

	if got := testutil.ToFloat64(r.cacheHits.WithLabelValues("idempotency")); got != 2 {
		t.Errorf("cache_hits_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.cacheMisses.WithLabelValues("idempotency")); got != 1 {
		t.Errorf("cache_misses_total = %v, want 1", got)
	}
}

func TestRegistry_RateLimitExceeded(t *testing.T) {
	r := New()

	r.RecordRateLimitExceeded("10.0.0.1")
	r.RecordRateLimitExceeded("10.0.0.1")

	if got := testutil.ToFloat64(r.rateLimitExceeded.WithLabelValues("10.0.0.1")); got != 2 {
		t.Errorf("rate_limit_exceeded_total = %v, want 2", got)
	}
}

func TestRegistry_CircuitBreakerGaugeAndTransitions(t *testing.T) {
	r := New()

	r.SetCircuitBreaker("openai", CircuitOpen)
	r.SetCircuitBreaker("openai", CircuitOpen) // repeat must not count a transition
	r.SetCircuitBreaker("openai", CircuitClosed)

	if got := testutil.ToFloat64(r.circuitBreakerState.WithLabelValues("openai")); got != 0 {
		t.Errorf("circuit_breaker_state = %v, want 0 (closed)", got)
	}
	if got := testutil.ToFloat64(r.cbTransitions.WithLabelValues("openai", "1")); got != 1 {
		t.Errorf("transitions to open = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.cbTransitions.WithLabelValues("openai", "0")); got != 1 {
		t.Errorf("transitions to closed = %v, want 1", got)
	}
}

func TestRegistry_AddTokens(t *testing.T) {
	r := New()

	r.AddTokens("anthropic", "claude-sonnet-4-5", 100, 40)
	r.AddTokens("anthropic", "claude-sonnet-4-5", 0, 0) // zero usage adds nothing

	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("anthropic", "claude-sonnet-4-5", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("anthropic", "claude-sonnet-4-5", "completion")); got != 40 {
		t.Errorf("completion tokens = %v, want 40", got)
	}
}

func TestRegistry_ProviderLatencyRegistered(t *testing.T) {
	r := New()

	r.ObserveProviderCall("openai", "gpt-4", "success", 700*time.Millisecond)

	if n := testutil.CollectAndCount(r.providerLatency, "llm_gateway_provider_latency_seconds"); n != 1 {
		t.Errorf("expected 1 provider latency series, got %d", n)
	}
}
