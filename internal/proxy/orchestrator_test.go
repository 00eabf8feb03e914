package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// stubProvider is a scriptable providers.Provider double shared by the
// pipeline tests in this package.
type stubProvider struct {
	name     string
	chatFn   func(ctx context.Context, req *providers.ChatRequest) providers.Result
	healthFn func(ctx context.Context) error
}

func (s *stubProvider) Name() string {
	if s.name == "" {
		return "stub"
	}
	return s.name
}

func (s *stubProvider) Chat(ctx context.Context, req *providers.ChatRequest) providers.Result {
	return s.chatFn(ctx, req)
}

func (s *stubProvider) HealthCheck(ctx context.Context) error {
	if s.healthFn != nil {
		return s.healthFn(ctx)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatReq() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    "gpt-4",
		Messages: []providers.Message{{Role: "user", Content: "hello"}},
	}
}

func newTestOrchestrator(provs map[string]providers.Provider, opts OrchestratorOptions) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Retry.InitialDelay == 0 {
		opts.Retry = fastRetry
	}
	return NewOrchestrator(provs, "openai", opts)
}

func TestOrchestrator_Success(t *testing.T) {
	prov := &stubProvider{
		name: "openai",
		chatFn: func(_ context.Context, req *providers.ChatRequest) providers.Result {
			return providers.Ok(&providers.ChatResponse{
				ID:           "chatcmpl-1",
				Content:      "hi there",
				Model:        req.Model,
				FinishReason: providers.FinishStop,
				Usage:        providers.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
			})
		},
	}
	o := newTestOrchestrator(map[string]providers.Provider{"openai": prov}, OrchestratorOptions{})

	resp, err := o.Chat(context.Background(), chatReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "chatcmpl-1" || resp.Content != "hi there" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestOrchestrator_DefaultProviderResolution(t *testing.T) {
	var usedDefault, usedOther int32
	provs := map[string]providers.Provider{
		"openai": &stubProvider{name: "openai", chatFn: func(context.Context, *providers.ChatRequest) providers.Result {
			atomic.AddInt32(&usedDefault, 1)
			return providers.Ok(&providers.ChatResponse{ID: "from-openai"})
		}},
		"anthropic": &stubProvider{name: "anthropic", chatFn: func(context.Context, *providers.ChatRequest) providers.Result {
			atomic.AddInt32(&usedOther, 1)
			return providers.Ok(&providers.ChatResponse{ID: "from-anthropic"})
		}},
	}
	o := newTestOrchestrator(provs, OrchestratorOptions{})

	// No provider in the request → the default serves it.
	if _, err := o.Chat(context.Background(), chatReq()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Explicit provider wins over the default.
	named := chatReq()
	named.Provider = "anthropic"
	resp, err := o.Chat(context.Background(), named)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "from-anthropic" {
		t.Errorf("request routed to the wrong provider: %+v", resp)
	}

	if usedDefault != 1 || usedOther != 1 {
		t.Errorf("dispatch counts: default=%d other=%d, want 1/1", usedDefault, usedOther)
	}
}

func TestOrchestrator_ProviderNotFound(t *testing.T) {
	o := newTestOrchestrator(map[string]providers.Provider{}, OrchestratorOptions{})

	req := chatReq()
	req.Provider = "gemini"
	resp, err := o.Chat(context.Background(), req)
	if resp != nil {
		t.Error("expected nil response")
	}
	if err == nil || err.Error() != "provider not found: gemini" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestOrchestrator_RetriesRetryableFailures(t *testing.T) {
	var calls int32
	prov := &stubProvider{name: "openai", chatFn: func(context.Context, *providers.ChatRequest) providers.Result {
		if atomic.AddInt32(&calls, 1) < 3 {
			return providers.Fail(errors.New("upstream 503"), true)
		}
		return providers.Ok(&providers.ChatResponse{ID: "finally"})
	}}
	o := newTestOrchestrator(map[string]providers.Provider{"openai": prov}, OrchestratorOptions{})

	resp, err := o.Chat(context.Background(), chatReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "finally" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if calls != 3 {
		t.Errorf("provider invoked %d times, want 3", calls)
	}
}

func TestOrchestrator_NonRetryableShortCircuits(t *testing.T) {
	var calls int32
	cause := errors.New("invalid api key")
	prov := &stubProvider{name: "openai", chatFn: func(context.Context, *providers.ChatRequest) providers.Result {
		atomic.AddInt32(&calls, 1)
		return providers.Fail(cause, false)
	}}
	o := newTestOrchestrator(map[string]providers.Provider{"openai": prov}, OrchestratorOptions{})

	_, err := o.Chat(context.Background(), chatReq())
	if err == nil {
		t.Fatal("expected a failure")
	}
	if calls != 1 {
		t.Errorf("provider invoked %d times, want 1", calls)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error chain must carry the provider failure, got %v", err)
	}
}

func TestOrchestrator_ExhaustedRetries(t *testing.T) {
	var calls int32
	prov := &stubProvider{name: "openai", chatFn: func(context.Context, *providers.ChatRequest) providers.Result {
		atomic.AddInt32(&calls, 1)
		return providers.Fail(errors.New("upstream 500"), true)
	}}
	o := newTestOrchestrator(map[string]providers.Provider{"openai": prov}, OrchestratorOptions{})

	_, err := o.Chat(context.Background(), chatReq())
	if err == nil {
		t.Fatal("expected a failure")
	}
	if calls != 3 {
		t.Errorf("provider invoked %d times, want 3", calls)
	}
	if !strings.Contains(err.Error(), "3 attempt(s)") || !strings.Contains(err.Error(), "upstream 500") {
		t.Errorf("error must name the attempt count and the last failure, got %q", err)
	}
}

func TestOrchestrator_BreakerFallbackShortCircuits(t *testing.T) {
	var calls int32
	prov := &stubProvider{name: "openai", chatFn: func(context.Context, *providers.ChatRequest) providers.Result {
		atomic.AddInt32(&calls, 1)
		return providers.Fail(errors.New("upstream 500"), true)
	}}
	o := newTestOrchestrator(map[string]providers.Provider{"openai": prov}, OrchestratorOptions{
		// One failure over one sample is a 100% error rate — trips instantly.
		CBConfig: CBConfig{MinSamples: 1, ErrorThresholdPct: 1},
	})

	// First call: attempt 1 fails and trips the breaker; attempt 2 receives
	// the non-retryable fallback and stops the retry loop.
	_, err := o.Chat(context.Background(), chatReq())
	if err == nil {
		t.Fatal("expected a failure")
	}
	if calls != 1 {
		t.Errorf("provider invoked %d times, want 1 (fallback must not reach the provider)", calls)
	}

	// Second call: the open breaker answers without any provider invocation.
	_, err = o.Chat(context.Background(), chatReq())
	if err == nil || !strings.Contains(err.Error(), "Circuit breaker is OPEN") {
		t.Errorf("expected the breaker fallback, got %v", err)
	}
	if calls != 1 {
		t.Errorf("provider invoked %d times total, want 1", calls)
	}
}

func TestOrchestrator_PerRequestTimeout(t *testing.T) {
	prov := &stubProvider{name: "openai", chatFn: func(ctx context.Context, _ *providers.ChatRequest) providers.Result {
		<-ctx.Done()
		return providers.Fail(ctx.Err(), true)
	}}
	o := newTestOrchestrator(map[string]providers.Provider{"openai": prov}, OrchestratorOptions{})

	req := chatReq()
	timeoutMs := 50
	req.Timeout = &timeoutMs

	start := time.Now()
	_, err := o.Chat(context.Background(), req)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout failure")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("unexpected error: %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("request ran %v, the 50ms budget did not bound it", elapsed)
	}
}

func TestOrchestrator_CoalescesConcurrentDuplicates(t *testing.T) {
	var invocations int32
	prov := &stubProvider{name: "openai", chatFn: func(context.Context, *providers.ChatRequest) providers.Result {
		atomic.AddInt32(&invocations, 1)
		time.Sleep(50 * time.Millisecond)
		return providers.Ok(&providers.ChatResponse{ID: "shared"})
	}}
	o := newTestOrchestrator(map[string]providers.Provider{"openai": prov}, OrchestratorOptions{
		Coalescer: NewCoalescer(time.Second),
	})

	const callers = 5
	start := make(chan struct{})
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			resp, err := o.Chat(context.Background(), chatReq())
			errs[n] = err
			if resp != nil {
				ids[n] = resp.ID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt32(&invocations); got != 1 {
		t.Errorf("provider invoked %d times, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error %v", i, errs[i])
		}
		if ids[i] != "shared" {
			t.Errorf("caller %d observed %q, want the shared response", i, ids[i])
		}
	}
}

func TestOrchestrator_ResolveName(t *testing.T) {
	o := newTestOrchestrator(map[string]providers.Provider{}, OrchestratorOptions{})

	if got := o.ResolveName(""); got != "openai" {
		t.Errorf("ResolveName(\"\") = %q, want the default", got)
	}
	if got := o.ResolveName("anthropic"); got != "anthropic" {
		t.Errorf("ResolveName(\"anthropic\") = %q", got)
	}
}
