package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// fastRetry keeps test backoffs in the microsecond range.
var fastRetry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}

func okResult() providers.Result {
	return providers.Ok(&providers.ChatResponse{ID: "resp-1", Content: "done"})
}

func TestRetry_FirstAttemptSucceeds(t *testing.T) {
	calls := 0
	res := retry(context.Background(), fastRetry, func(context.Context) providers.Result {
		calls++
		return okResult()
	})

	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if calls != 1 {
		t.Errorf("fn invoked %d times, want 1", calls)
	}
}

func TestRetry_FailsThenSucceeds(t *testing.T) {
	calls := 0
	res := retry(context.Background(), fastRetry, func(context.Context) providers.Result {
		calls++
		if calls < 3 {
			return providers.Fail(fmt.Errorf("upstream error %d", calls), true)
		}
		return okResult()
	})

	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if calls != 3 {
		t.Errorf("fn invoked %d times, want 3", calls)
	}
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	calls := 0
	res := retry(context.Background(), fastRetry, func(context.Context) providers.Result {
		calls++
		return providers.Fail(fmt.Errorf("boom-%d", calls), true)
	})

	if res.OK() {
		t.Fatal("expected failure after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("fn invoked %d times, want 3", calls)
	}
	msg := res.Err.Error()
	if !strings.Contains(msg, "3 attempt(s)") {
		t.Errorf("error must name the attempt count, got %q", msg)
	}
	if !strings.Contains(msg, "boom-3") {
		t.Errorf("error must carry the last failure, got %q", msg)
	}
}

func TestRetry_NonRetryableShortCircuits(t *testing.T) {
	calls := 0
	cause := errors.New("invalid api key")
	res := retry(context.Background(), fastRetry, func(context.Context) providers.Result {
		calls++
		return providers.Fail(cause, false)
	})

	if res.OK() {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("fn invoked %d times, want 1 (non-retryable must not retry)", calls)
	}
	if res.Retryable {
		t.Error("short-circuited result must stay non-retryable")
	}
	if !errors.Is(res.Err, cause) {
		t.Errorf("wrapped error must carry the cause, got %v", res.Err)
	}
	if !strings.Contains(res.Err.Error(), "1 attempt(s)") {
		t.Errorf("error must name the attempt count, got %q", res.Err)
	}
}

func TestRetry_SingleAttemptBudget(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond}
	res := retry(context.Background(), cfg, func(context.Context) providers.Result {
		calls++
		return providers.Fail(errors.New("down"), true)
	})

	if calls != 1 {
		t.Errorf("fn invoked %d times, want 1", calls)
	}
	if !strings.Contains(res.Err.Error(), "1 attempt(s)") {
		t.Errorf("error must name the attempt count, got %q", res.Err)
	}
}

func TestRetry_BackoffGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond, Factor: 2}

	start := time.Now()
	retry(context.Background(), cfg, func(context.Context) providers.Result {
		return providers.Fail(errors.New("down"), true)
	})
	elapsed := time.Since(start)

	// Sleeps: 10ms, then min(20ms, 15ms) = 15ms.
	if elapsed < 25*time.Millisecond {
		t.Errorf("elapsed %v, want at least 25ms of backoff", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("elapsed %v, backoff cap not applied", elapsed)
	}
}

func TestRetry_ContextCancelAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Second}
	calls := 0

	start := time.Now()
	res := retry(ctx, cfg, func(context.Context) providers.Result {
		calls++
		return providers.Fail(errors.New("down"), true)
	})

	if calls != 1 {
		t.Errorf("fn invoked %d times, want 1", calls)
	}
	if res.OK() || res.Retryable {
		t.Error("aborted retry must surface a non-retryable failure")
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("expected context deadline in chain, got %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancel did not abort the backoff sleep, elapsed %v", elapsed)
	}
}
