package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Retry defaults applied when RetryConfig fields are zero.
const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxRetryWait = 5 * time.Second
	defaultRetryFactor  = 2.0
)

// RetryConfig holds backoff tuning for the retry driver. Zero values fall
// back to the package-level defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// InitialDelay is the sleep before the second attempt; each subsequent
	// delay is multiplied by Factor and capped at MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

func (c *RetryConfig) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return defaultMaxAttempts
}

func (c *RetryConfig) initialDelay() time.Duration {
	if c.InitialDelay > 0 {
		return c.InitialDelay
	}
	return defaultInitialDelay
}

func (c *RetryConfig) maxDelay() time.Duration {
	if c.MaxDelay > 0 {
		return c.MaxDelay
	}
	return defaultMaxRetryWait
}

func (c *RetryConfig) factor() float64 {
	if c.Factor > 1 {
		return c.Factor
	}
	return defaultRetryFactor
}

// retry invokes fn up to MaxAttempts times with exponential backoff between
// attempts. A result with Retryable=false is final and short-circuits the
// remaining budget. The returned failure wraps the last error together with
// the number of attempts consumed.
//
// Cancelling ctx during a backoff sleep aborts the loop; in-flight attempts
// are bounded by whatever deadline fn itself observes on ctx.
func retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) providers.Result) providers.Result {
	attempts := cfg.maxAttempts()
	delay := cfg.initialDelay()

	var last providers.Result
	for i := 1; i <= attempts; i++ {
		last = fn(ctx)
		if last.OK() {
			return last
		}

		if !last.Retryable {
			return providers.Fail(fmt.Errorf("retry: %d attempt(s) failed: %w", i, last.Err), false)
		}
		if i == attempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return providers.Fail(fmt.Errorf("retry: aborted after %d attempt(s): %w", i, ctx.Err()), false)
		}

		delay = time.Duration(float64(delay) * cfg.factor())
		if max := cfg.maxDelay(); delay > max {
			delay = max
		}
	}

	return providers.Fail(fmt.Errorf("retry: %d attempt(s) failed: %w", attempts, last.Err), true)
}
