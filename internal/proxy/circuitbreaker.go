package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// ErrCircuitOpen is the fallback error returned without invoking the
// provider while the breaker is open or a probe is already in flight.
// Callers match on the message text, so it must stay stable.
var ErrCircuitOpen = errors.New("Circuit breaker is OPEN")

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Circuit breaker defaults applied when CBConfig fields are zero.
const (
	defaultErrorThresholdPct = 50
	defaultMinSamples        = 5
	defaultStatsWindow       = time.Minute
	defaultResetTimeout      = time.Minute
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults.
type CBConfig struct {
	// ErrorThresholdPct is the failure percentage over the rolling window
	// that trips the breaker. Default: 50.
	ErrorThresholdPct int

	// MinSamples is the minimum number of outcomes in the window before the
	// error rate is evaluated. Default: 5.
	MinSamples int

	// Window is the rolling window for outcome counting. Default: 60s.
	Window time.Duration

	// ResetTimeout is how long the breaker stays open before admitting a
	// single probe request. Default: 60s.
	ResetTimeout time.Duration

	// CallTimeout bounds each wrapped call; exceeding it counts as a
	// failure. Default: providers.ProviderTimeout (30s).
	CallTimeout time.Duration

	// OnStateChange, when set, observes every transition with the numeric
	// state (0=closed, 1=open, 2=half-open).
	OnStateChange func(provider string, state int64)
}

func (c *CBConfig) errorThresholdPct() int {
	if c.ErrorThresholdPct > 0 {
		return c.ErrorThresholdPct
	}
	return defaultErrorThresholdPct
}

func (c *CBConfig) minSamples() int {
	if c.MinSamples > 0 {
		return c.MinSamples
	}
	return defaultMinSamples
}

func (c *CBConfig) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return defaultStatsWindow
}

func (c *CBConfig) resetTimeout() time.Duration {
	if c.ResetTimeout > 0 {
		return c.ResetTimeout
	}
	return defaultResetTimeout
}

func (c *CBConfig) callTimeout() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout
	}
	return providers.ProviderTimeout
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	successCount  int       // successes within the current window
	failureCount  int       // failures within the current window
	windowStart   time.Time // start of the current outcome-counting window
	openedAt      time.Time // when the breaker was tripped (for the reset timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each LLM provider.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with default settings for every
// known provider name.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
// Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
	}
	for _, name := range providers.KnownNames {
		cb.breakers[name] = &providerCB{
			state:       cbClosed,
			windowStart: time.Now(),
		}
	}
	return cb
}

// Fire runs fn under the named provider's breaker.
//
// While the breaker is open, or a half-open probe is already in flight, fn
// is not invoked and the fallback result carries ErrCircuitOpen with
// Retryable=false. Admitted calls are bounded by CallTimeout; a call that
// exceeds it counts as a failure outcome regardless of what fn returned.
func (cb *CircuitBreaker) Fire(ctx context.Context, provider string, fn func(context.Context) providers.Result) providers.Result {
	if !cb.admit(provider) {
		return providers.Fail(ErrCircuitOpen, false)
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.callTimeout())
	res := fn(callCtx)
	timedOut := callCtx.Err() == context.DeadlineExceeded
	cancel()

	if timedOut {
		res = providers.Fail(fmt.Errorf("provider %s: call timed out", provider), false)
	}

	if res.OK() {
		cb.recordSuccess(provider)
	} else {
		cb.recordFailure(provider)
	}
	return res
}

// admit reports whether the named provider should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the reset timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and admits one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) admit(provider string) bool {
	pcb := cb.getOrCreate(provider)

	allowed := false
	probing := false

	pcb.mu.Lock()
	switch pcb.state {
	case cbClosed:
		allowed = true

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.resetTimeout() {
			// Transition to half-open: admit exactly one probe request.
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			allowed = true
			probing = true
		}

	case cbHalfOpen:
		if !pcb.probeInflight {
			pcb.probeInflight = true
			allowed = true
		}
	}
	pcb.mu.Unlock()

	if probing {
		cb.notify(provider, cbHalfOpen)
	}
	return allowed
}

// recordSuccess registers a successful outcome. A successful half-open probe
// closes the breaker and clears its statistics.
func (cb *CircuitBreaker) recordSuccess(provider string) {
	pcb := cb.getOrCreate(provider)

	closed := false

	pcb.mu.Lock()
	if pcb.state == cbHalfOpen {
		pcb.state = cbClosed
		pcb.successCount = 0
		pcb.failureCount = 0
		pcb.probeInflight = false
		pcb.windowStart = time.Now()
		closed = true
	} else {
		cb.rollWindowLocked(pcb)
		pcb.successCount++
	}
	pcb.mu.Unlock()

	if closed {
		cb.notify(provider, cbClosed)
	}
}

// recordFailure registers a failed outcome. In the closed state the error
// rate over the window is evaluated once MinSamples outcomes accumulated; a
// failed half-open probe reopens the breaker with a fresh reset timer.
func (cb *CircuitBreaker) recordFailure(provider string) {
	pcb := cb.getOrCreate(provider)

	opened := false
	now := time.Now()

	pcb.mu.Lock()
	switch pcb.state {
	case cbHalfOpen:
		pcb.state = cbOpen
		pcb.openedAt = now
		pcb.probeInflight = false
		opened = true

	case cbClosed:
		cb.rollWindowLocked(pcb)
		pcb.failureCount++
		total := pcb.successCount + pcb.failureCount
		if total >= cb.cfg.minSamples() && pcb.failureCount*100 >= cb.cfg.errorThresholdPct()*total {
			pcb.state = cbOpen
			pcb.openedAt = now
			opened = true
		}

	case cbOpen:
		// Late outcome from a call admitted before the trip; already open.
	}
	pcb.mu.Unlock()

	if opened {
		cb.notify(provider, cbOpen)
	}
}

// rollWindowLocked zeroes the outcome counters once the window has expired.
// Caller must hold pcb.mu.
func (cb *CircuitBreaker) rollWindowLocked(pcb *providerCB) {
	if time.Since(pcb.windowStart) > cb.cfg.window() {
		pcb.successCount = 0
		pcb.failureCount = 0
		pcb.windowStart = time.Now()
	}
}

// State returns the current cbState for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) notify(provider string, state cbState) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(provider, int64(state))
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[provider]
}

func (cb *CircuitBreaker) getOrCreate(provider string) *providerCB {
	cb.mu.RLock()
	pcb := cb.breakers[provider]
	cb.mu.RUnlock()
	if pcb != nil {
		return pcb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pcb = cb.breakers[provider]; pcb == nil {
		pcb = &providerCB{state: cbClosed, windowStart: time.Now()}
		cb.breakers[provider] = pcb
	}
	return pcb
}
