package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

const defaultCoalesceWindow = 100 * time.Millisecond

// Coalescer deduplicates identical in-flight requests: concurrent callers
// with the same key attach to one shared execution and receive the same
// result, value or error.
//
// The window bounds staleness. An execution pending longer than the window
// no longer admits new callers; the next caller starts a fresh execution
// while the original one still completes for the callers already attached.
type Coalescer struct {
	group  singleflight.Group
	window time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall
}

type pendingCall struct {
	startedAt time.Time
}

// NewCoalescer creates a Coalescer with the given staleness window.
// A zero or negative window falls back to 100ms.
func NewCoalescer(window time.Duration) *Coalescer {
	if window <= 0 {
		window = defaultCoalesceWindow
	}
	return &Coalescer{
		window:  window,
		pending: make(map[string]*pendingCall),
	}
}

// Execute runs fn under key, collapsing concurrent duplicates into a single
// invocation. The second return value reports whether the result was shared
// with other callers.
//
// fn runs with the context of the caller that started the execution;
// attached callers inherit its result regardless of their own contexts.
func (c *Coalescer) Execute(ctx context.Context, key string, fn func(context.Context) providers.Result) (providers.Result, bool) {
	c.mu.Lock()
	if p, ok := c.pending[key]; ok && time.Since(p.startedAt) >= c.window {
		// Stale: detach future callers from the in-flight execution. Its
		// original callers still receive the original result.
		c.group.Forget(key)
		delete(c.pending, key)
	}
	c.mu.Unlock()

	v, _, shared := c.group.Do(key, func() (interface{}, error) {
		p := &pendingCall{startedAt: time.Now()}
		c.mu.Lock()
		c.pending[key] = p
		c.mu.Unlock()

		res := fn(ctx)

		// Only remove our own entry: a stale-detach may have installed a
		// newer execution under the same key.
		c.mu.Lock()
		if c.pending[key] == p {
			delete(c.pending, key)
		}
		c.mu.Unlock()

		return res, nil
	})

	return v.(providers.Result), shared
}

// Fingerprint derives a stable coalescing key from the request fields that
// determine the upstream response: provider, model, messages, temperature
// and maxTokens.
func Fingerprint(provider string, req *providers.ChatRequest) string {
	payload := struct {
		Provider    string              `json:"provider"`
		Model       string              `json:"model"`
		Messages    []providers.Message `json:"messages"`
		Temperature *float64            `json:"temperature,omitempty"`
		MaxTokens   *int                `json:"maxTokens,omitempty"`
	}{
		Provider:    provider,
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
