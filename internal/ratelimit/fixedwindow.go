// Package ratelimit implements per-client fixed-window rate limiting.
//
// Counters are process-local: each replica enforces its own budget.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a single rate-limit check. ResetTime is the
// instant the current window ends and the counter restarts.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// entry tracks one key's usage within the current window.
type entry struct {
	count     int
	resetTime time.Time
}

// Limiter is a fixed-window counter keyed by an arbitrary string,
// typically the client IP.
//
// It is safe for concurrent use; Check is atomic per key. A background
// goroutine evicts entries whose window has closed so idle keys do not
// accumulate.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	max    int
	window time.Duration

	done chan struct{}
}

// NewLimiter creates a Limiter admitting at most max requests per key per
// window and starts the background eviction loop. The loop stops when ctx
// is cancelled or Close is called.
func NewLimiter(ctx context.Context, max int, window time.Duration) *Limiter {
	l := &Limiter{
		entries: make(map[string]*entry),
		max:     max,
		window:  window,
		done:    make(chan struct{}),
	}
	go l.cleanup(ctx)
	return l
}

// Max returns the per-window request budget.
func (l *Limiter) Max() int { return l.max }

// Check records one request attempt for key and reports whether it is
// admitted. The count-and-increment is atomic with respect to concurrent
// Checks on the same key.
func (l *Limiter) Check(key string) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || now.After(e.resetTime) {
		// First request of a fresh window.
		e = &entry{count: 1, resetTime: now.Add(l.window)}
		l.entries[key] = e
		return Decision{Allowed: true, Remaining: l.max - 1, ResetTime: e.resetTime}
	}

	if e.count >= l.max {
		return Decision{Allowed: false, Remaining: 0, ResetTime: e.resetTime}
	}

	e.count++
	return Decision{Allowed: true, Remaining: l.max - e.count, ResetTime: e.resetTime}
}

// Len returns the number of keys currently tracked
// (including keys whose window may have closed but not yet been evicted).
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the background eviction goroutine.
func (l *Limiter) Close() {
	close(l.done)
}

// cleanup evicts closed windows once per window duration.
func (l *Limiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictExpired()
		case <-ctx.Done():
			return
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) evictExpired() {
	now := time.Now()

	l.mu.Lock()
	for k, e := range l.entries {
		if now.After(e.resetTime) {
			delete(l.entries, k)
		}
	}
	l.mu.Unlock()
}
