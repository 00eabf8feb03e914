package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *MemoryCache {
	t.Helper()
	c := NewMemoryCache(context.Background())
	t.Cleanup(c.Close)
	return c
}

// expireEntry rewinds an entry's expiry so tests do not have to sleep.
func expireEntry(c *MemoryCache, key string) {
	c.mu.Lock()
	item := c.items[key]
	item.expiresAt = time.Now().Add(-time.Second)
	c.items[key] = item
	c.mu.Unlock()
}

func TestMemoryCache_SetGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	body := []byte(`{"id":"chatcmpl-1","content":"hello"}`)
	if err := c.Set(ctx, "idem-key", body, time.Hour); err != nil {
		t.Fatal(err)
	}

	got, ok := c.Get(ctx, "idem-key")
	if !ok {
		t.Fatal("expected a hit for a fresh entry")
	}
	if !bytes.Equal(got, body) {
		t.Errorf("Get returned %q, want %q", got, body)
	}
}

func TestMemoryCache_GetMiss(t *testing.T) {
	c := newTestCache(t)

	if got, ok := c.Get(context.Background(), "never-set"); ok || got != nil {
		t.Errorf("expected (nil, false) for a miss, got (%q, %v)", got, ok)
	}
}

func TestMemoryCache_Overwrite(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("first"), time.Hour)
	_ = c.Set(ctx, "k", []byte("second"), time.Hour)

	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "second" {
		t.Errorf("expected overwritten value 'second', got (%q, %v)", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestMemoryCache_ExpiredEntryIsAbsent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	expireEntry(c, "k")

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expired entry must read as absent")
	}
	// Lazy expiry removes the entry on access.
	if c.Len() != 0 {
		t.Errorf("Len = %d after lazy expiry, want 0", c.Len())
	}
}

func TestMemoryCache_Has(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if c.Has(ctx, "k") {
		t.Error("Has must be false before Set")
	}

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if !c.Has(ctx, "k") {
		t.Error("Has must be true for a fresh entry")
	}

	expireEntry(c, "k")
	if c.Has(ctx, "k") {
		t.Error("Has must be false after expiry")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Hour)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("deleted entry must read as absent")
	}

	// Deleting a missing key is not an error.
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete on missing key returned %v", err)
	}
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	c := newTestCache(t)

	_ = c.Set(context.Background(), "k", []byte("v"), 0)

	c.mu.RLock()
	item := c.items["k"]
	c.mu.RUnlock()

	want := time.Now().Add(time.Hour)
	if diff := item.expiresAt.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("zero ttl should default to 1 hour, expiry off by %v", diff)
	}
}

func TestMemoryCache_EvictExpired(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "fresh", []byte("v"), time.Hour)
	_ = c.Set(ctx, "stale-1", []byte("v"), time.Hour)
	_ = c.Set(ctx, "stale-2", []byte("v"), time.Hour)
	expireEntry(c, "stale-1")
	expireEntry(c, "stale-2")

	c.evictExpired()

	if c.Len() != 1 {
		t.Errorf("Len = %d after eviction, want 1", c.Len())
	}
	if !c.Has(ctx, "fresh") {
		t.Error("fresh entry must survive eviction")
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n%5)
			_ = c.Set(ctx, key, []byte("v"), time.Hour)
			c.Get(ctx, key)
			c.Has(ctx, key)
		}(i)
	}
	wg.Wait()

	if c.Len() != 5 {
		t.Errorf("Len = %d, want 5", c.Len())
	}
}
