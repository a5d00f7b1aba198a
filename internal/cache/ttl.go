package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Observer receives cache lookup outcomes, typically a metrics sink
type Observer interface {
	CacheHit(name string)
	CacheMiss(name string)
	CacheEvicted(name string, n int)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a key/value cache with per-entry expiry. Concurrent GetOrCompute
// calls for the same missing key share a single computation.
type TTL[V any] struct {
	name     string
	mu       sync.RWMutex
	entries  map[string]entry[V]
	group    singleflight.Group
	observer Observer
	now      func() time.Time
	gcTicker *time.Ticker
	stopGC   chan struct{}
}

// New creates an empty cache. name labels observer callbacks.
func New[V any](name string, observer Observer) *TTL[V] {
	return &TTL[V]{
		name:     name,
		entries:  make(map[string]entry[V]),
		observer: observer,
		now:      time.Now,
	}
}

// Get returns a live value for key. Expired entries are evicted on access.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		// re-check under the write lock, a concurrent Set may have refreshed it
		if cur, still := c.entries[key]; still && !c.now().Before(cur.expiresAt) {
			delete(c.entries, key)
			c.evicted(1)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for ttl
func (c *TTL[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes key
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// GetOrCompute returns the cached value for key or computes and stores it.
// Errors from fn are returned to every waiting caller and are not cached.
func (c *TTL[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		c.hit()
		return v, nil
	}
	c.miss()

	// the flight outlives any single caller, so it must not inherit a caller's cancellation
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// a caller that lost the race to a just-finished flight finds the value here
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn(flightCtx)
		if err != nil {
			return v, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// InvalidateByPrefix removes every key starting with prefix and returns how many were removed
func (c *TTL[V]) InvalidateByPrefix(prefix string) int {
	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			c.group.Forget(key)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

// Len returns the number of stored entries, expired ones included
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep purges entries expired at now
func (c *TTL[V]) Sweep(now time.Time) int {
	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	c.evicted(removed)
	return removed
}

// StartGC starts the periodic sweep
func (c *TTL[V]) StartGC(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gcTicker != nil || interval <= 0 {
		return
	}
	c.gcTicker = time.NewTicker(interval)
	c.stopGC = make(chan struct{})
	go c.gcRoutine(c.gcTicker, c.stopGC)
}

// StopGC stops the periodic sweep
func (c *TTL[V]) StopGC() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gcTicker != nil {
		c.gcTicker.Stop()
		c.gcTicker = nil
	}
	if c.stopGC != nil {
		close(c.stopGC)
		c.stopGC = nil
	}
}

func (c *TTL[V]) gcRoutine(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			c.Sweep(c.now())
		case <-stop:
			return
		}
	}
}

func (c *TTL[V]) hit() {
	if c.observer != nil {
		c.observer.CacheHit(c.name)
	}
}

func (c *TTL[V]) miss() {
	if c.observer != nil {
		c.observer.CacheMiss(c.name)
	}
}

func (c *TTL[V]) evicted(n int) {
	if c.observer != nil && n > 0 {
		c.observer.CacheEvicted(c.name, n)
	}
}
