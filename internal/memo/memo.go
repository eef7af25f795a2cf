// Package memo provides a TTL-bounded memoizing cache where concurrent callers
// for the same key share one in-flight computation.
package memo

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache memoizes successful results per key for a fixed TTL. Errors are never
// cached.
type Cache[V any] struct {
	ttl           time.Duration
	clock         func() time.Time
	flightTimeout time.Duration

	mu      sync.Mutex
	entries map[string]entry[V]
	group   singleflight.Group
}

// Option customises a Cache.
type Option[V any] func(*Cache[V])

// WithClock overrides the time source.
func WithClock[V any](clock func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.clock = clock }
}

// WithFlightTimeout bounds computations started by DoContext.
func WithFlightTimeout[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) { c.flightTimeout = d }
}

// New builds a cache whose entries live for ttl.
func New[V any](ttl time.Duration, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do returns the cached value for key, or runs fn once for all concurrent
// callers and caches its result. On error the value returned by fn is passed
// through uncached.
func (c *Cache[V]) Do(key string, fn func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn()
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	v, _ := res.(V)
	return v, err
}

// DoContext is Do for computations that need a context. The shared
// computation runs detached from the caller's cancellation, bounded by the
// flight timeout; ctx only limits how long this caller waits for it.
func (c *Cache[V]) DoContext(ctx context.Context, key string, fn func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		flightCtx, cancel := detached, context.CancelFunc(func() {})
		if c.flightTimeout > 0 {
			flightCtx, cancel = context.WithTimeout(detached, c.flightTimeout)
		}
		defer cancel()
		v, err := fn(flightCtx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		v, _ := res.Val.(V)
		return v, res.Err
	}
}

// Get returns a live entry.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.clock().Before(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key and drops expired entries.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = entry[V]{value: value, expires: now.Add(c.ttl)}
}

// Forget removes key so the next Do recomputes it.
func (c *Cache[V]) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

// Len reports the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
