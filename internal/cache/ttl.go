// Package cache provides the expiring snapshot caches owned by the reliability
// engine.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

type LoadFunc[T any] func(ctx context.Context) (T, error)

// TTL holds a single value that expires after a fixed duration.
//
// Refreshes are coalesced: concurrent callers that find the value expired
// share one in-flight load. Invalidate marks the value stale without
// interrupting a load that is already running; a load that started before the
// invalidation stores its result but leaves it stale, so the next caller
// triggers a fresh one.
type TTL[T any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	value      T
	loadedAt   time.Time
	valid      bool
	generation uint64
	flight     singleflight.Group
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	loads  atomic.Int64
}

type Stats struct {
	Hits   int64
	Misses int64
	Loads  int64
}

func NewTTL[T any](ttl time.Duration) *TTL[T] {
	return &TTL[T]{
		ttl: ttl,
		now: time.Now,
	}
}

func (c *TTL[T]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Peek returns the cached value if it is still fresh.
func (c *TTL[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.now().Sub(c.loadedAt) < c.ttl {
		return c.value, true
	}

	var zero T
	return zero, false
}

// Get returns the cached value, loading it when it is missing, expired or
// force is set.
func (c *TTL[T]) Get(ctx context.Context, force bool, load LoadFunc[T]) (T, error) {
	if !force {
		if v, ok := c.Peek(); ok {
			c.hits.Add(1)
			return v, nil
		}
	}
	c.misses.Add(1)

	res, err, _ := c.flight.Do("refresh", func() (any, error) {
		c.mu.Lock()
		gen := c.generation
		c.mu.Unlock()

		c.loads.Add(1)
		// A caller giving up must not fail the load for everyone sharing it.
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}

		c.mu.Lock()
		c.value = v
		c.loadedAt = c.now()
		c.valid = gen == c.generation
		c.mu.Unlock()

		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return res.(T), nil
}

func (c *TTL[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.generation++
}

func (c *TTL[T]) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Loads:  c.loads.Load(),
	}
}
