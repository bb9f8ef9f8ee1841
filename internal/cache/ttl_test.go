package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestCache(t *testing.T, ttl time.Duration) (*TTL[int], *fakeClock, *atomic.Int64) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := NewTTL[int](ttl)
	c.SetClock(clock.Now)

	return c, clock, &atomic.Int64{}
}

func counter(calls *atomic.Int64) LoadFunc[int] {
	return func(ctx context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}
}

func TestGet_ReusesFreshValue(t *testing.T) {
	c, clock, calls := setupTestCache(t, 5*time.Minute)
	ctx := context.Background()

	v1, err := c.Get(ctx, false, counter(calls))
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	v2, err := c.Get(ctx, false, counter(calls))
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, Stats{Hits: 1, Misses: 1, Loads: 1}, c.Stats())
}

func TestGet_ReloadsAfterExpiry(t *testing.T) {
	c, clock, calls := setupTestCache(t, 5*time.Minute)
	ctx := context.Background()

	_, err := c.Get(ctx, false, counter(calls))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	v, err := c.Get(ctx, false, counter(calls))
	require.NoError(t, err)

	assert.Equal(t, 2, v)
}

func TestGet_ForceRecomputes(t *testing.T) {
	c, _, calls := setupTestCache(t, time.Hour)
	ctx := context.Background()

	_, err := c.Get(ctx, false, counter(calls))
	require.NoError(t, err)

	v, err := c.Get(ctx, true, counter(calls))
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	cached, ok := c.Peek()
	assert.True(t, ok)
	assert.Equal(t, 2, cached)
}

func TestGet_LoadErrorKeepsPreviousValue(t *testing.T) {
	c, _, calls := setupTestCache(t, time.Hour)
	ctx := context.Background()

	_, err := c.Get(ctx, false, counter(calls))
	require.NoError(t, err)

	_, err = c.Get(ctx, true, func(context.Context) (int, error) {
		return 0, errors.New("telemetry offline")
	})
	assert.Error(t, err)

	v, ok := c.Peek()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestInvalidate(t *testing.T) {
	c, _, calls := setupTestCache(t, time.Hour)
	ctx := context.Background()

	_, err := c.Get(ctx, false, counter(calls))
	require.NoError(t, err)

	c.Invalidate()
	_, ok := c.Peek()
	assert.False(t, ok)

	v, err := c.Get(ctx, false, counter(calls))
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestInvalidate_DuringLoadLeavesResultStale(t *testing.T) {
	c, _, _ := setupTestCache(t, time.Hour)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int)

	go func() {
		v, _ := c.Get(ctx, false, func(context.Context) (int, error) {
			close(started)
			<-release
			return 7, nil
		})
		done <- v
	}()

	<-started
	c.Invalidate()
	close(release)

	assert.Equal(t, 7, <-done)
	_, ok := c.Peek()
	assert.False(t, ok)
}

func TestGet_CoalescesConcurrentLoads(t *testing.T) {
	c, _, calls := setupTestCache(t, time.Hour)
	ctx := context.Background()

	release := make(chan struct{})
	load := func(context.Context) (int, error) {
		<-release
		return int(calls.Add(1)), nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(ctx, false, load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int64(len(results)))
	for _, v := range results {
		assert.GreaterOrEqual(t, v, 1)
	}
	cached, ok := c.Peek()
	assert.True(t, ok)
	assert.Equal(t, int(calls.Load()), cached)
}
