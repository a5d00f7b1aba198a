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

type countingObserver struct {
	hits, misses, evicted atomic.Int64
}

func (o *countingObserver) CacheHit(string)            { o.hits.Add(1) }
func (o *countingObserver) CacheMiss(string)           { o.misses.Add(1) }
func (o *countingObserver) CacheEvicted(_ string, n int) { o.evicted.Add(int64(n)) }

func TestTTL_SingleFlight(t *testing.T) {
	c := New[int]("test", nil)

	var calls atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]int, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, err := c.GetOrCompute(context.Background(), "tenant-a:alert", time.Minute, func(ctx context.Context) (int, error) {
				calls.Add(1)
				time.Sleep(50 * time.Millisecond)
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestTTL_ErrorsAreNotCached(t *testing.T) {
	c := New[string]("test", nil)
	boom := errors.New("store unreachable")

	_, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)

	v, err := c.GetOrCompute(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestTTL_LazyExpiry(t *testing.T) {
	obs := &countingObserver{}
	c := New[string]("test", obs)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("k", "v", time.Second)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(1), obs.evicted.Load())
}

func TestTTL_HitMissObserved(t *testing.T) {
	obs := &countingObserver{}
	c := New[int]("test", obs)
	fn := func(ctx context.Context) (int, error) { return 1, nil }

	_, _ = c.GetOrCompute(context.Background(), "k", time.Minute, fn)
	_, _ = c.GetOrCompute(context.Background(), "k", time.Minute, fn)

	assert.Equal(t, int64(1), obs.misses.Load())
	assert.Equal(t, int64(1), obs.hits.Load())
}

func TestTTL_InvalidateByPrefix(t *testing.T) {
	c := New[int]("test", nil)
	c.Set("events:tenant-a:alert:1", 1, time.Minute)
	c.Set("events:tenant-a:threat:1", 2, time.Minute)
	c.Set("events:tenant-b:alert:1", 3, time.Minute)

	removed := c.InvalidateByPrefix("events:tenant-a:")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("events:tenant-b:alert:1")
	assert.True(t, ok)
	_, ok = c.Get("events:tenant-a:alert:1")
	assert.False(t, ok)
}

func TestTTL_Sweep(t *testing.T) {
	c := New[int]("test", nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)

	assert.Equal(t, 1, c.Sweep(now.Add(2*time.Second)))
	assert.Equal(t, 1, c.Len())
}

func TestTTL_CallerCancellation(t *testing.T) {
	c := New[int]("test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, "slow", time.Minute, func(ctx context.Context) (int, error) {
			<-release
			return 7, nil
		})
		done <- err
	}()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// the flight still completes and populates the cache for later callers
	close(release)
	assert.Eventually(t, func() bool {
		v, ok := c.Get("slow")
		return ok && v == 7
	}, time.Second, 10*time.Millisecond)
}

func TestTTL_StartStopGC(t *testing.T) {
	c := New[int]("test", nil)
	c.Set("k", 1, time.Millisecond)

	c.StartGC(5 * time.Millisecond)
	defer c.StopGC()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}
