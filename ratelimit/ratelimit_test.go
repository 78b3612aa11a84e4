package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
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

type failingStore struct {
	err error
}

func (s failingStore) Hit(context.Context, string, int, time.Duration, time.Time) (*Record, error) {
	return nil, s.err
}

func (s failingStore) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, s.err
}

func newTestLimiter(t *testing.T, store Store, clock *fakeClock) (*Limiter, *prometheus.Registry) {
	t.Helper()

	registry := prometheus.NewRegistry()
	return NewLimiter(
		store,
		WithRegisterer(registry),
		WithClock(clock.Now),
	), registry
}

func TestLimiter_AllowsUpToLimitThenDenies(t *testing.T) {
	clock := newFakeClock()
	limiter, _ := newTestLimiter(t, NewMemoryStore(), clock)
	ctx := context.Background()
	rate := Rate{Limit: 3, Window: time.Minute}

	for i := 0; i < rate.Limit; i++ {
		result, err := limiter.Allow(ctx, "ip:10.0.0.1", rate)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, rate.Limit-i-1, result.Remaining)
		clock.Advance(time.Second)
	}

	result, err := limiter.Allow(ctx, "ip:10.0.0.1", rate)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, 57*time.Second, result.RetryAfter)
	assert.Equal(t, 57, result.RetryAfterSeconds())
}

func TestLimiter_WindowResetsAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	limiter, _ := newTestLimiter(t, store, clock)
	ctx := context.Background()
	rate := Rate{Limit: 2, Window: time.Minute}

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "k", rate)
		require.NoError(t, err)
	}

	clock.Advance(time.Minute)

	result, err := limiter.Allow(ctx, "k", rate)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)

	record, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, record.Count)
	assert.Equal(t, clock.Now(), record.WindowStart)
}

func TestLimiter_FixedWindowBoundaryBurst(t *testing.T) {
	clock := newFakeClock()
	limiter, _ := newTestLimiter(t, NewMemoryStore(), clock)
	ctx := context.Background()
	rate := Rate{Limit: 2, Window: time.Minute}

	// First request opens the window, then idle until just before
	// the boundary.
	_, err := limiter.Allow(ctx, "k", rate)
	require.NoError(t, err)
	clock.Advance(59 * time.Second)

	result, err := limiter.Allow(ctx, "k", rate)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	clock.Advance(time.Second)

	admitted := 0
	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "k", rate)
		require.NoError(t, err)
		if result.Allowed {
			admitted++
		}
	}

	assert.Equal(t, 2, admitted)
}

func TestLimiter_SameEmailTwiceWithinHour(t *testing.T) {
	clock := newFakeClock()
	limiter, _ := newTestLimiter(t, NewMemoryStore(), clock)
	ctx := context.Background()
	rate := Rate{Limit: 1, Window: time.Hour}

	first, err := limiter.Allow(ctx, "email:captain@example.com", rate)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	clock.Advance(10 * time.Minute)

	second, err := limiter.Allow(ctx, "email:captain@example.com", rate)
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, 50*time.Minute, second.RetryAfter)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	limiter, _ := newTestLimiter(t, NewMemoryStore(), clock)
	ctx := context.Background()
	rate := Rate{Limit: 1, Window: time.Hour}

	a, err := limiter.Allow(ctx, "ip:1.1.1.1", rate)
	require.NoError(t, err)
	b, err := limiter.Allow(ctx, "ip:2.2.2.2", rate)
	require.NoError(t, err)

	assert.True(t, a.Allowed)
	assert.True(t, b.Allowed)
}

func TestLimiter_ConcurrentRequestsNeverOverAdmit(t *testing.T) {
	clock := newFakeClock()
	limiter, _ := newTestLimiter(t, NewMemoryStore(), clock)
	rate := Rate{Limit: 10, Window: time.Hour}

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			result, err := limiter.Allow(context.Background(), "shared", rate)
			if err == nil && result.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(rate.Limit), admitted.Load())
}

func TestLimiter_DeniedKeyServedFromCache(t *testing.T) {
	clock := newFakeClock()
	limiter, registry := newTestLimiter(t, NewMemoryStore(), clock)
	ctx := context.Background()
	rate := Rate{Limit: 1, Window: time.Minute}

	for i := 0; i < 3; i++ {
		_, err := limiter.Allow(ctx, "k", rate)
		require.NoError(t, err)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(limiter.cacheHitsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(limiter.requestsTotal.WithLabelValues("true")))
	assert.Equal(t, float64(2), testutil.ToFloat64(limiter.requestsTotal.WithLabelValues("false")))

	count, err := testutil.GatherAndCount(registry, "ratelimit_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	clock.Advance(time.Minute)

	result, err := limiter.Allow(ctx, "k", rate)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestLimiter_StoreErrorIsReturned(t *testing.T) {
	clock := newFakeClock()
	storeErr := errors.New("connection refused")
	limiter, _ := newTestLimiter(t, failingStore{err: storeErr}, clock)

	result, err := limiter.Allow(context.Background(), "k", Rate{Limit: 1, Window: time.Minute})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, storeErr)
}

func TestLimiter_InvalidRate(t *testing.T) {
	clock := newFakeClock()
	limiter, _ := newTestLimiter(t, NewMemoryStore(), clock)

	_, err := limiter.Allow(context.Background(), "k", Rate{Limit: 0, Window: time.Minute})
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = limiter.Allow(context.Background(), "k", Rate{Limit: 1})
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestLimiter_Cleanup(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	limiter, _ := newTestLimiter(t, store, clock)
	ctx := context.Background()
	rate := Rate{Limit: 5, Window: time.Minute}

	_, err := limiter.Allow(ctx, "old", rate)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	_, err = limiter.Allow(ctx, "fresh", rate)
	require.NoError(t, err)

	deleted, err := limiter.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, ok := store.Get("old")
	assert.False(t, ok)
	_, ok = store.Get("fresh")
	assert.True(t, ok)

	// Running again is a no-op.
	deleted, err = limiter.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestMemoryStore_CountSaturates(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	var record *Record
	for i := 0; i < 10; i++ {
		var err error
		record, err = store.Hit(context.Background(), "k", 2, time.Hour, now)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, record.Count)
}
