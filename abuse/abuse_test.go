package abuse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/teamreg/blocklist"
)

type brokenBlocker struct{}

func (brokenBlocker) Block(context.Context, string, time.Duration, string) (*blocklist.Block, error) {
	return nil, errors.New("database is down")
}

func newTestTracker(t *testing.T) (*Tracker, *blocklist.Gate, *time.Time) {
	t.Helper()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	registry := prometheus.NewRegistry()

	gate := blocklist.NewGate(
		blocklist.NewMemoryStore(),
		blocklist.WithClock(clock),
		blocklist.WithRegisterer(registry),
	)

	tracker := NewTracker(
		gate,
		WithClock(clock),
		WithRegisterer(registry),
	)

	return tracker, gate, &now
}

func TestTracker_EscalatesAtThreshold(t *testing.T) {
	tracker, gate, now := newTestTracker(t)
	ctx := context.Background()

	for i := 1; i < DefaultMaxAttempts; i++ {
		blocked, err := tracker.RecordFailure(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, blocked, "failure %d must not block", i)
	}

	status, err := gate.IsBlocked(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, status.Blocked)

	blocked, err := tracker.RecordFailure(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, blocked)

	status, err = gate.IsBlocked(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
	assert.Equal(t, now.Add(DefaultBlockDuration), status.BlockedUntil)
	assert.Equal(t, DefaultReason, status.Reason)
	assert.Equal(t, 1, status.Attempts)
}

func TestTracker_NotResetOnBlock(t *testing.T) {
	tracker, gate, _ := newTestTracker(t)
	ctx := context.Background()

	for range DefaultMaxAttempts + 2 {
		_, err := tracker.RecordFailure(ctx, "1.2.3.4")
		require.NoError(t, err)
	}

	assert.Equal(t, DefaultMaxAttempts+2, tracker.Failures("1.2.3.4"))

	status, err := gate.IsBlocked(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
	assert.Equal(t, 3, status.Attempts)
}

func TestTracker_AddressesAreIndependent(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	for range DefaultMaxAttempts - 1 {
		_, err := tracker.RecordFailure(ctx, "1.1.1.1")
		require.NoError(t, err)
	}

	blocked, err := tracker.RecordFailure(ctx, "2.2.2.2")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Equal(t, 1, tracker.Failures("2.2.2.2"))
}

func TestTracker_Sweep(t *testing.T) {
	tracker, _, now := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.RecordFailure(ctx, "1.1.1.1")
	require.NoError(t, err)

	assert.Equal(t, 0, tracker.Sweep(now.Add(30*time.Minute)))
	assert.Equal(t, 1, tracker.Failures("1.1.1.1"))

	assert.Equal(t, 1, tracker.Sweep(now.Add(DefaultHorizon+time.Second)))
	assert.Equal(t, 0, tracker.Failures("1.1.1.1"))
}

func TestTracker_EscalationFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	tracker := NewTracker(
		brokenBlocker{},
		WithMaxAttempts(1),
		WithRegisterer(registry),
	)

	blocked, err := tracker.RecordFailure(context.Background(), "1.2.3.4")
	assert.Error(t, err)
	assert.False(t, blocked)
	assert.Equal(t, 1, tracker.Failures("1.2.3.4"))
	assert.Equal(t, float64(1), testutil.ToFloat64(tracker.escalationsTotal.WithLabelValues("error")))
}

func TestTracker_Concurrent(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tracker.RecordFailure(ctx, "1.2.3.4")
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, tracker.Failures("1.2.3.4"))
	assert.Equal(t, float64(20), testutil.ToFloat64(tracker.failuresTotal))
}
