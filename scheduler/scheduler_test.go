package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(options ...Option) *Scheduler {
	return NewScheduler(append([]Option{WithRegisterer(prometheus.NewRegistry())}, options...)...)
}

func TestScheduler_RunsTasksPeriodically(t *testing.T) {
	s := newTestScheduler()

	var runs atomic.Int32
	require.NoError(t, s.Register(Task{
		Name:     "count",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)

	s.Stop()
	stopped := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load(), "no run may happen after Stop")
}

func TestScheduler_RunOnStart(t *testing.T) {
	s := newTestScheduler(WithRunOnStart(true))

	ran := make(chan struct{}, 1)
	require.NoError(t, s.Register(Task{
		Name:     "once",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task did not run on start")
	}
}

func TestScheduler_ErrorsAndPanicsAreContained(t *testing.T) {
	s := newTestScheduler()

	require.NoError(t, s.Register(Task{
		Name:     "failing",
		Interval: time.Hour,
		Run:      func(ctx context.Context) error { return errors.New("boom") },
	}))
	require.NoError(t, s.Register(Task{
		Name:     "panicking",
		Interval: time.Hour,
		Run:      func(ctx context.Context) error { panic("boom") },
	}))

	ctx := context.Background()
	assert.Error(t, s.RunNow(ctx, "failing"))
	assert.Error(t, s.RunNow(ctx, "panicking"))
	assert.Error(t, s.RunNow(ctx, "unknown"))

	assert.Equal(t, float64(1), testutil.ToFloat64(s.runsTotal.WithLabelValues("failing", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.runsTotal.WithLabelValues("panicking", "error")))
}

func TestScheduler_Register(t *testing.T) {
	s := newTestScheduler()
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Register(Task{Name: "", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Register(Task{Name: "a", Interval: 0, Run: noop}))
	assert.Error(t, s.Register(Task{Name: "a", Interval: time.Second}))

	require.NoError(t, s.Register(Task{Name: "a", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Register(Task{Name: "a", Interval: time.Second, Run: noop}))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.ErrorIs(t, s.Register(Task{Name: "b", Interval: time.Second, Run: noop}), ErrAlreadyStarted)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

func TestScheduler_StopsWithContext(t *testing.T) {
	s := newTestScheduler()

	var runs atomic.Int32
	require.NoError(t, s.Register(Task{
		Name:     "count",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}
