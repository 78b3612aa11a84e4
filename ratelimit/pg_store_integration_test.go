//go:build integration

package ratelimit

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/teamreg/internal/migrations"
	"go.gearno.de/teamreg/log"
	"go.gearno.de/teamreg/migrator"
	"go.gearno.de/teamreg/pg"
)

// newTestPGStore connects to the database named by the
// TEAMREG_TEST_DATABASE_* variables and applies the migrations.
func newTestPGStore(t *testing.T) *PGStore {
	t.Helper()

	addr := os.Getenv("TEAMREG_TEST_DATABASE_ADDR")
	if addr == "" {
		t.Skip("TEAMREG_TEST_DATABASE_ADDR is not set")
	}

	logger := log.NewLogger(log.WithOutput(io.Discard))

	client, err := pg.NewClient(
		pg.WithLogger(logger),
		pg.WithAddr(addr),
		pg.WithUser(os.Getenv("TEAMREG_TEST_DATABASE_USER")),
		pg.WithPassword(os.Getenv("TEAMREG_TEST_DATABASE_PASSWORD")),
		pg.WithDatabase(os.Getenv("TEAMREG_TEST_DATABASE_NAME")),
		pg.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx := context.Background()
	require.NoError(t, migrator.NewMigrator(client, migrations.FS, migrator.WithLogger(logger)).Run(ctx))

	return NewPGStore(client)
}

func testKey(t *testing.T) string {
	t.Helper()

	id, err := uuid.NewV7()
	require.NoError(t, err)

	return "ip:" + id.String()
}

func TestPGStore_HitSaturatesAtLimitPlusOne(t *testing.T) {
	var (
		store  = newTestPGStore(t)
		ctx    = context.Background()
		key    = testKey(t)
		window = time.Hour
		now    = time.UnixMilli(time.Now().UnixMilli())
	)

	var counts []int
	for i := range 6 {
		r, err := store.Hit(ctx, key, 3, window, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)

		counts = append(counts, r.Count)
		assert.True(t, now.Equal(r.WindowStart), "window start moved on hit %d", i)
	}

	assert.Equal(t, []int{1, 2, 3, 4, 4, 4}, counts)
}

func TestPGStore_HitResetsExpiredWindow(t *testing.T) {
	var (
		store  = newTestPGStore(t)
		ctx    = context.Background()
		key    = testKey(t)
		window = time.Minute
		now    = time.UnixMilli(time.Now().UnixMilli())
	)

	for range 3 {
		_, err := store.Hit(ctx, key, 2, window, now)
		require.NoError(t, err)
	}

	later := now.Add(window)
	r, err := store.Hit(ctx, key, 2, window, later)
	require.NoError(t, err)

	assert.Equal(t, 1, r.Count)
	assert.True(t, later.Equal(r.WindowStart))
	assert.True(t, later.Equal(r.LastRequest))
}

func TestPGStore_HitConcurrentCallersCountOnce(t *testing.T) {
	var (
		store = newTestPGStore(t)
		ctx   = context.Background()
		key   = testKey(t)
		now   = time.UnixMilli(time.Now().UnixMilli())
	)

	counts := make(chan int, 10)
	errs := make(chan error, 10)
	for range 10 {
		go func() {
			r, err := store.Hit(ctx, key, 100, time.Hour, now)
			if err != nil {
				errs <- err
				return
			}
			counts <- r.Count
		}()
	}

	seen := make(map[int]bool)
	for range 10 {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case c := <-counts:
			assert.False(t, seen[c], "count %d returned twice", c)
			seen[c] = true
		}
	}

	for c := 1; c <= 10; c++ {
		assert.True(t, seen[c], "count %d never returned", c)
	}
}

func TestPGStore_DeleteOlderThan(t *testing.T) {
	var (
		store  = newTestPGStore(t)
		ctx    = context.Background()
		old    = testKey(t)
		fresh  = testKey(t)
		window = 3 * time.Hour
		now    = time.UnixMilli(time.Now().UnixMilli())
	)

	_, err := store.Hit(ctx, old, 5, window, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = store.Hit(ctx, fresh, 5, window, now)
	require.NoError(t, err)

	deleted, err := store.DeleteOlderThan(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	r, err := store.Hit(ctx, old, 5, window, now)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count)

	r, err = store.Hit(ctx, fresh, 5, window, now)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count)
}
