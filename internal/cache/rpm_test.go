package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *RPMCache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb)
}

func TestRPMCacheCountsWindow(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Observe(ctx, 1, now))
	}
	// another user does not interfere
	require.NoError(t, c.Observe(ctx, 2, now))

	n, err := c.CountLastMinute(ctx, 1, now)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = c.CountLastMinute(ctx, 2, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRPMCacheExpiresOldEntries(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, c.Observe(ctx, 7, now.Add(-90*time.Second)))
	require.NoError(t, c.Observe(ctx, 7, now.Add(-61*time.Second)))
	require.NoError(t, c.Observe(ctx, 7, now.Add(-30*time.Second)))
	require.NoError(t, c.Observe(ctx, 7, now))

	n, err := c.CountLastMinute(ctx, 7, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRPMCacheBoundaryInclusive(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	now := time.Now()

	// exactly 60s old still counts
	require.NoError(t, c.Observe(ctx, 3, now.Add(-time.Minute)))
	n, err := c.CountLastMinute(ctx, 3, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
