// Package cache is an optional Redis fast path for the requests-per-minute
// sliding window. The usage_logs table stays authoritative; deployments
// without Redis fall back to SQL counting.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RPMCache tracks per-user request timestamps in a sorted set.
type RPMCache struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *RPMCache {
	return &RPMCache{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewWithClient wraps an existing client, for tests.
func NewWithClient(rdb *redis.Client) *RPMCache { return &RPMCache{rdb: rdb} }

func (c *RPMCache) Close() error { return c.rdb.Close() }

func (c *RPMCache) key(userID int64) string {
	return fmt.Sprintf("rpm:%d", userID)
}

// Observe records one request for the user at the given time. Called when the
// usage-log placeholder is inserted so the cache mirrors the table.
func (c *RPMCache) Observe(ctx context.Context, userID int64, at time.Time) error {
	key := c.key(userID)
	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, key, 2*time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

// CountLastMinute returns the number of requests in the trailing 60 seconds,
// pruning expired members as it goes.
func (c *RPMCache) CountLastMinute(ctx context.Context, userID int64, now time.Time) (int, error) {
	key := c.key(userID)
	cutoff := now.Add(-time.Minute).UnixMilli()

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff-1))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}
