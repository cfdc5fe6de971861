package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateKeyPrefix = "oauth:cron:rate:"

// RedisRateWindow is a fixed-window request counter shared across instances.
// The cron gateway uses it so the limit holds service-wide, not per replica.
type RedisRateWindow struct {
	client redis.UniversalClient
}

// NewRedisRateWindow constructs a Redis-backed rate window.
func NewRedisRateWindow(client redis.UniversalClient) *RedisRateWindow {
	return &RedisRateWindow{client: client}
}

// Allow increments the counter for key and reports whether the request fits
// inside the current window.
func (w *RedisRateWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	redisKey := rateKeyPrefix + key

	pipe := w.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate window incr: %w", err)
	}

	return incr.Val() <= int64(limit), nil
}
