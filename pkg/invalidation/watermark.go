package invalidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWatermarkKey is the Redis key of the scheduled job's watermark.
const DefaultWatermarkKey = "pagecache:invalidation:watermark"

// Watermark persists the point up to which entity changes were processed.
type Watermark interface {
	// Get returns the stored watermark; ok is false when none was stored yet.
	Get(ctx context.Context) (at time.Time, ok bool, err error)
	Set(ctx context.Context, at time.Time) error
}

// RedisWatermark stores the watermark as unix milliseconds under one key.
type RedisWatermark struct {
	redis *redis.Client
	key   string
}

// NewRedisWatermark creates a watermark store. An empty key uses DefaultWatermarkKey.
func NewRedisWatermark(redisClient *redis.Client, key string) *RedisWatermark {
	if key == "" {
		key = DefaultWatermarkKey
	}
	return &RedisWatermark{redis: redisClient, key: key}
}

// Get implements Watermark.
func (w *RedisWatermark) Get(ctx context.Context) (time.Time, bool, error) {
	ms, err := w.redis.Get(ctx, w.key).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get watermark: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// Set implements Watermark.
func (w *RedisWatermark) Set(ctx context.Context, at time.Time) error {
	if err := w.redis.Set(ctx, w.key, at.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}
