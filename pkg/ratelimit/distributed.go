package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Distributed is a fixed-window per-key limiter stored in Redis
type Distributed struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewDistributed creates a Redis-backed limiter
func NewDistributed(client *redis.Client, limit int, window time.Duration, prefix string) *Distributed {
	if prefix == "" {
		prefix = "pulse:ratelimit"
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Distributed{redis: client, limit: limit, window: window, prefix: prefix}
}

func (d *Distributed) key(key string) string {
	return fmt.Sprintf("%s:%s", d.prefix, key)
}

// Allow increments key's counter. On Redis errors it allows the request and returns the error.
func (d *Distributed) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := d.key(key)

	pipe := d.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, d.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(d.limit), nil
}

// Remaining returns the requests left in key's window
func (d *Distributed) Remaining(ctx context.Context, key string) (int, error) {
	count, err := d.redis.Get(ctx, d.key(key)).Int()
	if err == redis.Nil {
		return d.limit, nil
	} else if err != nil {
		return 0, err
	}

	remaining := d.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// TTL returns the time until key's window resets
func (d *Distributed) TTL(ctx context.Context, key string) (time.Duration, error) {
	return d.redis.TTL(ctx, d.key(key)).Result()
}

// Reset clears key's counter
func (d *Distributed) Reset(ctx context.Context, key string) error {
	return d.redis.Del(ctx, d.key(key)).Err()
}

// Limit returns the per-window limit
func (d *Distributed) Limit() int {
	return d.limit
}
