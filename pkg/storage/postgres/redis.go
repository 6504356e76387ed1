package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/pulse/pkg/storage"
)

const redisPingTimeout = 5 * time.Second

// NewRedisClient connects the client shared by the queue, the rate limiter, the realtime
// bridge and the aggregate cache, and pings it once.
func NewRedisClient(ctx context.Context, config storage.Config) (*redis.Client, error) {
	opts, err := redisOptions(config)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, storage.Transient("redis_ping", fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err))
	}
	return client, nil
}

// redisOptions parses RedisURL and applies the explicit overrides. Blocking queue reads
// extend the read timeout per command, so it only bounds ordinary calls.
func redisOptions(config storage.Config) (*redis.Options, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB > 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second
	return opts, nil
}
