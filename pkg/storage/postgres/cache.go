package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
)

const aggregateCachePrefix = "pulse:agg:"

// RedisCache is a read-through Redis layer over the aggregate reads of a store. Every
// other call goes straight to the wrapped store. Rollup writes drop the tenant's
// cached entries for that granularity.
type RedisCache struct {
	storage.Store
	redis   *redis.Client
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRedisCache wraps store. A non-positive ttl defaults to five minutes.
func NewRedisCache(store storage.Store, client *redis.Client, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RedisCache{
		Store:   store,
		redis:   client,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

func (c *RedisCache) GetAggregate(ctx context.Context, tenantID string, date time.Time, t storage.AggregateType) (*storage.Aggregate, error) {
	key := fmt.Sprintf("%s%s:%s:one:%s", aggregateCachePrefix, tenantID, t, date.UTC().Format("2006-01-02"))

	var agg storage.Aggregate
	if c.get(ctx, key, &agg) {
		return &agg, nil
	}

	a, err := c.Store.GetAggregate(ctx, tenantID, date, t)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, a)
	return a, nil
}

func (c *RedisCache) ListAggregates(ctx context.Context, tenantID string, t storage.AggregateType, from, to time.Time) ([]*storage.Aggregate, error) {
	key := fmt.Sprintf("%s%s:%s:list:%d:%d", aggregateCachePrefix, tenantID, t, unix(from), unix(to))

	var list []*storage.Aggregate
	if c.get(ctx, key, &list) {
		return list, nil
	}

	list, err := c.Store.ListAggregates(ctx, tenantID, t, from, to)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, list)
	return list, nil
}

// UpsertAggregate writes through and then invalidates; a failed invalidation only
// leaves entries to expire on their TTL
func (c *RedisCache) UpsertAggregate(ctx context.Context, a *storage.Aggregate) error {
	if err := c.Store.UpsertAggregate(ctx, a); err != nil {
		return err
	}
	pattern := fmt.Sprintf("%s%s:%s:*", aggregateCachePrefix, a.TenantID, a.AggregateType)
	if err := c.invalidate(ctx, pattern); err != nil {
		c.logger.WithTenant(a.TenantID).WithError(err).Warn("failed to invalidate aggregate cache")
	}
	return nil
}

func (c *RedisCache) get(ctx context.Context, key string, dst interface{}) bool {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Warn("aggregate cache read failed")
		}
		c.metrics.CacheLookup("aggregates", false)
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.redis.Del(ctx, key)
		c.metrics.CacheLookup("aggregates", false)
		return false
	}
	c.metrics.CacheLookup("aggregates", true)
	return true
}

func (c *RedisCache) set(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("aggregate cache write failed")
	}
}

func (c *RedisCache) invalidate(ctx context.Context, pattern string) error {
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
	}
	return nil
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
