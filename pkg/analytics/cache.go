package analytics

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
)

// CacheConfig sizes the query result cache. A zero Size disables caching.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// queryCache memoizes query results per tenant, query and range
type queryCache struct {
	lru     *lru.LRU[string, any]
	metrics *observability.Metrics
}

func newQueryCache(cfg CacheConfig, metrics *observability.Metrics) *queryCache {
	if cfg.Size <= 0 {
		return nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return &queryCache{
		lru:     lru.NewLRU[string, any](cfg.Size, nil, cfg.TTL),
		metrics: metrics,
	}
}

func cacheKey(tenantID, query string, r storage.DateRange, extra ...interface{}) string {
	key := fmt.Sprintf("%s|%s|%d|%d", tenantID, query, r.Start.Unix(), r.End.Unix())
	for _, e := range extra {
		key += fmt.Sprintf("|%v", e)
	}
	return key
}

// cached returns the memoized value for key or computes and stores it. Errors are never cached.
func cached[T any](c *queryCache, key string, compute func() (T, error)) (T, error) {
	if c == nil {
		return compute()
	}
	if v, ok := c.lru.Get(key); ok {
		if typed, ok := v.(T); ok {
			c.metrics.CacheLookup("analytics", true)
			return typed, nil
		}
	}
	c.metrics.CacheLookup("analytics", false)

	v, err := compute()
	if err != nil {
		return v, err
	}
	c.lru.Add(key, v)
	return v, nil
}

// purge drops every cached entry
func (c *queryCache) purge() {
	if c != nil {
		c.lru.Purge()
	}
}
