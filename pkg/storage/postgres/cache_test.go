package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/storage/memory"
)

type readCounter struct {
	*memory.Store
	lists int
	gets  int
}

func (r *readCounter) ListAggregates(ctx context.Context, tenantID string, t storage.AggregateType, from, to time.Time) ([]*storage.Aggregate, error) {
	r.lists++
	return r.Store.ListAggregates(ctx, tenantID, t, from, to)
}

func (r *readCounter) GetAggregate(ctx context.Context, tenantID string, date time.Time, t storage.AggregateType) (*storage.Aggregate, error) {
	r.gets++
	return r.Store.GetAggregate(ctx, tenantID, date, t)
}

func newTestCache(t *testing.T) (*RedisCache, *readCounter, *miniredis.Miniredis, *observability.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	backing := &readCounter{Store: memory.New()}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewRedisCache(backing, client, time.Minute, nil, metrics), backing, mr, metrics
}

func dailyRow(tenant string, day time.Time, sessions int64) *storage.Aggregate {
	return &storage.Aggregate{
		TenantID:      tenant,
		AggregateDate: day,
		AggregateType: storage.AggregateDaily,
		TotalSessions: sessions,
		UpdatedAt:     day,
	}
}

func TestRedisCache_ListIsReadThrough(t *testing.T) {
	cache, backing, _, metrics := newTestCache(t)
	ctx := context.Background()
	day := time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)
	require.NoError(t, cache.UpsertAggregate(ctx, dailyRow("t1", day, 10)))

	from, to := day, day.AddDate(0, 0, 7)
	first, err := cache.ListAggregates(ctx, "t1", storage.AggregateDaily, from, to)
	require.NoError(t, err)
	second, err := cache.ListAggregates(ctx, "t1", storage.AggregateDaily, from, to)
	require.NoError(t, err)

	assert.Equal(t, 1, backing.lists)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].TotalSessions, second[0].TotalSessions)
	assert.True(t, second[0].AggregateDate.Equal(day))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("aggregates")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("aggregates")))
}

func TestRedisCache_UpsertInvalidates(t *testing.T) {
	cache, backing, mr, _ := newTestCache(t)
	ctx := context.Background()
	day := time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)
	require.NoError(t, cache.UpsertAggregate(ctx, dailyRow("t1", day, 10)))
	require.NoError(t, cache.UpsertAggregate(ctx, dailyRow("t2", day, 99)))

	_, err := cache.GetAggregate(ctx, "t1", day, storage.AggregateDaily)
	require.NoError(t, err)
	_, err = cache.GetAggregate(ctx, "t2", day, storage.AggregateDaily)
	require.NoError(t, err)
	assert.Len(t, mr.Keys(), 2)

	require.NoError(t, cache.UpsertAggregate(ctx, dailyRow("t1", day, 12)))
	assert.Len(t, mr.Keys(), 1, "only the written tenant is dropped")

	got, err := cache.GetAggregate(ctx, "t1", day, storage.AggregateDaily)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.TotalSessions)
	assert.Equal(t, 3, backing.gets)
}

func TestRedisCache_MissesAreNotCached(t *testing.T) {
	cache, _, mr, _ := newTestCache(t)

	_, err := cache.GetAggregate(context.Background(), "t1", time.Now(), storage.AggregateMonthly)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, mr.Keys())
}

func TestRedisCache_FallsBackWhenRedisIsDown(t *testing.T) {
	cache, backing, mr, _ := newTestCache(t)
	ctx := context.Background()
	day := time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)
	require.NoError(t, cache.UpsertAggregate(ctx, dailyRow("t1", day, 10)))

	mr.Close()

	rows, err := cache.ListAggregates(ctx, "t1", storage.AggregateDaily, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, backing.lists)

	require.NoError(t, cache.UpsertAggregate(ctx, dailyRow("t1", day, 11)), "write succeeds without redis")
}

func TestRedisCache_CorruptEntryIsDropped(t *testing.T) {
	cache, backing, mr, _ := newTestCache(t)
	ctx := context.Background()
	day := time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)
	require.NoError(t, cache.UpsertAggregate(ctx, dailyRow("t1", day, 10)))

	key := aggregateCachePrefix + "t1:daily:one:2026-04-07"
	require.NoError(t, mr.Set(key, "{not json"))

	got, err := cache.GetAggregate(ctx, "t1", day, storage.AggregateDaily)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.TotalSessions)
	assert.Equal(t, 1, backing.gets)
}
