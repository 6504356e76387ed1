package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/config"
	"github.com/platinummonkey/pulse/pkg/export"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/queue"
	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/storage/memory"
	"github.com/platinummonkey/pulse/pkg/storage/postgres"
	"github.com/platinummonkey/pulse/pkg/worker"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Storage: storage.Config{Type: "memory", CacheSize: 16, CacheTTL: time.Minute},
		Queue:   config.QueueConfig{Backend: "memory", Prefix: "test", MaxAttempts: 3},
		Worker:  worker.DefaultConfig(),
		Realtime: config.RealtimeConfig{
			BufferSize: 8,
			Channel:    "pulse:test",
		},
		Reports:       config.ReportsConfig{TTL: time.Hour},
		Observability: config.ObservabilityConfig{MetricsEnabled: true},
	}
}

func TestNew_Memory(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, memoryConfig(), "test", nil)
	require.NoError(t, err)

	assert.IsType(t, &memory.Store{}, rt.Store)
	assert.IsType(t, &queue.MemoryQueue{}, rt.Queue)
	assert.IsType(t, export.Noop{}, rt.Publisher)
	assert.NotNil(t, rt.Metrics)
	assert.Nil(t, rt.Redis)
	assert.Nil(t, rt.Archiver)
	assert.Nil(t, rt.Bridge())

	status := rt.Health.Check(ctx)
	assert.Equal(t, observability.StatusHealthy, status.Status)
	assert.Contains(t, status.Dependencies, "store")

	assert.NotNil(t, rt.Analytics())
	assert.NotNil(t, rt.Aggregator())
	assert.NotNil(t, rt.Funnels())
	assert.NotNil(t, rt.Cohorts())
	assert.NotNil(t, rt.WorkerPool())

	require.NoError(t, rt.Close(ctx))

	job, err := queue.NewJob("event", map[string]string{"k": "v"}, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, rt.Queue.Enqueue(ctx, job), queue.ErrUnavailable)
}

func TestNew_MetricsDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Observability.MetricsEnabled = false

	rt, err := New(context.Background(), cfg, "test", nil)
	require.NoError(t, err)
	defer rt.Close(context.Background())

	assert.Nil(t, rt.Metrics)
	families, err := rt.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families, "runtime collectors are always registered")
}

func TestNew_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cfg := memoryConfig()
	cfg.Storage.RedisURL = "redis://" + mr.Addr()
	cfg.Storage.CacheEnabled = true
	cfg.Queue.Backend = "redis"
	cfg.Realtime.RedisBridge = true

	rt, err := New(ctx, cfg, "test", nil)
	require.NoError(t, err)

	require.NotNil(t, rt.Redis)
	assert.IsType(t, &queue.RedisQueue{}, rt.Queue)
	assert.IsType(t, &postgres.RedisCache{}, rt.Store)
	assert.NotNil(t, rt.Bridge())

	status := rt.Health.Check(ctx)
	assert.Equal(t, observability.StatusHealthy, status.Status)
	assert.Contains(t, status.Dependencies, "redis")

	job, err := queue.NewJob("event", map[string]string{"k": "v"}, 1)
	require.NoError(t, err)
	require.NoError(t, rt.Queue.Enqueue(ctx, job))
	stats, err := rt.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	assert.NoError(t, rt.Close(ctx))
}

func TestNew_RedisQueueWithoutRedis(t *testing.T) {
	cfg := memoryConfig()
	cfg.Queue.Backend = "redis"

	_, err := New(context.Background(), cfg, "test", nil)
	assert.Error(t, err)
}

func TestNew_UnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := memoryConfig()
	cfg.Storage.RedisURL = "redis://" + addr

	_, err := New(context.Background(), cfg, "test", nil)
	assert.Error(t, err)
}

func TestRegisterShutdown(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, memoryConfig(), "test", nil)
	require.NoError(t, err)

	sm := observability.NewShutdownManager(observability.NewNopLogger(), time.Second)
	rt.RegisterShutdown(sm)

	// ownership moved to the manager
	require.NoError(t, rt.Close(ctx))
	job, err := queue.NewJob("event", map[string]string{"k": "v"}, 1)
	require.NoError(t, err)
	require.NoError(t, rt.Queue.Enqueue(ctx, job))

	require.NoError(t, sm.Shutdown(ctx))
	assert.ErrorIs(t, rt.Queue.Enqueue(ctx, job), queue.ErrUnavailable)
}
