package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/queue"
	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/storage/memory"
	"github.com/platinummonkey/pulse/pkg/worker"
)

type pipeline struct {
	svc   *Service
	queue *queue.MemoryQueue
	store *memory.Store
	pool  *worker.Pool
}

func newPipeline() *pipeline {
	q := queue.NewMemoryQueue()
	store := memory.New()
	cfg := worker.DefaultConfig()
	cfg.RatePerSecond = 0
	return &pipeline{
		svc:   NewService(q, nil, 0, nil, nil),
		queue: q,
		store: store,
		pool:  worker.NewPool(q, store, cfg),
	}
}

func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	for {
		found, err := p.pool.ProcessNext(context.Background())
		require.NoError(t, err)
		if !found {
			return
		}
	}
}

func (p *pipeline) persisted(t *testing.T, tenant string) []*events.Event {
	t.Helper()
	list, err := p.store.ListEvents(context.Background(), storage.EventFilter{TenantID: tenant})
	require.NoError(t, err)
	return list
}

func TestTrackEvent_RoundTrip(t *testing.T) {
	p := newPipeline()
	amount := 42.5
	ts := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	in := &events.Event{
		TenantID:   "t1",
		UserID:     "u1",
		DeviceID:   "d1",
		SessionID:  "S1",
		EventType:  events.EventPurchase,
		ProductID:  "p1",
		OrderID:    "o1",
		Amount:     &amount,
		Properties: map[string]interface{}{"coupon": "SPRING"},
		UserAgent:  "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Safari/604.1",
		Timestamp:  ts,
	}

	id, err := p.svc.TrackEvent(context.Background(), in)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	p.drain(t)

	got, err := p.store.GetEvent(context.Background(), "t1", id)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "d1", got.DeviceID)
	assert.Equal(t, "S1", got.SessionID)
	assert.Equal(t, events.EventPurchase, got.EventType)
	assert.Equal(t, "p1", got.ProductID)
	assert.Equal(t, 42.5, got.AmountValue())
	assert.Equal(t, "SPRING", got.Properties["coupon"])
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, events.DeviceMobile, got.DeviceType)
}

func TestTrackEvent_UnknownTypeNeverPersisted(t *testing.T) {
	for _, raw := range []string{"page_view", "login", "PURCHASE", ""} {
		t.Run(raw, func(t *testing.T) {
			p := newPipeline()
			_, err := p.svc.TrackEvent(context.Background(), &events.Event{
				TenantID:  "t1",
				DeviceID:  "d1",
				SessionID: "S1",
				EventType: events.EventType(raw),
			})

			var verr *events.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "eventType", verr.Field)

			stats, err := p.queue.Stats(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stats.Pending)
			p.drain(t)
			assert.Empty(t, p.persisted(t, "t1"))
		})
	}
}

func TestTrackEvents_PartialBatch(t *testing.T) {
	p := newPipeline()
	batch := make([]*events.Event, 5)
	for i := range batch {
		batch[i] = &events.Event{TenantID: "t1", DeviceID: "d1", SessionID: "S1", EventType: events.EventClick}
	}
	batch[2].SessionID = ""

	result, err := p.svc.TrackEvents(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, result.Results, 5)
	assert.Equal(t, 4, result.Succeeded())

	failed := result.Results[2]
	assert.False(t, failed.Success)
	assert.Empty(t, failed.EventID)
	assert.Contains(t, failed.Error, "sessionId")
	for _, i := range []int{0, 1, 3, 4} {
		assert.True(t, result.Results[i].Success)
		assert.NotEmpty(t, result.Results[i].EventID)
	}

	p.drain(t)
	assert.Len(t, p.persisted(t, "t1"), 4)
}

func TestTrackEvents_UsesAttemptBudget(t *testing.T) {
	q := queue.NewMemoryQueue()
	svc := NewService(q, nil, 5, nil, nil)

	result, err := svc.TrackEvents(context.Background(), []*events.Event{
		{TenantID: "t1", DeviceID: "d1", SessionID: "S1", EventType: events.EventClick},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded())

	job, err := q.Reserve(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 5, job.MaxAttempts)
	decoded, err := queue.DecodeEvent(job)
	require.NoError(t, err)
	assert.Equal(t, result.Results[0].EventID, decoded.ID)
}

func TestTrackEvents_TooLarge(t *testing.T) {
	p := newPipeline()
	_, err := p.svc.TrackEvents(context.Background(), make([]*events.Event, MaxBatchSize+1))
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestTrackEvent_QueueUnavailable(t *testing.T) {
	p := newPipeline()
	require.NoError(t, p.queue.Close())

	_, err := p.svc.TrackEvent(context.Background(), &events.Event{TenantID: "t1", DeviceID: "d1", SessionID: "S1", EventType: events.EventClick})
	assert.ErrorIs(t, err, queue.ErrUnavailable)

	result, err := p.svc.TrackEvents(context.Background(), []*events.Event{
		{TenantID: "t1", DeviceID: "d1", SessionID: "S1", EventType: events.EventClick},
	})
	require.NoError(t, err)
	assert.Zero(t, result.Succeeded())
	assert.Contains(t, result.Results[0].Error, "queue unavailable")
}
