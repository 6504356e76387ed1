package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pulse/pkg/events"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/queue"
	"github.com/platinummonkey/pulse/pkg/retry"
	"github.com/platinummonkey/pulse/pkg/storage"
	"github.com/platinummonkey/pulse/pkg/storage/memory"
)

type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) InsertEvent(ctx context.Context, e *events.Event) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return storage.Transient("insert_event", errors.New("connection reset"))
	}
	return s.Store.InsertEvent(ctx, e)
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	tenants []string
}

func (b *recordingBroadcaster) BroadcastEvent(tenantID string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tenants = append(b.tenants, tenantID)
	return nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *recordingPublisher) Publish(ctx context.Context, e *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, e.ID)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0
	cfg.PollTimeout = 10 * time.Millisecond
	cfg.Backoff = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2}
	return cfg
}

func enqueue(t *testing.T, q queue.Queue, e *events.Event) *queue.Job {
	t.Helper()
	job, err := queue.NewProducer(q).Enqueue(context.Background(), e, queue.DefaultMaxAttempts)
	require.NoError(t, err)
	return job
}

func newEvent(session string) *events.Event {
	amount := 150.0
	return &events.Event{
		TenantID:  "t1",
		DeviceID:  "d1",
		SessionID: session,
		EventType: events.EventPurchase,
		Amount:    &amount,
	}
}

// drain processes jobs until none is ready and no retry is pending
func drain(t *testing.T, p *Pool, q queue.Queue) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		for {
			found, err := p.ProcessNext(ctx)
			require.NoError(t, err)
			if !found {
				break
			}
		}
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		return stats.Pending == 0 && stats.Delayed == 0 && stats.Active == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProcess_Success(t *testing.T) {
	store := memory.New()
	q := queue.NewMemoryQueue()
	pub := &recordingPublisher{}
	bc := &recordingBroadcaster{}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	p := NewPool(q, store, testConfig(), WithPublisher(pub), WithBroadcaster(bc), WithMetrics(metrics))
	e := newEvent("S1")
	enqueue(t, q, e)

	drain(t, p, q)

	stored, err := store.GetEvent(context.Background(), "t1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "S1", stored.SessionID)
	assert.Equal(t, 150.0, stored.AmountValue())

	assert.Equal(t, []string{e.ID}, pub.ids)
	assert.Equal(t, []string{"t1"}, bc.tenants)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobsProcessedTotal.WithLabelValues(observability.OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsIngestedTotal.WithLabelValues("purchase")))
}

func TestProcess_TransientFailureRetries(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failures: 2}
	q := queue.NewMemoryQueue()
	p := NewPool(q, store, testConfig())
	enqueue(t, q, newEvent("S1"))

	drain(t, p, q)

	assert.Equal(t, 3, store.calls)
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestProcess_ExhaustedIsDeadLettered(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failures: 100}
	q := queue.NewMemoryQueue()
	p := NewPool(q, store, testConfig())
	job := enqueue(t, q, newEvent("S1"))

	drain(t, p, q)

	assert.Equal(t, queue.DefaultMaxAttempts, store.calls)
	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
	assert.Equal(t, queue.StatusFailed, dead[0].Status)
	assert.Contains(t, dead[0].LastError, "failed after 3 attempt(s)")
	assert.Contains(t, dead[0].LastError, "connection reset")

	// operator re-drive after the store recovers
	store.failures = 0
	require.NoError(t, q.Requeue(context.Background(), job.ID))
	drain(t, p, q)
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestProcess_PoisonPayloadFailsImmediately(t *testing.T) {
	tests := []struct {
		name string
		job  func() *queue.Job
	}{
		{
			name: "wrong kind",
			job: func() *queue.Job {
				j, _ := queue.NewJob("send_email", map[string]string{"to": "x"}, 3)
				return j
			},
		},
		{
			name: "invalid event",
			job: func() *queue.Job {
				j, _ := queue.NewJob(queue.KindTrackEvent, &events.Event{ID: "e1", TenantID: "t1", EventType: "bogus"}, 3)
				return j
			},
		},
		{
			name: "missing id",
			job: func() *queue.Job {
				j, _ := queue.NewJob(queue.KindTrackEvent, newEvent("S1"), 3)
				return j
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyStore{Store: memory.New()}
			q := queue.NewMemoryQueue()
			p := NewPool(q, store, testConfig())
			require.NoError(t, q.Enqueue(context.Background(), tt.job()))

			found, err := p.ProcessNext(context.Background())
			require.NoError(t, err)
			require.True(t, found)

			assert.Zero(t, store.calls)
			dead, err := q.DeadLetters(context.Background(), 10)
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, 1, dead[0].Attempts)
		})
	}
}

func TestProcess_ExportFailureDoesNotFailJob(t *testing.T) {
	store := memory.New()
	q := queue.NewMemoryQueue()
	p := NewPool(q, store, testConfig(), WithPublisher(&recordingPublisher{err: errors.New("broker down")}))
	enqueue(t, q, newEvent("S1"))

	drain(t, p, q)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestRun_DrainsConcurrently(t *testing.T) {
	store := memory.New()
	q := queue.NewMemoryQueue()
	cfg := testConfig()
	cfg.Concurrency = 4
	p := NewPool(q, store, cfg)

	for i := 0; i < 25; i++ {
		enqueue(t, q, newEvent("S1"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		list, err := store.ListEvents(context.Background(), storage.EventFilter{TenantID: "t1"})
		return err == nil && len(list) == 25
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestReclaim(t *testing.T) {
	store := memory.New()
	q := queue.NewMemoryQueue()
	cfg := testConfig()
	cfg.CompletedRetention = time.Millisecond
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	p := NewPool(q, store, cfg, WithMetrics(metrics))

	enqueue(t, q, newEvent("S1"))
	enqueue(t, q, newEvent("S2"))
	drain(t, p, q)

	time.Sleep(5 * time.Millisecond)
	p.Reclaim(context.Background())

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Completed)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("completed")))

	list, err := store.ListEvents(context.Background(), storage.EventFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestReclaim_RequeuesStalledJobs(t *testing.T) {
	store := memory.New()
	q := queue.NewMemoryQueue()
	cfg := testConfig()
	cfg.StalledAfter = time.Millisecond
	p := NewPool(q, store, cfg)

	enqueue(t, q, newEvent("S1"))
	// a consumer that reserved the job and never resolved it
	abandoned, err := q.Reserve(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, abandoned)

	time.Sleep(5 * time.Millisecond)
	p.Reclaim(context.Background())

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Zero(t, stats.Active)

	drain(t, p, q)
	list, err := store.ListEvents(context.Background(), storage.EventFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTerminalFailure(t *testing.T) {
	cause := storage.Transient("insert_event", errors.New("timeout"))
	f := &TerminalFailure{JobID: "j1", Attempts: 3, Err: cause}
	assert.Equal(t, "job j1 failed after 3 attempt(s): transient store error during insert_event: timeout", f.Error())
	assert.True(t, storage.IsTransient(f))
}
