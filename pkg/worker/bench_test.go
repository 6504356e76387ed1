package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/platinummonkey/pulse/pkg/queue"
	"github.com/platinummonkey/pulse/pkg/storage/memory"
)

// BenchmarkProcessNext measures one reserve, persist and complete cycle on the memory backends
func BenchmarkProcessNext(b *testing.B) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	defer q.Close()

	cfg := DefaultConfig()
	cfg.RatePerSecond = 0
	cfg.PollTimeout = time.Millisecond
	pool := NewPool(q, memory.New(), cfg)

	producer := queue.NewProducer(q)
	for i := 0; i < b.N; i++ {
		if _, err := producer.Enqueue(ctx, newEvent(fmt.Sprintf("S%d", i%100)), queue.DefaultMaxAttempts); err != nil {
			b.Fatalf("Failed to enqueue: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		found, err := pool.ProcessNext(ctx)
		if err != nil {
			b.Fatalf("Failed to process: %v", err)
		}
		if !found {
			b.Fatalf("Queue drained early at %d", i)
		}
	}
}
