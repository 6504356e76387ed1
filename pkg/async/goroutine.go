package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/pulse/pkg/observability"
)

// SafeGo runs fn in a goroutine with a timeout derived from a context detached from parent
// cancellation, so it outlives the request that started it. Panics and errors are logged.
func SafeGo(parent context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithField("task", taskName).
					WithField("panic", fmt.Sprint(r)).
					WithField("stack", string(debug.Stack())).
					Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of workers
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	logger       *observability.Logger
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// NewWorkerPool starts workers goroutines. Each task runs with its own timeout.
func NewWorkerPool(ctx context.Context, logger *observability.Logger, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger.WithField("task", taskName),
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pool.worker()
			}()
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task. It blocks while the queue is full and fails once the pool is closed.
func (p *WorkerPool) Submit(fn func(context.Context) error) (err error) {
	defer func() {
		// send on closed channel after a concurrent Close
		if r := recover(); r != nil {
			err = fmt.Errorf("worker pool shut down")
		}
	}()

	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.workCh <- fn:
		return nil
	}
}

// Close stops accepting tasks and waits for queued ones to drain
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() { close(p.workCh) })
	<-p.doneCh
}

// Shutdown closes the pool, waiting at most timeout before cancelling running tasks
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error
	p.shutdownOnce.Do(func() {
		p.closeOnce.Do(func() { close(p.workCh) })

		select {
		case <-p.doneCh:
		case <-time.After(timeout):
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
		p.cancel()
	})
	return shutdownErr
}

// Errors returns task errors. Errors beyond the buffer are logged and dropped.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(fn)
		}
	}
}

func (p *WorkerPool) run(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.logger.WithField("stack", string(debug.Stack())).WithError(err).Error("PANIC in worker")
			}
		}()
		err = fn(ctx)
	}()

	if err != nil {
		select {
		case p.errCh <- err:
		default:
			p.logger.WithError(err).Warn("error channel full, dropping error")
		}
	}
}

// Batch runs fn over items with at most workers concurrent calls and returns every error
func Batch[T any](ctx context.Context, logger *observability.Logger, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, logger, workers, taskName, timeout)
	defer pool.cancel()

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			if err := fn(ctx, item); err != nil {
				collect(err)
			}
			return nil
		}); err != nil {
			collect(err)
			break
		}
	}

	pool.Close()
	return errs
}
