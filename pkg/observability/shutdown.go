package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type shutdownHook struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager tears a process down in reverse registration order, so components
// registered after their dependencies stop before them
type ShutdownManager struct {
	logger  *Logger
	timeout time.Duration

	mu    sync.Mutex
	hooks []shutdownHook
	done  bool
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &ShutdownManager{logger: logger, timeout: timeout}
}

// Register adds a named shutdown step
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, shutdownHook{name: name, fn: fn})
}

// RegisterServer stops an HTTP server, draining in-flight requests
func (sm *ShutdownManager) RegisterServer(name string, server *http.Server) {
	sm.Register(name, server.Shutdown)
}

// Shutdown runs every step once. Steps keep running after a failure; all errors are joined.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	if sm.done {
		sm.mu.Unlock()
		return nil
	}
	sm.done = true
	hooks := sm.hooks
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: shutdown timeout reached", hook.name))
			continue
		}
		start := time.Now()
		if err := hook.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("component", hook.name).Error("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
			continue
		}
		sm.logger.WithFields(map[string]interface{}{
			"component":   hook.name,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("Shutdown step complete")
	}
	return errors.Join(errs...)
}

// WaitForShutdown blocks until ctx ends or SIGINT/SIGTERM arrives, then shuts down
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	sm.logger.Info("Starting graceful shutdown")

	err := sm.Shutdown(context.Background())
	if err == nil {
		sm.logger.Info("Graceful shutdown complete")
	}
	return err
}
