package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned when Start is called on a running worker.
var ErrAlreadyRunning = errors.New("worker is already running")

// loop runs one periodic job in background goroutine.
// Params: none; start supplies interval and job.
// Returns: lifecycle with idempotent stop.
type loop struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start runs fn immediately, then every interval until ctx is canceled or stop is called.
// Params: parent context, interval, worker name for logs, logger, and job.
// Returns: ErrAlreadyRunning when loop is active.
func (l *loop) start(ctx context.Context, interval time.Duration, name string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := fn(runCtx); err != nil && runCtx.Err() == nil && logger != nil {
				logger.Error("worker run failed", "worker", name, "error", err.Error())
			}
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// stop cancels loop and waits for the in-flight run to return.
func (l *loop) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
