package jobs

import (
	"context"
	"log/slog"
	"sync"

	"searchsync/internal/logging"
)

// Queue is an in-process Dispatcher and Receiver backed by a buffered
// channel. Requests are lost if the process exits before they run.
type Queue struct {
	mu     sync.RWMutex
	ch     chan Request
	closed bool
	logger *slog.Logger
}

var (
	_ Dispatcher = (*Queue)(nil)
	_ Receiver   = (*Queue)(nil)
)

func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		ch:     make(chan Request, size),
		logger: logging.Default(logger).With("component", "queue"),
	}
}

func (q *Queue) Dispatch(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- req:
		q.logger.Debug("job enqueued", "id", req.ID, "kind", req.Kind, "app", req.App)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting requests. Receive drains what is already queued
// and then returns.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the number of queued requests.
func (q *Queue) Len() int { return len(q.ch) }

// Receive runs handle for each request on its own goroutine and returns
// once the queue is closed and drained, or ctx is cancelled. In both cases
// it waits for running handlers first. Handler errors are logged.
func (q *Queue) Receive(ctx context.Context, handle HandleFunc) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case req, ok := <-q.ch:
			if !ok {
				return nil
			}
			wg.Go(func() {
				if err := handle(ctx, req); err != nil {
					q.logger.Error("job failed", "id", req.ID, "kind", req.Kind, "app", req.App, "error", err)
				}
			})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
