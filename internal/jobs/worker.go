package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"searchsync/internal/logging"
	"searchsync/internal/metrics"
)

// Handler performs one request, reporting progress as it goes.
type Handler func(ctx context.Context, req Request, prog *JobProgress) error

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Scheduler *Scheduler
	Handlers  map[Kind]Handler
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Worker consumes requests from a Receiver and runs them on a Scheduler.
// Identical requests (same Key) arriving while one is in flight join it
// instead of running twice.
type Worker struct {
	sched    *Scheduler
	handlers map[Kind]Handler
	group    inflight
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	return &Worker{
		sched:    cfg.Scheduler,
		handlers: cfg.Handlers,
		metrics:  cfg.Metrics,
		logger:   logging.Default(cfg.Logger).With("component", "worker"),
	}
}

// Run delivers requests from r until r stops.
func (w *Worker) Run(ctx context.Context, r Receiver) error {
	return r.Receive(ctx, w.Handle)
}

// Handle runs req to completion and returns its error.
func (w *Worker) Handle(ctx context.Context, req Request) error {
	h, ok := w.handlers[req.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobKind, req.Kind)
	}
	logger := w.logger.With("id", req.ID, "kind", req.Kind, "app", req.App)

	err, shared := w.group.do(req.Key(), func() error {
		start := time.Now()
		id := w.sched.Submit(req.JobName(), func(ctx context.Context, prog *JobProgress) error {
			w.metrics.JobStarted()
			err := h(ctx, req, prog)
			w.metrics.JobFinished(string(req.Kind), err)
			return err
		})
		logger.Info("job started", "job", id, "queued_for", start.Sub(req.EnqueuedAt).Round(time.Millisecond))
		err := w.sched.Wait(ctx, id)
		if err != nil {
			logger.Error("job failed", "job", id, "duration", time.Since(start).Round(time.Millisecond), "error", err)
			return err
		}
		logger.Info("job finished", "job", id, "duration", time.Since(start).Round(time.Millisecond))
		return nil
	})
	if shared {
		logger.Info("request joined a job already in flight")
	}
	return err
}
