// Package bulksync streams every record of an app's source into a search
// index or alias in fixed-size bulk batches.
//
// A sync is fail-fast: the first conversion or ingest error aborts the run.
// Batches already accepted stay in the target, and because documents are
// keyed by id a rerun overwrites them. There is no retry at this layer.
package bulksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"searchsync/internal/app"
	"searchsync/internal/logging"
	"searchsync/internal/metrics"
	"searchsync/internal/search"
	"searchsync/internal/source"
)

const (
	DefaultBatchSize        = 500
	DefaultProgressInterval = 20000
	DefaultBulkTimeout      = 300 * time.Second
)

// ErrConvert is matched by every *ConvertError.
var ErrConvert = errors.New("convert record")

// ConvertError reports a record the app could not turn into a document.
type ConvertError struct {
	App      string
	RecordID string
	Err      error
}

func (e *ConvertError) Error() string {
	return fmt.Sprintf("%s: convert record %q: %v", e.App, e.RecordID, e.Err)
}

func (e *ConvertError) Unwrap() error { return e.Err }

func (e *ConvertError) Is(target error) bool { return target == ErrConvert }

// Progress receives counters as a sync advances. jobs.JobProgress
// implements it.
type Progress interface {
	SetRunning(recordsTotal int64)
	AddBatch(records int)
}

// Config configures an Engine. Zero values take the defaults above.
type Config struct {
	Client search.Client

	// BatchSize applies when the app does not set its own.
	BatchSize        int
	ProgressInterval int64
	BulkTimeout      time.Duration

	// MaxBatchesPerSecond throttles bulk requests. Zero disables throttling.
	MaxBatchesPerSecond float64

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine runs syncs. It is safe for concurrent use.
type Engine struct {
	client    search.Client
	batchSize int
	interval  int64
	timeout   time.Duration
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(cfg Config) *Engine {
	e := &Engine{
		client:    cfg.Client,
		batchSize: cfg.BatchSize,
		interval:  cfg.ProgressInterval,
		timeout:   cfg.BulkTimeout,
		metrics:   cfg.Metrics,
		logger:    logging.Default(cfg.Logger).With("component", "bulksync"),
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.interval <= 0 {
		e.interval = DefaultProgressInterval
	}
	if e.timeout <= 0 {
		e.timeout = DefaultBulkTimeout
	}
	if cfg.MaxBatchesPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBatchesPerSecond), 1)
	}
	return e
}

// Options tune a single sync.
type Options struct {
	// BatchSize overrides both the app's and the engine's batch size.
	BatchSize int
	Progress  Progress
}

// Result summarises a sync.
type Result struct {
	Target    string
	Total     int64 // -1 when the source could not count
	Processed int64
	Batches   int
	Duration  time.Duration
}

// Sync reads every record of a, converts it, and bulk-writes it to target,
// which may be an alias resolving to exactly one index.
func (e *Engine) Sync(ctx context.Context, a app.SearchApp, target string, opts Options) (Result, error) {
	size := e.batchSizeFor(a, opts)
	logger := e.logger.With("app", a.Name(), "target", target)
	start := time.Now()
	res := Result{Target: target, Total: -1}

	total, err := a.Source().Count(ctx)
	if err != nil {
		logger.Warn("count failed, progress will be reported without total", "error", err)
	} else {
		res.Total = total
	}
	if opts.Progress != nil {
		opts.Progress.SetRunning(res.Total)
	}
	logger.Info("starting sync", "total", res.Total, "batch_size", size)

	err = e.run(ctx, a, target, size, &res, opts.Progress, logger)
	res.Duration = time.Since(start)
	e.metrics.SyncFinished(a.Name(), res.Duration, err)
	if err != nil {
		logger.Error("sync failed", "processed", res.Processed, "stage", stageOf(err), "error", err)
		return res, err
	}
	logger.Info("sync complete", "processed", res.Processed, "batches", res.Batches,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func (e *Engine) run(ctx context.Context, a app.SearchApp, target string, size int, res *Result, prog Progress, logger *slog.Logger) error {
	var lastReported int64
	for recs, err := range source.Batches(ctx, a.Source(), size) {
		if err != nil {
			return fmt.Errorf("%s: read source: %w", a.Name(), err)
		}
		docs := make([]search.Document, 0, len(recs))
		for _, r := range recs {
			d, err := a.Convert(r)
			if err != nil {
				return &ConvertError{App: a.Name(), RecordID: r.ID, Err: err}
			}
			docs = append(docs, d)
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := e.client.Bulk(ctx, target, docs, e.timeout); err != nil {
			e.metrics.BatchFailed(a.Name())
			return fmt.Errorf("%s: batch %d: %w", a.Name(), res.Batches+1, err)
		}
		e.metrics.BatchSent(a.Name(), len(docs))
		res.Batches++
		res.Processed += int64(len(docs))
		if prog != nil {
			prog.AddBatch(len(docs))
		}

		if res.Processed/e.interval > lastReported/e.interval {
			lastReported = res.Processed
			logProgress(logger, res.Processed, res.Total)
		}
	}
	if lastReported != res.Processed || res.Processed == 0 {
		logProgress(logger, res.Processed, res.Total)
	}
	return nil
}

func (e *Engine) batchSizeFor(a app.SearchApp, opts Options) int {
	if opts.BatchSize > 0 {
		return opts.BatchSize
	}
	if n := a.BatchSize(); n > 0 {
		return n
	}
	return e.batchSize
}

func logProgress(logger *slog.Logger, processed, total int64) {
	if total <= 0 {
		logger.Info("rows processed", "processed", processed)
		return
	}
	logger.Info("rows processed", "processed", processed, "total", total,
		"percent", fmt.Sprintf("%.1f", float64(processed)*100/float64(total)))
}

func stageOf(err error) string {
	var be *search.BulkError
	switch {
	case errors.Is(err, ErrConvert):
		return "convert"
	case errors.As(err, &be):
		return "ingest"
	case errors.Is(err, search.ErrTransport), errors.Is(err, search.ErrTimeout):
		return "ingest"
	}
	return "source"
}
