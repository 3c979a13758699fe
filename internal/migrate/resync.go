package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"searchsync/internal/app"
	"searchsync/internal/bulksync"
	"searchsync/internal/jobs"
	"searchsync/internal/logging"
	"searchsync/internal/metrics"
	"searchsync/internal/search"
)

// DefaultReindexTimeout bounds the optional reindex step.
const DefaultReindexTimeout = 6 * time.Hour

// ResyncerConfig configures a Resyncer.
type ResyncerConfig struct {
	Client   search.Client
	Registry *app.Registry
	Namer    app.Namer
	Syncer   *bulksync.Engine

	// ReindexFirst copies the retired index into the new one before the
	// full sync, so readers of the new index see data sooner. The full sync
	// still runs afterwards; a failed reindex is only logged.
	ReindexFirst   bool
	ReindexTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Resyncer fills an app's write index after a migration and retires the
// indices it replaced. Every step tolerates re-execution, so it is safe
// under at-least-once job delivery.
type Resyncer struct {
	client         search.Client
	registry       *app.Registry
	namer          app.Namer
	syncer         *bulksync.Engine
	reindexFirst   bool
	reindexTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

func NewResyncer(cfg ResyncerConfig) *Resyncer {
	r := &Resyncer{
		client:         cfg.Client,
		registry:       cfg.Registry,
		namer:          cfg.Namer,
		syncer:         cfg.Syncer,
		reindexFirst:   cfg.ReindexFirst,
		reindexTimeout: cfg.ReindexTimeout,
		metrics:        cfg.Metrics,
		logger:         logging.Default(cfg.Logger).With("component", "resync"),
	}
	if r.reindexTimeout <= 0 {
		r.reindexTimeout = DefaultReindexTimeout
	}
	return r
}

// ResyncAfterMigrate fully syncs the named app into its write alias, then
// removes every other index from its read alias and deletes those no
// alias references any more. fingerprint is the one the job was issued
// for; a mismatch with the live schema is logged and the resync proceeds
// against whatever the write alias holds now.
func (r *Resyncer) ResyncAfterMigrate(ctx context.Context, name, fingerprint string, prog bulksync.Progress) error {
	a, err := r.registry.Get(name)
	if err != nil {
		return err
	}
	logger := r.logger.With("app", name)
	names := r.namer.For(a.DocType())

	if target, err := TargetFingerprint(a); err == nil && fingerprint != "" && target != fingerprint {
		logger.Warn("job fingerprint differs from current schema", "job_fingerprint", fingerprint, "schema_fingerprint", target)
	}

	if r.reindexFirst {
		r.reindex(ctx, logger, names)
	}

	if _, err := r.syncer.Sync(ctx, a, names.Write, bulksync.Options{Progress: prog}); err != nil {
		return fmt.Errorf("resync %s: %w", name, err)
	}

	if _, err := r.Cleanup(ctx, a); err != nil {
		return fmt.Errorf("resync %s: %w", name, err)
	}
	return nil
}

// Sync runs a plain full sync of the named app into its write alias.
func (r *Resyncer) Sync(ctx context.Context, name string, prog bulksync.Progress) error {
	a, err := r.registry.Get(name)
	if err != nil {
		return err
	}
	_, err = r.syncer.Sync(ctx, a, r.namer.For(a.DocType()).Write, bulksync.Options{Progress: prog})
	return err
}

func (r *Resyncer) reindex(ctx context.Context, logger *slog.Logger, names app.Names) {
	read, err := r.client.IndicesForAlias(ctx, names.Read)
	if err != nil {
		logger.Warn("reindex skipped", "stage", "reindex", "error", err)
		return
	}
	write, err := r.client.IndicesForAlias(ctx, names.Write)
	if err != nil {
		logger.Warn("reindex skipped", "stage", "reindex", "error", err)
		return
	}
	dest, ok := write.Only()
	if !ok {
		return
	}
	src, ok := read.Minus(write).Only()
	if !ok {
		// Nothing retired, or more than one: only a full sync is meaningful.
		return
	}
	start := time.Now()
	logger.Info("reindexing from retired index", "source", src, "dest", dest)
	switch err := r.client.Reindex(ctx, src, dest, r.reindexTimeout); {
	case err == nil:
		logger.Info("reindex complete", "source", src, "dest", dest, "duration", time.Since(start).Round(time.Second))
	case errors.Is(err, search.ErrReindexTimeout), errors.Is(err, search.ErrTransport), errors.Is(err, search.ErrTimeout):
		logger.Warn("reindex failed, falling back to full resync", "stage", "reindex", "error", err)
	default:
		logger.Warn("reindex failed", "stage", "reindex", "error", err)
	}
}

// Cleanup removes every index except the write index from a's read alias
// in one atomic update, then deletes each removed index that no alias
// references any more. It returns the deleted indices. With nothing to
// remove it logs a warning and returns no error.
func (r *Resyncer) Cleanup(ctx context.Context, a app.SearchApp) ([]string, error) {
	logger := r.logger.With("app", a.Name())
	names := r.namer.For(a.DocType())

	read, err := r.client.IndicesForAlias(ctx, names.Read)
	if err != nil {
		return nil, r.fail(logger, "cleanup", err)
	}
	write, err := r.client.IndicesForAlias(ctx, names.Write)
	if err != nil {
		return nil, r.fail(logger, "cleanup", err)
	}
	writeIdx, ok := write.Only()
	if !ok || !read.Has(writeIdx) {
		err := fmt.Errorf("%w: %s: write alias %s holds %v, read alias %s holds %v",
			ErrInconsistentAliasState, a.Name(), names.Write, write.Sorted(), names.Read, read.Sorted())
		return nil, r.fail(logger, "cleanup", err)
	}

	stale := read.Minus(write).Sorted()
	if len(stale) == 0 {
		logger.Warn("nothing to clean up", "read_alias", names.Read, "write_index", writeIdx)
		return nil, nil
	}

	if err := search.UpdateAlias(ctx, r.client, names.Read, nil, stale); err != nil {
		return nil, r.fail(logger, "cleanup", err)
	}
	logger.Info("retired indices removed from read alias", "indices", stale)

	var deleted []string
	for _, idx := range stale {
		aliases, err := r.client.AliasesForIndex(ctx, idx)
		if errors.Is(err, search.ErrIndexNotFound) {
			continue
		}
		if err != nil {
			return deleted, r.fail(logger, "cleanup", err)
		}
		if len(aliases) > 0 {
			logger.Warn("retired index still referenced, not deleting", "index", idx, "aliases", aliases.Sorted())
			continue
		}
		if err := r.client.Delete(ctx, idx); err != nil {
			return deleted, r.fail(logger, "cleanup", err)
		}
		r.metrics.IndexDeleted(a.Name())
		logger.Info("retired index deleted", "index", idx)
		deleted = append(deleted, idx)
	}
	return deleted, nil
}

// Handlers returns the job handlers served by a worker.
func (r *Resyncer) Handlers() map[jobs.Kind]jobs.Handler {
	return map[jobs.Kind]jobs.Handler{
		jobs.KindResync: func(ctx context.Context, req jobs.Request, prog *jobs.JobProgress) error {
			return r.ResyncAfterMigrate(ctx, req.App, req.Fingerprint, prog)
		},
		jobs.KindSync: func(ctx context.Context, req jobs.Request, prog *jobs.JobProgress) error {
			return r.Sync(ctx, req.App, prog)
		},
	}
}

func (r *Resyncer) fail(logger *slog.Logger, stage string, err error) error {
	logger.Error("resync failed", "stage", stage, "error", err)
	return err
}
