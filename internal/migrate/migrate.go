// Package migrate keeps each search app's physical index in step with its
// schema using two aliases per app.
//
// Writers use the write alias, which always resolves to exactly one index.
// Readers use the read alias. When an app's schema fingerprint changes, a
// new index is created and a single atomic alias update points both aliases
// at it while the old index stays behind the read alias. A resync job then
// fills the new index, and cleanup retires the old one.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"searchsync/internal/app"
	"searchsync/internal/fingerprint"
	"searchsync/internal/jobs"
	"searchsync/internal/logging"
	"searchsync/internal/metrics"
	"searchsync/internal/search"
)

// ErrInconsistentAliasState is returned when an app's aliases are in a
// shape no migration could have produced. Nothing is mutated.
var ErrInconsistentAliasState = errors.New("inconsistent alias state")

// Action is what a migration check did.
type Action string

const (
	ActionNone            Action = "none"
	ActionBootstrapped    Action = "bootstrapped"
	ActionMigrated        Action = "migrated"
	ActionResyncScheduled Action = "resync_scheduled"
	ActionFailed          Action = "failed"
)

// Result reports one app's migration check.
type Result struct {
	App    string
	Before State
	Action Action
	// From and To are the write index before and after the check.
	From string
	To   string
	// JobID is the dispatched resync request, if any.
	JobID string
}

// Config configures an Orchestrator.
type Config struct {
	Client     search.Client
	Registry   *app.Registry
	Namer      app.Namer
	Dispatcher jobs.Dispatcher

	// IndexSettings are applied to every index the orchestrator creates.
	IndexSettings map[string]any
	// DefaultAnalysis adds the built-in analyzers to created indices.
	DefaultAnalysis bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Orchestrator runs migration checks. Checks for different apps are
// independent; the search engine's atomic alias update is the only
// serialisation point.
type Orchestrator struct {
	client     search.Client
	registry   *app.Registry
	namer      app.Namer
	dispatcher jobs.Dispatcher
	settings   map[string]any
	analysis   bool
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		client:     cfg.Client,
		registry:   cfg.Registry,
		namer:      cfg.Namer,
		dispatcher: cfg.Dispatcher,
		settings:   maps.Clone(cfg.IndexSettings),
		analysis:   cfg.DefaultAnalysis,
		metrics:    cfg.Metrics,
		logger:     logging.Default(cfg.Logger).With("component", "migrate"),
	}
}

// TargetFingerprint returns the fingerprint of a's current schema.
func TargetFingerprint(a app.SearchApp) (string, error) {
	fp, err := fingerprint.Compute(a.Schema())
	if err != nil {
		return "", fmt.Errorf("%s: fingerprint schema: %w", a.Name(), err)
	}
	return fp, nil
}

// Inspect reads a's aliases and derives its state without mutating anything.
func (o *Orchestrator) Inspect(ctx context.Context, a app.SearchApp) (Status, error) {
	names := o.namer.For(a.DocType())
	fp, err := TargetFingerprint(a)
	if err != nil {
		return Status{App: a.Name()}, err
	}
	st := Status{
		App:               a.Name(),
		ReadAlias:         names.Read,
		WriteAlias:        names.Write,
		TargetFingerprint: fp,
		TargetIndex:       names.Index(fp),
	}

	read, err := o.client.IndicesForAlias(ctx, names.Read)
	if err != nil {
		return st, fmt.Errorf("%s: read alias: %w", a.Name(), err)
	}
	write, err := o.client.IndicesForAlias(ctx, names.Write)
	if err != nil {
		return st, fmt.Errorf("%s: write alias: %w", a.Name(), err)
	}
	st.ReadIndices = read.Sorted()
	st.WriteIndices = write.Sorted()
	if idx := st.WriteIndex(); idx != "" {
		st.CurrentFingerprint = names.Fingerprint(idx)
	}
	derive(&st, read, write)
	return st, nil
}

// MigrateApp runs one migration check for the named app.
func (o *Orchestrator) MigrateApp(ctx context.Context, name string) (Result, error) {
	a, err := o.registry.Get(name)
	if err != nil {
		return Result{App: name}, err
	}
	return o.Migrate(ctx, a)
}

// MigrateApps checks the named apps, or every registered app when names is
// empty, one at a time in registration order. A failing app does not stop
// the others; all failures are joined into the returned error.
func (o *Orchestrator) MigrateApps(ctx context.Context, names []string) ([]Result, error) {
	apps, err := o.registry.Select(names)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(apps))
	var errs []error
	for _, a := range apps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := o.Migrate(ctx, a)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// Migrate runs one migration check for a:
//
//   - uninitialised: create the target index and point both aliases at it
//   - needs migration: create the target index, atomically move the write
//     alias to it while adding it to the read alias, then dispatch a resync
//   - resync incomplete: dispatch a resync
//   - current: nothing
//
// Inconsistent aliases fail with ErrInconsistentAliasState before any
// mutation.
func (o *Orchestrator) Migrate(ctx context.Context, a app.SearchApp) (Result, error) {
	logger := o.logger.With("app", a.Name())
	res := Result{App: a.Name(), Action: ActionNone}

	st, err := o.Inspect(ctx, a)
	if err != nil {
		return o.fail(logger, res, "inspect", err)
	}
	res.Before = st.State
	res.From = st.WriteIndex()
	res.To = res.From

	switch st.State {
	case StateCurrent:
		logger.Debug("index up to date", "index", st.WriteIndex())
		o.metrics.Migration(a.Name(), "current")
		return res, nil

	case StateInconsistent:
		err := fmt.Errorf("%w: %s: %s", ErrInconsistentAliasState, a.Name(), st.Reason)
		return o.fail(logger, res, "check", err)

	case StateUninitialised:
		if err := o.ensureIndex(ctx, a, st.TargetIndex); err != nil {
			return o.fail(logger, res, "create", err)
		}
		actions := []search.AliasAction{
			{Op: search.AliasAdd, Alias: st.ReadAlias, Indices: []string{st.TargetIndex}},
			{Op: search.AliasAdd, Alias: st.WriteAlias, Indices: []string{st.TargetIndex}},
		}
		if err := o.client.UpdateAliases(ctx, actions); err != nil {
			return o.fail(logger, res, "alias", err)
		}
		res.Action, res.To = ActionBootstrapped, st.TargetIndex
		logger.Info("index bootstrapped", "index", st.TargetIndex)
		o.metrics.Migration(a.Name(), string(res.Action))
		return res, nil

	case StateNeedsMigration:
		if err := o.ensureIndex(ctx, a, st.TargetIndex); err != nil {
			return o.fail(logger, res, "create", err)
		}
		actions := []search.AliasAction{
			{Op: search.AliasAdd, Alias: st.ReadAlias, Indices: []string{st.TargetIndex}},
			{Op: search.AliasAdd, Alias: st.WriteAlias, Indices: []string{st.TargetIndex}},
			{Op: search.AliasRemove, Alias: st.WriteAlias, Indices: []string{res.From}},
		}
		if err := o.client.UpdateAliases(ctx, actions); err != nil {
			return o.fail(logger, res, "alias", err)
		}
		res.Action, res.To = ActionMigrated, st.TargetIndex
		logger.Info("aliases moved to new index",
			"from", res.From, "to", st.TargetIndex,
			"from_fingerprint", st.CurrentFingerprint, "to_fingerprint", st.TargetFingerprint)

	case StateResyncIncomplete:
		res.Action = ActionResyncScheduled
		logger.Warn("read alias still holds retired indices, rescheduling resync",
			"read_indices", st.ReadIndices, "write_index", st.WriteIndex())
	}

	req := jobs.NewRequest(jobs.KindResync, a.Name(), st.TargetFingerprint)
	if err := o.dispatcher.Dispatch(ctx, req); err != nil {
		// The aliases already point at the new index. The next check sees
		// the extra read index and reschedules.
		return o.fail(logger, res, "dispatch", err)
	}
	res.JobID = req.ID
	logger.Info("resync scheduled", "job", req.ID, "fingerprint", st.TargetFingerprint)
	o.metrics.Migration(a.Name(), string(res.Action))
	return res, nil
}

// ensureIndex creates index unless it already exists, which happens when a
// previous migration was interrupted after creating it.
func (o *Orchestrator) ensureIndex(ctx context.Context, a app.SearchApp, index string) error {
	ok, err := o.client.Exists(ctx, index)
	if err != nil {
		return err
	}
	if ok {
		o.logger.Info("target index already exists, reusing", "app", a.Name(), "index", index)
		return nil
	}
	body := search.NewIndexBody(o.settings, a.Schema(), o.analysis)
	err = o.client.Create(ctx, index, body)
	if errors.Is(err, search.ErrIndexAlreadyExists) {
		return nil
	}
	if err != nil {
		return err
	}
	o.logger.Info("index created", "app", a.Name(), "index", index)
	return nil
}

func (o *Orchestrator) fail(logger *slog.Logger, res Result, stage string, err error) (Result, error) {
	logger.Error("migration check failed", "stage", stage, "error", err)
	o.metrics.Migration(res.App, "error")
	res.Action = ActionFailed
	return res, err
}
