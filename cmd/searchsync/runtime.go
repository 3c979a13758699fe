package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"searchsync/internal/app"
	"searchsync/internal/bulksync"
	"searchsync/internal/cert"
	"searchsync/internal/config"
	"searchsync/internal/jobs"
	"searchsync/internal/jobs/kafka"
	"searchsync/internal/metrics"
	"searchsync/internal/migrate"
	"searchsync/internal/search"
	"searchsync/internal/search/elastic"
	searchmem "searchsync/internal/search/memory"
	sqlsource "searchsync/internal/source/sql"

	"github.com/spf13/cobra"
)

// runtime is every component a command needs, built from one config file.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	client   search.Client
	registry *app.Registry
	namer    app.Namer
	metrics  *metrics.Metrics
	syncer   *bulksync.Engine
	orch     *migrate.Orchestrator
	resyncer *migrate.Resyncer

	// dispatcher is queue when jobs.queue is memory, a kafka producer
	// otherwise.
	dispatcher jobs.Dispatcher
	queue      *jobs.Queue

	db      *sql.DB
	closers []func()
}

// openRuntime loads the config named by the command's flags and wires the
// components. The caller must Close the result.
func openRuntime(cmd *cobra.Command, opts options) (*runtime, error) {
	logger, err := newLogger(cmd, opts.stderr)
	if err != nil {
		return nil, err
	}
	path, err := configPath(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded config", "path", path, "apps", len(cfg.Apps), "engine", cfg.Engine.Type, "queue", cfg.Jobs.Queue)
	return buildRuntime(cfg, logger, opts)
}

func buildRuntime(cfg config.Config, logger *slog.Logger, opts options) (rt *runtime, err error) {
	rt = &runtime{
		cfg:     cfg,
		logger:  logger,
		namer:   app.Namer{Root: cfg.Index.Root},
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	rt.client = opts.client
	if rt.client == nil {
		if rt.client, err = rt.newClient(); err != nil {
			return rt, err
		}
	}

	if rt.registry, err = rt.buildRegistry(); err != nil {
		return rt, err
	}

	if rt.dispatcher, err = rt.buildDispatcher(); err != nil {
		return rt, err
	}

	rt.syncer = bulksync.New(bulksync.Config{
		Client:              rt.client,
		BatchSize:           cfg.Sync.BatchSize,
		ProgressInterval:    cfg.Sync.ProgressInterval,
		BulkTimeout:         cfg.Sync.BulkTimeout,
		MaxBatchesPerSecond: cfg.Sync.MaxBatchesPerSecond,
		Metrics:             rt.metrics,
		Logger:              logger,
	})
	rt.orch = migrate.New(migrate.Config{
		Client:          rt.client,
		Registry:        rt.registry,
		Namer:           rt.namer,
		Dispatcher:      rt.dispatcher,
		IndexSettings:   cfg.Index.Settings,
		DefaultAnalysis: cfg.Index.DefaultAnalysis,
		Metrics:         rt.metrics,
		Logger:          logger,
	})
	rt.resyncer = migrate.NewResyncer(migrate.ResyncerConfig{
		Client:         rt.client,
		Registry:       rt.registry,
		Namer:          rt.namer,
		Syncer:         rt.syncer,
		ReindexFirst:   cfg.Sync.ReindexFirst,
		ReindexTimeout: cfg.Sync.ReindexTimeout,
		Metrics:        rt.metrics,
		Logger:         logger,
	})
	return rt, nil
}

func (rt *runtime) newClient() (search.Client, error) {
	cfg := rt.cfg.Engine
	if cfg.Type == "memory" {
		rt.logger.Warn("using in-memory search engine, indices are lost on exit")
		return searchmem.New(), nil
	}
	tlsCfg, err := rt.tlsConfig(cert.Source{CAFile: cfg.CACert, CertFile: cfg.ClientCert, KeyFile: cfg.ClientKey})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return elastic.New(elastic.Config{
		Addresses:           cfg.Addresses,
		Username:            cfg.Username,
		Password:            cfg.Password,
		APIKey:              cfg.APIKey,
		TLS:                 tlsCfg,
		CompressRequestBody: cfg.Compress,
		MaxRetries:          cfg.MaxRetries,
		Logger:              rt.logger,
	})
}

// tlsConfig loads src into a cert manager that lives as long as rt. A zero
// src yields nil, meaning library defaults.
func (rt *runtime) tlsConfig(src cert.Source) (*tls.Config, error) {
	if src.IsZero() {
		return nil, nil
	}
	m := cert.New(cert.Config{Logger: rt.logger})
	if err := m.Load(src); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, m.Close)
	return m.TLSConfig(), nil
}

// buildRegistry registers one table-backed app per config entry. All apps
// share one connection pool.
func (rt *runtime) buildRegistry() (*app.Registry, error) {
	reg := app.NewRegistry()
	if len(rt.cfg.Apps) == 0 {
		return reg, nil
	}

	dialect := sqlsource.Dialect(rt.cfg.Source.Driver)
	db, err := sqlsource.Open(dialect, rt.cfg.Source.DSN)
	if err != nil {
		return nil, err
	}
	rt.db = db
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	for _, ac := range rt.cfg.Apps {
		mapping, err := rt.cfg.Mapping(ac)
		if err != nil {
			return nil, err
		}
		src, err := sqlsource.New(sqlsource.Config{
			DB:       db,
			Dialect:  dialect,
			Table:    ac.Table,
			IDColumn: ac.IDColumn,
			Columns:  ac.Columns,
		})
		if err != nil {
			return nil, fmt.Errorf("app %s: %w", ac.Name, err)
		}
		a, err := app.New(app.Spec{
			Name:      ac.Name,
			DocType:   ac.DocType,
			Schema:    mapping,
			Source:    src,
			BatchSize: ac.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// buildDispatcher creates the memory queue or a kafka producer.
func (rt *runtime) buildDispatcher() (jobs.Dispatcher, error) {
	if rt.cfg.Jobs.Queue == "memory" {
		rt.queue = jobs.NewQueue(rt.cfg.Jobs.QueueSize, rt.logger)
		rt.closers = append(rt.closers, rt.queue.Close)
		return rt.queue, nil
	}
	kc, err := rt.kafkaConfig("")
	if err != nil {
		return nil, err
	}
	p, err := kafka.NewProducer(kc)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, p.Close)
	return p, nil
}

// kafkaConfig translates jobs.kafka. An empty clientID selects the default.
func (rt *runtime) kafkaConfig(clientID string) (kafka.Config, error) {
	kc := rt.cfg.Jobs.Kafka
	cfg := kafka.Config{
		Brokers:  kc.Brokers,
		Topic:    kc.Topic,
		Group:    kc.Group,
		ClientID: clientID,
		TLS:      kc.TLS,
		Logger:   rt.logger,
	}
	tlsCfg, err := rt.tlsConfig(cert.Source{CAFile: kc.CACert, CertFile: kc.ClientCert, KeyFile: kc.ClientKey})
	if err != nil {
		return kafka.Config{}, fmt.Errorf("jobs.kafka: %w", err)
	}
	cfg.TLSConfig = tlsCfg
	if kc.SASL != nil {
		cfg.SASL = &kafka.SASLConfig{
			Mechanism: kc.SASL.Mechanism,
			User:      kc.SASL.User,
			Password:  kc.SASL.Password,
		}
	}
	return cfg, nil
}

// newWorker creates a scheduler and a worker serving the resync handlers.
// The caller must Stop the scheduler.
func (rt *runtime) newWorker() (*jobs.Worker, *jobs.Scheduler, error) {
	sched, err := jobs.NewScheduler(rt.logger, rt.cfg.Jobs.MaxConcurrent, time.Now)
	if err != nil {
		return nil, nil, err
	}
	w := jobs.NewWorker(jobs.WorkerConfig{
		Scheduler: sched,
		Handlers:  rt.resyncer.Handlers(),
		Metrics:   rt.metrics,
		Logger:    rt.logger,
	})
	return w, sched, nil
}

// withLocalWorker runs fn while a worker drains the in-process queue, so
// jobs fn dispatches complete before the command exits. With kafka the
// jobs belong to the worker processes and fn runs alone.
func (rt *runtime) withLocalWorker(ctx context.Context, fn func() error) error {
	if rt.queue == nil {
		return fn()
	}
	w, sched, err := rt.newWorker()
	if err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			rt.logger.Warn("stop scheduler", "error", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, rt.queue) }()

	err = fn()
	rt.queue.Close()
	if werr := <-done; werr != nil && !errors.Is(werr, context.Canceled) {
		err = errors.Join(err, werr)
	}
	return err
}

// Close releases connections in reverse order of creation.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
