package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"searchsync/internal/config"
	"searchsync/internal/jobs"
	"searchsync/internal/jobs/kafka"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd(opts options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run resync and sync jobs until interrupted",
		Long: "Consumes job requests from the configured queue and runs them, at most jobs.max_concurrent " +
			"at a time. With --migrate-cron (or jobs.migrate_cron) it also runs a migration check for " +
			"every app on that schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cmd.Flags().Changed("migrate-cron") {
				expr, _ := cmd.Flags().GetString("migrate-cron")
				if err := config.ValidateCron(expr); err != nil {
					return err
				}
				rt.cfg.Jobs.MigrateCron = expr
			}
			if cmd.Flags().Changed("metrics-listen") {
				rt.cfg.Metrics.Listen, _ = cmd.Flags().GetString("metrics-listen")
			}

			receiver, err := rt.receiver(cmd)
			if err != nil {
				return err
			}
			return rt.runWorker(cmd.Context(), receiver)
		},
	}
	cmd.Flags().String("migrate-cron", "", "cron schedule for migration checks (overrides jobs.migrate_cron)")
	cmd.Flags().String("metrics-listen", "", "metrics listen address (overrides metrics.listen)")
	return cmd
}

// receiver returns the in-process queue, or a kafka consumer identified by
// this machine's persistent worker id.
func (rt *runtime) receiver(cmd *cobra.Command) (jobs.Receiver, error) {
	if rt.queue != nil {
		return rt.queue, nil
	}
	clientID := ""
	if hd, err := homeDir(cmd); err == nil {
		if err := hd.EnsureExists(); err == nil {
			if id, err := hd.WorkerID(); err == nil {
				clientID = "searchsync-" + id
			}
		}
	}
	if clientID == "" {
		rt.logger.Warn("no persistent worker id, using the default kafka client id")
	}
	kc, err := rt.kafkaConfig(clientID)
	if err != nil {
		return nil, err
	}
	return kafka.NewConsumer(kc)
}

// runWorker serves jobs from r, the migrate cron and the metrics and jobs
// endpoints until ctx is cancelled.
func (rt *runtime) runWorker(ctx context.Context, r jobs.Receiver) error {
	w, sched, err := rt.newWorker()
	if err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			rt.logger.Warn("stop scheduler", "error", err)
		}
	}()

	if expr := rt.cfg.Jobs.MigrateCron; expr != "" {
		if err := sched.AddCron("migrate", expr, func(ctx context.Context) {
			// Failures are logged per app by the orchestrator.
			_, _ = rt.orch.MigrateApps(ctx, nil)
		}); err != nil {
			return err
		}
		rt.logger.Info("migration checks scheduled", "cron", expr)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := w.Run(ctx, r)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if addr := rt.cfg.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.metrics.Handler())
		mux.Handle("/jobs", jobsHandler(sched))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			rt.logger.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	rt.logger.Info("worker started", "queue", rt.cfg.Jobs.Queue, "max_concurrent", rt.cfg.Jobs.MaxConcurrent)
	err = g.Wait()
	rt.logger.Info("worker stopped")
	return err
}

type jobRow struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       jobs.JobStatus `json:"status"`
	RecordsTotal int64          `json:"records_total"`
	RecordsDone  int64          `json:"records_done"`
	BatchesDone  int64          `json:"batches_done"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type cronRow struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

type jobsReport struct {
	Jobs  []jobRow  `json:"jobs"`
	Crons []cronRow `json:"crons"`
}

// jobsHandler reports the scheduler's recent jobs and its periodic jobs as
// JSON.
func jobsHandler(sched *jobs.Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := jobsReport{Jobs: []jobRow{}, Crons: []cronRow{}}
		for _, j := range sched.ListJobs() {
			p := j.Progress
			report.Jobs = append(report.Jobs, jobRow{
				ID: j.ID, Name: j.Name, Status: p.Status,
				RecordsTotal: p.RecordsTotal, RecordsDone: p.RecordsDone, BatchesDone: p.BatchesDone,
				CreatedAt: j.CreatedAt, StartedAt: timeOrNil(p.StartedAt), CompletedAt: timeOrNil(p.CompletedAt),
				Error: p.Error,
			})
		}
		for _, c := range sched.ListCron() {
			report.Crons = append(report.Crons, cronRow{
				Name: c.Name, Schedule: c.Schedule, LastRun: timeOrNil(c.LastRun), NextRun: timeOrNil(c.NextRun),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
