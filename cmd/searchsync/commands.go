package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"searchsync/internal/jobs"
	"searchsync/internal/migrate"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newMigrateCmd(opts options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [app...]",
		Short: "Create, migrate or finish the indices of the named apps (default: all)",
		Long: "Runs one migration check per app, one app at a time. Apps whose schema changed get a new " +
			"index and a resync job. With the memory queue the jobs run in this process before it exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			var results []migrate.Result
			err = rt.withLocalWorker(ctx, func() error {
				var err error
				results, err = rt.orch.MigrateApps(ctx, args)
				return err
			})

			p := newPrinter(cmd)
			if p.isJSON() {
				out := make([]migrateRow, 0, len(results))
				for _, r := range results {
					out = append(out, migrateRow{
						App: r.App, Before: r.Before.String(), Action: string(r.Action),
						From: r.From, To: r.To, JobID: r.JobID,
					})
				}
				if jerr := p.json(out); jerr != nil {
					return errors.Join(err, jerr)
				}
				return err
			}
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.App, r.Before.String(), string(r.Action), orDash(r.From), orDash(r.To), orDash(r.JobID)})
			}
			p.table([]string{"APP", "BEFORE", "ACTION", "FROM", "TO", "JOB"}, rows)
			return err
		},
	}
}

type migrateRow struct {
	App    string `json:"app"`
	Before string `json:"before"`
	Action string `json:"action"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	JobID  string `json:"job_id,omitempty"`
}

func newSyncCmd(opts options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [app...]",
		Short: "Fully sync the named apps into their write aliases (default: all)",
		Long: "Reads every record of each app and writes it to the app's write alias. Apps run " +
			"concurrently, bounded by sync.concurrency. With --dispatch a sync job is queued per app instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			apps, err := rt.registry.Select(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if dispatch, _ := cmd.Flags().GetBool("dispatch"); dispatch {
				return rt.withLocalWorker(ctx, func() error {
					var errs []error
					for _, a := range apps {
						req := jobs.NewRequest(jobs.KindSync, a.Name(), "")
						if err := rt.dispatcher.Dispatch(ctx, req); err != nil {
							errs = append(errs, fmt.Errorf("dispatch sync %s: %w", a.Name(), err))
							continue
						}
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", a.Name(), req.ID)
					}
					return errors.Join(errs...)
				})
			}

			// Each app's failure is collected; one app never cancels another.
			var g errgroup.Group
			g.SetLimit(rt.cfg.Sync.Concurrency)
			errs := make([]error, len(apps))
			for i, a := range apps {
				g.Go(func() error {
					errs[i] = rt.resyncer.Sync(ctx, a.Name(), nil)
					return nil
				})
			}
			_ = g.Wait()
			return errors.Join(errs...)
		},
	}
	cmd.Flags().Bool("dispatch", false, "queue sync jobs instead of running them here")
	return cmd
}

func newResyncCmd(opts options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync <app>",
		Short: "Fully sync an app into its write index and retire its old indices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			a, err := rt.registry.Get(args[0])
			if err != nil {
				return err
			}
			fp, err := migrate.TargetFingerprint(a)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if dispatch, _ := cmd.Flags().GetBool("dispatch"); dispatch {
				return rt.withLocalWorker(ctx, func() error {
					req := jobs.NewRequest(jobs.KindResync, a.Name(), fp)
					if err := rt.dispatcher.Dispatch(ctx, req); err != nil {
						return fmt.Errorf("dispatch resync %s: %w", a.Name(), err)
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", a.Name(), req.ID)
					return nil
				})
			}
			return rt.resyncer.ResyncAfterMigrate(ctx, a.Name(), fp, nil)
		},
	}
	cmd.Flags().Bool("dispatch", false, "queue a resync job instead of running it here")
	return cmd
}

func newStatusCmd(opts options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [app...]",
		Short: "Show each app's aliases, indices and migration state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			apps, err := rt.registry.Select(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			statuses := make([]migrate.Status, 0, len(apps))
			var errs []error
			for _, a := range apps {
				st, err := rt.orch.Inspect(ctx, a)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
					continue
				}
				statuses = append(statuses, st)
			}

			p := newPrinter(cmd)
			if p.isJSON() {
				out := make([]statusRow, 0, len(statuses))
				for _, st := range statuses {
					out = append(out, statusRow{
						App: st.App, State: st.State.String(), Reason: st.Reason,
						ReadAlias: st.ReadAlias, WriteAlias: st.WriteAlias,
						ReadIndices: st.ReadIndices, WriteIndices: st.WriteIndices,
						CurrentFingerprint: st.CurrentFingerprint, TargetFingerprint: st.TargetFingerprint,
					})
				}
				if err := p.json(out); err != nil {
					errs = append(errs, err)
				}
				return errors.Join(errs...)
			}
			rows := make([][]string, 0, len(statuses))
			for _, st := range statuses {
				state := st.State.String()
				if st.Reason != "" {
					state += " (" + st.Reason + ")"
				}
				rows = append(rows, []string{
					st.App, state,
					orDash(st.CurrentFingerprint), st.TargetFingerprint,
					orDash(strings.Join(st.ReadIndices, ",")), orDash(strings.Join(st.WriteIndices, ",")),
				})
			}
			p.table([]string{"APP", "STATE", "CURRENT", "TARGET", "READ", "WRITE"}, rows)
			return errors.Join(errs...)
		},
	}
}

type statusRow struct {
	App                string   `json:"app"`
	State              string   `json:"state"`
	Reason             string   `json:"reason,omitempty"`
	ReadAlias          string   `json:"read_alias"`
	WriteAlias         string   `json:"write_alias"`
	ReadIndices        []string `json:"read_indices"`
	WriteIndices       []string `json:"write_indices"`
	CurrentFingerprint string   `json:"current_fingerprint"`
	TargetFingerprint  string   `json:"target_fingerprint"`
}

func newCheckCmd(opts options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the engine, the record source and every app's aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			results, err := rt.check(ctx)
			p := newPrinter(cmd)
			if p.isJSON() {
				if jerr := p.json(results); jerr != nil {
					return errors.Join(err, jerr)
				}
				return err
			}
			rows := make([][]string, 0, len(results))
			for _, c := range results {
				records := "-"
				if c.Records >= 0 {
					records = strconv.FormatInt(c.Records, 10)
				}
				rows = append(rows, []string{c.App, yesNo(c.ReadAlias), yesNo(c.WriteAlias), records, orDash(c.Error)})
			}
			p.table([]string{"APP", "READ", "WRITE", "RECORDS", "ERROR"}, rows)
			return err
		},
	}
}

type checkRow struct {
	App        string `json:"app"`
	ReadAlias  bool   `json:"read_alias"`
	WriteAlias bool   `json:"write_alias"`
	Records    int64  `json:"records"` // -1 when the source could not be read
	Error      string `json:"error,omitempty"`
}

// check pings the record source, then each app's aliases and row count.
// Every problem found is reported; the error joins them all.
func (rt *runtime) check(ctx context.Context) ([]checkRow, error) {
	var errs []error
	if rt.db != nil {
		if err := rt.db.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("record source: %w", err))
		}
	}
	apps := rt.registry.All()
	rows := make([]checkRow, 0, len(apps))
	for _, a := range apps {
		names := rt.namer.For(a.DocType())
		row := checkRow{App: a.Name(), Records: -1}
		var problems []string

		var err error
		if row.ReadAlias, err = rt.client.AliasExists(ctx, names.Read); err != nil {
			problems = append(problems, err.Error())
		} else if !row.ReadAlias {
			problems = append(problems, "read alias "+names.Read+" missing")
		}
		if row.WriteAlias, err = rt.client.AliasExists(ctx, names.Write); err != nil {
			problems = append(problems, err.Error())
		} else if !row.WriteAlias {
			problems = append(problems, "write alias "+names.Write+" missing")
		}
		if n, err := a.Source().Count(ctx); err != nil {
			problems = append(problems, err.Error())
		} else {
			row.Records = n
		}

		if len(problems) > 0 {
			row.Error = strings.Join(problems, "; ")
			errs = append(errs, fmt.Errorf("%s: %s", a.Name(), row.Error))
			rt.logger.Warn("check failed", "app", a.Name(), "stage", "check", "error", row.Error)
		}
		rows = append(rows, row)
	}
	return rows, errors.Join(errs...)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
