// Command searchsync keeps search indices in step with their schemas.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"searchsync/internal/home"
	"searchsync/internal/logging"
	"searchsync/internal/search"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(options{}).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// options carries process-level dependencies. Zero values select the real
// ones; tests substitute their own.
type options struct {
	stderr io.Writer
	// client replaces the engine named in the config file.
	client search.Client
}

// newRootCmd builds the command tree. Every subcommand reaches its logger
// and configuration through the returned command's persistent flags.
func newRootCmd(opts options) *cobra.Command {
	if opts.stderr == nil {
		opts.stderr = os.Stderr
	}

	rootCmd := &cobra.Command{
		Use:           "searchsync",
		Short:         "Search index lifecycle manager",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("config", "", "config file (default: <home>/config.yaml)")
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("log-level", "info", "default log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringSlice("component-level", nil, "per-component log level, e.g. migrate=debug (repeatable)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(
		newMigrateCmd(opts),
		newSyncCmd(opts),
		newResyncCmd(opts),
		newStatusCmd(opts),
		newCheckCmd(opts),
		newWorkerCmd(opts),
		newInitCmd(),
		versionCmd,
	)
	return rootCmd
}

// newLogger creates the base logger from the persistent logging flags.
// Levels are enforced by the ComponentFilterHandler, so the inner handler
// admits everything.
func newLogger(cmd *cobra.Command, w io.Writer) (*slog.Logger, error) {
	levelFlag, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	overrides, _ := cmd.Flags().GetStringSlice("component-level")

	level, err := logging.ParseLevel(levelFlag)
	if err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}

	handlerOpts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var base slog.Handler
	switch format {
	case "text":
		base = slog.NewTextHandler(w, handlerOpts)
	case "json":
		base = slog.NewJSONHandler(w, handlerOpts)
	default:
		return nil, fmt.Errorf("--log-format: must be text or json, got %q", format)
	}

	filter := logging.NewComponentFilterHandler(base, level)
	for _, o := range overrides {
		component, lvl, ok := strings.Cut(o, "=")
		if !ok || component == "" {
			return nil, fmt.Errorf("--component-level: want component=level, got %q", o)
		}
		l, err := logging.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("--component-level %s: %w", component, err)
		}
		filter.SetLevel(component, l)
	}
	return slog.New(filter), nil
}

// configPath returns --config, or the config file in the home directory.
func configPath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p, nil
	}
	hd, err := homeDir(cmd)
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return hd.ConfigPath(), nil
}

// homeDir returns --home, or the platform default.
func homeDir(cmd *cobra.Command) (home.Dir, error) {
	if h, _ := cmd.Flags().GetString("home"); h != "" {
		return home.New(h), nil
	}
	return home.Default()
}

// outputFormat returns "json" or "table" from the --output flag.
func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}
