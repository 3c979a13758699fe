package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const starterConfig = `# searchsync configuration. Unset values take their defaults.
engine:
  type: elasticsearch
  addresses: ["http://localhost:9200"]
  # username: elastic
  # password is better set through SEARCHSYNC_ES_PASSWORD

index:
  root: searchsync
  settings:
    number_of_shards: 1
    number_of_replicas: 1

source:
  driver: sqlite          # or postgres
  dsn: ""                 # or SEARCHSYNC_SOURCE_DSN

jobs:
  queue: memory           # or kafka
  # migrate_cron: "*/15 * * * *"

# apps:
#   - name: widgets
#     doc_type: widget
#     table: widgets
#     mapping_file: mappings/widget.yaml
`

const starterMapping = `# Index mapping for the example app. Changing this file changes the
# app's fingerprint, and the next migrate moves it to a new index.
dynamic: strict
properties:
  id:
    type: keyword
  name:
    type: text
    analyzer: english_analyzer
    fields:
      raw:
        type: keyword
`

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the home directory with a starter config and mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, err := homeDir(cmd)
			if err != nil {
				return fmt.Errorf("resolve home directory: %w", err)
			}
			force, _ := cmd.Flags().GetBool("force")

			if err := hd.EnsureExists(); err != nil {
				return err
			}
			if err := os.MkdirAll(hd.MappingsDir(), 0o750); err != nil {
				return fmt.Errorf("create mappings directory: %w", err)
			}

			files := []struct{ path, body string }{
				{hd.ConfigPath(), starterConfig},
				{filepath.Join(hd.MappingsDir(), "widget.yaml"), starterMapping},
			}
			for _, f := range files {
				if err := writeNew(f.path, f.body, force); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), f.path)
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite existing files")
	return cmd
}

// writeNew writes body to path, refusing to replace an existing file unless
// force is set.
func writeNew(path, body string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o640) //nolint:gosec // G304: path is built from the home directory
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
