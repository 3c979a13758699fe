// Package home manages the searchsync home directory layout.
//
// Layout:
//
//	<root>/
//	  config.yaml      (default configuration file)
//	  worker_id        (stable worker identity, used as the Kafka client id)
//	  mappings/        (conventional location for mapping_file entries)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir represents a searchsync home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/searchsync
//   - macOS:   ~/Library/Application Support/searchsync
//   - Windows: %APPDATA%/searchsync
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "searchsync")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path of the default configuration file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.yaml")
}

// MappingsDir returns the conventional directory for mapping files.
func (d Dir) MappingsDir() string {
	return filepath.Join(d.root, "mappings")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// WorkerID reads the persistent worker identity from <root>/worker_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) WorkerID() (string, error) {
	return d.readOrCreate("worker_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: worker id is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
