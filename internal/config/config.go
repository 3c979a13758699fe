// Package config loads the searchsync configuration file.
//
// The file is YAML. Values it sets are decoded over the defaults from
// Default, so a minimal file only needs the engine address, the index root,
// the record source and the apps. Secrets may come from the environment
// instead of the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvESPassword = "SEARCHSYNC_ES_PASSWORD"
	EnvESAPIKey   = "SEARCHSYNC_ES_API_KEY"
	EnvSourceDSN  = "SEARCHSYNC_SOURCE_DSN"
)

type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Index   IndexConfig   `yaml:"index"`
	Sync    SyncConfig    `yaml:"sync"`
	Source  SourceConfig  `yaml:"source"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Metrics MetricsConfig `yaml:"metrics"`
	Apps    []AppConfig   `yaml:"apps"`

	// dir is the directory of the loaded file. Relative mapping files
	// resolve against it.
	dir string
}

// EngineConfig selects and addresses the search engine.
type EngineConfig struct {
	Type       string   `yaml:"type"` // "elasticsearch" or "memory"
	Addresses  []string `yaml:"addresses"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"` //nolint:gosec // G117: config field, not a hardcoded credential
	APIKey     string   `yaml:"api_key"`
	CACert     string   `yaml:"ca_cert"` // path to a PEM bundle
	ClientCert string   `yaml:"client_cert"`
	ClientKey  string   `yaml:"client_key"`
	Compress   bool     `yaml:"compress"`
	MaxRetries int      `yaml:"max_retries"`
}

// IndexConfig controls index naming and creation.
type IndexConfig struct {
	// Root prefixes every alias and index name.
	Root            string         `yaml:"root"`
	Settings        map[string]any `yaml:"settings"`
	DefaultAnalysis bool           `yaml:"default_analysis"`
}

type SyncConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	ProgressInterval    int64         `yaml:"progress_interval"`
	BulkTimeout         time.Duration `yaml:"bulk_timeout"`
	ReindexTimeout      time.Duration `yaml:"reindex_timeout"`
	ReindexFirst        bool          `yaml:"reindex_first"`
	MaxBatchesPerSecond float64       `yaml:"max_batches_per_second"`
	// Concurrency bounds how many apps "sync --all" runs at once.
	Concurrency int `yaml:"concurrency"`
}

// SourceConfig is the relational database the apps read from.
type SourceConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type JobsConfig struct {
	Queue         string `yaml:"queue"` // "memory" or "kafka"
	QueueSize     int    `yaml:"queue_size"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	// MigrateCron, if set, makes the worker run a migration check for every
	// app on this schedule (standard 5-field cron).
	MigrateCron string      `yaml:"migrate_cron"`
	Kafka       KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string    `yaml:"brokers"`
	Topic   string      `yaml:"topic"`
	Group   string      `yaml:"group"`
	TLS     bool        `yaml:"tls"`
	SASL    *SASLConfig `yaml:"sasl"`
	// PEM files; any of them implies TLS.
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

type SASLConfig struct {
	Mechanism string `yaml:"mechanism"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"` //nolint:gosec // G117: config field, not a hardcoded credential
}

type MetricsConfig struct {
	// Listen is the worker's metrics address. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// AppConfig declares one search app backed by a table.
type AppConfig struct {
	Name      string   `yaml:"name"`
	DocType   string   `yaml:"doc_type"`
	BatchSize int      `yaml:"batch_size"`
	Table     string   `yaml:"table"`
	IDColumn  string   `yaml:"id_column"`
	Columns   []string `yaml:"columns"`
	// Exactly one of Mapping and MappingFile is set.
	Mapping     map[string]any `yaml:"mapping"`
	MappingFile string         `yaml:"mapping_file"`
}

// Default returns the configuration used for anything a file leaves unset.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Type:      "elasticsearch",
			Addresses: []string{"http://localhost:9200"},
		},
		Index: IndexConfig{
			Root:            "searchsync",
			DefaultAnalysis: true,
		},
		Sync: SyncConfig{
			BatchSize:        500,
			ProgressInterval: 20000,
			BulkTimeout:      300 * time.Second,
			ReindexTimeout:   6 * time.Hour,
			Concurrency:      2,
		},
		Source: SourceConfig{Driver: "sqlite"},
		Jobs: JobsConfig{
			Queue:         "memory",
			QueueSize:     64,
			MaxConcurrent: 2,
			Kafka: KafkaConfig{
				Topic: "searchsync-jobs",
				Group: "searchsync",
			},
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path) //nolint:gosec // G304: operator-supplied config path
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		defer func() { _ = f.Close() }()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.dir = filepath.Dir(path)
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without touching the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvESPassword); v != "" {
		c.Engine.Password = v
	}
	if v := getenv(EnvESAPIKey); v != "" {
		c.Engine.APIKey = v
	}
	if v := getenv(EnvSourceDSN); v != "" {
		c.Source.DSN = v
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Engine.Type {
	case "elasticsearch":
		if len(c.Engine.Addresses) == 0 {
			add("engine.addresses: at least one address is required")
		}
	case "memory":
	default:
		add("engine.type: must be elasticsearch or memory, got %q", c.Engine.Type)
	}

	if c.Index.Root == "" || c.Index.Root != strings.ToLower(c.Index.Root) {
		add("index.root: must be non-empty and lowercase, got %q", c.Index.Root)
	}

	if c.Sync.BatchSize <= 0 {
		add("sync.batch_size: must be positive")
	}
	if c.Sync.ProgressInterval <= 0 {
		add("sync.progress_interval: must be positive")
	}
	if c.Sync.BulkTimeout <= 0 || c.Sync.ReindexTimeout <= 0 {
		add("sync: timeouts must be positive")
	}
	if c.Sync.MaxBatchesPerSecond < 0 {
		add("sync.max_batches_per_second: must not be negative")
	}
	if c.Sync.Concurrency <= 0 {
		add("sync.concurrency: must be positive")
	}

	if !slices.Contains([]string{"sqlite", "postgres"}, c.Source.Driver) {
		add("source.driver: must be sqlite or postgres, got %q", c.Source.Driver)
	}
	if len(c.Apps) > 0 && c.Source.DSN == "" {
		add("source.dsn: required when apps are configured")
	}

	switch c.Jobs.Queue {
	case "memory":
	case "kafka":
		if len(c.Jobs.Kafka.Brokers) == 0 {
			add("jobs.kafka.brokers: required for the kafka queue")
		}
	default:
		add("jobs.queue: must be memory or kafka, got %q", c.Jobs.Queue)
	}
	if c.Jobs.MaxConcurrent <= 0 {
		add("jobs.max_concurrent: must be positive")
	}
	if err := ValidateCron(c.Jobs.MigrateCron); err != nil {
		add("jobs.migrate_cron: %w", err)
	}

	if (c.Engine.ClientCert == "") != (c.Engine.ClientKey == "") {
		add("engine: client_cert and client_key must be set together")
	}
	if (c.Jobs.Kafka.ClientCert == "") != (c.Jobs.Kafka.ClientKey == "") {
		add("jobs.kafka: client_cert and client_key must be set together")
	}

	seen := make(map[string]bool, len(c.Apps))
	types := make(map[string]bool, len(c.Apps))
	for i, a := range c.Apps {
		where := fmt.Sprintf("apps[%d]", i)
		if a.Name != "" {
			where = fmt.Sprintf("apps[%s]", a.Name)
		}
		switch {
		case a.Name == "":
			add("%s.name: required", where)
		case seen[a.Name]:
			add("%s: duplicate app name", where)
		}
		seen[a.Name] = true
		if a.DocType == "" {
			add("%s.doc_type: required", where)
		} else if types[a.DocType] {
			add("%s.doc_type: %q used by another app", where, a.DocType)
		}
		types[a.DocType] = true
		if a.Table == "" {
			add("%s.table: required", where)
		}
		if a.BatchSize < 0 {
			add("%s.batch_size: must not be negative", where)
		}
		if (a.Mapping == nil) == (a.MappingFile == "") {
			add("%s: exactly one of mapping and mapping_file is required", where)
		}
	}
	return errors.Join(errs...)
}

// ValidateCron checks a standard 5-field cron expression. Empty is valid.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	if err := gocron.NewDefaultCron(false).IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// App returns the named app's configuration.
func (c Config) App(name string) (AppConfig, bool) {
	i := slices.IndexFunc(c.Apps, func(a AppConfig) bool { return a.Name == name })
	if i < 0 {
		return AppConfig{}, false
	}
	return c.Apps[i], true
}

// Mapping returns a's index mapping, reading MappingFile (YAML or JSON)
// relative to the config file's directory when needed.
func (c Config) Mapping(a AppConfig) (map[string]any, error) {
	if a.Mapping != nil {
		return a.Mapping, nil
	}
	path := a.MappingFile
	if !filepath.IsAbs(path) && c.dir != "" {
		path = filepath.Join(c.dir, path)
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied mapping path
	if err != nil {
		return nil, fmt.Errorf("app %s: read mapping: %w", a.Name, err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("app %s: parse mapping %s: %w", a.Name, path, err)
	}
	if m == nil {
		return nil, fmt.Errorf("app %s: mapping %s is empty", a.Name, path)
	}
	return m, nil
}
