package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/benchkeeper/config"
)

// Config represents the complete storage configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// RepoURL is written into the persisted document header.
	RepoURL string `yaml:"repo_url"`

	// Store configures the series store.
	Store StoreConfig `yaml:"store"`

	// Persistence selects and configures the persistence backend.
	Persistence PersistenceConfig `yaml:"persistence"`

	// Analysis configures the regression analyzer.
	Analysis AnalysisConfig `yaml:"analysis"`

	// Alert configures the alert policy.
	Alert AlertConfig `yaml:"alert"`

	// Export configures Parquet export.
	Export ExportConfig `yaml:"export"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`
}

// StoreConfig configures the series store.
type StoreConfig struct {
	// DuplicatePolicy is "ignore" (idempotent) or "append".
	DuplicatePolicy string `yaml:"duplicate_policy"`

	// IndexDepth is the number of recent positions kept per index ring.
	IndexDepth int `yaml:"index_depth"`

	// TimeUnits are units whose values must not be negative.
	TimeUnits []string `yaml:"time_units"`
}

// PersistenceConfig selects and configures the persistence backend.
type PersistenceConfig struct {
	// Backend is one of: memory, document, journal, badger.
	Backend string `yaml:"backend"`

	// Document configures the document backend.
	Document DocumentConfig `yaml:"document"`

	// WAL configures the journal backend.
	WAL WALConfig `yaml:"wal"`

	// Badger configures the badger backend.
	Badger BadgerConfig `yaml:"badger"`

	// Timeout bounds a single persistence attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// DrainTimeout bounds how long Close waits for in-flight appends.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DocumentConfig configures the document backend.
type DocumentConfig struct {
	// Path of the document. A ".js" suffix writes the data.js form.
	// Defaults to {DataDir}/data.json.
	Path string `yaml:"path"`
}

// WALConfig configures the Write-Ahead Log of the journal backend.
type WALConfig struct {
	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`

	// CheckpointEvery is the number of records between snapshots.
	CheckpointEvery int `yaml:"checkpoint_every"`
}

// BadgerConfig configures the badger backend.
type BadgerConfig struct {
	// Dir is the badger directory. Defaults to {DataDir}/badger.
	Dir string `yaml:"dir"`

	// SyncWrites makes every write durable before it returns.
	SyncWrites bool `yaml:"sync_writes"`

	// InMemory keeps everything in memory (tests only).
	InMemory bool `yaml:"in_memory"`
}

// AnalysisConfig configures the regression analyzer.
type AnalysisConfig struct {
	// Window is the number of prior values averaged into a baseline.
	Window int `yaml:"window"`

	// Threshold is the exclusive regression ratio.
	Threshold float64 `yaml:"threshold"`

	// ImprovementThreshold is the exclusive improvement ratio.
	ImprovementThreshold float64 `yaml:"improvement_threshold"`

	// NoiseMultiplier scales mean variability into the noise floor.
	NoiseMultiplier float64 `yaml:"noise_multiplier"`

	// Directions maps measurement names to "lower" or "higher".
	Directions map[string]string `yaml:"directions"`

	// UnitDirections maps units to "lower" or "higher" and is consulted
	// when a measurement name has no explicit direction. The defaults cover
	// the units the supported harnesses emit; map a unit to "none" to
	// withhold verdicts for it.
	UnitDirections map[string]string `yaml:"unit_directions"`
}

// AlertConfig configures the alert policy.
type AlertConfig struct {
	// FailOnRegression escalates severe regressions to a build failure.
	FailOnRegression bool `yaml:"fail_on_regression"`

	// FailThreshold is the severity above which a regression fails the build.
	FailThreshold float64 `yaml:"fail_threshold"`
}

// ExportConfig configures Parquet export.
type ExportConfig struct {
	// Dir is the export directory. Defaults to {DataDir}/export.
	Dir string `yaml:"dir"`

	// Compression is the compression algorithm: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/benchkeeper",
		Store: StoreConfig{
			DuplicatePolicy: defaults.DefaultDuplicatePolicy,
			IndexDepth:      defaults.DefaultIndexDepth,
			TimeUnits:       append([]string(nil), defaults.DefaultTimeUnits...),
		},
		Persistence: PersistenceConfig{
			Backend: defaults.DefaultBackend,
			WAL: WALConfig{
				SyncMode:        "fsync",
				MaxSegmentSize:  16 * 1024 * 1024, // 16MB
				CheckpointEvery: defaults.DefaultCheckpointEvery,
			},
			Badger: BadgerConfig{
				SyncWrites: true,
			},
			Timeout:        defaults.DefaultPersistTimeout,
			MaxRetries:     defaults.DefaultMaxRetries,
			InitialBackoff: defaults.DefaultInitialBackoff,
			MaxBackoff:     defaults.DefaultMaxBackoff,
			DrainTimeout:   defaults.DefaultDrainTimeout,
		},
		Analysis: AnalysisConfig{
			Window:               defaults.DefaultBaselineWindow,
			Threshold:            defaults.DefaultRegressionThreshold,
			ImprovementThreshold: defaults.DefaultImprovementThreshold,
			NoiseMultiplier:      defaults.DefaultNoiseMultiplier,
			Directions:           map[string]string{},
			UnitDirections: map[string]string{
				"ns/iter":   "lower",
				"ns/op":     "lower",
				"B/op":      "lower",
				"allocs/op": "lower",
				"ops/sec":   "higher",
			},
		},
		Alert: AlertConfig{
			FailOnRegression: false,
			FailThreshold:    defaults.DefaultFailThreshold,
		},
		Export: ExportConfig{
			Compression: "zstd",
		},
		Query: QueryConfig{
			MemoryLimit: "1GB",
			Timeout:     defaults.DefaultQueryTimeout,
			MaxRows:     100000,
		},
	}
}

// DocumentPath returns the document backend path.
func (c *Config) DocumentPath() string {
	if c.Persistence.Document.Path != "" {
		return c.Persistence.Document.Path
	}
	return filepath.Join(c.DataDir, defaults.DefaultDocumentName)
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	if c.Persistence.WAL.Dir != "" {
		return c.Persistence.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// BadgerDir returns the badger directory path.
func (c *Config) BadgerDir() string {
	if c.Persistence.Badger.Dir != "" {
		return c.Persistence.Badger.Dir
	}
	return filepath.Join(c.DataDir, "badger")
}

// ExportDir returns the Parquet export directory path.
func (c *Config) ExportDir() string {
	if c.Export.Dir != "" {
		return c.Export.Dir
	}
	return filepath.Join(c.DataDir, defaults.DefaultExportDirName)
}
