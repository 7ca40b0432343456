package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/storage/parquet"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// Validate checks the configuration for errors.
// All problems are collected; the result wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	errs := errors.NewValidationErrors()

	// DataDir
	if c.DataDir == "" {
		errs.AddField("data_dir", "is required")
	}

	c.Store.validate(errs)
	c.Persistence.validate(errs)
	c.Analysis.validate(errs)

	// Alert thresholds depend on the analysis threshold.
	if c.Alert.FailThreshold < c.Analysis.Threshold {
		errs.AddField("alert.fail_threshold",
			fmt.Sprintf("must be >= analysis.threshold (%g)", c.Analysis.Threshold))
	}

	if _, err := parquet.Codec(c.Export.Compression); err != nil {
		errs.AddField("export.compression", "must be one of: "+strings.Join(parquet.Compressions(), ", "))
	}

	c.Query.validate(errs)

	return errs.Err()
}

func (c *StoreConfig) validate(errs *errors.ValidationErrors) {
	switch c.DuplicatePolicy {
	case "ignore", "append":
	default:
		errs.AddField("store.duplicate_policy", "must be ignore or append")
	}
	if c.IndexDepth <= 0 {
		errs.AddField("store.index_depth", "must be positive")
	}
}

func (c *PersistenceConfig) validate(errs *errors.ValidationErrors) {
	switch c.Backend {
	case "memory", "document", "journal", "badger":
	default:
		errs.AddField("persistence.backend", "must be one of: memory, document, journal, badger")
	}

	if c.Timeout <= 0 {
		errs.AddField("persistence.timeout", "must be positive")
	}
	if c.MaxRetries < 0 {
		errs.AddField("persistence.max_retries", "must not be negative")
	}
	if c.InitialBackoff <= 0 {
		errs.AddField("persistence.initial_backoff", "must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		errs.AddField("persistence.max_backoff", "must be >= initial_backoff")
	}
	if c.DrainTimeout <= 0 {
		errs.AddField("persistence.drain_timeout", "must be positive")
	}

	if c.Backend == "journal" {
		switch c.WAL.SyncMode {
		case "async", "sync", "fsync":
		default:
			errs.AddField("persistence.wal.sync_mode", "must be one of: async, sync, fsync")
		}
		if c.WAL.MaxSegmentSize < 1024 {
			errs.AddField("persistence.wal.max_segment_size", "must be at least 1KB")
		}
		if c.WAL.CheckpointEvery <= 0 {
			errs.AddField("persistence.wal.checkpoint_every", "must be positive")
		}
	}
}

func (c *AnalysisConfig) validate(errs *errors.ValidationErrors) {
	if c.Window <= 0 {
		errs.AddField("analysis.window", "must be positive")
	}
	if c.Threshold <= 1 {
		errs.AddField("analysis.threshold", "must be > 1")
	}
	if c.ImprovementThreshold < 1 {
		errs.AddField("analysis.improvement_threshold", "must be >= 1")
	}
	if c.NoiseMultiplier < 0 {
		errs.AddField("analysis.noise_multiplier", "must not be negative")
	}
	for name, dir := range c.Directions {
		if dir != types.DirectionNone && types.ParseDirection(dir) == types.DirectionUnknown {
			errs.AddField("analysis.directions."+name, fmt.Sprintf("unknown direction %q", dir))
		}
	}
	for unit, dir := range c.UnitDirections {
		if dir != types.DirectionNone && types.ParseDirection(dir) == types.DirectionUnknown {
			errs.AddField("analysis.unit_directions."+unit, fmt.Sprintf("unknown direction %q", dir))
		}
	}
}

func (c *QueryConfig) validate(errs *errors.ValidationErrors) {
	if c.Timeout <= 0 {
		errs.AddField("query.timeout", "must be positive")
	}
	if c.MaxRows <= 0 {
		errs.AddField("query.max_rows", "must be positive")
	}
	if c.MemoryLimit != "" {
		if _, err := humanize.ParseBytes(c.MemoryLimit); err != nil {
			errs.AddField("query.memory_limit", err.Error())
		}
	}
}

// MemoryLimitBytes returns the parsed DuckDB memory limit, 0 when unset.
func (c *QueryConfig) MemoryLimitBytes() uint64 {
	n, err := humanize.ParseBytes(c.MemoryLimit)
	if err != nil {
		return 0
	}
	return n
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.ExportDir()}
	switch c.Persistence.Backend {
	case "journal":
		dirs = append(dirs, c.WALDir())
	case "badger":
		if !c.Persistence.Badger.InMemory {
			dirs = append(dirs, c.BadgerDir())
		}
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
