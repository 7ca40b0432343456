// Package config provides configuration defaults and utilities
// for the benchkeeper application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP API listen address.
	// Override via config: listen
	DefaultListenAddress = "127.0.0.1:8417"

	// DefaultMaxBodySize limits the size of an ingested entry document.
	// Override via config: max_body_size
	DefaultMaxBodySize = 8 * 1024 * 1024

	// DefaultReadHeaderTimeout bounds reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// =============================================================================
// Auth Defaults
// =============================================================================

const (
	// DefaultAuthFailureLimit is the number of failed token checks per
	// client IP before further requests are rejected for the window.
	DefaultAuthFailureLimit = 5

	// DefaultAuthFailureWindow is the window failed token checks count in.
	DefaultAuthFailureWindow = time.Minute
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultDuplicatePolicy decides what happens when a (commit, tool) pair
	// is ingested twice into the same suite. "ignore" keeps the first entry,
	// "append" records every run.
	// Override via config: storage.store.duplicate_policy
	DefaultDuplicatePolicy = "ignore"

	// DefaultIndexDepth is the number of recent positions kept per suite and
	// per measurement name. Lookups deeper than this fall back to a scan.
	// Override via config: storage.store.index_depth
	DefaultIndexDepth = 64
)

// DefaultTimeUnits lists units treated as durations when validating entries.
// Values recorded under these units must not be negative.
// Override via config: storage.store.time_units
var DefaultTimeUnits = []string{
	"ns", "us", "µs", "ms", "s",
	"ns/iter", "us/iter", "ms/iter", "s/iter",
	"ns/op", "us/op", "ms/op", "s/op",
}

// =============================================================================
// Persistence Defaults
// =============================================================================

const (
	// DefaultBackend is the persistence backend used when none is configured.
	// Override via config: storage.persistence.backend
	DefaultBackend = "document"

	// DefaultDocumentName is the file name of the persisted history document.
	DefaultDocumentName = "data.json"

	// DefaultPersistTimeout bounds a single persistence attempt.
	// Override via config: storage.persistence.timeout
	DefaultPersistTimeout = 5 * time.Second

	// DefaultMaxRetries is the number of retries after the first failed attempt.
	// Override via config: storage.persistence.max_retries
	DefaultMaxRetries = 4

	// DefaultInitialBackoff is the delay before the first retry.
	// Override via config: storage.persistence.initial_backoff
	DefaultInitialBackoff = 100 * time.Millisecond

	// DefaultMaxBackoff caps the exponential backoff.
	// Override via config: storage.persistence.max_backoff
	DefaultMaxBackoff = 2 * time.Second

	// DefaultCheckpointEvery is the number of journal records between snapshots.
	// Override via config: storage.persistence.wal.checkpoint_every
	DefaultCheckpointEvery = 256
)

// =============================================================================
// Analysis Defaults
// =============================================================================

const (
	// DefaultBaselineWindow is the number of prior values averaged into a baseline.
	// Override via config: storage.analysis.window
	DefaultBaselineWindow = 5

	// DefaultRegressionThreshold is the exclusive ratio above which a
	// lower-is-better measurement is classified as regressed.
	// Override via config: storage.analysis.threshold
	DefaultRegressionThreshold = 1.5

	// DefaultImprovementThreshold is the exclusive ratio for improvements.
	// 1.0 means any move past the noise floor in the better direction.
	// Override via config: storage.analysis.improvement_threshold
	DefaultImprovementThreshold = 1.0

	// DefaultNoiseMultiplier scales the mean historical variability into the
	// noise floor.
	// Override via config: storage.analysis.noise_multiplier
	DefaultNoiseMultiplier = 2.0
)

// =============================================================================
// Alert Defaults
// =============================================================================

const (
	// DefaultFailThreshold is the severity above which fail-on-regression
	// escalates a notification into a build failure.
	// Override via config: storage.alert.fail_threshold
	DefaultFailThreshold = 2.0
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long shutdown waits for in-flight appends.
	// Override via config: storage.persistence.drain_timeout
	DefaultDrainTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds HTTP server shutdown.
	DefaultShutdownTimeout = 15 * time.Second
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryTimeout bounds ad hoc DuckDB queries.
	// Override via config: storage.query.timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultExportDirName is the sub directory of data_dir for Parquet exports.
	DefaultExportDirName = "export"
)
