// Package loader reads, validates and watches the benchkeeperd
// configuration file.
//
// Example configuration:
//
//	listen: "0.0.0.0:8417"
//
//	log:
//	  level: info
//	  json: true
//
//	auth:
//	  rate_limit_per_minute: 5
//	  tokens:
//	    - id: ci
//	      token: "${BENCHKEEPER_CI_TOKEN}"
//	      suites: ["Rust Benchmark"]
//
//	include:
//	  - tokens.d/*.yaml
//
//	storage:
//	  data_dir: /var/lib/benchkeeper
//	  persistence:
//	    backend: journal
//	  alert:
//	    fail_on_regression: true
package loader

import (
	"time"

	defaults "github.com/xtxerr/benchkeeper/config"
	"github.com/xtxerr/benchkeeper/internal/handler"
	storageconfig "github.com/xtxerr/benchkeeper/internal/storage/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the benchkeeperd configuration file.
type Config struct {
	// -------------------------------------------------------------------------
	// Runtime Settings (server process configuration)
	// -------------------------------------------------------------------------

	// Listen is the HTTP API listen address.
	// Format: "host:port" or ":port"
	// Default: "127.0.0.1:8417"
	Listen string `yaml:"listen"`

	// MaxBodySize limits request bodies in bytes.
	// Default: 8 MiB
	MaxBodySize int64 `yaml:"max_body_size"`

	// TLS configures transport layer security.
	TLS TLSConfig `yaml:"tls"`

	// Auth configures authentication tokens and rate limiting.
	Auth AuthConfig `yaml:"auth"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Shutdown configures graceful shutdown behavior.
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// Include lists glob patterns of files whose auth tokens are merged
	// into this configuration. Relative patterns resolve against the
	// directory of the main file.
	Include []string `yaml:"include"`

	// -------------------------------------------------------------------------
	// Storage
	// -------------------------------------------------------------------------

	// Storage configures the history store, analysis and exports.
	Storage *storageconfig.Config `yaml:"storage"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	// Leave empty to disable TLS.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// Enabled reports whether both certificate and key are configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// RateLimitPerMinute is the max failed auth attempts per IP per minute.
	// After this limit, the IP is temporarily blocked.
	// Default: 5
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// Tokens is the list of API tokens. Empty disables authentication.
	// Use environment variables for secrets: "${BENCHKEEPER_TOKEN}"
	Tokens []handler.TokenConfig `yaml:"tokens"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// JSON switches from text to JSON output.
	JSON bool `yaml:"json"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled exposes /metrics.
	// Default: true
	Enabled bool `yaml:"enabled"`
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	// Timeout bounds the HTTP drain and store close.
	// Default: 15s
	Timeout time.Duration `yaml:"timeout"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaults.DefaultListenAddress,
		MaxBodySize: defaults.DefaultMaxBodySize,
		Auth: AuthConfig{
			RateLimitPerMinute: defaults.DefaultAuthFailureLimit,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Shutdown: ShutdownConfig{
			Timeout: defaults.DefaultShutdownTimeout,
		},
		Storage: storageconfig.DefaultConfig(),
	}
}
