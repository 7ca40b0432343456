package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/handler"
	"github.com/xtxerr/benchkeeper/internal/logging"
)

var log = logging.Component("loader")

// =============================================================================
// Load
// =============================================================================

// readExpanded reads a YAML file with ${VAR} references expanded from the
// environment.
func readExpanded(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []byte(os.ExpandEnv(string(data))), nil
}

// Load reads the daemon configuration at path over DefaultConfig. Relative
// storage paths and include patterns resolve against the file's directory.
func Load(path string) (*Config, error) {
	data, err := readExpanded(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Storage == nil {
		cfg.Storage = DefaultConfig().Storage
	}

	base := filepath.Dir(path)
	if dir := cfg.Storage.DataDir; dir != "" && !filepath.IsAbs(dir) {
		cfg.Storage.DataDir = filepath.Join(base, dir)
	}

	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(base, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("include %q: %w", pattern, err)
		}
		for _, m := range matches {
			if err := mergeTokens(cfg, m); err != nil {
				return nil, fmt.Errorf("include %q: %w", m, err)
			}
		}
	}
	return cfg, nil
}

// mergeTokens adds the auth tokens of an included file to cfg. A token id
// defined again replaces the earlier definition.
func mergeTokens(cfg *Config, path string) error {
	data, err := readExpanded(path)
	if err != nil {
		return err
	}
	var inc struct {
		Auth AuthConfig `yaml:"auth"`
	}
	if err := yaml.Unmarshal(data, &inc); err != nil {
		return err
	}

	for _, t := range inc.Auth.Tokens {
		i := slices.IndexFunc(cfg.Auth.Tokens, func(have handler.TokenConfig) bool { return have.ID == t.ID })
		if i >= 0 {
			cfg.Auth.Tokens[i] = t
		} else {
			cfg.Auth.Tokens = append(cfg.Auth.Tokens, t)
		}
	}
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Server validation
	if cfg.Listen == "" {
		errs.AddField("listen", "cannot be empty")
	}
	if cfg.MaxBodySize <= 0 {
		errs.AddField("max_body_size", "must be positive")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		errs.AddField("tls", "cert_file and key_file must be set together")
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		errs.AddField("log.level", err.Error())
	}
	if cfg.Shutdown.Timeout <= 0 {
		errs.AddField("shutdown.timeout", "must be positive")
	}

	// Auth validation
	if cfg.Auth.RateLimitPerMinute < 1 {
		errs.AddField("auth.rate_limit_per_minute", "must be at least 1")
	}
	ids := make(map[string]int, len(cfg.Auth.Tokens))
	for i, t := range cfg.Auth.Tokens {
		field := fmt.Sprintf("auth.tokens[%d]", i)
		if first, dup := ids[t.ID]; dup && t.ID != "" {
			errs.AddField(field+".id", fmt.Sprintf("duplicate of auth.tokens[%d]", first))
		} else if t.ID == "" {
			errs.AddMissing(field + ".id")
		} else {
			ids[t.ID] = i
		}
		if t.Token == "" {
			errs.AddMissing(field + ".token")
		}
	}

	// Storage validation
	if cfg.Storage == nil {
		errs.AddMissing("storage")
	} else if err := cfg.Storage.Validate(); err != nil {
		errs.Add(fmt.Errorf("storage: %w", err))
	}

	return errs.Err()
}

// =============================================================================
// Config Watcher
// =============================================================================

// Watcher watches a config file for changes and reloads it.
//
// The directory is watched rather than the file so editors that replace
// the file by rename are picked up. Bursts of events are coalesced.
// Only settings that can change at runtime are worth reloading (tokens);
// the callback decides what to apply.
type Watcher struct {
	path     string
	debounce time.Duration
	callback func(*Config, error)
	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a new config file watcher. A non-positive debounce
// defaults to 250ms.
func NewWatcher(path string, debounce time.Duration, callback func(*Config, error)) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		callback: callback,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins watching the config file.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw

	go w.watch()
	return nil
}

// Stop stops watching and waits for the watch goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.fsw != nil {
			w.fsw.Close()
			<-w.stopped
		}
	})
}

func (w *Watcher) watch() {
	defer close(w.stopped)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("config watcher error", "path", w.path, "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		log.Warn("config reload failed", "path", w.path, "error", err)
		cfg = nil
	} else {
		log.Info("config reloaded", "path", w.path, "tokens", len(cfg.Auth.Tokens))
	}
	if w.callback != nil {
		w.callback(cfg, err)
	}
}
