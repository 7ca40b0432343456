// benchkeeperd is the benchmark history daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/handler"
	"github.com/xtxerr/benchkeeper/internal/loader"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/metrics"
	"github.com/xtxerr/benchkeeper/internal/server"
	"github.com/xtxerr/benchkeeper/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "benchkeeperd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	started := time.Now()

	// CLI flags
	cfgPath := flag.String("config", "benchkeeper.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	backendName := flag.String("backend", "", "persistence backend: memory, document, journal, badger")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	token := flag.String("token", "", "auth token (or BENCHKEEPER_TOKEN env)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	watch := flag.Bool("watch", false, "watch config for token changes")
	flag.Parse()

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loader.DefaultConfig()
	}
	missingConfig := err != nil

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *backendName != "" {
		cfg.Storage.Persistence.Backend = *backendName
	}
	if *noTLS {
		cfg.TLS.CertFile = ""
		cfg.TLS.KeyFile = ""
	}
	if *tlsCert != "" {
		cfg.TLS.CertFile = *tlsCert
	}
	if *tlsKey != "" {
		cfg.TLS.KeyFile = *tlsKey
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Token from flag or env
	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("BENCHKEEPER_TOKEN")
	}
	if authToken != "" && len(cfg.Auth.Tokens) == 0 {
		cfg.Auth.Tokens = []handler.TokenConfig{{ID: "cli", Token: authToken}}
	}

	if err := loader.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logging.Init(level, cfg.Log.JSON)
	log := logging.Component("main")
	log.Info("benchkeeperd starting", "version", Version)
	if missingConfig {
		log.Info("no config file found, using defaults", "path", *cfgPath)
	}

	// =========================================================================
	// Metrics
	// =========================================================================

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// =========================================================================
	// Initialize Store
	// =========================================================================

	log.Info("opening store",
		"data_dir", cfg.Storage.DataDir,
		"backend", cfg.Storage.Persistence.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := storage.New(ctx, cfg.Storage, storage.Options{Metrics: m})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	st := svc.Stats()
	log.Info("store loaded",
		"suites", st.Store.Suites,
		"entries", st.Load.Entries,
		"skipped", st.Load.Skipped)

	// =========================================================================
	// Create Server
	// =========================================================================

	srvCfg := &server.Config{
		Service:          svc,
		Listen:           cfg.Listen,
		TLSCertFile:      cfg.TLS.CertFile,
		TLSKeyFile:       cfg.TLS.KeyFile,
		Tokens:           cfg.Auth.Tokens,
		MaxBodySize:      cfg.MaxBodySize,
		AuthFailureLimit: cfg.Auth.RateLimitPerMinute,
		Metrics:          m,
	}
	if cfg.Metrics.Enabled {
		srvCfg.Gatherer = reg
	}
	srv := server.New(srvCfg)

	// Watch config for token changes
	if *watch && !missingConfig {
		watcher := loader.NewWatcher(*cfgPath, 0, func(newCfg *loader.Config, err error) {
			if err != nil {
				return
			}
			srv.SetTokens(newCfg.Auth.Tokens)
		})
		if err := watcher.Start(); err != nil {
			log.Warn("config watch disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// =========================================================================
	// Run until signalled, then shut down gracefully
	// =========================================================================

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer cancel()

	// Stop server first (stop accepting new work), then flush the store.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		log.Warn("store close", "error", err)
	}
	log.Info("stopped", "uptime", time.Since(started).Round(time.Second))

	return runErr
}
