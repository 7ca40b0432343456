package main

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/benchkeeper/internal/analysis"
	"github.com/xtxerr/benchkeeper/internal/client"
	"github.com/xtxerr/benchkeeper/internal/handler"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/storage"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/storage/query"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// backend is what the commands need from a history store. The HTTP client
// implements it directly; localBackend adapts an in-process service.
type backend interface {
	Ingest(ctx context.Context, suite string, entry types.CommitEntry) (*storage.IngestResult, error)
	Entries(ctx context.Context, suite string, r types.Range) ([]types.CommitEntry, error)
	Verdicts(ctx context.Context, suite, commit string) (*handler.VerdictsResponse, error)
	Suites(ctx context.Context) ([]string, error)
	Measurements(ctx context.Context, suite, prefix string) ([]string, error)
	Summary(ctx context.Context, suite, name string) (*analysis.Summary, error)
	Export(ctx context.Context) (*storage.ExportResult, error)
	Query(ctx context.Context, sql string) (*query.Result, error)
	Close() error
}

var _ backend = (*client.Client)(nil)

// openBackend connects to the server when one is configured and opens the
// local data directory otherwise.
func openBackend(ctx context.Context, opts *globalOptions) (backend, error) {
	if opts.server != "" {
		return client.New(opts.server, opts.token, client.WithTimeout(opts.timeout))
	}

	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("load storage config: %w", err)
		}
		cfg = loaded
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.backend != "" {
		cfg.Persistence.Backend = opts.backend
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	logging.Component("benchctl").Debug("opening local store",
		"data_dir", cfg.DataDir,
		"backend", cfg.Persistence.Backend)

	svc, err := storage.New(ctx, cfg, storage.Options{})
	if err != nil {
		return nil, err
	}
	return &localBackend{svc: svc, timeout: opts.timeout}, nil
}

// localBackend runs operations against an in-process storage service.
type localBackend struct {
	svc     *storage.Service
	timeout time.Duration
}

func (b *localBackend) Ingest(ctx context.Context, suite string, entry types.CommitEntry) (*storage.IngestResult, error) {
	return b.svc.Ingest(ctx, suite, entry)
}

func (b *localBackend) Entries(_ context.Context, suite string, r types.Range) ([]types.CommitEntry, error) {
	return b.svc.Query(suite, r), nil
}

func (b *localBackend) Verdicts(ctx context.Context, suite, commit string) (*handler.VerdictsResponse, error) {
	verdicts, err := b.svc.Verdicts(ctx, suite, commit)
	if err != nil {
		return nil, err
	}
	return &handler.VerdictsResponse{
		Suite:    suite,
		Commit:   commit,
		Verdicts: verdicts,
		Action:   b.svc.Evaluate(verdicts),
	}, nil
}

func (b *localBackend) Suites(context.Context) ([]string, error) {
	return b.svc.Suites(), nil
}

func (b *localBackend) Measurements(_ context.Context, suite, prefix string) ([]string, error) {
	return b.svc.Measurements(suite, prefix), nil
}

func (b *localBackend) Summary(_ context.Context, suite, name string) (*analysis.Summary, error) {
	s, err := b.svc.Summary(suite, name)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *localBackend) Export(ctx context.Context) (*storage.ExportResult, error) {
	return b.svc.Export(ctx)
}

func (b *localBackend) Query(ctx context.Context, sql string) (*query.Result, error) {
	return b.svc.QuerySQL(ctx, sql)
}

func (b *localBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.svc.Close(ctx)
}
