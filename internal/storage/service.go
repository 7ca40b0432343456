// LOCATION: internal/storage/service.go
//
// The storage service ties the series store, analyzer, verdict cache,
// Parquet export and query engine together behind one API.

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/benchkeeper/internal/alert"
	"github.com/xtxerr/benchkeeper/internal/analysis"
	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/metrics"
	"github.com/xtxerr/benchkeeper/internal/storage/backend"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/storage/parquet"
	"github.com/xtxerr/benchkeeper/internal/storage/query"
	"github.com/xtxerr/benchkeeper/internal/storage/series"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// ExportFile is the name of the Parquet export inside the export directory.
const ExportFile = "series.parquet"

// Options injects collaborators into the service.
type Options struct {
	// Backend overrides the backend selected by the configuration.
	Backend backend.Backend

	// Metrics receives service metrics. Nil records nothing.
	Metrics *metrics.Metrics

	// Now stamps entries without an ingestion date. Defaults to time.Now.
	Now func() time.Time
}

// Service is the main storage service that orchestrates all components.
type Service struct {
	config *config.Config
	log    *slog.Logger

	// Components
	store    *series.Store
	analyzer *analysis.Analyzer
	policy   *alert.Policy
	query    *query.Service
	metrics  *metrics.Metrics

	// Verdict cache, invalidated per suite on append
	cacheMu sync.Mutex
	cache   map[verdictKey][]types.Verdict
	gens    map[string]uint64
	flight  singleflight.Group

	exportMu sync.Mutex

	running   atomic.Bool
	startTime time.Time

	closeMu     sync.Mutex
	queryClosed bool
}

// verdictKey identifies a cached analysis. An empty tool means the most
// recent entry of the commit whatever its tool.
type verdictKey struct {
	suite  string
	commit string
	tool   string
}

// IngestResult is what an ingestion produced.
type IngestResult struct {
	Result   types.AppendResult `json:"result"`
	Verdicts []types.Verdict    `json:"verdicts"`
	Action   alert.Action       `json:"action"`
}

// ExportResult describes a finished export.
type ExportResult struct {
	Path     string        `json:"path"`
	Suites   int           `json:"suites"`
	Rows     int64         `json:"rows"`
	Duration time.Duration `json:"duration"`
}

// New creates the storage service and loads the persisted state.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	b := opts.Backend
	if b == nil {
		var err error
		if b, err = backend.Open(cfg); err != nil {
			return nil, fmt.Errorf("open backend: %w", err)
		}
	}

	storeOpts := series.OptionsFromConfig(cfg, b)
	storeOpts.Now = opts.Now
	store, err := series.Open(ctx, storeOpts)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	closeStore := func() {
		cctx, cancel := context.WithTimeout(context.Background(), cfg.Persistence.DrainTimeout)
		defer cancel()
		store.Close(cctx)
	}

	analyzer, err := analysis.New(store, analysis.ConfigFromStorage(cfg.Analysis))
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("create analyzer: %w", err)
	}

	policy, err := alert.New(alert.ConfigFromStorage(cfg))
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("create alert policy: %w", err)
	}

	qry, err := query.New(cfg)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("create query: %w", err)
	}

	s := &Service{
		config:    cfg,
		log:       logging.Component("storage"),
		store:     store,
		analyzer:  analyzer,
		policy:    policy,
		query:     qry,
		metrics:   opts.Metrics,
		cache:     make(map[verdictKey][]types.Verdict),
		gens:      make(map[string]uint64),
		startTime: time.Now(),
	}
	s.running.Store(true)
	s.publishSize()

	report := store.Report()
	s.log.Info("storage service started",
		"backend", b.Name(),
		"suites", report.Suites,
		"entries", report.Entries,
		"skipped", report.Skipped)
	return s, nil
}

// Close drains in-flight appends, flushes the backend and releases the
// query engine. Appends after Close fail with ErrStoreClosed. When the
// drain times out Close may be called again to finish the shutdown.
func (s *Service) Close(ctx context.Context) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.running.Store(false)

	var errs []error
	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if !s.queryClosed {
		s.queryClosed = true
		if err := s.query.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close query: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Ingest appends entry to suite, analyzes it against the preceding history
// and evaluates the alert policy.
//
// An ignored duplicate yields the verdicts of the entry already stored.
func (s *Service) Ingest(ctx context.Context, suite string, entry types.CommitEntry) (*IngestResult, error) {
	log := logging.WithContext(logging.ContextWithCommit(logging.ContextWithSuite(ctx, suite), entry.Commit.ID))
	start := time.Now()

	result, err := s.store.Append(ctx, suite, entry)
	if err != nil {
		s.metrics.RecordIngestError(errorReason(err))
		log.Warn("ingestion failed", "error", err)
		return nil, err
	}
	s.metrics.RecordIngest(suite, result.String(), time.Since(start))

	if result != types.DuplicateIgnored {
		s.invalidate(suite)
		s.publishSize()
	}

	verdicts, err := s.EntryVerdicts(ctx, suite, entry.Key())
	if err != nil {
		// The entry is stored; a failed analysis must not turn that into an error.
		log.Error("analysis after append failed", "error", err)
		verdicts = nil
	}
	for _, v := range verdicts {
		s.metrics.RecordVerdict(v.Classification.String())
	}

	action := s.policy.Evaluate(verdicts)
	s.metrics.RecordAction(action.Kind.String())

	log.Info("entry ingested",
		"result", result,
		"measurements", len(entry.Measurements),
		"verdicts", len(verdicts),
		"action", action.Kind,
		"action_id", action.ID)

	return &IngestResult{Result: result, Verdicts: verdicts, Action: action}, nil
}

// Query returns the entries of suite within r, oldest first. An unknown
// suite yields an empty result.
func (s *Service) Query(suite string, r types.Range) []types.CommitEntry {
	var out []types.CommitEntry
	for e := range s.store.Lookup(suite) {
		if r.Contains(&e) {
			out = append(out, e)
		}
	}
	if r.Latest > 0 && len(out) > r.Latest {
		out = out[len(out)-r.Latest:]
	}
	return out
}

// Verdicts returns the verdicts of the most recent entry of commitID in
// suite, computed against the entries preceding it. Results are cached
// until the suite changes; concurrent requests share one computation.
func (s *Service) Verdicts(ctx context.Context, suite, commitID string) ([]types.Verdict, error) {
	return s.cachedVerdicts(verdictKey{suite: suite, commit: commitID}, func() ([]types.Verdict, error) {
		return s.analyzer.AnalyzeAt(suite, commitID)
	})
}

// EntryVerdicts is Verdicts for the entry stored under one (commit, tool)
// key, so runs of other tools on the same commit do not interfere.
func (s *Service) EntryVerdicts(ctx context.Context, suite string, key types.EntryKey) ([]types.Verdict, error) {
	return s.cachedVerdicts(verdictKey{suite: suite, commit: key.CommitID, tool: key.Tool}, func() ([]types.Verdict, error) {
		return s.analyzer.AnalyzeKey(suite, key)
	})
}

func (s *Service) cachedVerdicts(key verdictKey, analyze func() ([]types.Verdict, error)) ([]types.Verdict, error) {
	s.cacheMu.Lock()
	cached, ok := s.cache[key]
	gen := s.gens[key.suite]
	s.cacheMu.Unlock()
	s.metrics.RecordCache(ok)
	if ok {
		return slices.Clone(cached), nil
	}

	flightKey := fmt.Sprintf("%s\x00%s\x00%s\x00%d", key.suite, key.commit, key.tool, gen)
	v, err, _ := s.flight.Do(flightKey, func() (any, error) {
		verdicts, err := analyze()
		if err != nil {
			return nil, err
		}

		s.cacheMu.Lock()
		if s.gens[key.suite] == gen {
			s.cache[key] = verdicts
		}
		s.cacheMu.Unlock()
		return verdicts, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]types.Verdict)), nil
}

func (s *Service) invalidate(suite string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.gens[suite]++
	for key := range s.cache {
		if key.suite == suite {
			delete(s.cache, key)
		}
	}
}

// Evaluate applies the alert policy to verdicts.
func (s *Service) Evaluate(verdicts []types.Verdict) alert.Action {
	return s.policy.Evaluate(verdicts)
}

// Summary summarizes the history of one measurement of suite.
func (s *Service) Summary(suite, name string) (analysis.Summary, error) {
	if s.store.Len(suite) == 0 {
		return analysis.Summary{}, errors.NewNotFound("suite", suite)
	}
	return analysis.SummarizeMeasurement(slices.Collect(s.store.Lookup(suite)), name)
}

// Suites lists the suites holding entries, sorted by name.
func (s *Service) Suites() []string {
	return s.store.Suites()
}

// Export writes every suite to the Parquet export and makes it queryable.
// The previous export is replaced atomically.
func (s *Service) Export(ctx context.Context) (*ExportResult, error) {
	s.exportMu.Lock()
	defer s.exportMu.Unlock()

	start := time.Now()
	res, err := s.export(ctx)
	s.metrics.RecordExport(err)
	if err != nil {
		s.log.Error("export failed", "error", err)
		return nil, err
	}
	res.Duration = time.Since(start)

	if err := s.query.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("refresh query view: %w", err)
	}

	s.log.Info("export complete", "path", res.Path, "suites", res.Suites, "rows", res.Rows, "duration", res.Duration)
	return res, nil
}

func (s *Service) export(ctx context.Context) (*ExportResult, error) {
	path := filepath.Join(s.config.ExportDir(), ExportFile)
	opts := parquet.DefaultOptions()
	opts.Compression = s.config.Export.Compression

	suites := s.store.Suites()
	rows, err := parquet.WriteFile(path, opts, func(w *parquet.SeriesWriter) error {
		for _, suite := range suites {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.WriteSeries(suite, 0, s.store.Range(suite, 0, -1)); err != nil {
				return fmt.Errorf("export suite %q: %w", suite, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ExportResult{Path: path, Suites: len(suites), Rows: rows}, nil
}

// QuerySQL runs an ad hoc query over the last export.
func (s *Service) QuerySQL(ctx context.Context, sql string) (*query.Result, error) {
	if !s.running.Load() {
		return nil, errors.ErrStoreClosed
	}
	return s.query.ExecuteSQL(ctx, sql)
}

// Trend returns the exported history of one measurement.
func (s *Service) Trend(ctx context.Context, q query.TrendQuery) ([]query.TrendPoint, error) {
	if !s.running.Load() {
		return nil, errors.ErrStoreClosed
	}
	return s.query.Trend(ctx, q)
}

// Measurements lists the measurement names recorded in suite that start
// with prefix, sorted. It reads the live store, not the export.
func (s *Service) Measurements(suite, prefix string) []string {
	seen := make(map[string]struct{})
	for e := range s.store.Lookup(suite) {
		for _, m := range e.Measurements {
			seen[m.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (s *Service) publishSize() {
	st := s.store.Stats()
	s.metrics.SetStoreSize(st.Suites, st.Entries)
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	s.cacheMu.Lock()
	cached := len(s.cache)
	s.cacheMu.Unlock()

	return ServiceStats{
		Running:        s.running.Load(),
		Uptime:         uptime,
		Store:          s.store.Stats(),
		Load:           s.store.Report(),
		Query:          s.query.Stats(),
		CachedVerdicts: cached,
	}
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running        bool
	Uptime         time.Duration
	Store          series.StatsSnapshot
	Load           series.LoadReport
	Query          query.ServiceStats
	CachedVerdicts int
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// RepoURL returns the repository URL of the history.
func (s *Service) RepoURL() string {
	return s.store.RepoURL()
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrUnitMismatch):
		return "unit_mismatch"
	case errors.IsValidation(err):
		return "invalid"
	case errors.Is(err, errors.ErrStoreClosed):
		return "closed"
	case errors.IsRetriable(err):
		return "unavailable"
	default:
		return "other"
	}
}
