// Package series implements the per-suite benchmark history.
//
// A Store holds every suite in memory, ordered by ingestion, and persists
// each append through an injected backend before it becomes visible.
// Appends to one suite are serialized; different suites proceed in
// parallel. Readers work on snapshots and are not held up by persistence.
package series

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	defaults "github.com/xtxerr/benchkeeper/config"
	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/storage/backend"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/storage/retry"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
	"github.com/xtxerr/benchkeeper/internal/validation"
)

// Duplicate policies.
const (
	PolicyIgnore = "ignore"
	PolicyAppend = "append"
)

// Options configures a Store.
type Options struct {
	Backend         backend.Backend
	DuplicatePolicy string
	IndexDepth      int
	Rules           validation.EntryRules
	Retry           retry.Policy
	DrainTimeout    time.Duration

	// Now stamps entries that arrive without an ingestion date.
	Now func() time.Time
}

// OptionsFromConfig derives store options from the storage configuration.
func OptionsFromConfig(cfg *config.Config, b backend.Backend) Options {
	return Options{
		Backend:         b,
		DuplicatePolicy: cfg.Store.DuplicatePolicy,
		IndexDepth:      cfg.Store.IndexDepth,
		Rules:           validation.NewEntryRules(cfg.Store.TimeUnits),
		Retry: retry.Policy{
			MaxRetries:     cfg.Persistence.MaxRetries,
			Timeout:        cfg.Persistence.Timeout,
			InitialBackoff: cfg.Persistence.InitialBackoff,
			MaxBackoff:     cfg.Persistence.MaxBackoff,
			JitterFactor:   0.2,
		},
		DrainTimeout: cfg.Persistence.DrainTimeout,
	}
}

// LoadReport describes what Open found in the persisted state.
type LoadReport struct {
	Suites   int
	Entries  int
	Skipped  int // Records left out: malformed or conflicting with an earlier unit
	Replayed int // Journal records applied on top of the snapshot
	Duration time.Duration
}

// Stats holds store counters.
type Stats struct {
	Appended          atomic.Int64
	DuplicateIgnored  atomic.Int64
	DuplicateAppended atomic.Int64
	Rejected          atomic.Int64
	PersistFailures   atomic.Int64
	PersistRetries    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Suites            int
	Entries           int
	Appended          int64
	DuplicateIgnored  int64
	DuplicateAppended int64
	Rejected          int64
	PersistFailures   int64
	PersistRetries    int64
}

// Store is the series store.
type Store struct {
	opts    Options
	backend backend.Backend
	log     *slog.Logger

	mu     sync.RWMutex
	suites map[string]*series

	// state guards closed against the inflight counter.
	state    sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	// closeMu serializes Close. released is set once the backend has been
	// flushed and closed; closeErr is what that returned.
	closeMu  sync.Mutex
	released bool
	closeErr error

	repoURL    string
	lastUpdate atomic.Int64

	report LoadReport
	stats  Stats
}

// Open loads the persisted state through opts.Backend and returns a ready
// store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.NewMissingField("backend")
	}
	if opts.DuplicatePolicy == "" {
		opts.DuplicatePolicy = defaults.DefaultDuplicatePolicy
	}
	if opts.DuplicatePolicy != PolicyIgnore && opts.DuplicatePolicy != PolicyAppend {
		return nil, errors.NewInvalidValue("store.duplicate_policy", opts.DuplicatePolicy, "must be ignore or append")
	}
	if opts.IndexDepth <= 0 {
		opts.IndexDepth = defaults.DefaultIndexDepth
	}
	if opts.Rules.TimeUnits == nil {
		opts.Rules = validation.NewEntryRules(defaults.DefaultTimeUnits)
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaults.DefaultDrainTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		opts:    opts,
		backend: opts.Backend,
		log:     logging.Component("series").With("backend", opts.Backend.Name()),
		suites:  make(map[string]*series),
	}

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Report returns what was found at load time.
func (s *Store) Report() LoadReport {
	return s.report
}

// RepoURL returns the repository URL of the persisted document.
func (s *Store) RepoURL() string {
	return s.repoURL
}

// LastUpdate returns the instant of the last successful append, or of the
// persisted document when nothing was appended since load.
func (s *Store) LastUpdate() time.Time {
	return time.UnixMilli(s.lastUpdate.Load())
}

// enter registers an in-flight append unless the store is closed.
func (s *Store) enter() error {
	s.state.Lock()
	defer s.state.Unlock()
	if s.closed {
		return errors.ErrStoreClosed
	}
	s.inflight.Add(1)
	return nil
}

// getOrCreate returns the series for suite, creating it when absent.
func (s *Store) getOrCreate(suite string) *series {
	s.mu.RLock()
	ser, ok := s.suites[suite]
	s.mu.RUnlock()
	if ok {
		return ser
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ser, ok := s.suites[suite]; ok {
		return ser
	}
	ser = newSeries(suite, s.opts.IndexDepth)
	s.suites[suite] = ser
	return ser
}

func (s *Store) get(suite string) (*series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.suites[suite]
	return ser, ok
}

// Append validates entry and stores it at the end of suite.
//
// The entry is persisted before it becomes visible to readers; when
// persistence fails the series is unchanged and the error wraps
// ErrPersistenceUnavailable. An entry whose (commit id, tool) is already
// stored is skipped under the ignore policy.
func (s *Store) Append(ctx context.Context, suite string, entry types.CommitEntry) (types.AppendResult, error) {
	if err := validation.ValidateSuiteName(suite); err != nil {
		s.stats.Rejected.Add(1)
		return types.Appended, err
	}
	if err := validation.ValidateEntry(&entry, s.opts.Rules); err != nil {
		s.stats.Rejected.Add(1)
		return types.Appended, err
	}

	if err := s.enter(); err != nil {
		return types.Appended, err
	}
	defer s.inflight.Done()

	ser := s.getOrCreate(suite)
	ser.appendMu.Lock()
	defer ser.appendMu.Unlock()

	log := s.log.With("suite", suite, "commit", entry.Commit.ID, "tool", entry.Tool)

	if err := s.reconcile(ctx, ser); err != nil {
		return types.Appended, err
	}

	result := types.Appended
	if _, dup := ser.keys[entry.Key()]; dup {
		if s.opts.DuplicatePolicy == PolicyIgnore {
			if prev, ok := ser.find(entry.Key()); ok && !prev.SameMeasurements(&entry) {
				log.Warn("duplicate entry with different measurements ignored")
			}
			s.stats.DuplicateIgnored.Add(1)
			return types.DuplicateIgnored, nil
		}
		result = types.DuplicateAppended
	}

	if m, recorded, ok := ser.unitConflict(&entry); ok {
		s.stats.Rejected.Add(1)
		return types.Appended, errors.NewUnitMismatch(suite, m.Name, recorded, m.Unit)
	}

	stored := entry.Clone()
	now := s.opts.Now()
	if stored.DateMs == 0 {
		stored.DateMs = now.UnixMilli()
	}

	rec := backend.Record{
		Suite:        suite,
		Seq:          ser.persisted,
		LastUpdateMs: now.UnixMilli(),
		Entry:        stored,
	}
	if err := s.persist(ctx, rec); err != nil {
		ser.uncertain = &rec
		s.stats.PersistFailures.Add(1)
		log.Error("append not persisted", "error", err)
		return types.Appended, err
	}

	ser.commit(stored)
	ser.persisted++
	s.lastUpdate.Store(rec.LastUpdateMs)

	switch result {
	case types.DuplicateAppended:
		s.stats.DuplicateAppended.Add(1)
	default:
		s.stats.Appended.Add(1)
	}
	log.Debug("entry appended", "result", result, "position", len(ser.entries)-1)
	return result, nil
}

// persist writes rec with bounded retries.
func (s *Store) persist(ctx context.Context, rec backend.Record) error {
	res, err := retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		err := s.backend.Append(ctx, rec)
		if errors.Is(err, errors.ErrSequenceGap) || errors.Is(err, errors.ErrStoreClosed) {
			return retry.Permanent(err)
		}
		return err
	})
	if res.Attempts > 1 {
		s.stats.PersistRetries.Add(int64(res.Attempts - 1))
	}
	return err
}

// reconcile brings ser.persisted in line with the backend after a failed
// append whose outcome is unknown. A record that did reach storage is
// adopted so memory never diverges from what a restart would load.
// Caller holds ser.appendMu.
func (s *Store) reconcile(ctx context.Context, ser *series) error {
	if ser.uncertain == nil {
		return nil
	}

	var n int
	_, err := retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		var err error
		n, err = s.backend.Count(ctx, ser.name)
		if errors.Is(err, errors.ErrStoreClosed) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	rec := ser.uncertain
	switch n {
	case ser.persisted:
	case ser.persisted + 1:
		ser.commit(rec.Entry)
		ser.persisted++
		s.lastUpdate.Store(rec.LastUpdateMs)
		s.log.Warn("adopted entry persisted by a failed append",
			"suite", ser.name, "commit", rec.Entry.Commit.ID, "tool", rec.Entry.Tool)
	default:
		return fmt.Errorf("suite %q: backend holds %d records, store expects %d: %w",
			ser.name, n, ser.persisted, errors.ErrInternal)
	}
	ser.uncertain = nil
	return nil
}

// find returns the first entry stored under key. Caller holds appendMu.
func (s *series) find(key types.EntryKey) (types.CommitEntry, bool) {
	for i := range s.entries {
		if s.entries[i].Key() == key {
			return s.entries[i], true
		}
	}
	return types.CommitEntry{}, false
}

// Lookup returns the entries of suite in insertion order. The sequence
// iterates over a snapshot taken when Lookup is called and can be ranged
// over any number of times. An unknown suite yields nothing.
func (s *Store) Lookup(suite string) iter.Seq[types.CommitEntry] {
	ser, ok := s.get(suite)
	if !ok {
		return func(func(types.CommitEntry) bool) {}
	}
	entries := ser.snapshot()
	return func(yield func(types.CommitEntry) bool) {
		for i := range entries {
			if !yield(entries[i].Clone()) {
				return
			}
		}
	}
}

// LatestN returns the n most recent entries of suite, oldest first.
func (s *Store) LatestN(suite string, n int) []types.CommitEntry {
	ser, ok := s.get(suite)
	if !ok || n <= 0 {
		return nil
	}
	entries := ser.snapshot()
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]types.CommitEntry, n)
	for i, e := range entries[len(entries)-n:] {
		out[i] = e.Clone()
	}
	return out
}

// LatestWithMeasurement returns the n most recent entries of suite that
// recorded name, oldest first.
func (s *Store) LatestWithMeasurement(suite, name string, n int) []types.CommitEntry {
	ser, ok := s.get(suite)
	if !ok {
		return nil
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	return ser.priorWithMeasurement(name, len(ser.entries), n)
}

// PriorWithMeasurement is LatestWithMeasurement restricted to positions
// below before.
func (s *Store) PriorWithMeasurement(suite, name string, before, n int) []types.CommitEntry {
	ser, ok := s.get(suite)
	if !ok {
		return nil
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	return ser.priorWithMeasurement(name, before, n)
}

// FindCommit returns the position and entry of the most recent entry of
// suite recorded for commitID.
func (s *Store) FindCommit(suite, commitID string) (int, types.CommitEntry, bool) {
	ser, ok := s.get(suite)
	if !ok {
		return -1, types.CommitEntry{}, false
	}
	entries := ser.snapshot()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Commit.ID == commitID {
			return i, entries[i].Clone(), true
		}
	}
	return -1, types.CommitEntry{}, false
}

// FindKey returns the position and entry of the most recent entry of suite
// stored under key.
func (s *Store) FindKey(suite string, key types.EntryKey) (int, types.CommitEntry, bool) {
	ser, ok := s.get(suite)
	if !ok {
		return -1, types.CommitEntry{}, false
	}
	entries := ser.snapshot()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Key() == key {
			return i, entries[i].Clone(), true
		}
	}
	return -1, types.CommitEntry{}, false
}

// Range returns the entries at positions [from, to) of suite. Bounds are
// clamped; a negative to means the end of the series.
func (s *Store) Range(suite string, from, to int) []types.CommitEntry {
	ser, ok := s.get(suite)
	if !ok {
		return nil
	}
	entries := ser.snapshot()
	if to < 0 || to > len(entries) {
		to = len(entries)
	}
	if from < 0 {
		from = 0
	}
	if from >= to {
		return nil
	}
	out := make([]types.CommitEntry, 0, to-from)
	for _, e := range entries[from:to] {
		out = append(out, e.Clone())
	}
	return out
}

// Suites returns the names of suites holding at least one entry, sorted.
func (s *Store) Suites() []string {
	s.mu.RLock()
	all := make([]*series, 0, len(s.suites))
	for _, ser := range s.suites {
		all = append(all, ser)
	}
	s.mu.RUnlock()

	names := make([]string, 0, len(all))
	for _, ser := range all {
		if len(ser.snapshot()) > 0 {
			names = append(names, ser.name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of entries in suite.
func (s *Store) Len(suite string) int {
	ser, ok := s.get(suite)
	if !ok {
		return 0
	}
	ser.mu.RLock()
	defer ser.mu.RUnlock()
	return len(ser.entries)
}

// Document returns a copy of the full history in the persisted layout.
func (s *Store) Document() *types.Document {
	doc := types.NewDocument(s.repoURL)
	doc.LastUpdate = s.lastUpdate.Load()
	for _, name := range s.Suites() {
		var entries []types.CommitEntry
		for e := range s.Lookup(name) {
			entries = append(entries, e)
		}
		doc.Entries[name] = entries
	}
	return doc
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() StatsSnapshot {
	out := StatsSnapshot{
		Appended:          s.stats.Appended.Load(),
		DuplicateIgnored:  s.stats.DuplicateIgnored.Load(),
		DuplicateAppended: s.stats.DuplicateAppended.Load(),
		Rejected:          s.stats.Rejected.Load(),
		PersistFailures:   s.stats.PersistFailures.Load(),
		PersistRetries:    s.stats.PersistRetries.Load(),
	}
	for _, name := range s.Suites() {
		out.Suites++
		out.Entries += s.Len(name)
	}
	return out
}

// Close stops accepting appends, waits for in-flight appends, flushes the
// backend and closes it. It fails if the drain does not finish within the
// drain timeout; the backend is left open and a later Close drains again.
// Once the backend is released every Close returns the same result.
func (s *Store) Close(ctx context.Context) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.released {
		return s.closeErr
	}

	s.state.Lock()
	s.closed = true
	s.state.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.opts.DrainTimeout)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
		return fmt.Errorf("drain in-flight appends: %w", errors.ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("drain in-flight appends: %w", ctx.Err())
	}

	var errs []error
	if err := s.backend.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush backend: %w", err))
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	s.released = true
	s.closeErr = errors.Join(errs...)
	if s.closeErr != nil {
		s.log.Error("store closed with errors", "error", s.closeErr)
		return s.closeErr
	}

	s.log.Info("store closed")
	return nil
}
