package series

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// load reads the backend snapshot and builds the per-suite state. Suites are
// indexed in parallel.
func (s *Store) load(ctx context.Context) error {
	start := time.Now()

	snap, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load %s backend: %w", s.backend.Name(), err)
	}

	doc := snap.Document
	if doc == nil {
		doc = types.NewDocument("")
	}
	s.repoURL = doc.RepoURL
	s.lastUpdate.Store(doc.LastUpdate)

	names := make(map[string]struct{}, len(snap.Counts))
	for name := range doc.Entries {
		names[name] = struct{}{}
	}
	for name := range snap.Counts {
		names[name] = struct{}{}
	}

	type built struct {
		ser     *series
		skipped int
	}
	results := make(map[string]*built, len(names))
	for name := range names {
		results[name] = &built{ser: newSeries(name, s.opts.IndexDepth)}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for name, b := range results {
		entries := doc.Entries[name]
		persisted := snap.Counts[name]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b.skipped = s.index(b.ser, entries)
			b.ser.persisted = max(persisted, len(entries))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	report := LoadReport{
		Skipped:  len(snap.Malformed),
		Replayed: snap.Replayed,
	}
	for name, b := range results {
		s.suites[name] = b.ser
		report.Skipped += b.skipped
		report.Entries += len(b.ser.entries)
		if len(b.ser.entries) > 0 {
			report.Suites++
		}
	}
	report.Duration = time.Since(start)
	s.report = report

	s.log.Info("store loaded",
		"suites", report.Suites,
		"entries", report.Entries,
		"skipped", report.Skipped,
		"replayed", report.Replayed,
		"duration", report.Duration)
	return nil
}

// index commits stored entries to ser and returns how many were left out.
// An entry whose unit contradicts an earlier entry of the same suite is
// left out; the earlier unit stays on record.
func (s *Store) index(ser *series, entries []types.CommitEntry) int {
	skipped := 0
	for i := range entries {
		if m, recorded, ok := ser.unitConflict(&entries[i]); ok {
			s.log.Warn("skipping stored entry with conflicting unit",
				"suite", ser.name,
				"commit", entries[i].Commit.ID,
				"measurement", m.Name,
				"recorded", recorded,
				"got", m.Unit)
			skipped++
			continue
		}
		ser.commit(entries[i])
	}
	return skipped
}
