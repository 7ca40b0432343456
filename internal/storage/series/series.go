package series

import (
	"sync"

	"github.com/xtxerr/benchkeeper/internal/storage/backend"
	"github.com/xtxerr/benchkeeper/internal/storage/buffer"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// series is the in-memory state of one suite.
type series struct {
	// appendMu serializes appends. mu guards entries and byName and is
	// held for writing only while an already persisted entry is committed.
	appendMu sync.Mutex
	mu       sync.RWMutex

	name    string
	entries []types.CommitEntry

	// persisted is the number of slots the backend holds for this suite.
	// It can exceed len(entries) when stored records were skipped on load.
	persisted int

	// uncertain is the record of the last failed append, which may or may
	// not have reached the backend.
	uncertain *backend.Record

	keys   map[types.EntryKey]struct{}
	units  map[string]string            // Measurement name -> unit on record
	byName map[string]*buffer.Ring[int] // Measurement name -> recent positions
	depth  int
}

func newSeries(name string, depth int) *series {
	return &series{
		name:   name,
		keys:   make(map[types.EntryKey]struct{}),
		units:  make(map[string]string),
		byName: make(map[string]*buffer.Ring[int]),
		depth:  depth,
	}
}

// unitConflict returns the first measurement whose unit differs from the
// unit on record, and that recorded unit.
func (s *series) unitConflict(e *types.CommitEntry) (types.Measurement, string, bool) {
	for _, m := range e.Measurements {
		if u, ok := s.units[m.Name]; ok && u != m.Unit {
			return m, u, true
		}
	}
	return types.Measurement{}, "", false
}

// commit adds an entry that is already persisted. Caller holds appendMu.
func (s *series) commit(e types.CommitEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := len(s.entries)
	s.entries = append(s.entries, e)
	s.keys[e.Key()] = struct{}{}

	for _, m := range e.Measurements {
		if _, ok := s.units[m.Name]; !ok {
			s.units[m.Name] = m.Unit
		}
		ring, ok := s.byName[m.Name]
		if !ok {
			ring = buffer.New[int](s.depth)
			s.byName[m.Name] = ring
		}
		ring.Push(pos)
	}
}

// snapshot returns the entries as of now. Appends never touch the
// returned prefix.
func (s *series) snapshot() []types.CommitEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.entries)
	return s.entries[:n:n]
}

// priorWithMeasurement returns up to n entries at positions below before
// that carry name, oldest first. Caller holds s.mu.
func (s *series) priorWithMeasurement(name string, before, n int) []types.CommitEntry {
	if n <= 0 {
		return nil
	}
	if before > len(s.entries) {
		before = len(s.entries)
	}

	ring, ok := s.byName[name]
	if !ok {
		return nil
	}

	// The ring holds the newest positions. It answers the query on its own
	// when it still has every position, or at least n of those below before.
	var hits []int
	for _, p := range ring.Values() {
		if p < before {
			hits = append(hits, p)
		}
	}
	if len(hits) > n {
		hits = hits[len(hits)-n:]
	}
	if len(hits) == n || ring.Evicted() == 0 {
		out := make([]types.CommitEntry, len(hits))
		for i, p := range hits {
			out[i] = s.entries[p].Clone()
		}
		return out
	}

	// Fall back to scanning backwards.
	var out []types.CommitEntry
	for p := before - 1; p >= 0 && len(out) < n; p-- {
		if _, ok := s.entries[p].Measurement(name); ok {
			out = append(out, s.entries[p].Clone())
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
