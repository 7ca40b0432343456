package backend

import (
	"context"
	"sync"
	"time"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// Memory keeps everything in process memory. It is meant for tests and
// supports injecting failures and latency.
type Memory struct {
	mu      sync.Mutex
	doc     *types.Document
	closed  bool
	appends int

	failNext  int
	failErr   error
	failAfter int
	delay     time.Duration
}

// NewMemory creates a memory backend seeded with doc.
func NewMemory(doc *types.Document) *Memory {
	if doc == nil {
		doc = types.NewDocument("")
	}
	return &Memory{doc: copyDocument(doc)}
}

func (m *Memory) Name() string { return "memory" }

// FailNext makes the next n appends fail with err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// FailAfterWrite makes the next n appends store their record and then
// report err, as a write whose acknowledgement was lost would.
func (m *Memory) FailAfterWrite(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	m.failErr = err
}

// SetDelay makes every append wait d, or until its context is done.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Appends returns the number of records actually written.
func (m *Memory) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends
}

// Document returns a copy of the persisted state.
func (m *Memory) Document() *types.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyDocument(m.doc)
}

func (m *Memory) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := copyDocument(m.doc)
	counts := make(map[string]int, len(doc.Entries))
	for suite, entries := range doc.Entries {
		counts[suite] = len(entries)
	}
	return &Snapshot{Document: doc, Counts: counts}, nil
}

func (m *Memory) Append(ctx context.Context, rec Record) error {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.ErrStoreClosed
	}
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}

	write, err := checkSeq(rec, len(m.doc.Entries[rec.Suite]))
	if err != nil || !write {
		return err
	}

	m.doc.Entries[rec.Suite] = append(m.doc.Entries[rec.Suite], rec.Entry.Clone())
	m.doc.LastUpdate = rec.LastUpdateMs
	m.appends++

	if m.failAfter > 0 {
		m.failAfter--
		return m.failErr
	}
	return nil
}

func (m *Memory) Count(ctx context.Context, suite string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.ErrStoreClosed
	}
	return len(m.doc.Entries[suite]), nil
}

func (m *Memory) Flush(ctx context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyDocument(doc *types.Document) *types.Document {
	out := &types.Document{
		LastUpdate: doc.LastUpdate,
		RepoURL:    doc.RepoURL,
		Entries:    make(map[string][]types.CommitEntry, len(doc.Entries)),
	}
	for suite, entries := range doc.Entries {
		cp := make([]types.CommitEntry, len(entries))
		for i := range entries {
			cp[i] = entries[i].Clone()
		}
		out.Entries[suite] = cp
	}
	return out
}
