// Package backend provides the persistence backends injected into the
// series store.
//
// Every backend stores entries per suite in append order and accepts
// appends carrying the entry's position (Seq) in its suite. An append whose
// position is already persisted is a no-op, which makes retries after an
// ambiguous failure safe. An append past the end is ErrSequenceGap.
package backend

import (
	"context"
	"fmt"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// Record is one entry to persist.
type Record struct {
	Suite        string
	Seq          int // Persisted position of the entry within its suite
	LastUpdateMs int64
	Entry        types.CommitEntry
}

// Snapshot is the persisted state as found at load time.
type Snapshot struct {
	Document *types.Document

	// Counts is the number of persisted slots per suite, including slots
	// whose record could not be decoded. The next Seq of a suite is its count.
	Counts map[string]int

	// Malformed lists records that were left out of Document.
	Malformed []types.Malformed

	// Replayed is the number of journal records applied on top of the snapshot.
	Replayed int
}

// Backend persists appended entries.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Load reads the persisted state. It is called once, before any Append.
	Load(ctx context.Context) (*Snapshot, error)

	// Append durably stores one record.
	Append(ctx context.Context, rec Record) error

	// Count returns the number of persisted slots of a suite, which is the
	// Seq the next append must carry.
	Count(ctx context.Context, suite string) (int, error)

	// Flush forces buffered state to stable storage.
	Flush(ctx context.Context) error

	// Close releases resources. Appends after Close fail with ErrStoreClosed.
	Close() error
}

// Open creates the backend selected by the configuration.
func Open(cfg *config.Config) (Backend, error) {
	switch cfg.Persistence.Backend {
	case "memory":
		return NewMemory(types.NewDocument(cfg.RepoURL)), nil
	case "document":
		return NewDocument(cfg.DocumentPath(), cfg.RepoURL), nil
	case "journal":
		return NewJournal(JournalOptions{
			Dir:             cfg.WALDir(),
			SnapshotPath:    cfg.DocumentPath(),
			RepoURL:         cfg.RepoURL,
			SyncMode:        cfg.Persistence.WAL.SyncMode,
			MaxSegmentSize:  cfg.Persistence.WAL.MaxSegmentSize,
			CheckpointEvery: cfg.Persistence.WAL.CheckpointEvery,
		}), nil
	case "badger":
		return OpenBadger(BadgerOptions{
			Dir:        cfg.BadgerDir(),
			InMemory:   cfg.Persistence.Badger.InMemory,
			SyncWrites: cfg.Persistence.Badger.SyncWrites,
			RepoURL:    cfg.RepoURL,
			Logger:     logging.Component("badger"),
		})
	default:
		return nil, errors.NewInvalidValue("persistence.backend", cfg.Persistence.Backend, "unknown backend")
	}
}

// checkSeq reports whether rec still has to be written given the number of
// slots already persisted for its suite.
func checkSeq(rec Record, count int) (bool, error) {
	switch {
	case rec.Seq < count:
		return false, nil
	case rec.Seq > count:
		return false, fmt.Errorf("suite %q: append at %d, persisted %d: %w",
			rec.Suite, rec.Seq, count, errors.ErrSequenceGap)
	default:
		return true, nil
	}
}
