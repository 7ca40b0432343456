package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// Key layout:
//
//	e/<suite>\x00<seq, 12 digits>  JSON-encoded entry
//	m/lastUpdate                    decimal milliseconds
//	m/repoUrl                       repository URL
const (
	entryPrefix    = "e/"
	metaLastUpdate = "m/lastUpdate"
	metaRepoURL    = "m/repoUrl"
)

// BadgerOptions configures the badger backend.
type BadgerOptions struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	RepoURL    string

	// Logger receives badger's internal logging. Nil disables it.
	Logger *slog.Logger
}

// Badger stores one key per entry in an embedded BadgerDB.
type Badger struct {
	db      *badger.DB
	repoURL string

	mu     sync.Mutex
	counts map[string]int
	closed bool
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens the database at opts.Dir, or in memory.
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.NewMissingField("persistence.badger.dir")
	}

	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", opts.Dir, err)
		}
		bo = badger.DefaultOptions(opts.Dir)
	}

	bo = bo.WithSyncWrites(opts.SyncWrites)
	bo = bo.WithNumVersionsToKeep(1)

	if opts.Logger != nil {
		bo = bo.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bo = bo.WithLogger(nil)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	return &Badger{
		db:      db,
		repoURL: opts.RepoURL,
		counts:  make(map[string]int),
	}, nil
}

func (b *Badger) Name() string { return "badger" }

func entryKey(suite string, seq int) []byte {
	return fmt.Appendf(nil, "%s%s\x00%012d", entryPrefix, suite, seq)
}

func parseEntryKey(key []byte) (string, int, error) {
	rest := key[len(entryPrefix):]
	i := bytes.LastIndexByte(rest, 0)
	if i < 0 {
		return "", 0, fmt.Errorf("key %q: missing separator", key)
	}
	seq, err := strconv.Atoi(string(rest[i+1:]))
	if err != nil {
		return "", 0, fmt.Errorf("key %q: %w", key, err)
	}
	return string(rest[:i]), seq, nil
}

func (b *Badger) Load(ctx context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc := types.NewDocument(b.repoURL)
	snap := &Snapshot{Document: doc, Counts: make(map[string]int)}

	err := b.db.View(func(txn *badger.Txn) error {
		if v, err := getString(txn, metaRepoURL); err != nil {
			return err
		} else if v != "" {
			doc.RepoURL = v
		}
		if v, err := getString(txn, metaLastUpdate); err != nil {
			return err
		} else if v != "" {
			doc.LastUpdate, _ = strconv.ParseInt(v, 10, 64)
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(entryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			suite, seq, err := parseEntryKey(item.KeyCopy(nil))
			if err != nil {
				return fmt.Errorf("%w: %w", errors.ErrMalformedRecord, err)
			}
			snap.Counts[suite] = max(snap.Counts[suite], seq+1)

			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := types.DecodeEntry(val)
			if err != nil {
				snap.Malformed = append(snap.Malformed, types.Malformed{Suite: suite, Index: seq, Err: err})
				continue
			}
			doc.Entries[suite] = append(doc.Entries[suite], entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load badger: %w", err)
	}

	clear(b.counts)
	for suite, n := range snap.Counts {
		b.counts[suite] = n
	}
	return snap, nil
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	return string(v), err
}

func (b *Badger) Append(ctx context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrStoreClosed
	}

	write, err := checkSeq(rec, b.counts[rec.Suite])
	if err != nil || !write {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(rec.Entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(rec.Suite, rec.Seq), val); err != nil {
			return err
		}
		if b.repoURL != "" {
			if err := txn.Set([]byte(metaRepoURL), []byte(b.repoURL)); err != nil {
				return err
			}
		}
		return txn.Set([]byte(metaLastUpdate), strconv.AppendInt(nil, rec.LastUpdateMs, 10))
	})
	if err != nil {
		return fmt.Errorf("badger write: %w", err)
	}

	b.counts[rec.Suite] = rec.Seq + 1
	return nil
}

func (b *Badger) Count(ctx context.Context, suite string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.ErrStoreClosed
	}
	return b.counts[suite], nil
}

func (b *Badger) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.db.Sync()
}

func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
