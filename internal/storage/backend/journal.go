package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/storage/wal"
)

// JournalOptions configures the journal backend.
type JournalOptions struct {
	Dir             string // WAL segment directory
	SnapshotPath    string // Checkpointed document
	RepoURL         string
	SyncMode        string
	MaxSegmentSize  int64
	CheckpointEvery int // Records between checkpoints; <= 0 checkpoints only on close
}

// Journal appends every record to a write-ahead log and periodically
// checkpoints the accumulated state into a document snapshot, after which
// older segments are deleted.
type Journal struct {
	mu      sync.Mutex
	opts    JournalOptions
	file    *docFile
	w       *wal.Writer
	pending int
	closed  bool
	log     *slog.Logger
}

// NewJournal creates a journal backend. Nothing is touched on disk until Load.
func NewJournal(opts JournalOptions) *Journal {
	return &Journal{
		opts: opts,
		file: newDocFile(opts.SnapshotPath, opts.RepoURL),
		log:  logging.Component("backend").With("backend", "journal", "dir", opts.Dir),
	}
}

func (j *Journal) Name() string { return "journal" }

// Load reads the snapshot, replays the log on top of it and checkpoints the
// result so that replay work is not repeated on the next start.
func (j *Journal) Load(ctx context.Context) (*Snapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.load(); err != nil {
		return nil, err
	}

	segments, err := wal.ListSegments(j.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	records, stats, err := wal.ReadAllSegments(segments)
	if err != nil {
		return nil, err
	}
	if stats.CorruptRecords > 0 || stats.TruncatedTail {
		j.log.Warn("journal damaged",
			"corrupt_records", stats.CorruptRecords,
			"truncated_tail", stats.TruncatedTail)
	}

	replayed := 0
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := Record{Suite: r.Suite, Seq: int(r.Seq), LastUpdateMs: r.LastUpdateMs, Entry: r.Entry}
		write, err := checkSeq(rec, j.file.count(rec.Suite))
		if err != nil {
			j.log.Warn("dropping journal record", "suite", rec.Suite, "seq", rec.Seq, "error", err)
			continue
		}
		if !write {
			continue
		}
		if _, err := j.file.add(rec); err != nil {
			return nil, err
		}
		replayed++
	}

	j.w, err = wal.NewWriter(j.opts.Dir, wal.Options{
		MaxSegmentSize: j.opts.MaxSegmentSize,
		SyncMode:       j.opts.SyncMode,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if replayed > 0 || len(segments) > 0 {
		if err := j.file.write(); err != nil {
			j.log.Warn("checkpoint after replay failed", "error", err)
		} else if _, err := j.w.Truncate(); err != nil {
			j.log.Warn("deleting replayed segments failed", "error", err)
		}
	}

	snap := j.file.snapshot()
	snap.Replayed = replayed
	for _, m := range snap.Malformed {
		j.log.Warn("skipping malformed record", "suite", m.Suite, "index", m.Index, "error", m.Err)
	}
	if replayed > 0 {
		j.log.Info("journal replayed", "records", replayed, "segments", len(segments))
	}
	return snap, nil
}

func (j *Journal) Append(ctx context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return errors.ErrStoreClosed
	}
	if j.w == nil {
		return fmt.Errorf("journal backend used before Load: %w", errors.ErrInternal)
	}

	write, err := checkSeq(rec, j.file.count(rec.Suite))
	if err != nil || !write {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err = j.w.Write(wal.Record{
		Suite:        rec.Suite,
		Seq:          uint64(rec.Seq),
		LastUpdateMs: rec.LastUpdateMs,
		Entry:        rec.Entry,
	})
	if err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if _, err := j.file.add(rec); err != nil {
		return err
	}

	j.pending++
	if j.opts.CheckpointEvery > 0 && j.pending >= j.opts.CheckpointEvery {
		j.checkpointLocked()
	}
	return nil
}

func (j *Journal) Count(ctx context.Context, suite string) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, errors.ErrStoreClosed
	}
	if j.file.raw == nil {
		return 0, nil
	}
	return j.file.count(suite), nil
}

// checkpointLocked writes the snapshot and drops the segments it covers.
// Failures are logged; the log still holds every record.
func (j *Journal) checkpointLocked() {
	if err := j.w.Sync(); err != nil {
		j.log.Warn("journal sync before checkpoint failed", "error", err)
		return
	}
	if err := j.file.write(); err != nil {
		j.log.Warn("checkpoint failed", "error", err)
		return
	}
	deleted, err := j.w.Truncate()
	if err != nil {
		j.log.Warn("deleting checkpointed segments failed", "error", err)
	}
	j.log.Debug("checkpoint written", "records", j.pending, "segments_deleted", deleted)
	j.pending = 0
}

// Checkpoint forces a snapshot of the current state.
func (j *Journal) Checkpoint() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w != nil && !j.closed {
		j.checkpointLocked()
	}
}

func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return nil
	}
	return j.w.Sync()
}

// Close checkpoints pending records and closes the log.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if j.w == nil {
		return nil
	}
	if j.pending > 0 {
		j.checkpointLocked()
	}
	return j.w.Close()
}
