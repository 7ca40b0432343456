package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// docFile is the in-memory mirror of a persisted document. Entries are kept
// raw so that records which fail to decode are written back verbatim.
type docFile struct {
	path    string
	js      bool // Write the data.js form
	repoURL string
	raw     *types.RawDocument
}

func newDocFile(path, repoURL string) *docFile {
	return &docFile{
		path:    path,
		js:      strings.HasSuffix(path, ".js"),
		repoURL: repoURL,
	}
}

func (d *docFile) load() (*Snapshot, error) {
	data, err := os.ReadFile(d.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", d.path, err)
	}

	raw, err := types.DecodeRaw(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.path, err)
	}
	if raw.RepoURL == "" {
		raw.RepoURL = d.repoURL
	}
	d.raw = raw
	return d.snapshot(), nil
}

func (d *docFile) snapshot() *Snapshot {
	doc, bad := d.raw.Decode()
	counts := make(map[string]int, len(d.raw.Entries))
	for suite, entries := range d.raw.Entries {
		counts[suite] = len(entries)
	}
	return &Snapshot{Document: doc, Counts: counts, Malformed: bad}
}

func (d *docFile) count(suite string) int {
	return len(d.raw.Entries[suite])
}

// add appends rec to the mirror and returns a function that undoes it.
func (d *docFile) add(rec Record) (func(), error) {
	msg, err := json.Marshal(rec.Entry)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	prevLen := len(d.raw.Entries[rec.Suite])
	_, existed := d.raw.Entries[rec.Suite]
	prevUpdate := d.raw.LastUpdate

	d.raw.Entries[rec.Suite] = append(d.raw.Entries[rec.Suite], msg)
	d.raw.LastUpdate = rec.LastUpdateMs

	return func() {
		if existed {
			d.raw.Entries[rec.Suite] = d.raw.Entries[rec.Suite][:prevLen]
		} else {
			delete(d.raw.Entries, rec.Suite)
		}
		d.raw.LastUpdate = prevUpdate
	}, nil
}

// write atomically replaces the file: temp file, fsync, rename.
func (d *docFile) write() error {
	data, err := d.raw.Encode(d.js)
	if err != nil {
		return err
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".benchdata-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	// Ensure cleanup on failure
	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write document: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync document: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close document: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, d.path); err != nil {
		return fmt.Errorf("rename document: %w", err)
	}

	success = true
	return nil
}

// Document persists the whole history as one JSON document in the
// github-action-benchmark layout, rewritten atomically on every append.
type Document struct {
	mu     sync.Mutex
	file   *docFile
	closed bool
	log    *slog.Logger
}

// NewDocument creates a document backend. A path ending in ".js" is read
// and written in the data.js form.
func NewDocument(path, repoURL string) *Document {
	return &Document{
		file: newDocFile(path, repoURL),
		log:  logging.Component("backend").With("backend", "document", "path", path),
	}
}

func (b *Document) Name() string { return "document" }

func (b *Document) Load(ctx context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, err := b.file.load()
	if err != nil {
		return nil, err
	}
	for _, m := range snap.Malformed {
		b.log.Warn("skipping malformed record", "suite", m.Suite, "index", m.Index, "error", m.Err)
	}
	return snap, nil
}

func (b *Document) Append(ctx context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrStoreClosed
	}
	if b.file.raw == nil {
		return fmt.Errorf("document backend used before Load: %w", errors.ErrInternal)
	}

	write, err := checkSeq(rec, b.file.count(rec.Suite))
	if err != nil || !write {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	undo, err := b.file.add(rec)
	if err != nil {
		return err
	}
	if err := b.file.write(); err != nil {
		undo()
		return err
	}
	return nil
}

func (b *Document) Count(ctx context.Context, suite string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.ErrStoreClosed
	}
	if b.file.raw == nil {
		return 0, nil
	}
	return b.file.count(suite), nil
}

// Flush is a no-op; every append is already on disk.
func (b *Document) Flush(ctx context.Context) error { return nil }

func (b *Document) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
