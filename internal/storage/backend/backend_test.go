package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	bkerrors "github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
	"github.com/xtxerr/benchkeeper/internal/storage/wal"
)

func testEntry(commit string, value float64) types.CommitEntry {
	return types.CommitEntry{
		Commit: types.Commit{ID: commit, Message: "msg " + commit},
		DateMs: 1688301993140,
		Tool:   "cargo",
		Measurements: []types.Measurement{
			{Name: "bench_iterate", Value: value, Variability: 12, Unit: "ns/iter"},
		},
	}
}

func rec(suite string, seq int, commit string, value float64) Record {
	return Record{Suite: suite, Seq: seq, LastUpdateMs: int64(1000 + seq), Entry: testEntry(commit, value)}
}

// exerciseBackend checks the sequencing contract shared by every backend.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for i, c := range []string{"a", "b", "c"} {
		if err := b.Append(ctx, rec("Benchmark", i, c, float64(100+i))); err != nil {
			t.Fatalf("Append %s: %v", c, err)
		}
	}

	// Retrying an already persisted position is a no-op.
	if err := b.Append(ctx, rec("Benchmark", 1, "b", 101)); err != nil {
		t.Fatalf("replayed Append: %v", err)
	}

	err := b.Append(ctx, rec("Benchmark", 7, "z", 1))
	if !errors.Is(err, bkerrors.ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}

	if err := b.Append(ctx, rec("Other", 0, "a", 5)); err != nil {
		t.Fatalf("Append other suite: %v", err)
	}
	if n, err := b.Count(ctx, "Benchmark"); err != nil || n != 3 {
		t.Fatalf("Count: expected 3, got %d (%v)", n, err)
	}
	if n, _ := b.Count(ctx, "missing"); n != 0 {
		t.Fatalf("Count of unknown suite: expected 0, got %d", n)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func checkSnapshot(t *testing.T, snap *Snapshot) {
	t.Helper()

	got := snap.Document.Entries["Benchmark"]
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, c := range []string{"a", "b", "c"} {
		if got[i].Commit.ID != c {
			t.Errorf("entry %d: expected commit %s, got %s", i, c, got[i].Commit.ID)
		}
	}
	if got[2].Measurements[0].Variability != 12 {
		t.Errorf("variability lost: %+v", got[2].Measurements[0])
	}
	if snap.Counts["Benchmark"] != 3 || snap.Counts["Other"] != 1 {
		t.Errorf("unexpected counts %v", snap.Counts)
	}
}

func TestMemoryBackend(t *testing.T) {
	m := NewMemory(nil)
	exerciseBackend(t, m)

	if m.Appends() != 4 {
		t.Errorf("expected 4 physical appends, got %d", m.Appends())
	}

	snap, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checkSnapshot(t, snap)

	m.Close()
	if err := m.Append(context.Background(), rec("Benchmark", 3, "d", 1)); !errors.Is(err, bkerrors.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestMemoryFailureInjection(t *testing.T) {
	m := NewMemory(nil)
	boom := errors.New("disk on fire")
	m.FailNext(2, boom)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := m.Append(ctx, rec("s", 0, "a", 1)); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected injected error, got %v", i, err)
		}
	}
	if err := m.Append(ctx, rec("s", 0, "a", 1)); err != nil {
		t.Fatalf("expected third attempt to succeed: %v", err)
	}
}

func TestMemoryFailAfterWrite(t *testing.T) {
	m := NewMemory(nil)
	lost := errors.New("ack lost")
	m.FailAfterWrite(1, lost)

	ctx := context.Background()
	if err := m.Append(ctx, rec("s", 0, "a", 1)); !errors.Is(err, lost) {
		t.Fatalf("expected lost ack, got %v", err)
	}
	if n, _ := m.Count(ctx, "s"); n != 1 {
		t.Fatalf("expected the record stored despite the error, count %d", n)
	}
	// The retry of the same position is absorbed.
	if err := m.Append(ctx, rec("s", 0, "a", 1)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if m.Appends() != 1 {
		t.Errorf("expected 1 physical append, got %d", m.Appends())
	}
}

func TestDocumentBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")

	b := NewDocument(path, "https://github.com/jortrr/mandelbrot")
	exerciseBackend(t, b)
	b.Close()

	reopened := NewDocument(path, "")
	snap, err := reopened.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checkSnapshot(t, snap)
	if snap.Document.RepoURL != "https://github.com/jortrr/mandelbrot" {
		t.Errorf("repo url not persisted: %q", snap.Document.RepoURL)
	}
	if snap.Document.LastUpdate != 1000 {
		t.Errorf("expected lastUpdate of the last append, got %d", snap.Document.LastUpdate)
	}
}

func TestDocumentBackendWritesDataJS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.js")

	b := NewDocument(path, "")
	if _, err := b.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := b.Append(context.Background(), rec("Benchmark", 0, "a", 1)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(data), types.JSPrefix) {
		t.Errorf("expected data.js prefix, got %.40q", data)
	}
}

func TestDocumentBackendPreservesMalformedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	seed := `{"lastUpdate": 5, "repoUrl": "", "entries": {"Benchmark": [
		{"commit": {"id": ""}, "date": 1, "tool": "cargo", "benches": []},
		{"commit": {"id": "good"}, "date": 2, "tool": "cargo", "benches": [{"name": "x", "value": 1, "range": "± 1", "unit": "ns/iter"}]}
	]}}`
	if err := os.WriteFile(path, []byte(seed), 0644); err != nil {
		t.Fatal(err)
	}

	b := NewDocument(path, "")
	snap, err := b.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Malformed) != 1 || len(snap.Document.Entries["Benchmark"]) != 1 {
		t.Fatalf("expected 1 good and 1 malformed, got %d / %v",
			len(snap.Document.Entries["Benchmark"]), snap.Malformed)
	}
	if snap.Counts["Benchmark"] != 2 {
		t.Fatalf("malformed slot must count, got %d", snap.Counts["Benchmark"])
	}

	if err := b.Append(context.Background(), rec("Benchmark", 2, "next", 3)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := types.DecodeRaw(data)
	if err != nil {
		t.Fatalf("DecodeRaw: %v", err)
	}
	if len(raw.Entries["Benchmark"]) != 3 {
		t.Fatalf("expected malformed record kept on rewrite, got %d records", len(raw.Entries["Benchmark"]))
	}
}

func TestDocumentBackendRollsBackOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	// A directory where the document should be makes the rename fail.
	path := filepath.Join(dir, "data.json")

	b := NewDocument(path, "")
	if _, err := b.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, "keep"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	if err := b.Append(context.Background(), rec("Benchmark", 0, "a", 1)); err == nil {
		t.Fatal("expected write failure")
	}
	if n := b.file.count("Benchmark"); n != 0 {
		t.Fatalf("failed append must be rolled back, count %d", n)
	}

	if err := os.RemoveAll(path); err != nil {
		t.Fatal(err)
	}
	if err := b.Append(context.Background(), rec("Benchmark", 0, "a", 1)); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestJournalBackend(t *testing.T) {
	dir := t.TempDir()
	opts := JournalOptions{
		Dir:          filepath.Join(dir, "wal"),
		SnapshotPath: filepath.Join(dir, "data.json"),
		SyncMode:     "fsync",
	}

	j := NewJournal(opts)
	exerciseBackend(t, j)
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := NewJournal(opts)
	snap, err := reopened.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer reopened.Close()
	checkSnapshot(t, snap)
}

func TestJournalReplaysWithoutCheckpoint(t *testing.T) {
	dir := t.TempDir()
	opts := JournalOptions{
		Dir:          filepath.Join(dir, "wal"),
		SnapshotPath: filepath.Join(dir, "data.json"),
		SyncMode:     "fsync",
	}

	// Simulate a crash: records reach the log but no snapshot is written.
	w, err := wal.NewWriter(opts.Dir, wal.Options{SyncMode: "fsync"})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i, c := range []string{"a", "b", "c"} {
		r := rec("Benchmark", i, c, float64(100+i))
		err := w.Write(wal.Record{Suite: r.Suite, Seq: uint64(r.Seq), LastUpdateMs: r.LastUpdateMs, Entry: r.Entry})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// A duplicate position, as left by a retried append, is applied once.
	r := rec("Benchmark", 1, "b", 101)
	if err := w.Write(wal.Record{Suite: r.Suite, Seq: 1, LastUpdateMs: r.LastUpdateMs, Entry: r.Entry}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()

	j := NewJournal(opts)
	snap, err := j.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer j.Close()

	if snap.Replayed != 3 {
		t.Errorf("expected 3 replayed records, got %d", snap.Replayed)
	}
	if len(snap.Document.Entries["Benchmark"]) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap.Document.Entries["Benchmark"]))
	}
	if _, err := os.Stat(opts.SnapshotPath); err != nil {
		t.Errorf("expected a snapshot after replay: %v", err)
	}

	segments, err := wal.ListSegments(opts.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Errorf("expected replayed segments deleted, %d remain", len(segments))
	}
}

func TestJournalCheckpointTruncatesLog(t *testing.T) {
	dir := t.TempDir()
	opts := JournalOptions{
		Dir:             filepath.Join(dir, "wal"),
		SnapshotPath:    filepath.Join(dir, "data.json"),
		SyncMode:        "sync",
		CheckpointEvery: 2,
	}

	j := NewJournal(opts)
	if _, err := j.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer j.Close()

	for i := 0; i < 5; i++ {
		if err := j.Append(context.Background(), rec("Benchmark", i, "c", float64(i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	segments, err := wal.ListSegments(opts.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Errorf("expected a single live segment, got %d", len(segments))
	}

	doc, _, err := readDocument(opts.SnapshotPath)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(doc.Entries["Benchmark"]); n != 4 {
		t.Errorf("expected snapshot with 4 entries after two checkpoints, got %d", n)
	}
}

func readDocument(path string) (*types.Document, []types.Malformed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return types.DecodeDocument(data)
}

func TestBadgerBackend(t *testing.T) {
	dir := t.TempDir()

	b, err := OpenBadger(BadgerOptions{Dir: dir, SyncWrites: true, RepoURL: "https://example.com/repo"})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	exerciseBackend(t, b)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenBadger(BadgerOptions{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	snap, err := reopened.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	checkSnapshot(t, snap)
	if snap.Document.RepoURL != "https://example.com/repo" {
		t.Errorf("repo url not persisted: %q", snap.Document.RepoURL)
	}
}

func TestBadgerInMemory(t *testing.T) {
	b, err := OpenBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	if _, err := b.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := 0; i < 12; i++ {
		if err := b.Append(ctx, rec("Benchmark", i, "c", float64(i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	snap, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := snap.Document.Entries["Benchmark"]
	if len(got) != 12 {
		t.Fatalf("expected 12 entries, got %d", len(got))
	}
	// Zero-padded keys keep numeric order past single digits.
	for i, e := range got {
		if e.Measurements[0].Value != float64(i) {
			t.Fatalf("entry %d out of order: %v", i, e.Measurements[0].Value)
		}
	}
}

func TestEntryKeyRoundTrip(t *testing.T) {
	key := entryKey("My Suite.v2", 42)
	suite, seq, err := parseEntryKey(key)
	if err != nil {
		t.Fatalf("parseEntryKey: %v", err)
	}
	if suite != "My Suite.v2" || seq != 42 {
		t.Errorf("got %q %d", suite, seq)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	tests := []struct {
		backend string
		want    string
		wantErr bool
	}{
		{"memory", "memory", false},
		{"document", "document", false},
		{"journal", "journal", false},
		{"badger", "badger", false},
		{"sqlite", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.DataDir = t.TempDir()
			cfg.Persistence.Backend = tt.backend

			b, err := Open(cfg)
			if tt.wantErr {
				if !errors.Is(err, bkerrors.ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer b.Close()
			if b.Name() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, b.Name())
			}
		})
	}
}
