package parquet

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	bkerrors "github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

func testEntries() []types.CommitEntry {
	ts := time.Date(2023, 7, 2, 12, 46, 7, 0, time.UTC)
	return []types.CommitEntry{
		{
			Commit: types.Commit{
				ID:        "670ac0c",
				URL:       "https://example.com/commit/670ac0c",
				Message:   "Add mandelbrot",
				Timestamp: ts,
				Author:    types.Person{Name: "Jane"},
			},
			DateMs: 1688301993140,
			Tool:   "cargo",
			Measurements: []types.Measurement{
				{Name: "bench_mandelbrot_set_iterate", Value: 78831, Variability: 256, Unit: "ns/iter"},
				{Name: "bench_fib", Value: 120, Variability: 3, Unit: "ns/iter"},
			},
		},
		{
			Commit: types.Commit{ID: "6f2a8d3"},
			DateMs: 1688302993140,
			Tool:   "cargo",
			Measurements: []types.Measurement{
				{Name: "bench_mandelbrot_set_iterate", Value: 78858, Variability: 1013, Unit: "ns/iter"},
			},
		},
	}
}

func TestCodec(t *testing.T) {
	for _, name := range Compressions() {
		if _, err := Codec(name); err != nil {
			t.Errorf("Codec(%q): %v", name, err)
		}
	}
	def, err := Codec("")
	if err != nil || def != &parquet.Zstd {
		t.Errorf("expected zstd by default, got %v, %v", def, err)
	}
	if _, err := Codec("brotli"); !bkerrors.IsValidation(err) {
		t.Errorf("expected validation error for brotli, got %v", err)
	}
}

func TestEntryRows(t *testing.T) {
	e := testEntries()[0]
	rows := EntryRows("Benchmark", 7, &e)

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	r := rows[1]
	if r.Suite != "Benchmark" || r.Position != 7 || r.CommitID != "670ac0c" || r.Name != "bench_fib" {
		t.Errorf("unexpected row %+v", r)
	}
	if r.CommitTsMs != e.Commit.Timestamp.UnixMilli() || r.Author != "Jane" {
		t.Errorf("commit metadata not carried: %+v", r)
	}
}

func TestSeriesWriteAndRead(t *testing.T) {
	for _, compression := range []string{"zstd", "snappy", "none"} {
		t.Run(compression, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "series.parquet")
			opts := DefaultOptions()
			opts.Compression = compression

			w, err := NewSeriesWriter(path, opts)
			if err != nil {
				t.Fatalf("NewSeriesWriter: %v", err)
			}
			if err := w.WriteSeries("Benchmark", 0, testEntries()); err != nil {
				t.Fatalf("WriteSeries: %v", err)
			}
			if err := w.WriteSeries("Other", 3, testEntries()[1:]); err != nil {
				t.Fatalf("WriteSeries: %v", err)
			}
			if w.RowCount() != 4 {
				t.Errorf("expected 4 rows written, got %d", w.RowCount())
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := w.Write([]MeasurementRow{{}}); !errors.Is(err, ErrWriterClosed) {
				t.Errorf("expected ErrWriterClosed, got %v", err)
			}

			r, err := NewSeriesReader(path)
			if err != nil {
				t.Fatalf("NewSeriesReader: %v", err)
			}
			defer r.Close()

			rows, err := r.ReadAll()
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if len(rows) != 4 {
				t.Fatalf("expected 4 rows, got %d", len(rows))
			}
			if rows[3].Suite != "Other" || rows[3].Position != 3 || rows[3].Value != 78858 {
				t.Errorf("unexpected last row %+v", rows[3])
			}
		})
	}
}

func TestReadInBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.parquet")
	w, err := NewSeriesWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewSeriesWriter: %v", err)
	}
	if err := w.WriteSeries("Benchmark", 0, testEntries()); err != nil {
		t.Fatalf("WriteSeries: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewSeriesReader(path)
	if err != nil {
		t.Fatalf("NewSeriesReader: %v", err)
	}
	defer r.Close()

	total := 0
	for {
		rows, err := r.Read(2)
		total += len(rows)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if total > 3 {
			t.Fatal("read past the end of the file")
		}
	}
	if total != 3 {
		t.Errorf("expected 3 rows, got %d", total)
	}
}

func TestGroupEntries(t *testing.T) {
	var rows []MeasurementRow
	entries := testEntries()
	for i := range entries {
		rows = append(rows, EntryRows("Benchmark", i, &entries[i])...)
	}

	got := GroupEntries(rows)["Benchmark"]
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if !got[0].SameMeasurements(&entries[0]) || !got[1].SameMeasurements(&entries[1]) {
		t.Errorf("measurements not regrouped: %+v", got)
	}
	if !got[0].Commit.Timestamp.Equal(entries[0].Commit.Timestamp) {
		t.Errorf("expected commit timestamp %v, got %v", entries[0].Commit.Timestamp, got[0].Commit.Timestamp)
	}
	if !got[1].Commit.Timestamp.IsZero() {
		t.Errorf("expected zero commit timestamp, got %v", got[1].Commit.Timestamp)
	}
}

func TestGetFileInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.parquet")
	w, err := NewSeriesWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewSeriesWriter: %v", err)
	}
	if err := w.WriteSeries("Benchmark", 0, testEntries()); err != nil {
		t.Fatalf("WriteSeries: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := GetFileInfo(path)
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	stat, _ := os.Stat(path)
	if info.NumRows != 3 || info.Size != stat.Size() {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "series.parquet")

	rows, err := WriteFile(path, DefaultOptions(), func(w *SeriesWriter) error {
		return w.WriteSeries("Benchmark", 0, testEntries())
	})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if rows != 3 {
		t.Errorf("expected 3 rows, got %d", rows)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	// A failed rebuild leaves the previous file in place.
	boom := errors.New("boom")
	_, err = WriteFile(path, DefaultOptions(), func(w *SeriesWriter) error {
		if err := w.WriteSeries("Benchmark", 0, testEntries()[:1]); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fill error, got %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(before) != string(after) {
		t.Error("failed rebuild replaced the file")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}
}
