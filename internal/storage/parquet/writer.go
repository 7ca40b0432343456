package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("parquet writer is closed")

const defaultCompression = "zstd"

var codecs = map[string]compress.Codec{
	"none":   &parquet.Uncompressed,
	"snappy": &parquet.Snappy,
	"zstd":   &parquet.Zstd,
	"lz4":    &parquet.Lz4Raw,
	"gzip":   &parquet.Gzip,
}

// Codec returns the codec for a compression name. Empty selects zstd.
func Codec(name string) (compress.Codec, error) {
	if name == "" {
		name = defaultCompression
	}
	c, ok := codecs[name]
	if !ok {
		return nil, errors.NewInvalidValue("compression", name, "unknown codec")
	}
	return c, nil
}

// Compressions lists the accepted compression names.
func Compressions() []string {
	names := make([]string, 0, len(codecs))
	for n := range codecs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Options configures a SeriesWriter.
type Options struct {
	Compression    string // see Compressions
	PageBufferSize int    // bytes per page buffer, 0 keeps the library default
}

func DefaultOptions() Options {
	return Options{Compression: defaultCompression, PageBufferSize: 1 << 20}
}

// MeasurementRow is one measurement of one stored entry.
type MeasurementRow struct {
	Suite         string  `parquet:"suite,dict"`
	Position      int64   `parquet:"position"`
	CommitID      string  `parquet:"commit_id"`
	CommitURL     string  `parquet:"commit_url,optional"`
	CommitMessage string  `parquet:"commit_message,optional"`
	CommitTsMs    int64   `parquet:"commit_ts_ms,optional"`
	Author        string  `parquet:"author,optional,dict"`
	Tool          string  `parquet:"tool,dict"`
	DateMs        int64   `parquet:"date_ms"`
	Name          string  `parquet:"name,dict"`
	Value         float64 `parquet:"value"`
	Variability   float64 `parquet:"variability"`
	Unit          string  `parquet:"unit,dict"`
	Extra         string  `parquet:"extra,optional"`
}

// EntryRows flattens the entry stored at pos of suite, one row per
// measurement.
func EntryRows(suite string, pos int, e *types.CommitEntry) []MeasurementRow {
	base := MeasurementRow{
		Suite:         suite,
		Position:      int64(pos),
		CommitID:      e.Commit.ID,
		CommitURL:     e.Commit.URL,
		CommitMessage: e.Commit.Message,
		Author:        e.Commit.Author.Name,
		Tool:          e.Tool,
		DateMs:        e.DateMs,
	}
	if !e.Commit.Timestamp.IsZero() {
		base.CommitTsMs = e.Commit.Timestamp.UnixMilli()
	}

	rows := make([]MeasurementRow, 0, len(e.Measurements))
	for _, m := range e.Measurements {
		row := base
		row.Name, row.Value, row.Variability = m.Name, m.Value, m.Variability
		row.Unit, row.Extra = m.Unit, m.Extra
		rows = append(rows, row)
	}
	return rows
}

// =============================================================================
// SeriesWriter
// =============================================================================

// SeriesWriter streams measurement rows into one Parquet file.
type SeriesWriter struct {
	mu     sync.Mutex
	file   *os.File
	pw     *parquet.GenericWriter[MeasurementRow]
	rows   int64
	closed bool
}

// NewSeriesWriter creates path, and its directory if needed.
func NewSeriesWriter(path string, opts Options) (*SeriesWriter, error) {
	codec, err := Codec(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}

	wopts := []parquet.WriterOption{parquet.Compression(codec)}
	if opts.PageBufferSize > 0 {
		wopts = append(wopts, parquet.PageBufferSize(opts.PageBufferSize))
	}
	return &SeriesWriter{
		file: f,
		pw:   parquet.NewGenericWriter[MeasurementRow](f, wopts...),
	}, nil
}

// WriteSeries writes the entries of suite. first is the position of
// entries[0] within the suite.
func (w *SeriesWriter) WriteSeries(suite string, first int, entries []types.CommitEntry) error {
	var rows []MeasurementRow
	for i := range entries {
		rows = append(rows, EntryRows(suite, first+i, &entries[i])...)
	}
	return w.Write(rows)
}

func (w *SeriesWriter) Write(rows []MeasurementRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if len(rows) == 0 {
		return nil
	}
	n, err := w.pw.Write(rows)
	w.rows += int64(n)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

// Close writes the footer and closes the file. Closing twice is a no-op.
func (w *SeriesWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	err := w.pw.Close()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *SeriesWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// WriteFile builds a complete file at path. fill writes the rows into a
// temporary sibling which replaces path once closed; on any error path is
// left untouched. It returns the number of rows written.
func WriteFile(path string, opts Options, fill func(*SeriesWriter) error) (int64, error) {
	tmp := path + ".tmp"
	w, err := NewSeriesWriter(tmp, opts)
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp)

	if err := fill(w); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("finish export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("publish export: %w", err)
	}
	return w.RowCount(), nil
}
