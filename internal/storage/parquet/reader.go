package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// SeriesReader reads measurement rows from a Parquet file.
type SeriesReader struct {
	file   *os.File
	reader *parquet.GenericReader[MeasurementRow]
	path   string
}

// NewSeriesReader opens a Parquet file written by SeriesWriter.
func NewSeriesReader(path string) (*SeriesReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[MeasurementRow](f)

	return &SeriesReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n rows. It returns io.EOF once the file is exhausted.
func (r *SeriesReader) Read(n int) ([]MeasurementRow, error) {
	rows := make([]MeasurementRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(errors.Is(err, io.EOF) && count > 0) {
		return nil, err
	}
	return rows[:count], nil
}

// ReadAll reads every row of the file.
func (r *SeriesReader) ReadAll() ([]MeasurementRow, error) {
	rows := make([]MeasurementRow, r.reader.NumRows())

	n, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return rows[:n], nil
}

// NumRows returns the total number of rows in the file.
func (r *SeriesReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *SeriesReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *SeriesReader) Path() string {
	return r.path
}

// GroupEntries regroups rows into entries per suite. Rows of one entry
// share suite and position; entries come back ordered as the rows were.
// Only the commit fields carried by the rows are restored.
func GroupEntries(rows []MeasurementRow) map[string][]types.CommitEntry {
	out := make(map[string][]types.CommitEntry)
	last := make(map[string]int64)

	for i := range rows {
		row := &rows[i]
		entries := out[row.Suite]
		if pos, ok := last[row.Suite]; !ok || pos != row.Position {
			e := types.CommitEntry{
				Commit: types.Commit{
					ID:      row.CommitID,
					URL:     row.CommitURL,
					Message: row.CommitMessage,
					Author:  types.Person{Name: row.Author},
				},
				DateMs: row.DateMs,
				Tool:   row.Tool,
			}
			if row.CommitTsMs != 0 {
				e.Commit.Timestamp = time.UnixMilli(row.CommitTsMs).UTC()
			}
			entries = append(entries, e)
			last[row.Suite] = row.Position
		}
		cur := &entries[len(entries)-1]
		cur.Measurements = append(cur.Measurements, types.Measurement{
			Name:        row.Name,
			Value:       row.Value,
			Variability: row.Variability,
			Unit:        row.Unit,
			Extra:       row.Extra,
		})
		out[row.Suite] = entries
	}
	return out
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns information about a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[MeasurementRow](f)
	defer reader.Close()

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: reader.NumRows(),
	}, nil
}
