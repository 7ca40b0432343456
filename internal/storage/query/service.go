// Package query runs SQL over exported series with DuckDB.
//
// Exports live as Parquet files in the export directory. Refresh exposes
// all of them as the view "measurements", one row per stored measurement
// (see parquet.MeasurementRow for the columns).
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/validation"
)

// ViewName is the view over all exported Parquet files.
const ViewName = "measurements"

// Service provides SQL over exported series.
type Service struct {
	// mu serializes view refreshes against queries.
	mu sync.RWMutex

	dir     string
	timeout time.Duration
	maxRows int
	db      *sql.DB
	log     *slog.Logger

	ready bool // View exists

	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted atomic.Int64
	RowsReturned    atomic.Int64
	Errors          atomic.Int64
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
	Files           int
}

// TrendQuery selects the history of one measurement.
type TrendQuery struct {
	Suite string
	Name  string
	Limit int // Most recent points, 0 means all
}

// TrendPoint is one value of a measurement's history.
type TrendPoint struct {
	Position    int64   `json:"position"`
	CommitID    string  `json:"commit_id"`
	DateMs      int64   `json:"date"`
	Value       float64 `json:"value"`
	Variability float64 `json:"variability"`
	Unit        string  `json:"unit"`
}

// Result is the outcome of an ad hoc query.
type Result struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Truncated bool             `json:"truncated,omitempty"`
}

// New creates a query service over cfg's export directory.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Open in-memory DuckDB database
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// DuckDB's KB is 1000 bytes, like humanize's.
	if limit := cfg.Query.MemoryLimitBytes(); limit > 0 {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%dKB'", max(limit/1000, 1))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	s := &Service{
		dir:     cfg.ExportDir(),
		timeout: cfg.Query.Timeout,
		maxRows: cfg.Query.MaxRows,
		db:      db,
		log:     logging.Component("query"),
	}
	if err := s.Refresh(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Refresh recreates the view over the Parquet files currently in the
// export directory. Without files the view is dropped.
func (s *Service) Refresh(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.parquet"))
	if err != nil {
		return fmt.Errorf("list exports: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(files) == 0 {
		if _, err := s.db.ExecContext(ctx, "DROP VIEW IF EXISTS "+ViewName); err != nil {
			return fmt.Errorf("drop view: %w", err)
		}
		s.ready = false
		return nil
	}

	pattern := strings.ReplaceAll(filepath.Join(s.dir, "*.parquet"), "'", "''")
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet('%s')", ViewName, pattern)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create view: %w", err)
	}
	s.ready = true
	s.log.Debug("view refreshed", "files", len(files))
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Trend returns the exported history of one measurement in suite order.
// Without exports it returns nothing.
func (s *Service) Trend(ctx context.Context, q TrendQuery) ([]TrendPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := q.Limit
	if limit <= 0 || limit > s.maxRows {
		limit = s.maxRows
	}
	query := fmt.Sprintf(`
		SELECT position, commit_id, date_ms, value, variability, unit
		FROM (
			SELECT *
			FROM %s
			WHERE suite = $1 AND name = $2
			ORDER BY position DESC
			LIMIT %d
		)
		ORDER BY position
	`, ViewName, limit)

	rows, err := s.db.QueryContext(ctx, query, q.Suite, q.Name)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, fmt.Errorf("query trend: %w", err)
	}
	defer rows.Close()

	var points []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Position, &p.CommitID, &p.DateMs, &p.Value, &p.Variability, &p.Unit); err != nil {
			s.stats.Errors.Add(1)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(points)))
	return points, nil
}

// Names lists the distinct measurement names of suite starting with prefix.
func (s *Service) Names(ctx context.Context, suite, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.ready {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT name FROM "+ViewName+` WHERE suite = $1 AND name LIKE $2 ESCAPE '\' ORDER BY name`,
		suite, validation.SafeLikePrefix(prefix))
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, fmt.Errorf("query names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		names = append(names, name)
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(names)))
	return names, rows.Err()
}

// ExecuteSQL executes an ad hoc query. At most the configured number of
// rows is returned; Truncated reports whether more were available.
func (s *Service) ExecuteSQL(ctx context.Context, query string) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.NewValidation("query", "must not be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		if len(result.Rows) >= s.maxRows {
			result.Truncated = true
			break
		}

		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			s.stats.Errors.Add(1)
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors.Add(1)
		return nil, err
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(result.Rows)))
	return result, nil
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	files, _ := filepath.Glob(filepath.Join(s.dir, "*.parquet"))
	return ServiceStats{
		QueriesExecuted: s.stats.QueriesExecuted.Load(),
		RowsReturned:    s.stats.RowsReturned.Load(),
		Errors:          s.stats.Errors.Load(),
		Files:           len(files),
	}
}
