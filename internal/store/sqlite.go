package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const runColumns = `id, source, output, filters, intensity, width, height, status, error, warnings, duration_ns, created_at`

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Migrations are
// applied when migrate is set.
func NewSQLiteStore(path string, migrate bool, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if migrate {
		if err := MigrateUp(db, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("STORE: Opened run store", "path", path, "migrated", migrate)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for migrations and diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	filters, err := json.Marshal(nonNil(run.Filters))
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	warnings, err := json.Marshal(nonNil(run.Warnings))
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	var intensity sql.NullInt64
	if run.Intensity != nil {
		intensity = sql.NullInt64{Int64: int64(*run.Intensity), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Source, run.Output, string(filters), intensity,
		run.Width, run.Height, string(run.Status), run.Error, string(warnings),
		run.Duration.Nanoseconds(), run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	s.logger.Debug("STORE: Run recorded", "run_id", run.ID, "status", run.Status)
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{FilterUsage: make(map[string]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(status = 'succeeded'), 0),
		       COALESCE(SUM(status = 'failed'), 0)
		FROM runs`).Scan(&stats.Total, &stats.Succeeded, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT lower(f.value), COUNT(*)
		FROM runs, json_each(runs.filters) AS f
		GROUP BY lower(f.value)`)
	if err != nil {
		return nil, fmt.Errorf("count filter usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		stats.FilterUsage[name] = count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                Run
		filters, warnings  string
		status             string
		intensity          sql.NullInt64
		durationNS, millis int64
	)
	err := row.Scan(&run.ID, &run.Source, &run.Output, &filters, &intensity,
		&run.Width, &run.Height, &status, &run.Error, &warnings, &durationNS, &millis)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(filters), &run.Filters); err != nil {
		return nil, fmt.Errorf("decode filters of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(warnings), &run.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings of run %s: %w", run.ID, err)
	}
	if len(run.Warnings) == 0 {
		run.Warnings = nil
	}
	if intensity.Valid {
		v := int(intensity.Int64)
		run.Intensity = &v
	}
	run.Status = Status(status)
	run.Duration = time.Duration(durationNS)
	run.CreatedAt = time.UnixMilli(millis)
	return &run, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
