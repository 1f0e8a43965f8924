package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CodeFork/b2-autopush/internal/database/migrations"
	"github.com/CodeFork/b2-autopush/internal/freeze"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteHistory implements freeze.History using SQLite.
type SQLiteHistory struct {
	db *sql.DB
}

var _ freeze.History = (*SQLiteHistory)(nil)

// NewSQLiteHistory opens the database at path, creating it if needed, and
// migrates it to the latest schema. path can be ":memory:".
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("%w: creating database directory: %v", freeze.ErrIO, err)
		}
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Check(db); errors.Is(err, migrations.ErrAhead) || errors.Is(err, migrations.ErrDirty) {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", freeze.ErrDeserialization, path, err)
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteHistory{db: db}, nil
}

// OpenConnection opens and configures a SQLite database connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite allows a single writer, and every connection to
	// :memory: would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

func (s *SQLiteHistory) StartRun(run *freeze.Run) error {
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO runs (id, operation, parameters, started_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Operation, run.Parameters, run.StartedAt.UTC(), run.Status)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

func (s *SQLiteHistory) FinishRun(run *freeze.Run) error {
	res, err := s.db.ExecContext(context.Background(), `
		UPDATE runs
		SET finished_at = ?, status = ?, uploaded = ?, skipped = ?, failed = ?, hidden = ?
		WHERE id = ?`,
		run.FinishedAt.UTC(), run.Status, run.Uploaded, run.Skipped, run.Failed, run.Hidden, run.ID)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: no run with id %q", freeze.ErrArgument, run.ID)
	}
	return nil
}

func (s *SQLiteHistory) RecordFailure(f *freeze.RunFailure) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO run_failures (run_id, path, error) VALUES (?, ?, ?)`,
		f.RunID, f.Path, f.Error)
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first. A limit <= 0 returns all.
func (s *SQLiteHistory) ListRuns(limit int) ([]*freeze.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT id, operation, parameters, started_at, finished_at, status, uploaded, skipped, failed, hidden
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*freeze.Run
	for rows.Next() {
		var (
			r        freeze.Run
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Operation, &r.Parameters, &r.StartedAt, &finished, &r.Status,
			&r.Uploaded, &r.Skipped, &r.Failed, &r.Hidden); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt = r.StartedAt.Local()
		if finished.Valid {
			r.FinishedAt = finished.Time.Local()
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func (s *SQLiteHistory) ListFailures(runID string) ([]*freeze.RunFailure, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT run_id, path, error FROM run_failures WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}
	defer rows.Close()

	var out []*freeze.RunFailure
	for rows.Next() {
		var f freeze.RunFailure
		if err := rows.Scan(&f.RunID, &f.Path, &f.Error); err != nil {
			return nil, fmt.Errorf("scanning failure: %w", err)
		}
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}
	return out, nil
}

// GetRun returns the run with id, or nil if there is none.
func (s *SQLiteHistory) GetRun(id string) (*freeze.Run, error) {
	var (
		r        freeze.Run
		finished sql.NullTime
	)
	err := s.db.QueryRowContext(context.Background(), `
		SELECT id, operation, parameters, started_at, finished_at, status, uploaded, skipped, failed, hidden
		FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.Operation, &r.Parameters, &r.StartedAt, &finished, &r.Status,
			&r.Uploaded, &r.Skipped, &r.Failed, &r.Hidden)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding run: %w", err)
	}
	r.StartedAt = r.StartedAt.Local()
	if finished.Valid {
		r.FinishedAt = finished.Time.Local()
	}
	return &r, nil
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteHistory) CheckMigrations() error {
	return migrations.Check(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using
// VACUUM INTO.
func (s *SQLiteHistory) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteHistory) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
