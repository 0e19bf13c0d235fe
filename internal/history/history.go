// Package history provides the embedded run-history store.
//
// Every reconciliation run (incremental, full, dedupe) is recorded in a
// local SQLite database so the status command and the dashboard can show
// what the syncer has been doing without touching the ledger.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldline/calsync/internal/model"
)

// Run is one persisted reconciliation run.
type Run struct {
	ID          int64     `json:"id"`
	CalendarKey string    `json:"calendar_key"`
	Mode        string    `json:"mode"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Added       int       `json:"added"`
	Updated     int       `json:"updated"`
	Unchanged   int       `json:"unchanged"`
	Failed      int       `json:"failed"`
	Duplicates  int       `json:"duplicates"`
	Error       string    `json:"error,omitempty"`
}

// Store wraps the SQLite connection holding run history.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates (or opens) the history database at path and ensures the
// schema exists. The caller must Close the store when done.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	s := &Store{conn: conn, path: path}

	// WAL keeps the dashboard readable while the daemon writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		calendar_key TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		added INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		unchanged INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		duplicates INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_key ON runs(calendar_key, started_at);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("initialize history schema: %w", err)
	}
	return nil
}

// RecordOutcome persists a completed run. runErr, when non-nil, is stored
// alongside whatever partial counts the outcome carries.
func (s *Store) RecordOutcome(ctx context.Context, out *model.Outcome, runErr error) error {
	if out == nil {
		return fmt.Errorf("nil outcome")
	}
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO runs (calendar_key, mode, started_at, finished_at,
		                  added, updated, unchanged, failed, duplicates, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.CalendarKey,
		out.Mode,
		out.StartedAt.UTC().Format(time.RFC3339),
		out.FinishedAt.UTC().Format(time.RFC3339),
		len(out.Added),
		len(out.Updated),
		len(out.Unchanged),
		len(out.Failed),
		len(out.Duplicates),
		errText,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first. calendarKey
// filters when non-empty; limit 0 means 20.
func (s *Store) RecentRuns(ctx context.Context, calendarKey string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
	SELECT id, calendar_key, mode, started_at, finished_at,
	       added, updated, unchanged, failed, duplicates, error
	FROM runs`
	args := []any{}
	if calendarKey != "" {
		query += ` WHERE calendar_key = ?`
		args = append(args, calendarKey)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.CalendarKey, &r.Mode, &startedAt, &finishedAt,
			&r.Added, &r.Updated, &r.Unchanged, &r.Failed, &r.Duplicates, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
			r.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339, finishedAt); err == nil {
			r.FinishedAt = t
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// RunCount returns the total number of recorded runs.
func (s *Store) RunCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&count); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}
