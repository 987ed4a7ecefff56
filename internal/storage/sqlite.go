// Package storage opens the SQLite database that holds run history.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. Paths on network filesystems are refused.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path); err != nil && !errors.Is(err, ErrFilesystemUnknown) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps concurrent run recorders from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ephemeral_run (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  chain_id      TEXT,
  step_index    INTEGER,
  task          TEXT NOT NULL,
  agent         TEXT,
  status        TEXT NOT NULL,
  text          TEXT,
  error         TEXT,
  exit_code     INTEGER NOT NULL DEFAULT 0,
  turns         INTEGER NOT NULL DEFAULT 0,
  input_tokens  INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  cost          REAL NOT NULL DEFAULT 0,
  log_path      TEXT,
  stderr        TEXT,
  started_at    TEXT NOT NULL,
  duration_ms   INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS chain_run (
  id           TEXT PRIMARY KEY,
  steps        INTEGER NOT NULL,
  policy       TEXT NOT NULL,
  status       TEXT NOT NULL,
  output       TEXT,
  error        TEXT,
  failed_step  INTEGER,
  started_at   TEXT NOT NULL,
  completed_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS worker_log (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  worker     TEXT NOT NULL,
  agent      TEXT,
  pid        INTEGER,
  from_state TEXT,
  to_state   TEXT NOT NULL,
  exit_code  INTEGER,
  at         TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS ephemeral_run_started_at_idx ON ephemeral_run(started_at);`,
		`CREATE INDEX IF NOT EXISTS ephemeral_run_chain_idx ON ephemeral_run(chain_id, step_index);`,
		`CREATE INDEX IF NOT EXISTS worker_log_worker_at_idx ON worker_log(worker, at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
