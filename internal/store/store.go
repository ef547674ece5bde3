// Package store is the sqlite-backed persistence layer for every entity in
// internal/model: alerts, runbooks, executions, the safety-gate state, and
// scheduled jobs. A single connection serializes all reads and writes,
// since sqlite allows only one writer at a time; the database runs in WAL
// journal mode.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection pool used by every repository in this
// package.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the sqlite database at dbPath and brings
// its schema up to date.
func New(ctx context.Context, dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// sqlite supports only one concurrent writer; limiting the pool to a
	// single connection serializes all access at the Go level so
	// concurrent callers (worker, scheduler, API handlers) never collide
	// on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
