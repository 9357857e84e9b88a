// Package store persists the pod, server, dotenv, and pod_log records the
// orchestration core reads and writes. Everything beyond those four tables
// (billing, auth, UI state) belongs to the surrounding application, not
// here.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var ddl string

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: record not found")

// Store is a sqlite-backed store for the four tables the core owns. A
// single connection is held open (SetMaxOpenConns(1)) because sqlite
// serializes writers anyway and WAL mode makes that fine for the write
// volumes this core produces; readers never block writers.
type Store struct {
	db *sql.DB
}

// NewSqlite opens (and migrates, via the embedded DDL) a sqlite database
// at path. WAL mode and a busy timeout keep concurrent callers from seeing
// SQLITE_BUSY under the single connection.
func NewSqlite(path string) (*Store, error) {
	opts := url.Values{}
	opts.Add("_pragma", "journal_mode(WAL)")
	opts.Add("_pragma", "busy_timeout(5000)")
	opts.Set("_foreign_keys", "on")

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s", path, opts.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store database: %w", err)
	}

	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
