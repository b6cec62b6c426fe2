// Package store implements the embedded transactional store: the single
// authoritative home for order intents, fills, bars, positions, bot
// state, gates and reconciliation reports. Every other component reaches
// persistence only through this package; no entity is authoritative in
// memory.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a single embedded sqlite database. All write paths that
// need atomicity (gate acceptance in particular) run inside a
// `BEGIN IMMEDIATE` transaction, requested via the `_txlock=immediate`
// DSN parameter so every `db.Begin()` call already acquires the
// reserved write lock up front instead of racing to promote later.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates (if needed) the parent directory and the sqlite file at
// path, applies the schema, and returns a ready Store. Passing ":memory:"
// is supported for tests.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "store: ", log.LstdFlags)
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create dir %s: %w", dir, err)
		}
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// sqlite permits only one writer; a single-connection pool turns
	// "database is locked" races into serialized, queued access instead.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-only ad-hoc queries without growing
// the Store's API surface for every reporting need.
func (s *Store) DB() *sql.DB {
	return s.db
}
