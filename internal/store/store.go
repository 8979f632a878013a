// Package store holds the persistent entity tables shared by every
// reconciliation loop: files, local_files, backends, blocks (with their
// reverse index), transfers, and explicit download requests.
//
// The only concurrency primitive offered is the per-row exclusive claim:
// state advancement runs as UPDATE ... WHERE <key> AND state = <expected>
// and succeeds for exactly one caller. Loops never lock tables.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding all entity tables.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the entity database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dbPath := filepath.Join(dir, "strata.db")

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open entity db: %w", err)
	}
	// Claims rely on read-modify-write sequences seeing each other.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			path     TEXT NOT NULL,
			version  TEXT NOT NULL,
			blocks   TEXT NOT NULL,
			type     TEXT NOT NULL,
			mtime    INTEGER NOT NULL,
			size     INTEGER NOT NULL,
			backends TEXT NOT NULL,
			state    TEXT NOT NULL,
			claimed_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (path, version)
		);
		CREATE INDEX IF NOT EXISTS files_state ON files(state);

		CREATE TABLE IF NOT EXISTS local_files (
			path    TEXT PRIMARY KEY,
			version TEXT,
			mtime   INTEGER NOT NULL,
			state   TEXT NOT NULL,
			claimed_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS local_files_state ON local_files(state);

		CREATE TABLE IF NOT EXISTS backends (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			name     TEXT NOT NULL UNIQUE,
			type     TEXT NOT NULL,
			options  TEXT NOT NULL,
			priority INTEGER NOT NULL,
			state    TEXT NOT NULL,
			error    TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS blocks (
			hash     TEXT PRIMARY KEY,
			backends TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS block_files (
			hash    TEXT NOT NULL,
			path    TEXT NOT NULL,
			version TEXT NOT NULL,
			PRIMARY KEY (hash, path, version)
		);
		CREATE INDEX IF NOT EXISTS block_files_path ON block_files(path);

		CREATE TABLE IF NOT EXISTS transfers (
			hash       TEXT NOT NULL,
			backend_id INTEGER NOT NULL,
			direction  TEXT NOT NULL,
			state      TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			not_before INTEGER NOT NULL DEFAULT 0,
			claimed_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hash, backend_id, direction)
		);
		CREATE INDEX IF NOT EXISTS transfers_state ON transfers(state);

		CREATE TABLE IF NOT EXISTS requests (
			path       TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// marshalStrings encodes a string slice as a JSON column value.
func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode string set: %w", err)
	}
	return v, nil
}

// marshalIDs encodes a backend ID set as a JSON column value.
func marshalIDs(v []int64) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalIDs(raw string) ([]int64, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var v []int64
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode id set: %w", err)
	}
	return v, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
