package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Backend health states.
const (
	BackendOnline  = "ONLINE"
	BackendOffline = "OFFLINE"
	BackendError   = "ERROR"
)

// BackendRow is the persistent record of a configured backend.
type BackendRow struct {
	ID       int64
	Name     string
	Type     string
	Options  map[string]string
	Priority int
	State    string
	Error    string
}

// UpsertBackend registers a configured backend by name, updating its
// type/options/priority if it already exists. New backends start OFFLINE
// until a health check passes. Returns the stable backend ID.
func (s *Store) UpsertBackend(name, typ string, options map[string]string, priority int) (int64, error) {
	opts, err := json.Marshal(options)
	if err != nil {
		return 0, fmt.Errorf("encode options for %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`SELECT id FROM backends WHERE name = ?`, name).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.Exec(`
			INSERT INTO backends (name, type, options, priority, state)
			VALUES (?, ?, ?, ?, ?)`, name, typ, string(opts), priority, BackendOffline)
		if err != nil {
			return 0, fmt.Errorf("insert backend %s: %w", name, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	case err == nil:
		if _, err := tx.Exec(`
			UPDATE backends SET type = ?, options = ?, priority = ? WHERE id = ?`,
			typ, string(opts), priority, id); err != nil {
			return 0, fmt.Errorf("update backend %s: %w", name, err)
		}
	default:
		return 0, fmt.Errorf("lookup backend %s: %w", name, err)
	}
	return id, tx.Commit()
}

// SetBackendState records the health of a backend, replacing any previous
// diagnostic text.
func (s *Store) SetBackendState(id int64, state, errText string) error {
	_, err := s.db.Exec(`UPDATE backends SET state = ?, error = ? WHERE id = ?`,
		state, errText, id)
	if err != nil {
		return fmt.Errorf("set backend %d state: %w", id, err)
	}
	return nil
}

// GetBackend returns the row for id.
func (s *Store) GetBackend(id int64) (BackendRow, error) {
	row := s.db.QueryRow(`
		SELECT id, name, type, options, priority, state, error
		FROM backends WHERE id = ?`, id)
	return scanBackend(row)
}

// Backends returns every registered backend, highest download priority
// first.
func (s *Store) Backends() ([]BackendRow, error) {
	rows, err := s.db.Query(`
		SELECT id, name, type, options, priority, state, error
		FROM backends ORDER BY priority DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("backends: %w", err)
	}
	defer rows.Close()

	var out []BackendRow
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBackend(r rowScanner) (BackendRow, error) {
	var b BackendRow
	var opts string
	err := r.Scan(&b.ID, &b.Name, &b.Type, &opts, &b.Priority, &b.State, &b.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BackendRow{}, ErrNotFound
		}
		return BackendRow{}, fmt.Errorf("scan backend: %w", err)
	}
	if opts != "" {
		if err := json.Unmarshal([]byte(opts), &b.Options); err != nil {
			return BackendRow{}, fmt.Errorf("decode options: %w", err)
		}
	}
	return b, nil
}
