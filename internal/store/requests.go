package store

import "fmt"

// Explicit download requests for paths whose policy is sparse. A request
// covers the path itself and everything under it.

// AddRequest records an explicit download request for path.
func (s *Store) AddRequest(path string, now int64) error {
	_, err := s.db.Exec(`
		INSERT INTO requests (path, created_at) VALUES (?, ?)
		ON CONFLICT(path) DO NOTHING`, path, now)
	if err != nil {
		return fmt.Errorf("add request %s: %w", path, err)
	}
	return nil
}

// RemoveRequest drops the request for path.
func (s *Store) RemoveRequest(path string) error {
	_, err := s.db.Exec(`DELETE FROM requests WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("remove request %s: %w", path, err)
	}
	return nil
}

// Requests returns every requested path.
func (s *Store) Requests() ([]string, error) {
	rows, err := s.db.Query(`SELECT path FROM requests ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("requests: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
