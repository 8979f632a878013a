package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// LocalFile states: NEW (needs hashing) → HASHING (claimed) → MATCHED
// (version points at a File row).
const (
	LocalNew     = "NEW"
	LocalHashing = "HASHING"
	LocalMatched = "MATCHED"
)

// LocalFile mirrors one on-disk path. It is transient scaffolding between
// disk state and the files table; a path with no local copy has no row.
type LocalFile struct {
	Path    string
	Version string // empty until matched
	MTime   int64  // on-disk mtime (unix nanoseconds) at last hashing
	State   string
}

// GetLocalFile returns the row for path.
func (s *Store) GetLocalFile(path string) (LocalFile, error) {
	row := s.db.QueryRow(
		`SELECT path, version, mtime, state FROM local_files WHERE path = ?`, path)
	return scanLocalFile(row)
}

// AllLocalFiles returns every local_files row.
func (s *Store) AllLocalFiles() ([]LocalFile, error) {
	rows, err := s.db.Query(
		`SELECT path, version, mtime, state FROM local_files ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("all local files: %w", err)
	}
	defer rows.Close()
	return scanLocalFiles(rows)
}

// LocalFilesInState returns up to limit rows in the given state.
func (s *Store) LocalFilesInState(state string, limit int) ([]LocalFile, error) {
	rows, err := s.db.Query(`
		SELECT path, version, mtime, state FROM local_files
		WHERE state = ? ORDER BY path LIMIT ?`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("local files in state %s: %w", state, err)
	}
	defer rows.Close()
	return scanLocalFiles(rows)
}

// MarkLocalFileNew records a new or changed on-disk path, resetting any
// existing row to NEW. It returns the version the row previously pointed at
// (empty if none) so the caller can release that File's local claim.
func (s *Store) MarkLocalFileNew(path string, mtime int64) (prevVersion string, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existing sql.NullString
	err = tx.QueryRow(`SELECT version FROM local_files WHERE path = ?`, path).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.Exec(
			`INSERT INTO local_files (path, version, mtime, state) VALUES (?, NULL, ?, ?)`,
			path, mtime, LocalNew)
	case err == nil:
		_, err = tx.Exec(
			`UPDATE local_files SET version = NULL, mtime = ?, state = ?, claimed_at = 0 WHERE path = ?`,
			mtime, LocalNew, path)
	}
	if err != nil {
		return "", fmt.Errorf("mark local file new %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	if existing.Valid {
		return existing.String, nil
	}
	return "", nil
}

// ClaimLocalFile atomically advances path between states. Returns false if
// another worker already holds the row.
func (s *Store) ClaimLocalFile(path, from, to string, now int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE local_files SET state = ?, claimed_at = ?
		WHERE path = ? AND state = ?`, to, now, path, from)
	if err != nil {
		return false, fmt.Errorf("claim local file %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MatchLocalFile completes a hashing pass: the row points at version and
// records the on-disk mtime observed during the scan.
func (s *Store) MatchLocalFile(path, version string, mtime int64) error {
	_, err := s.db.Exec(`
		UPDATE local_files SET version = ?, mtime = ?, state = ?, claimed_at = 0
		WHERE path = ?`, version, mtime, LocalMatched, path)
	if err != nil {
		return fmt.Errorf("match local file %s: %w", path, err)
	}
	return nil
}

// ReleaseLocalFile reverts a HASHING claim back to NEW for retry.
func (s *Store) ReleaseLocalFile(path string) error {
	_, err := s.db.Exec(`
		UPDATE local_files SET state = ?, claimed_at = 0
		WHERE path = ? AND state = ?`, LocalNew, path, LocalHashing)
	if err != nil {
		return fmt.Errorf("release local file %s: %w", path, err)
	}
	return nil
}

// PutLocalFileMatched upserts a MATCHED row, used when a download
// materializes a file so the discovery loop recognizes it.
func (s *Store) PutLocalFileMatched(path, version string, mtime int64) error {
	_, err := s.db.Exec(`
		INSERT INTO local_files (path, version, mtime, state) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET version = ?, mtime = ?, state = ?, claimed_at = 0`,
		path, version, mtime, LocalMatched, version, mtime, LocalMatched)
	if err != nil {
		return fmt.Errorf("put matched local file %s: %w", path, err)
	}
	return nil
}

// DeleteLocalFile removes the row for path.
func (s *Store) DeleteLocalFile(path string) error {
	_, err := s.db.Exec(`DELETE FROM local_files WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete local file %s: %w", path, err)
	}
	return nil
}

// SweepStaleLocalClaims reverts HASHING rows older than cutoff back to NEW.
func (s *Store) SweepStaleLocalClaims(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE local_files SET state = ?, claimed_at = 0
		WHERE state = ? AND claimed_at > 0 AND claimed_at < ?`,
		LocalNew, LocalHashing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep local claims: %w", err)
	}
	return res.RowsAffected()
}

func scanLocalFile(r rowScanner) (LocalFile, error) {
	var lf LocalFile
	var version sql.NullString
	err := r.Scan(&lf.Path, &version, &lf.MTime, &lf.State)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LocalFile{}, ErrNotFound
		}
		return LocalFile{}, fmt.Errorf("scan local file: %w", err)
	}
	if version.Valid {
		lf.Version = version.String
	}
	return lf, nil
}

func scanLocalFiles(rows *sql.Rows) ([]LocalFile, error) {
	var files []LocalFile
	for rows.Next() {
		lf, err := scanLocalFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, lf)
	}
	return files, rows.Err()
}
