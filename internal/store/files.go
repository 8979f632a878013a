package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// File states. Remote-origin rows walk REMOTE → DESIRED → DOWNLOADING →
// LOCAL; local-origin rows are created LOCAL with no backends.
const (
	FileRemote      = "REMOTE"
	FileDesired     = "DESIRED"
	FileDownloading = "DOWNLOADING"
	FileLocal       = "LOCAL"
)

// File content types.
const (
	TypeRegular    = "regular"
	TypeExecutable = "executable"
	TypeDeleted    = "deleted"
)

// File is one version of a logical path. The version is derived from the
// content type and the ordered block list, so identical bytes always map to
// the same row.
type File struct {
	Path     string
	Version  string
	Blocks   []string
	Type     string
	MTime    int64 // unix nanoseconds
	Size     int64
	Backends []int64
	State    string
}

// HasBackend reports whether the record is confirmed on backend id.
func (f *File) HasBackend(id int64) bool {
	return containsID(f.Backends, id)
}

// IsDeleted reports whether this version is a tombstone.
func (f *File) IsDeleted() bool {
	return f.Type == TypeDeleted
}

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// CreateFile inserts a File row and, in the same transaction, ensures a
// Block row and a reverse-index entry for every block it references. The
// reverse index only changes together with the file rows that feed it.
func (s *Store) CreateFile(f File) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO files (path, version, blocks, type, mtime, size, backends, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Path, f.Version, marshalStrings(f.Blocks), f.Type, f.MTime, f.Size,
		marshalIDs(f.Backends), f.State)
	if err != nil {
		return fmt.Errorf("insert file %s@%s: %w", f.Path, f.Version, err)
	}

	for _, hash := range f.Blocks {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO blocks (hash, backends) VALUES (?, '[]')`, hash); err != nil {
			return fmt.Errorf("ensure block %s: %w", hash, err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO block_files (hash, path, version) VALUES (?, ?, ?)`,
			hash, f.Path, f.Version); err != nil {
			return fmt.Errorf("index block %s: %w", hash, err)
		}
	}

	return tx.Commit()
}

// GetFile returns the row for (path, version).
func (s *Store) GetFile(path, version string) (File, error) {
	row := s.db.QueryRow(`
		SELECT path, version, blocks, type, mtime, size, backends, state
		FROM files WHERE path = ? AND version = ?`, path, version)
	return scanFile(row)
}

// FileExists reports whether (path, version) is already recorded.
func (s *Store) FileExists(path, version string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM files WHERE path = ? AND version = ?`,
		path, version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("file exists: %w", err)
	}
	return n > 0, nil
}

// FilesInState returns up to limit rows in the given state.
func (s *Store) FilesInState(state string, limit int) ([]File, error) {
	rows, err := s.db.Query(`
		SELECT path, version, blocks, type, mtime, size, backends, state
		FROM files WHERE state = ? ORDER BY path, version LIMIT ?`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("files in state %s: %w", state, err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

// VersionsForPath returns every recorded version of path.
func (s *Store) VersionsForPath(path string) ([]File, error) {
	rows, err := s.db.Query(`
		SELECT path, version, blocks, type, mtime, size, backends, state
		FROM files WHERE path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("versions for %s: %w", path, err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

// LatestVersion returns the row with the greatest mtime for path. Ties on
// mtime break toward the lexicographically greater version so the winner is
// deterministic across processes.
func (s *Store) LatestVersion(path string) (File, error) {
	row := s.db.QueryRow(`
		SELECT path, version, blocks, type, mtime, size, backends, state
		FROM files WHERE path = ?
		ORDER BY mtime DESC, version DESC LIMIT 1`, path)
	return scanFile(row)
}

// PathsInState returns the distinct paths that have at least one row in the
// given state.
func (s *Store) PathsInState(state string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT path FROM files WHERE state = ? ORDER BY path`, state)
	if err != nil {
		return nil, fmt.Errorf("paths in state %s: %w", state, err)
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

// ClaimFile atomically advances (path, version) from one state to another.
// It returns false if another worker got there first.
func (s *Store) ClaimFile(path, version, from, to string, now int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE files SET state = ?, claimed_at = ?
		WHERE path = ? AND version = ? AND state = ?`,
		to, now, path, version, from)
	if err != nil {
		return false, fmt.Errorf("claim file %s@%s: %w", path, version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetFileState unconditionally sets the state of (path, version).
func (s *Store) SetFileState(path, version, state string) error {
	_, err := s.db.Exec(
		`UPDATE files SET state = ?, claimed_at = 0 WHERE path = ? AND version = ?`,
		state, path, version)
	if err != nil {
		return fmt.Errorf("set file state %s@%s: %w", path, version, err)
	}
	return nil
}

// AddFileBackend records backend id as confirmed to hold (path, version).
func (s *Store) AddFileBackend(path, version string, id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRow(
		`SELECT backends FROM files WHERE path = ? AND version = ?`,
		path, version).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read backends %s@%s: %w", path, version, err)
	}
	ids, err := unmarshalIDs(raw)
	if err != nil {
		return err
	}
	if containsID(ids, id) {
		return nil
	}
	ids = append(ids, id)

	if _, err := tx.Exec(
		`UPDATE files SET backends = ? WHERE path = ? AND version = ?`,
		marshalIDs(ids), path, version); err != nil {
		return fmt.Errorf("update backends %s@%s: %w", path, version, err)
	}
	return tx.Commit()
}

// UpsertTombstone records a deleted-type version for path. Re-deleting a
// path reuses the same version (it hashes type+blocks only), so an existing
// tombstone row is refreshed: its mtime moves forward and its backend set
// resets so propagation pushes the newer record out again.
func (s *Store) UpsertTombstone(path, version string, mtime int64) error {
	_, err := s.db.Exec(`
		INSERT INTO files (path, version, blocks, type, mtime, size, backends, state)
		VALUES (?, ?, '[]', ?, ?, 0, '[]', ?)
		ON CONFLICT(path, version) DO UPDATE
		SET mtime = ?, backends = '[]', state = ?, claimed_at = 0`,
		path, version, TypeDeleted, mtime, FileLocal,
		mtime, FileLocal)
	if err != nil {
		return fmt.Errorf("upsert tombstone %s: %w", path, err)
	}
	return nil
}

// DeleteFilesForPath removes every version of path along with its
// reverse-index entries. Used by purge; orphaned Block rows are handled by
// the caller afterwards.
func (s *Store) DeleteFilesForPath(path string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM block_files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete block refs for %s: %w", path, err)
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete files for %s: %w", path, err)
	}
	return tx.Commit()
}

// SweepStaleFileClaims reverts DOWNLOADING rows whose claim is older than
// cutoff back to DESIRED. Crashed workers must not wedge a row forever.
func (s *Store) SweepStaleFileClaims(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE files SET state = ?, claimed_at = 0
		WHERE state = ? AND claimed_at > 0 AND claimed_at < ?`,
		FileDesired, FileDownloading, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep file claims: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(r rowScanner) (File, error) {
	var f File
	var blocksRaw, backendsRaw string
	err := r.Scan(&f.Path, &f.Version, &blocksRaw, &f.Type, &f.MTime, &f.Size,
		&backendsRaw, &f.State)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return File{}, ErrNotFound
		}
		return File{}, fmt.Errorf("scan file: %w", err)
	}
	if f.Blocks, err = unmarshalStrings(blocksRaw); err != nil {
		return File{}, err
	}
	if f.Backends, err = unmarshalIDs(backendsRaw); err != nil {
		return File{}, err
	}
	return f, nil
}

func scanFiles(rows *sql.Rows) ([]File, error) {
	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
