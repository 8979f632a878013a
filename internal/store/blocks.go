package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Block is one content-addressed chunk. Backends is the set of backend IDs
// known to hold the block's bytes.
type Block struct {
	Hash     string
	Backends []int64
}

// BlockRef is one (path, version) pair referencing a block — the reverse
// index used by placement and purge.
type BlockRef struct {
	Path    string
	Version string
}

// GetBlock returns the row for hash.
func (s *Store) GetBlock(hash string) (Block, error) {
	var raw string
	err := s.db.QueryRow(`SELECT backends FROM blocks WHERE hash = ?`, hash).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Block{}, ErrNotFound
		}
		return Block{}, fmt.Errorf("get block %s: %w", hash, err)
	}
	ids, err := unmarshalIDs(raw)
	if err != nil {
		return Block{}, err
	}
	return Block{Hash: hash, Backends: ids}, nil
}

// AllBlocks returns every block row.
func (s *Store) AllBlocks() ([]Block, error) {
	rows, err := s.db.Query(`SELECT hash, backends FROM blocks ORDER BY hash`)
	if err != nil {
		return nil, fmt.Errorf("all blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		var raw string
		if err := rows.Scan(&b.Hash, &raw); err != nil {
			return nil, err
		}
		if b.Backends, err = unmarshalIDs(raw); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// AddBlockBackend records backend id as holding hash.
func (s *Store) AddBlockBackend(hash string, id int64) error {
	return s.mutateBlockBackends(hash, func(ids []int64) []int64 {
		if containsID(ids, id) {
			return ids
		}
		return append(ids, id)
	})
}

// RemoveBlockBackend drops backend id from the holders of hash.
func (s *Store) RemoveBlockBackend(hash string, id int64) error {
	return s.mutateBlockBackends(hash, func(ids []int64) []int64 {
		out := ids[:0]
		for _, v := range ids {
			if v != id {
				out = append(out, v)
			}
		}
		return out
	})
}

func (s *Store) mutateBlockBackends(hash string, fn func([]int64) []int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRow(`SELECT backends FROM blocks WHERE hash = ?`, hash).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read block %s: %w", hash, err)
	}
	ids, err := unmarshalIDs(raw)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE blocks SET backends = ? WHERE hash = ?`,
		marshalIDs(fn(ids)), hash); err != nil {
		return fmt.Errorf("update block %s: %w", hash, err)
	}
	return tx.Commit()
}

// EnsureBlockBackend creates the block row if needed and records backend id
// as a holder. Used when ingesting remote file records, whose presence
// implies the backend holds every referenced block.
func (s *Store) EnsureBlockBackend(hash string, id int64) error {
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO blocks (hash, backends) VALUES (?, '[]')`, hash); err != nil {
		return fmt.Errorf("ensure block %s: %w", hash, err)
	}
	return s.AddBlockBackend(hash, id)
}

// RefsForBlock returns the (path, version) pairs referencing hash.
func (s *Store) RefsForBlock(hash string) ([]BlockRef, error) {
	rows, err := s.db.Query(
		`SELECT path, version FROM block_files WHERE hash = ? ORDER BY path, version`, hash)
	if err != nil {
		return nil, fmt.Errorf("refs for block %s: %w", hash, err)
	}
	defer rows.Close()

	var refs []BlockRef
	for rows.Next() {
		var r BlockRef
		if err := rows.Scan(&r.Path, &r.Version); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// OrphanedBlocks returns blocks with no remaining reverse-index references.
func (s *Store) OrphanedBlocks() ([]Block, error) {
	rows, err := s.db.Query(`
		SELECT b.hash, b.backends FROM blocks b
		LEFT JOIN block_files r ON b.hash = r.hash
		WHERE r.hash IS NULL ORDER BY b.hash`)
	if err != nil {
		return nil, fmt.Errorf("orphaned blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		var raw string
		if err := rows.Scan(&b.Hash, &raw); err != nil {
			return nil, err
		}
		if b.Backends, err = unmarshalIDs(raw); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// DeleteBlock removes the block row itself.
func (s *Store) DeleteBlock(hash string) error {
	_, err := s.db.Exec(`DELETE FROM blocks WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("delete block %s: %w", hash, err)
	}
	return nil
}
