package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Transfer states and directions.
const (
	TransferPending      = "PENDING"
	TransferTransferring = "TRANSFERRING"
	TransferComplete     = "COMPLETE"

	DirUpload   = "upload"
	DirDownload = "download"
)

// Transfer is one outstanding obligation to move a block to or from a
// backend.
type Transfer struct {
	Hash      string
	BackendID int64
	Direction string
	State     string
	Attempts  int
	NotBefore int64 // unix nanoseconds; retry backoff gate
}

// EnqueueTransfer records an obligation in state PENDING. Re-running is
// idempotent: an existing PENDING or TRANSFERRING pair is left alone, while
// a stale COMPLETE pair is reset to PENDING.
func (s *Store) EnqueueTransfer(hash string, backendID int64, direction string) error {
	_, err := s.db.Exec(`
		INSERT INTO transfers (hash, backend_id, direction, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash, backend_id, direction) DO UPDATE
		SET state = ?, attempts = 0, not_before = 0, claimed_at = 0
		WHERE transfers.state = ?`,
		hash, backendID, direction, TransferPending,
		TransferPending, TransferComplete)
	if err != nil {
		return fmt.Errorf("enqueue %s %s to backend %d: %w", direction, hash, backendID, err)
	}
	return nil
}

// ClaimPendingTransfer claims the next due PENDING transfer for a backend,
// advancing it to TRANSFERRING. Returns ErrNotFound when nothing is due.
func (s *Store) ClaimPendingTransfer(backendID int64, now int64) (Transfer, error) {
	for {
		t, err := s.nextPending(backendID, now)
		if err != nil {
			return Transfer{}, err
		}
		ok, err := s.claimTransfer(t, now)
		if err != nil {
			return Transfer{}, err
		}
		if ok {
			t.State = TransferTransferring
			return t, nil
		}
		// Lost the race for this row; try the next one.
	}
}

func (s *Store) nextPending(backendID int64, now int64) (Transfer, error) {
	row := s.db.QueryRow(`
		SELECT hash, backend_id, direction, state, attempts, not_before
		FROM transfers
		WHERE backend_id = ? AND state = ? AND not_before <= ?
		ORDER BY not_before, hash LIMIT 1`,
		backendID, TransferPending, now)

	var t Transfer
	err := row.Scan(&t.Hash, &t.BackendID, &t.Direction, &t.State, &t.Attempts, &t.NotBefore)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transfer{}, ErrNotFound
		}
		return Transfer{}, fmt.Errorf("next pending transfer: %w", err)
	}
	return t, nil
}

func (s *Store) claimTransfer(t Transfer, now int64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE transfers SET state = ?, claimed_at = ?
		WHERE hash = ? AND backend_id = ? AND direction = ? AND state = ?`,
		TransferTransferring, now, t.Hash, t.BackendID, t.Direction, TransferPending)
	if err != nil {
		return false, fmt.Errorf("claim transfer %s: %w", t.Hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteTransfer marks a claimed transfer COMPLETE.
func (s *Store) CompleteTransfer(t Transfer) error {
	_, err := s.db.Exec(`
		UPDATE transfers SET state = ?, claimed_at = 0
		WHERE hash = ? AND backend_id = ? AND direction = ?`,
		TransferComplete, t.Hash, t.BackendID, t.Direction)
	if err != nil {
		return fmt.Errorf("complete transfer %s: %w", t.Hash, err)
	}
	return nil
}

// ReleaseTransfer reverts a claimed transfer to PENDING for retry, bumping
// the attempt count and deferring it until notBefore.
func (s *Store) ReleaseTransfer(t Transfer, notBefore int64) (attempts int, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE transfers SET state = ?, attempts = attempts + 1, not_before = ?, claimed_at = 0
		WHERE hash = ? AND backend_id = ? AND direction = ?`,
		TransferPending, notBefore, t.Hash, t.BackendID, t.Direction); err != nil {
		return 0, fmt.Errorf("release transfer %s: %w", t.Hash, err)
	}
	if err := tx.QueryRow(`
		SELECT attempts FROM transfers
		WHERE hash = ? AND backend_id = ? AND direction = ?`,
		t.Hash, t.BackendID, t.Direction).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts %s: %w", t.Hash, err)
	}
	return attempts, tx.Commit()
}

// ActiveTransfers returns the PENDING and TRANSFERRING rows for hash in the
// given direction, across all backends.
func (s *Store) ActiveTransfers(hash, direction string) ([]Transfer, error) {
	rows, err := s.db.Query(`
		SELECT hash, backend_id, direction, state, attempts, not_before
		FROM transfers
		WHERE hash = ? AND direction = ? AND state IN (?, ?)`,
		hash, direction, TransferPending, TransferTransferring)
	if err != nil {
		return nil, fmt.Errorf("active transfers for %s: %w", hash, err)
	}
	defer rows.Close()

	var ts []Transfer
	for rows.Next() {
		var t Transfer
		if err := rows.Scan(&t.Hash, &t.BackendID, &t.Direction, &t.State,
			&t.Attempts, &t.NotBefore); err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}

// DeleteTransfer removes one transfer row regardless of state.
func (s *Store) DeleteTransfer(t Transfer) error {
	_, err := s.db.Exec(`
		DELETE FROM transfers WHERE hash = ? AND backend_id = ? AND direction = ?`,
		t.Hash, t.BackendID, t.Direction)
	if err != nil {
		return fmt.Errorf("delete transfer %s: %w", t.Hash, err)
	}
	return nil
}

// ActiveTransferExists reports whether a PENDING or TRANSFERRING row exists
// for hash in the given direction on any backend.
func (s *Store) ActiveTransferExists(hash, direction string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM transfers
		WHERE hash = ? AND direction = ? AND state IN (?, ?)`,
		hash, direction, TransferPending, TransferTransferring).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("active transfer exists: %w", err)
	}
	return n > 0, nil
}

// TransfersInState returns up to limit transfers in the given state. A
// non-positive limit returns all of them.
func (s *Store) TransfersInState(state string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT hash, backend_id, direction, state, attempts, not_before
		FROM transfers WHERE state = ? ORDER BY hash LIMIT ?`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("transfers in state %s: %w", state, err)
	}
	defer rows.Close()

	var ts []Transfer
	for rows.Next() {
		var t Transfer
		if err := rows.Scan(&t.Hash, &t.BackendID, &t.Direction, &t.State,
			&t.Attempts, &t.NotBefore); err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}

// PruneCompletedTransfers removes satisfied obligations.
func (s *Store) PruneCompletedTransfers() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfers WHERE state = ?`, TransferComplete)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTransfersForBlock removes every transfer row for hash. Used by purge.
func (s *Store) DeleteTransfersForBlock(hash string) error {
	_, err := s.db.Exec(`DELETE FROM transfers WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("delete transfers for %s: %w", hash, err)
	}
	return nil
}

// SweepStaleTransferClaims reverts TRANSFERRING rows older than cutoff back
// to PENDING.
func (s *Store) SweepStaleTransferClaims(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE transfers SET state = ?, claimed_at = 0
		WHERE state = ? AND claimed_at > 0 AND claimed_at < ?`,
		TransferPending, TransferTransferring, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep transfer claims: %w", err)
	}
	return res.RowsAffected()
}
