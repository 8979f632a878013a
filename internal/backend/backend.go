// Package backend defines the storage backend contract and its drivers.
// Backend-specific logic stays entirely behind the Backend interface; the
// reconciliation loops only see blocks and file records.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// FileRecord is the wire form of one file version as stored in a backend's
// file database.
type FileRecord struct {
	Path    string   `json:"path"`
	Version string   `json:"version"`
	Blocks  []string `json:"blocks"`
	Type    string   `json:"type"`
	MTime   int64    `json:"mtime"`
	Size    int64    `json:"size"`
}

// Backend is a remote storage target holding blocks and file records.
// Implementations must be safe for concurrent use; every method that can
// touch the network takes a context.
type Backend interface {
	// ListFiles streams every file record, invoking fn per record. A
	// non-nil error from fn aborts the stream.
	ListFiles(ctx context.Context, fn func(FileRecord) error) error

	// PutFiles writes a batch of file records. Records already present are
	// overwritten; the call amortizes remote metadata-write cost.
	PutFiles(ctx context.Context, batch []FileRecord) error

	// DeleteFiles drops every file record for path.
	DeleteFiles(ctx context.Context, path string) error

	// HasBlock reports whether the backend holds the block.
	HasBlock(ctx context.Context, hash string) (bool, error)

	// PutBlock stores block content under its canonical key.
	PutBlock(ctx context.Context, hash string, r io.Reader) error

	// GetBlock opens the block content for reading.
	GetBlock(ctx context.Context, hash string) (io.ReadCloser, error)

	// DeleteBlock removes the block. Deleting an absent block is not an
	// error.
	DeleteBlock(ctx context.Context, hash string) error

	// Ping verifies the backend is reachable and usable.
	Ping(ctx context.Context) error

	// Close releases driver resources.
	Close() error
}

// TransientError marks a failure worth retrying with backoff: network
// trouble, timeouts, remote temporarily unavailable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient backend error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transientf wraps a formatted error as transient.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ContentMismatchError reports downloaded block bytes whose hash does not
// match the requested block. The block must be discarded and refetched,
// preferably from another backend.
type ContentMismatchError struct {
	Hash   string
	Actual string
}

func (e *ContentMismatchError) Error() string {
	return fmt.Sprintf("block %s: content hash mismatch (got %s)", e.Hash, e.Actual)
}

// ErrBlockNotFound is returned by GetBlock when the backend does not hold
// the block.
var ErrBlockNotFound = errors.New("block not found")
