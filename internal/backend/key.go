package backend

import (
	"fmt"
	"net/url"
	"path"
)

// BlockKey returns the canonical storage key for a block's content. The
// layout is shared by every driver and must not change:
//
//	blocks/<block-size>/<hash[0:2]>/<hash[0:4]>/<hash>
//
// Fanning out on hash prefixes keeps directory listings bounded on
// filesystem-like backends.
func BlockKey(blockSize int64, hash string) string {
	return path.Join(
		"blocks",
		fmt.Sprintf("%d", blockSize),
		hash[:2],
		hash[:4],
		hash,
	)
}

// FileRecordKey returns the storage key for one file record. Each logical
// path gets its own directory (with the path escaped into a single
// component) so DeleteFiles is a directory removal.
func FileRecordKey(filePath, version string) string {
	return path.Join("files", url.PathEscape(filePath), version+".json")
}

// FileRecordDir returns the storage directory holding every version of a
// logical path.
func FileRecordDir(filePath string) string {
	return path.Join("files", url.PathEscape(filePath))
}

// FileRootKey is the storage prefix for file records.
const FileRootKey = "files"
