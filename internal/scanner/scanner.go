// Package scanner reads the local checkout: walking the tree, chunking
// files into fixed-size blocks, and hashing blocks and versions.
package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// StateDirName is the checkout-relative directory holding the entity
// database and block cache. It is never scanned or synced.
const StateDirName = ".strata"

// TempPrefix marks in-flight download files, excluded from scans.
const TempPrefix = ".strata-tmp."

// FileSummary is the outcome of chunking and hashing one file.
type FileSummary struct {
	Blocks     []string // ordered block hashes
	Size       int64
	MTime      int64 // unix nanoseconds
	Executable bool
}

// HashingRaceError reports that a file changed while it was being hashed.
// The pass must be aborted and retried.
type HashingRaceError struct {
	Path string
}

func (e *HashingRaceError) Error() string {
	return fmt.Sprintf("file %s changed during hashing", e.Path)
}

// ScanAndHash chunks the file at absPath into blockSize pieces, hashing
// each with SHA-256. The file's stat is compared before and after the read;
// any change aborts with HashingRaceError.
func ScanAndHash(absPath string, blockSize int64) (FileSummary, error) {
	before, err := os.Lstat(absPath)
	if err != nil {
		return FileSummary{}, fmt.Errorf("stat %s: %w", absPath, err)
	}
	if !before.Mode().IsRegular() {
		return FileSummary{}, fmt.Errorf("%s is not a regular file", absPath)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return FileSummary{}, fmt.Errorf("open %s: %w", absPath, err)
	}
	defer f.Close()

	var blocks []string
	buf := make([]byte, blockSize)
	var total int64
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			blocks = append(blocks, hex.EncodeToString(sum[:]))
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return FileSummary{}, fmt.Errorf("read %s: %w", absPath, err)
		}
	}

	after, err := os.Lstat(absPath)
	if err != nil {
		return FileSummary{}, fmt.Errorf("re-stat %s: %w", absPath, err)
	}
	if !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size() {
		return FileSummary{}, &HashingRaceError{Path: absPath}
	}

	return FileSummary{
		Blocks:     blocks,
		Size:       total,
		MTime:      before.ModTime().UnixNano(),
		Executable: before.Mode()&0o111 != 0,
	}, nil
}

// ReadBlockAt returns the bytes of block index from the file at absPath,
// verifying nothing — callers hash the result themselves.
func ReadBlockAt(absPath string, blockSize int64, index int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", absPath, err)
	}
	defer f.Close()

	buf := make([]byte, blockSize)
	n, err := f.ReadAt(buf, int64(index)*blockSize)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read block %d of %s: %w", index, absPath, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("block %d of %s is empty", index, absPath)
	}
	return buf[:n], nil
}

// Entry is one regular file found by Walk, identified by its logical path
// (slash-separated, rooted at "/").
type Entry struct {
	Path    string // logical path
	AbsPath string
	MTime   int64 // unix nanoseconds
	Size    int64
}

// Walk visits every regular file under root, skipping the state directory,
// temp files, and anything that is not a plain file.
func Walk(root string, fn func(Entry) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == StateDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, TempPrefix) || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Deleted mid-walk; the deletion loop will notice.
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("rel path for %s: %w", p, err)
		}
		return fn(Entry{
			Path:    LogicalPath(rel),
			AbsPath: p,
			MTime:   info.ModTime().UnixNano(),
			Size:    info.Size(),
		})
	})
}

// LogicalPath converts a checkout-relative OS path to the slash-separated
// logical form rooted at "/".
func LogicalPath(rel string) string {
	return "/" + filepath.ToSlash(rel)
}

// DiskPath converts a logical path back to an absolute path under root.
func DiskPath(root, logical string) string {
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(logical, "/")))
}
