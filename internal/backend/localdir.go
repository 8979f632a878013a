package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// LocalDir stores blocks and file records in a local filesystem directory.
// It doubles as the reference driver for tests: every other driver must
// produce the same on-storage layout.
type LocalDir struct {
	root      string
	blockSize int64
}

// NewLocalDir creates the driver from config options. Required option:
// "root". The root is initialized on first use and must be empty or already
// a strata storage root.
func NewLocalDir(options map[string]string, blockSize int64) (*LocalDir, error) {
	root := options["root"]
	if root == "" {
		return nil, errors.New("localdir backend: option \"root\" is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("localdir backend: resolve root: %w", err)
	}

	blocksDir := filepath.Join(root, "blocks")
	if _, err := os.Stat(blocksDir); err != nil {
		entries, readErr := os.ReadDir(root)
		if readErr == nil && len(entries) > 0 {
			return nil, fmt.Errorf("localdir backend: %s is not empty and not a storage root", root)
		}
		if err := os.MkdirAll(blocksDir, 0o755); err != nil {
			return nil, fmt.Errorf("localdir backend: init root: %w", err)
		}
	}

	return &LocalDir{root: root, blockSize: blockSize}, nil
}

func (l *LocalDir) String() string {
	return fmt.Sprintf("localdir(%s)", l.root)
}

func (l *LocalDir) blockPath(hash string) string {
	return filepath.Join(l.root, filepath.FromSlash(BlockKey(l.blockSize, hash)))
}

// ListFiles walks the files directory, decoding each record.
func (l *LocalDir) ListFiles(ctx context.Context, fn func(FileRecord) error) error {
	filesRoot := filepath.Join(l.root, FileRootKey)
	err := filepath.WalkDir(filesRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".json" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return Transientf("read record %s: %w", p, err)
		}
		var rec FileRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode record %s: %w", p, err)
		}
		return fn(rec)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// PutFiles writes each record to its canonical key via tmp-and-rename.
func (l *LocalDir) PutFiles(ctx context.Context, batch []FileRecord) error {
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst := filepath.Join(l.root, filepath.FromSlash(FileRecordKey(rec.Path, rec.Version)))
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %s@%s: %w", rec.Path, rec.Version, err)
		}
		if err := l.atomicWrite(dst, data); err != nil {
			return Transientf("write record %s@%s: %w", rec.Path, rec.Version, err)
		}
	}
	return nil
}

// DeleteFiles removes the per-path record directory.
func (l *LocalDir) DeleteFiles(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(l.root, FileRootKey, url.PathEscape(path))
	if err := os.RemoveAll(dir); err != nil {
		return Transientf("delete records for %s: %w", path, err)
	}
	return nil
}

// HasBlock checks for the block file.
func (l *LocalDir) HasBlock(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(l.blockPath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, Transientf("stat block %s: %w", hash, err)
	}
	return true, nil
}

// PutBlock stores block content via tmp-and-rename so a torn write never
// leaves a corrupt block at the canonical key.
func (l *LocalDir) PutBlock(ctx context.Context, hash string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := l.blockPath(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Transientf("create block dir: %w", err)
	}

	tmp := dst + ".tmp." + uuid.New().String()[:8]
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Transientf("create tmp block: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return Transientf("write block %s: %w", hash, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return Transientf("close block %s: %w", hash, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return Transientf("rename block %s: %w", hash, err)
	}
	return nil
}

// GetBlock opens the block file.
func (l *LocalDir) GetBlock(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.blockPath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlockNotFound
		}
		return nil, Transientf("open block %s: %w", hash, err)
	}
	return f, nil
}

// DeleteBlock removes the block file if present.
func (l *LocalDir) DeleteBlock(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.blockPath(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Transientf("delete block %s: %w", hash, err)
	}
	return nil
}

// Ping verifies the storage root is still a usable directory.
func (l *LocalDir) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(filepath.Join(l.root, "blocks"))
	if err != nil {
		return Transientf("ping %s: %w", l.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ping %s: blocks is not a directory", l.root)
	}
	return nil
}

// Close is a no-op for the local driver.
func (l *LocalDir) Close() error { return nil }

func (l *LocalDir) atomicWrite(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp." + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
