package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/substratehq/strata/internal/backend"
	"github.com/substratehq/strata/internal/scanner"
	"github.com/substratehq/strata/internal/store"
)

// The block cache holds downloaded block bytes under the state directory
// until the download loop assembles them into files. Blocks are verified
// on write and again on read: the cache survives restarts, and a partial
// write from a crashed process must never be served as a block.

func (e *Engine) cachePath(hash string) string {
	return filepath.Join(e.cfg.StateDir, "blockcache", hash[:2], hash)
}

func (e *Engine) hasCachedBlock(hash string) bool {
	_, err := os.Stat(e.cachePath(hash))
	return err == nil
}

// writeCachedBlock streams r into the cache, verifying the content hash.
// A mismatch leaves no trace in the cache and returns
// ContentMismatchError.
func (e *Engine) writeCachedBlock(hash string, r io.Reader) (int64, error) {
	dst := e.cachePath(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, fmt.Errorf("create cache dir: %w", err)
	}

	tmp := dst + ".tmp." + uuid.New().String()[:8]
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create cache tmp: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write cached block %s: %w", hash, err)
	}

	if actual := hex.EncodeToString(h.Sum(nil)); actual != hash {
		os.Remove(tmp)
		return 0, &backend.ContentMismatchError{Hash: hash, Actual: actual}
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("commit cached block %s: %w", hash, err)
	}
	return n, nil
}

func (e *Engine) dropCachedBlock(hash string) {
	_ = os.Remove(e.cachePath(hash))
}

// errNoLocalSource reports a block whose bytes cannot be produced from this
// machine right now. The obligation stays queued for a later pass.
var errNoLocalSource = errors.New("no local source for block")

// readLocalBlock returns the verified bytes of a block, sourced from the
// cache or from a matched local file that contains it.
func (e *Engine) readLocalBlock(hash string) ([]byte, error) {
	if data, err := os.ReadFile(e.cachePath(hash)); err == nil {
		if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) == hash {
			return data, nil
		}
		// Corrupt cache entry; drop it and fall through to file sources.
		e.dropCachedBlock(hash)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read cached block %s: %w", hash, err)
	}

	refs, err := e.st.RefsForBlock(hash)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		lf, err := e.st.GetLocalFile(ref.Path)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if lf.State != store.LocalMatched || lf.Version != ref.Version {
			continue
		}

		f, err := e.st.GetFile(ref.Path, ref.Version)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		idx := -1
		for i, b := range f.Blocks {
			if b == hash {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		data, err := scanner.ReadBlockAt(e.diskPath(ref.Path), e.cfg.Tuning.BlockSize, idx)
		if err != nil {
			continue // file may be mid-rewrite; try another ref
		}
		if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) != hash {
			continue // changed since hashing; discovery will re-queue it
		}
		return data, nil
	}

	return nil, errNoLocalSource
}

// hasLocalSource reports whether readLocalBlock could plausibly succeed,
// without reading file contents.
func (e *Engine) hasLocalSource(hash string) (bool, error) {
	if e.hasCachedBlock(hash) {
		return true, nil
	}
	refs, err := e.st.RefsForBlock(hash)
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		lf, err := e.st.GetLocalFile(ref.Path)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if lf.State == store.LocalMatched && lf.Version == ref.Version {
			return true, nil
		}
	}
	return false, nil
}
