package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/substratehq/strata/internal/backend"
	"github.com/substratehq/strata/internal/event"
	"github.com/substratehq/strata/internal/policy"
	"github.com/substratehq/strata/internal/scanner"
	"github.com/substratehq/strata/internal/store"
)

// desirePass picks remote file versions this machine should materialize: the
// latest version of a path whose policy auto-downloads, or that an explicit
// request covers. A remote version never replaces a local copy that is the
// only surviving copy of its own version.
func (e *Engine) desirePass(ctx context.Context) error {
	requests, err := e.st.Requests()
	if err != nil {
		return err
	}

	paths, err := e.st.PathsInState(store.FileRemote)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		latest, err := e.st.LatestVersion(p)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if latest.State != store.FileRemote {
			continue // latest already moving or present
		}
		if !e.wantsDownload(p, requests) {
			continue
		}

		lf, err := e.st.GetLocalFile(p)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case lf.State != store.LocalMatched:
			continue // local copy in flux; let hashing settle first
		case lf.Version == latest.Version:
			// Already materialized; record it and move on.
			if err := e.st.SetFileState(p, latest.Version, store.FileLocal); err != nil {
				return err
			}
			continue
		default:
			safe, err := e.versionsSafeElsewhere(p, lf.Version)
			if err != nil {
				return err
			}
			if !safe {
				continue
			}
		}

		if !latest.IsDeleted() && len(latest.Backends) == 0 {
			continue // nowhere to fetch from yet
		}

		claimed, err := e.st.ClaimFile(p, latest.Version, store.FileRemote, store.FileDesired, e.now())
		if err != nil {
			return err
		}
		if claimed {
			e.bus.Publish(event.Event{
				Type:    event.FileDesired,
				Path:    p,
				Version: latest.Version,
			})
		}
	}
	return nil
}

func (e *Engine) wantsDownload(path string, requests []string) bool {
	if e.pol.Resolve(path).AllowsAutoDownload() {
		return true
	}
	for _, req := range requests {
		if policy.Covers(req, path) {
			return true
		}
	}
	return false
}

// versionsSafeElsewhere reports whether overwriting the matched local copy
// at the given version would lose the version's last copy.
func (e *Engine) versionsSafeElsewhere(path, version string) (bool, error) {
	f, err := e.st.GetFile(path, version)
	if errors.Is(err, store.ErrNotFound) {
		// Untracked local version; discovery or hashing is behind. Wait.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(f.Backends) > 0, nil
}

// downloadPass materializes desired file versions. Missing blocks are
// queued as download transfers against the highest-priority backend holding
// them, and the file stays claimed only while assembly is possible.
func (e *Engine) downloadPass(ctx context.Context) error {
	files, err := e.st.FilesInState(store.FileDesired, downloadBatchLimit)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	online, err := e.reg.Online()
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, err := e.st.ClaimFile(f.Path, f.Version, store.FileDesired, store.FileDownloading, e.now())
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		prev, err := e.supersededVersion(f)
		if err != nil {
			return err
		}
		done, err := e.materialize(ctx, f, online)
		if err != nil {
			return err
		}
		state := store.FileDesired
		if done {
			state = store.FileLocal
		}
		if err := e.st.SetFileState(f.Path, f.Version, state); err != nil {
			return err
		}
		if done {
			if prev != "" {
				if err := e.releaseFileVersion(f.Path, prev); err != nil {
					return err
				}
			}
			e.finishRequest(f.Path)
		}
	}
	return nil
}

// supersededVersion returns the matched local version a download is about
// to replace, if any. PutLocalFileMatched overwrites the LocalFile row, so
// the old version must be captured first and released back to REMOTE once
// the new one is on disk.
func (e *Engine) supersededVersion(f store.File) (string, error) {
	lf, err := e.st.GetLocalFile(f.Path)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if lf.State != store.LocalMatched || lf.Version == f.Version {
		return "", nil
	}
	return lf.Version, nil
}

// materialize assembles one file version on disk. It reports false, nil when
// blocks are still in flight and the version should return to desired.
func (e *Engine) materialize(ctx context.Context, f store.File, online []*backend.Instance) (bool, error) {
	if f.IsDeleted() {
		return true, e.applyTombstone(f)
	}

	ready := true
	for _, h := range f.Blocks {
		ok, err := e.hasLocalSource(h)
		if err != nil {
			return false, err
		}
		if ok {
			continue
		}
		ready = false
		if err := e.queueBlockDownload(h, online); err != nil {
			return false, err
		}
	}
	if !ready {
		return false, nil
	}

	if err := e.writeFile(ctx, f); err != nil {
		e.log.Warn("materialize failed", "path", f.Path, "version", f.Version, "error", err)
		return false, nil
	}
	for _, h := range f.Blocks {
		e.dropCachedBlock(h)
	}
	e.stats.AddFilesMaterialized(1)
	e.bus.Publish(event.Event{
		Type:    event.FileMaterialized,
		Path:    f.Path,
		Version: f.Version,
		Size:    f.Size,
	})
	return true, nil
}

// queueBlockDownload enqueues a transfer for the best backend that holds the
// block. Backends are tried in priority order: a pending transfer parked on
// a backend that went offline (or stopped holding the block) is dropped and
// the download falls back to the next-priority holder.
func (e *Engine) queueBlockDownload(hash string, online []*backend.Instance) error {
	blk, err := e.st.GetBlock(hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	viable := func(id int64) bool {
		if !containsBackend(blk.Backends, id) {
			return false
		}
		for _, inst := range online {
			if inst.ID == id {
				return true
			}
		}
		return false
	}

	active, err := e.st.ActiveTransfers(hash, store.DirDownload)
	if err != nil {
		return err
	}
	for _, t := range active {
		if t.State == store.TransferTransferring || viable(t.BackendID) {
			return nil // let it run its course
		}
		if err := e.st.DeleteTransfer(t); err != nil {
			return err
		}
	}

	for _, inst := range online { // priority descending
		if !containsBackend(blk.Backends, inst.ID) {
			continue
		}
		if err := e.st.EnqueueTransfer(hash, inst.ID, store.DirDownload); err != nil {
			return err
		}
		e.bus.Publish(event.Event{
			Type:    event.TransferQueued,
			Hash:    hash,
			Backend: inst.Name,
		})
		return nil
	}
	e.log.Warn("no online backend holds block", "hash", hash)
	return nil
}

// applyTombstone removes the path's local copy, if any.
func (e *Engine) applyTombstone(f store.File) error {
	if err := os.Remove(e.diskPath(f.Path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := e.st.DeleteLocalFile(f.Path); err != nil {
		return err
	}
	e.bus.Publish(event.Event{
		Type:    event.FileTombstoned,
		Path:    f.Path,
		Version: f.Version,
	})
	return nil
}

// writeFile assembles the version into a temp file next to its destination
// and renames it into place, so readers never observe a partial file.
func (e *Engine) writeFile(ctx context.Context, f store.File) error {
	dst := e.diskPath(f.Path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(dst),
		scanner.TempPrefix+filepath.Base(dst)+"."+uuid.New().String()[:8])
	mode := os.FileMode(0o644)
	if f.Type == store.TypeExecutable {
		mode = 0o755
	}
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}

	written := int64(0)
	for _, h := range f.Blocks {
		if err := ctx.Err(); err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
		data, rerr := e.readLocalBlock(h)
		if rerr != nil {
			out.Close()
			os.Remove(tmp)
			return rerr
		}
		n, werr := out.Write(data)
		if werr != nil {
			out.Close()
			os.Remove(tmp)
			return werr
		}
		written += int64(n)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if written != f.Size {
		os.Remove(tmp)
		return fmt.Errorf("assembled %d bytes, record says %d", written, f.Size)
	}

	ts := unix.NsecToTimespec(f.MTime)
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, tmp, []unix.Timespec{ts, ts}, 0); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("set mtime: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}

	// Record the match before discovery sees the file, with the mtime the
	// rename preserved.
	info, err := os.Lstat(dst)
	mtime := f.MTime
	if err == nil {
		mtime = info.ModTime().UnixNano()
	}
	return e.st.PutLocalFileMatched(f.Path, f.Version, mtime)
}

// finishRequest retires an exact-path request once its download completes.
// Prefix requests stay until removed, so they keep covering new versions.
func (e *Engine) finishRequest(path string) {
	if err := e.st.RemoveRequest(path); err != nil {
		e.log.Warn("remove request", "path", path, "error", err)
	}
}

