package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/substratehq/strata/internal/event"
	"github.com/substratehq/strata/internal/scanner"
	"github.com/substratehq/strata/internal/store"
)

// tombstoneVersion is the version every deletion record carries: the content
// version of a deleted file with no blocks.
func tombstoneVersion() string {
	return scanner.Version(store.TypeDeleted, nil)
}

// deletionPass reacts to files removed from the checkout. Paths under a
// fully-synchronized policy turn the removal into a tombstone that
// propagates; everywhere else the removal just releases the checked-out
// version, leaving the backends untouched.
func (e *Engine) deletionPass(ctx context.Context) error {
	locals, err := e.st.AllLocalFiles()
	if err != nil {
		return err
	}
	for _, lf := range locals {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lf.State == store.LocalHashing {
			continue // claim sweep handles a crashed hasher
		}
		if _, err := os.Lstat(e.diskPath(lf.Path)); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}

		if err := e.st.DeleteLocalFile(lf.Path); err != nil {
			return err
		}
		if lf.State != store.LocalMatched {
			continue // vanished before it was ever hashed
		}

		if e.pol.Resolve(lf.Path).PropagatesDelete() {
			if err := e.tombstone(lf); err != nil {
				return err
			}
			continue
		}

		// A removal under a sparse policy means "stop keeping this here".
		if err := e.releaseFileVersion(lf.Path, lf.Version); err != nil {
			return err
		}
		if err := e.st.RemoveRequest(lf.Path); err != nil {
			return err
		}
	}
	return nil
}

// tombstone records a deletion as a new latest version so other machines
// converge on removing the path. Paths that never reached a backend leave no
// tombstone: nobody else ever saw them.
func (e *Engine) tombstone(lf store.LocalFile) error {
	prev, err := e.st.GetFile(lf.Path, lf.Version)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if prev.IsDeleted() {
		return nil
	}
	if len(prev.Backends) == 0 {
		active, err := e.anyUploadActive(prev.Blocks)
		if err != nil {
			return err
		}
		if !active {
			return nil
		}
		// Mid-upload: the record may land on a backend any moment, so
		// the tombstone must land too.
	}

	version := tombstoneVersion()
	if err := e.st.UpsertTombstone(lf.Path, version, e.now()); err != nil {
		return err
	}
	e.stats.AddTombstones(1)
	e.bus.Publish(event.Event{
		Type:    event.FileTombstoned,
		Path:    lf.Path,
		Version: version,
	})
	e.log.Info("file deleted locally, tombstoned", "path", lf.Path)
	return nil
}

func (e *Engine) anyUploadActive(hashes []string) (bool, error) {
	for _, h := range hashes {
		active, err := e.st.ActiveTransferExists(h, store.DirUpload)
		if err != nil {
			return false, err
		}
		if active {
			return true, nil
		}
	}
	return false, nil
}
