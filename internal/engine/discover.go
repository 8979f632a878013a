package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/substratehq/strata/internal/event"
	"github.com/substratehq/strata/internal/scanner"
	"github.com/substratehq/strata/internal/store"
)

// discoverPass walks the checkout and records new or changed paths as
// LocalFile rows in state NEW. A changed path that was matched to a File
// version releases that version back to REMOTE: the local claim on it is no
// longer true.
func (e *Engine) discoverPass(ctx context.Context) error {
	return scanner.Walk(e.cfg.Checkout, func(entry scanner.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		lf, err := e.st.GetLocalFile(entry.Path)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if _, err := e.st.MarkLocalFileNew(entry.Path, entry.MTime); err != nil {
				return err
			}
			e.bus.Publish(event.Event{Type: event.FileDiscovered, Path: entry.Path, Size: entry.Size})
			e.log.Debug("discovered local file", "path", entry.Path)
			return nil
		case err != nil:
			return err
		}

		// Only MATCHED rows react to mtime drift; NEW rows are already
		// queued and HASHING rows are claimed — the hasher's own race
		// check catches concurrent modification.
		if lf.State != store.LocalMatched || lf.MTime == entry.MTime {
			return nil
		}

		prev, err := e.st.MarkLocalFileNew(entry.Path, entry.MTime)
		if err != nil {
			return err
		}
		if prev != "" {
			if err := e.releaseFileVersion(entry.Path, prev); err != nil {
				return err
			}
		}
		e.bus.Publish(event.Event{Type: event.FileDiscovered, Path: entry.Path, Size: entry.Size})
		e.log.Debug("local file changed", "path", entry.Path)
		return nil
	})
}

// releaseFileVersion flips a previously checked-out File version back to
// REMOTE. The version still exists on its backends; only the local copy is
// gone or superseded.
func (e *Engine) releaseFileVersion(path, version string) error {
	f, err := e.st.GetFile(path, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if f.State != store.FileLocal {
		return nil
	}
	if err := e.st.SetFileState(path, version, store.FileRemote); err != nil {
		return fmt.Errorf("release %s@%s: %w", path, version, err)
	}
	e.bus.Publish(event.Event{Type: event.FileReleased, Path: path, Version: version})
	return nil
}
