package engine

import (
	"context"
	"errors"
	"io/fs"

	"github.com/substratehq/strata/internal/event"
	"github.com/substratehq/strata/internal/scanner"
	"github.com/substratehq/strata/internal/store"
)

// hashPass claims NEW LocalFiles, chunks and hashes them, and matches (or
// creates) the File version the bytes correspond to.
func (e *Engine) hashPass(ctx context.Context) error {
	lfs, err := e.st.LocalFilesInState(store.LocalNew, hashBatchLimit)
	if err != nil {
		return err
	}

	for _, lf := range lfs {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := e.st.ClaimLocalFile(lf.Path, store.LocalNew, store.LocalHashing, e.now())
		if err != nil {
			return err
		}
		if !ok {
			continue // another worker got it
		}
		if err := e.hashOne(lf.Path); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) hashOne(path string) error {
	summary, err := scanner.ScanAndHash(e.diskPath(path), e.cfg.Tuning.BlockSize)
	if err != nil {
		var race *scanner.HashingRaceError
		switch {
		case errors.As(err, &race):
			e.log.Debug("file changed during hashing, requeued", "path", path)
		case errors.Is(err, fs.ErrNotExist):
			// Deleted under us; the deletion loop owns removal.
			e.log.Debug("file vanished before hashing", "path", path)
		default:
			e.log.Warn("hashing failed, requeued", "path", path, "error", err)
		}
		return e.st.ReleaseLocalFile(path)
	}

	typ := store.TypeRegular
	if summary.Executable {
		typ = store.TypeExecutable
	}
	version := scanner.Version(typ, summary.Blocks)

	exists, err := e.st.FileExists(path, version)
	if err != nil {
		return err
	}
	if !exists {
		f := store.File{
			Path:    path,
			Version: version,
			Blocks:  summary.Blocks,
			Type:    typ,
			MTime:   summary.MTime,
			Size:    summary.Size,
			State:   store.FileLocal,
		}
		if err := e.st.CreateFile(f); err != nil {
			// A concurrent hasher may have created the identical row.
			if again, checkErr := e.st.FileExists(path, version); checkErr != nil || !again {
				return err
			}
		}
	}

	if err := e.st.MatchLocalFile(path, version, summary.MTime); err != nil {
		return err
	}

	e.stats.AddFilesHashed(1)
	e.bus.Publish(event.Event{
		Type:    event.FileHashed,
		Path:    path,
		Version: version,
		Size:    summary.Size,
	})
	e.log.Debug("hashed local file", "path", path, "version", version,
		"blocks", len(summary.Blocks))
	return nil
}
