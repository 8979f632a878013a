package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/substratehq/strata/internal/event"
)

// Purge erases a path everywhere: every version record on every backend,
// the local tables, the checked-out copy, and any blocks no surviving file
// references. Blocks shared with other files are left alone. Backend
// failures are collected and returned, but local cleanup always runs.
func (e *Engine) Purge(ctx context.Context, path string) error {
	var errs []error
	for _, inst := range e.reg.All() {
		if err := inst.Driver.DeleteFiles(ctx, path); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", inst.Name, err))
		}
	}

	if err := e.st.DeleteFilesForPath(path); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := e.st.DeleteLocalFile(path); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := e.st.RemoveRequest(path); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := os.Remove(e.diskPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}

	if err := e.collectOrphanedBlocks(ctx); err != nil {
		errs = append(errs, err)
	}

	e.bus.Publish(event.Event{Type: event.FilePurged, Path: path})
	e.log.Info("purged", "path", path)
	return errors.Join(errs...)
}

// collectOrphanedBlocks deletes blocks no file record references anymore,
// both from backends and from the local tables. A backend delete that fails
// keeps the block's row so a later attempt can finish the job.
func (e *Engine) collectOrphanedBlocks(ctx context.Context) error {
	orphans, err := e.st.OrphanedBlocks()
	if err != nil {
		return err
	}

	var errs []error
	for _, blk := range orphans {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := 0
		for _, id := range blk.Backends {
			inst, ok := e.reg.Get(id)
			if !ok {
				remaining++
				continue
			}
			if err := inst.Driver.DeleteBlock(ctx, blk.Hash); err != nil {
				errs = append(errs, fmt.Errorf("delete block %s from %s: %w", blk.Hash, inst.Name, err))
				remaining++
				continue
			}
			if err := e.st.RemoveBlockBackend(blk.Hash, id); err != nil {
				return errors.Join(append(errs, err)...)
			}
		}
		if remaining > 0 {
			continue
		}
		if err := e.st.DeleteTransfersForBlock(blk.Hash); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := e.st.DeleteBlock(blk.Hash); err != nil {
			return errors.Join(append(errs, err)...)
		}
		e.dropCachedBlock(blk.Hash)
	}
	return errors.Join(errs...)
}
