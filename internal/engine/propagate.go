package engine

import (
	"context"
	"errors"

	"github.com/substratehq/strata/internal/backend"
	"github.com/substratehq/strata/internal/event"
	"github.com/substratehq/strata/internal/store"
)

// propagatePass exchanges file records with every online backend: remote
// records we have never seen are ingested, and local records are pushed to
// backends that hold all of their blocks. Backend failures degrade that
// backend and move on; store failures abort the pass.
func (e *Engine) propagatePass(ctx context.Context) error {
	online, err := e.reg.Online()
	if err != nil {
		return err
	}
	for _, inst := range online {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := e.ingestFrom(ctx, inst)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		ok, err = e.pushTo(ctx, inst)
		if err != nil {
			return err
		}
		if ok {
			e.clearFault(inst.ID)
		}
	}
	return nil
}

// ingestFrom walks a backend's file records and folds the unknown ones into
// the local tables. A record listed by a backend implies the backend holds
// every block the record names, so block locations are updated even for
// records we already know. It reports false when the backend itself failed
// and was degraded.
func (e *Engine) ingestFrom(ctx context.Context, inst *backend.Instance) (bool, error) {
	var storeErr error
	err := inst.Driver.ListFiles(ctx, func(rec backend.FileRecord) error {
		f, err := e.st.GetFile(rec.Path, rec.Version)
		switch {
		case errors.Is(err, store.ErrNotFound):
			f = store.File{
				Path:     rec.Path,
				Version:  rec.Version,
				Blocks:   rec.Blocks,
				Type:     rec.Type,
				MTime:    rec.MTime,
				Size:     rec.Size,
				Backends: []int64{inst.ID},
				State:    store.FileRemote,
			}
			if err := e.st.CreateFile(f); err != nil {
				storeErr = err
				return err
			}
			e.stats.AddFilesIngested(1)
			e.bus.Publish(event.Event{
				Type:    event.FileIngested,
				Path:    rec.Path,
				Version: rec.Version,
				Backend: inst.Name,
			})
		case err != nil:
			storeErr = err
			return err
		default:
			if !f.HasBackend(inst.ID) {
				if err := e.st.AddFileBackend(rec.Path, rec.Version, inst.ID); err != nil {
					storeErr = err
					return err
				}
			}
		}
		for _, h := range rec.Blocks {
			if err := e.st.EnsureBlockBackend(h, inst.ID); err != nil {
				storeErr = err
				return err
			}
		}
		return nil
	})
	if storeErr != nil {
		return false, storeErr
	}
	if err != nil {
		e.degrade(inst, err)
		return false, nil
	}
	return true, nil
}

// pushTo uploads file records this machine produced to a backend, in
// batches, once the backend holds all of the record's blocks. It reports
// false when the backend itself failed and was degraded.
func (e *Engine) pushTo(ctx context.Context, inst *backend.Instance) (bool, error) {
	paths, err := e.st.PathsInState(store.FileLocal)
	if err != nil {
		return false, err
	}

	var batch []backend.FileRecord
	var pushed []store.File
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := inst.Driver.PutFiles(ctx, batch); err != nil {
			e.degrade(inst, err)
			return errBackendDown
		}
		for _, f := range pushed {
			if err := e.st.AddFileBackend(f.Path, f.Version, inst.ID); err != nil {
				return err
			}
			e.stats.AddFilesPropagated(1)
			e.bus.Publish(event.Event{
				Type:    event.FilePropagated,
				Path:    f.Path,
				Version: f.Version,
				Backend: inst.Name,
			})
		}
		batch = batch[:0]
		pushed = pushed[:0]
		return nil
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		versions, err := e.st.VersionsForPath(p)
		if err != nil {
			return false, err
		}
		for _, f := range versions {
			if f.State != store.FileLocal || f.HasBackend(inst.ID) {
				continue
			}
			mode := e.pol.Resolve(f.Path)
			if f.IsDeleted() {
				if !mode.PropagatesDelete() {
					continue
				}
			} else if !mode.AllowsUpload() {
				continue
			}
			covered, err := e.blocksOnBackend(f.Blocks, inst.ID)
			if err != nil {
				return false, err
			}
			if !covered {
				continue
			}
			batch = append(batch, backend.FileRecord{
				Path:    f.Path,
				Version: f.Version,
				Blocks:  f.Blocks,
				Type:    f.Type,
				MTime:   f.MTime,
				Size:    f.Size,
			})
			pushed = append(pushed, f)
			if len(batch) >= e.cfg.Tuning.PropagateBatch {
				if err := flush(); err != nil {
					if errors.Is(err, errBackendDown) {
						return false, nil
					}
					return false, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		if errors.Is(err, errBackendDown) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

var errBackendDown = errors.New("backend unavailable")

func (e *Engine) blocksOnBackend(hashes []string, id int64) (bool, error) {
	for _, h := range hashes {
		blk, err := e.st.GetBlock(h)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !containsBackend(blk.Backends, id) {
			return false, nil
		}
	}
	return true, nil
}

// degrade records a failed record exchange with a backend. A single failure
// parks the backend OFFLINE until a health check revives it; consecutive
// failures escalate to ERROR.
func (e *Engine) degrade(inst *backend.Instance, err error) {
	e.log.Warn("backend operation failed", "backend", inst.Name, "error", err)
	if e.recordFault(inst.ID) >= maxBackendFaults {
		e.clearFault(inst.ID)
		e.reg.MarkError(inst.ID, err.Error())
		e.bus.Publish(event.Event{
			Type:    event.BackendDegraded,
			Backend: inst.Name,
			Error:   err,
		})
		return
	}
	if serr := e.st.SetBackendState(inst.ID, store.BackendOffline, err.Error()); serr != nil {
		e.log.Error("record backend state", "backend", inst.Name, "error", serr)
	}
}
