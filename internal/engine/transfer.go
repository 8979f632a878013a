package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/substratehq/strata/internal/backend"
	"github.com/substratehq/strata/internal/event"
	"github.com/substratehq/strata/internal/store"
)

const maxTransferBackoff = 5 * time.Minute

// transferPass drains pending block transfers, running up to
// TransferWorkers concurrent transfers per online backend. Each worker
// claims one transfer at a time, so two workers never move the same block
// to the same backend twice.
func (e *Engine) transferPass(ctx context.Context) error {
	online, err := e.reg.Online()
	if err != nil {
		return err
	}
	if len(online) == 0 {
		return nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, inst := range online {
		for w := 0; w < e.cfg.Tuning.TransferWorkers; w++ {
			wg.Add(1)
			go func(inst *backend.Instance) {
				defer wg.Done()
				if err := e.drainTransfers(ctx, inst); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(inst)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (e *Engine) drainTransfers(ctx context.Context, inst *backend.Instance) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := e.st.ClaimPendingTransfer(inst.ID, e.now())
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.runTransfer(ctx, inst, t); err != nil {
			return err
		}
	}
}

// runTransfer executes one claimed transfer. Backend failures release the
// transfer with backoff; only store failures are returned.
func (e *Engine) runTransfer(ctx context.Context, inst *backend.Instance, t store.Transfer) error {
	var terr error
	switch t.Direction {
	case store.DirUpload:
		terr = e.uploadBlock(ctx, inst, t.Hash)
	case store.DirDownload:
		terr = e.downloadBlock(ctx, inst, t.Hash)
	default:
		terr = fmt.Errorf("unknown transfer direction %q", t.Direction)
	}

	if terr == nil {
		return e.st.CompleteTransfer(t)
	}
	if errors.Is(terr, errNoLocalSource) {
		// Not a backend fault; the bytes may appear later (download,
		// rehash). Back off without counting an attempt against the
		// backend.
		_, err := e.st.ReleaseTransfer(t, e.now()+int64(e.cfg.Tuning.LoopInterval.Duration))
		return err
	}

	attempts, err := e.st.ReleaseTransfer(t, e.now()+backoffNanos(t.Attempts+1))
	if err != nil {
		return err
	}
	e.log.Warn("block transfer failed",
		"hash", t.Hash,
		"backend", inst.Name,
		"direction", t.Direction,
		"attempts", attempts,
		"error", terr)
	e.stats.AddTransferRetries(1)

	if attempts >= maxTransferAttempts && backend.IsTransient(terr) {
		e.reg.MarkError(inst.ID, terr.Error())
		e.bus.Publish(event.Event{
			Type:    event.BackendDegraded,
			Backend: inst.Name,
			Error:   terr,
		})
	}
	return nil
}

func (e *Engine) uploadBlock(ctx context.Context, inst *backend.Instance, hash string) error {
	has, err := inst.Driver.HasBlock(ctx, hash)
	if err != nil {
		return err
	}
	if !has {
		data, err := e.readLocalBlock(hash)
		if err != nil {
			return err
		}
		if err := inst.Driver.PutBlock(ctx, hash, bytes.NewReader(data)); err != nil {
			return err
		}
		e.stats.AddBlocksUploaded(1)
		e.stats.AddBytesUploaded(int64(len(data)))
		e.bus.Publish(event.Event{
			Type:    event.BlockUploaded,
			Hash:    hash,
			Backend: inst.Name,
			Size:    int64(len(data)),
		})
	}
	return e.st.AddBlockBackend(hash, inst.ID)
}

func (e *Engine) downloadBlock(ctx context.Context, inst *backend.Instance, hash string) error {
	if e.hasCachedBlock(hash) {
		return nil
	}
	rc, err := inst.Driver.GetBlock(ctx, hash)
	if err != nil {
		return err
	}
	defer rc.Close()

	n, err := e.writeCachedBlock(hash, rc)
	if err != nil {
		var mismatch *backend.ContentMismatchError
		if errors.As(err, &mismatch) {
			// The backend's copy is bad; forget it so placement can
			// re-upload and downloads fall through to other backends.
			e.log.Error("backend returned corrupt block",
				"hash", hash, "backend", inst.Name, "actual", mismatch.Actual)
			if derr := e.st.RemoveBlockBackend(hash, inst.ID); derr != nil {
				return derr
			}
		}
		return err
	}
	e.stats.AddBlocksDownloaded(1)
	e.stats.AddBytesDownloaded(n)
	e.bus.Publish(event.Event{
		Type:    event.BlockDownloaded,
		Hash:    hash,
		Backend: inst.Name,
		Size:    n,
	})
	return nil
}

// backoffNanos returns the delay before the next attempt: exponential in
// whole seconds, capped at maxTransferBackoff.
func backoffNanos(attempts int) int64 {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 30 {
		attempts = 30
	}
	d := time.Duration(1<<uint(attempts-1)) * time.Second
	if d > maxTransferBackoff {
		d = maxTransferBackoff
	}
	return int64(d)
}
