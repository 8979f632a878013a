package engine

import (
	"context"

	"github.com/substratehq/strata/internal/event"
	"github.com/substratehq/strata/internal/store"
)

// placementPass decides, for every known block, which backends still need a
// copy, and queues upload transfers for them. It only queues work it can
// satisfy: the block must be referenced by at least one path whose policy
// allows uploads, and its bytes must be producible on this machine.
func (e *Engine) placementPass(ctx context.Context) error {
	blocks, err := e.st.AllBlocks()
	if err != nil {
		return err
	}

	online, err := e.reg.Online()
	if err != nil {
		return err
	}
	for _, blk := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}

		refs, err := e.st.RefsForBlock(blk.Hash)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			continue // orphan; maintenance pass reclaims it
		}

		uploadable := false
		for _, ref := range refs {
			if e.pol.Resolve(ref.Path).AllowsUpload() {
				uploadable = true
				break
			}
		}
		if !uploadable {
			continue
		}

		ok, err := e.hasLocalSource(blk.Hash)
		if err != nil {
			return err
		}
		if !ok {
			if len(blk.Backends) == 0 {
				active, err := e.st.ActiveTransferExists(blk.Hash, store.DirDownload)
				if err != nil {
					return err
				}
				if !active {
					// Unreachable bytes: not held anywhere, not
					// producible here, nothing in flight.
					e.log.Error("block has no reachable copy",
						"hash", blk.Hash,
						"paths", refPaths(refs))
				}
			}
			continue
		}

		for _, inst := range online {
			if containsBackend(blk.Backends, inst.ID) {
				continue
			}
			if err := e.st.EnqueueTransfer(blk.Hash, inst.ID, store.DirUpload); err != nil {
				return err
			}
			e.bus.Publish(event.Event{
				Type:    event.TransferQueued,
				Hash:    blk.Hash,
				Backend: inst.Name,
			})
		}
	}
	return nil
}

func containsBackend(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func refPaths(refs []store.BlockRef) []string {
	paths := make([]string, 0, len(refs))
	for _, r := range refs {
		paths = append(paths, r.Path)
	}
	return paths
}
