// Package engine runs the reconciliation loops that drive local disk
// state, the unified file table, and per-backend storage into agreement.
// The loops are independent: they communicate only through the entity
// tables, advancing rows with per-row exclusive claims.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/substratehq/strata/internal/backend"
	"github.com/substratehq/strata/internal/config"
	"github.com/substratehq/strata/internal/event"
	"github.com/substratehq/strata/internal/policy"
	"github.com/substratehq/strata/internal/scanner"
	"github.com/substratehq/strata/internal/stats"
	"github.com/substratehq/strata/internal/store"
)

// Batch ceilings per loop pass. Passes are re-entrant, so bounding a pass
// only delays work to the next tick.
const (
	hashBatchLimit     = 32
	downloadBatchLimit = 16
)

// maxTransferAttempts is the failure count at which a backend is escalated
// to ERROR.
const maxTransferAttempts = 5

// maxBackendFaults is the consecutive record-exchange failure count at
// which a backend escalates to ERROR instead of parking OFFLINE.
const maxBackendFaults = 3

// Engine wires the shared tables, the backend registry, and the policy
// resolver to the reconciliation loops.
type Engine struct {
	cfg   config.Config
	st    *store.Store
	reg   *backend.Registry
	pol   *policy.Resolver
	bus   *event.Bus
	stats *stats.Collector
	clock clockwork.Clock
	log   *slog.Logger

	faultMu sync.Mutex
	faults  map[int64]int
}

// Options bundles the collaborators an Engine needs.
type Options struct {
	Config   config.Config
	Store    *store.Store
	Registry *backend.Registry
	Policy   *policy.Resolver
	Bus      *event.Bus
	Stats    *stats.Collector
	Clock    clockwork.Clock
	Log      *slog.Logger
}

// New creates an Engine. Nil Bus, Stats, Clock, and Log get working
// defaults.
func New(opts Options) *Engine {
	if opts.Bus == nil {
		opts.Bus = event.NewBus()
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Engine{
		cfg:    opts.Config,
		st:     opts.Store,
		reg:    opts.Registry,
		pol:    opts.Policy,
		bus:    opts.Bus,
		stats:  opts.Stats,
		clock:  opts.Clock,
		log:    opts.Log,
		faults: make(map[int64]int),
	}
}

// Stats returns the engine's counter collector.
func (e *Engine) Stats() *stats.Collector { return e.stats }

// Bus returns the engine's event bus.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Run starts every reconciliation loop and blocks until the context is
// cancelled or a loop hits a fatal store error. Individual row failures
// never stop a loop; only the persistence layer going away does.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var nudge <-chan struct{}
	watcher, err := scanner.NewWatcher(e.cfg.Checkout, e.log)
	if err != nil {
		// Polling covers everything the watcher would; degrade loudly.
		e.log.Warn("filesystem watcher unavailable, relying on periodic scans", "error", err)
	} else {
		defer watcher.Close()
		nudge = watcher.Changed()
	}

	// Backends start OFFLINE; bring them up before the loops first fire.
	e.reg.HealthCheck(ctx)

	scanEvery := e.cfg.Tuning.ScanInterval.Duration
	loopEvery := e.cfg.Tuning.LoopInterval.Duration

	loops := []struct {
		name     string
		interval time.Duration
		nudge    <-chan struct{}
		pass     func(context.Context) error
	}{
		{"discover", scanEvery, nudge, e.discoverPass},
		{"hash", loopEvery, nil, e.hashPass},
		{"placement", loopEvery, nil, e.placementPass},
		{"transfer", loopEvery, nil, e.transferPass},
		{"propagate", scanEvery, nil, e.propagatePass},
		{"desire", loopEvery, nil, e.desirePass},
		{"download", loopEvery, nil, e.downloadPass},
		{"deletion", scanEvery, nil, e.deletionPass},
		{"maintenance", scanEvery, nil, e.maintenancePass},
	}

	errs := make(chan error, len(loops))
	var wg sync.WaitGroup
	for _, l := range loops {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.runLoop(ctx, l.name, l.interval, l.nudge, l.pass); err != nil {
				errs <- err
				cancel()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		return err // first fatal error wins
	}
	return ctx.Err()
}

// runLoop invokes pass immediately and then on every tick (or nudge). A
// pass error is fatal: passes swallow per-row failures themselves and only
// return when the store is gone.
func (e *Engine) runLoop(
	ctx context.Context,
	name string,
	interval time.Duration,
	nudge <-chan struct{},
	pass func(context.Context) error,
) error {
	log := e.log.With("loop", name)
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("loop stopping", "error", err)
			return fmt.Errorf("%s loop: %w", name, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		case <-nudge:
		}
	}
}

// maintenancePass handles the housekeeping no single loop owns: backend
// health, stale-claim recovery, and pruning satisfied transfers.
func (e *Engine) maintenancePass(ctx context.Context) error {
	e.reg.HealthCheck(ctx)

	cutoff := e.clock.Now().Add(-e.cfg.Tuning.ClaimTimeout.Duration).UnixNano()
	if n, err := e.st.SweepStaleLocalClaims(cutoff); err != nil {
		return err
	} else if n > 0 {
		e.log.Warn("recovered stale hashing claims", "count", n)
	}
	if n, err := e.st.SweepStaleTransferClaims(cutoff); err != nil {
		return err
	} else if n > 0 {
		e.log.Warn("recovered stale transfer claims", "count", n)
	}
	if n, err := e.st.SweepStaleFileClaims(cutoff); err != nil {
		return err
	} else if n > 0 {
		e.log.Warn("recovered stale download claims", "count", n)
	}

	if _, err := e.st.PruneCompletedTransfers(); err != nil {
		return err
	}
	return nil
}

func (e *Engine) now() int64 {
	return e.clock.Now().UnixNano()
}

// recordFault counts a consecutive record-exchange failure for a backend.
func (e *Engine) recordFault(id int64) int {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	e.faults[id]++
	return e.faults[id]
}

func (e *Engine) clearFault(id int64) {
	e.faultMu.Lock()
	delete(e.faults, id)
	e.faultMu.Unlock()
}

func (e *Engine) diskPath(logical string) string {
	return scanner.DiskPath(e.cfg.Checkout, logical)
}
