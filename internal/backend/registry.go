package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/substratehq/strata/internal/store"
)

// Instance pairs a registered backend's persistent identity with its live
// driver.
type Instance struct {
	ID       int64
	Name     string
	Priority int
	Driver   Backend
}

// Registry tracks known backends: their drivers, download priority, and
// health. Health states live in the store so other processes see them; the
// registry owns only the live connections.
type Registry struct {
	st  *store.Store
	log *slog.Logger

	mu        sync.RWMutex
	instances map[int64]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry(st *store.Store, log *slog.Logger) *Registry {
	return &Registry{
		st:        st,
		log:       log,
		instances: make(map[int64]*Instance),
	}
}

// Register upserts the backend row and constructs its driver. A backend
// starts OFFLINE until the first health check passes.
func (r *Registry) Register(name, typ string, options map[string]string, priority int, blockSize int64) error {
	driver, err := newDriver(typ, options, blockSize)
	if err != nil {
		return fmt.Errorf("backend %s: %w", name, err)
	}

	id, err := r.st.UpsertBackend(name, typ, options, priority)
	if err != nil {
		driver.Close()
		return fmt.Errorf("register backend %s: %w", name, err)
	}

	r.mu.Lock()
	if old, ok := r.instances[id]; ok {
		old.Driver.Close()
	}
	r.instances[id] = &Instance{ID: id, Name: name, Priority: priority, Driver: driver}
	r.mu.Unlock()

	r.log.Info("backend registered", "backend", name, "type", typ, "priority", priority)
	return nil
}

func newDriver(typ string, options map[string]string, blockSize int64) (Backend, error) {
	switch typ {
	case "localdir":
		return NewLocalDir(options, blockSize)
	case "sftp":
		return NewSFTP(options, blockSize)
	default:
		return nil, fmt.Errorf("unknown backend type %q", typ)
	}
}

// Get returns the instance for id.
func (r *Registry) Get(id int64) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// All returns every registered instance, highest priority first.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Online returns registered instances whose persisted state is ONLINE,
// highest priority first.
func (r *Registry) Online() ([]*Instance, error) {
	rows, err := r.st.Backends()
	if err != nil {
		return nil, err
	}

	var out []*Instance
	for _, row := range rows {
		if row.State != store.BackendOnline {
			continue
		}
		if inst, ok := r.Get(row.ID); ok {
			out = append(out, inst)
		}
	}
	// rows are already priority-ordered; Get preserves that order.
	return out, nil
}

// HealthCheck pings every backend and records the outcome. A failing ping
// moves the backend OFFLINE (or keeps ERROR sticky until a ping succeeds);
// a passing ping moves it ONLINE and clears the diagnostic.
func (r *Registry) HealthCheck(ctx context.Context) {
	rows, err := r.st.Backends()
	if err != nil {
		r.log.Error("list backends", "error", err)
		return
	}
	states := make(map[int64]string, len(rows))
	for _, row := range rows {
		states[row.ID] = row.State
	}

	for _, inst := range r.All() {
		err := inst.Driver.Ping(ctx)
		if err != nil {
			r.log.Warn("backend unhealthy", "backend", inst.Name, "error", err)
			if states[inst.ID] == store.BackendError {
				continue // keep ERROR and its diagnostic until a ping succeeds
			}
			if serr := r.st.SetBackendState(inst.ID, store.BackendOffline, err.Error()); serr != nil {
				r.log.Error("record backend state", "backend", inst.Name, "error", serr)
			}
			continue
		}
		if serr := r.st.SetBackendState(inst.ID, store.BackendOnline, ""); serr != nil {
			r.log.Error("record backend state", "backend", inst.Name, "error", serr)
		}
	}
}

// MarkError escalates a backend to ERROR with diagnostic text. Used when
// transfers to an otherwise-reachable backend fail persistently.
func (r *Registry) MarkError(id int64, msg string) {
	inst, ok := r.Get(id)
	if ok {
		r.log.Error("backend escalated to ERROR", "backend", inst.Name, "error", msg)
	}
	if err := r.st.SetBackendState(id, store.BackendError, msg); err != nil {
		r.log.Error("record backend error", "id", id, "error", err)
	}
}

// Close closes every driver.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		inst.Driver.Close()
	}
	r.instances = make(map[int64]*Instance)
}
