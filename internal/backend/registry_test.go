package backend

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/strata/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(st, log)
	t.Cleanup(reg.Close)

	root := t.TempDir()
	require.NoError(t, reg.Register("b1", "localdir", map[string]string{"root": root}, 10, 4))
	return reg, st, root
}

func backendRow(t *testing.T, st *store.Store, name string) store.BackendRow {
	t.Helper()
	rows, err := st.Backends()
	require.NoError(t, err)
	for _, row := range rows {
		if row.Name == name {
			return row
		}
	}
	t.Fatalf("backend %s not registered", name)
	return store.BackendRow{}
}

func TestHealthCheckTogglesOnlineOffline(t *testing.T) {
	reg, st, root := newTestRegistry(t)
	ctx := context.Background()

	reg.HealthCheck(ctx)
	row := backendRow(t, st, "b1")
	assert.Equal(t, store.BackendOnline, row.State)
	assert.Empty(t, row.Error)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "blocks")))
	reg.HealthCheck(ctx)
	row = backendRow(t, st, "b1")
	assert.Equal(t, store.BackendOffline, row.State)
	assert.NotEmpty(t, row.Error)
}

func TestHealthCheckKeepsErrorSticky(t *testing.T) {
	reg, st, root := newTestRegistry(t)
	ctx := context.Background()
	reg.HealthCheck(ctx)

	row := backendRow(t, st, "b1")
	reg.MarkError(row.ID, "records kept failing")

	// A failing ping must not demote ERROR to OFFLINE or lose the text.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "blocks")))
	reg.HealthCheck(ctx)
	row = backendRow(t, st, "b1")
	assert.Equal(t, store.BackendError, row.State)
	assert.Equal(t, "records kept failing", row.Error)

	// Only a successful ping clears it.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "blocks"), 0o755))
	reg.HealthCheck(ctx)
	row = backendRow(t, st, "b1")
	assert.Equal(t, store.BackendOnline, row.State)
	assert.Empty(t, row.Error)
}
