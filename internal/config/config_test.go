package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "strata.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
checkout = "/data/checkout"

[[backend]]
name = "primary"
type = "localdir"
priority = 10
options = { root = "/mnt/storage" }
`))
	require.NoError(t, err)

	assert.Equal(t, "/data/checkout", cfg.Checkout)
	assert.Equal(t, filepath.Join("/data/checkout", ".strata"), cfg.StateDir)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "primary", cfg.Backends[0].Name)
	assert.Equal(t, "/mnt/storage", cfg.Backends[0].Options["root"])

	// Unset tuning knobs get defaults.
	assert.Equal(t, int64(DefaultBlockSize), cfg.Tuning.BlockSize)
	assert.Equal(t, DefaultScanInterval, cfg.Tuning.ScanInterval.Duration)
	assert.Equal(t, DefaultTransferWorkers, cfg.Tuning.TransferWorkers)
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
checkout = "/data/checkout"
state_dir = "/var/lib/strata"
log_level = "debug"

[[backend]]
name = "nas"
type = "sftp"
priority = 20
options = { host = "nas.local", root = "/srv/strata" }

[[backend]]
name = "usb"
type = "localdir"
priority = 5
options = { root = "/mnt/usb" }

[[policy]]
path = "/projects"
mode = "full"

[[policy]]
path = "/archive"
mode = "sparse-down"

[tuning]
block_size = 1048576
scan_interval = "30s"
transfer_workers = 8
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/strata", cfg.StateDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Backends, 2)
	require.Len(t, cfg.Policy, 2)
	assert.Equal(t, "sparse-down", cfg.Policy[1].Mode)
	assert.Equal(t, int64(1048576), cfg.Tuning.BlockSize)
	assert.Equal(t, 30*time.Second, cfg.Tuning.ScanInterval.Duration)
	assert.Equal(t, 8, cfg.Tuning.TransferWorkers)
	// Untouched knobs still default.
	assert.Equal(t, DefaultPropagateBatch, cfg.Tuning.PropagateBatch)
}

func TestLoadRejectsMissingCheckout(t *testing.T) {
	_, err := Load(writeConfig(t, `
[[backend]]
name = "primary"
type = "localdir"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkout")
}

func TestLoadRejectsNoBackends(t *testing.T) {
	_, err := Load(writeConfig(t, `checkout = "/data"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend")
}

func TestLoadRejectsDuplicateBackendNames(t *testing.T) {
	_, err := Load(writeConfig(t, `
checkout = "/data"

[[backend]]
name = "primary"
type = "localdir"

[[backend]]
name = "primary"
type = "sftp"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadRejectsBadPolicyMode(t *testing.T) {
	_, err := Load(writeConfig(t, `
checkout = "/data"

[[backend]]
name = "primary"
type = "localdir"

[[policy]]
path = "/projects"
mode = "mirror"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mirror")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, `
checkout = "/data"
chekout_typo = "/oops"

[[backend]]
name = "primary"
type = "localdir"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chekout_typo")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
