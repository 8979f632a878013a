package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load when the config file leaves a knob unset.
const (
	DefaultBlockSize       = 64 * 1024 * 1024
	DefaultScanInterval    = 10 * time.Second
	DefaultLoopInterval    = time.Second
	DefaultPropagateBatch  = 64
	DefaultTransferWorkers = 4
	DefaultClaimTimeout    = 5 * time.Minute
)

// Config is the daemon configuration file.
type Config struct {
	Checkout string          `toml:"checkout"`
	StateDir string          `toml:"state_dir"`
	LogLevel string          `toml:"log_level"`
	Backends []BackendConfig `toml:"backend"`
	Policy   []PolicyRule    `toml:"policy"`
	Tuning   Tuning          `toml:"tuning"`
}

// BackendConfig declares one storage backend.
type BackendConfig struct {
	Name     string            `toml:"name"`
	Type     string            `toml:"type"`
	Priority int               `toml:"priority"`
	Options  map[string]string `toml:"options"`
}

// PolicyRule maps a path prefix to a sync mode. Mode is one of
// "full", "sparse", "sparse-down".
type PolicyRule struct {
	Path string `toml:"path"`
	Mode string `toml:"mode"`
}

// Tuning holds performance knobs. Zero values mean "use default".
type Tuning struct {
	BlockSize       int64    `toml:"block_size"`
	ScanInterval    Duration `toml:"scan_interval"`
	LoopInterval    Duration `toml:"loop_interval"`
	PropagateBatch  int      `toml:"propagate_batch"`
	TransferWorkers int      `toml:"transfer_workers"`
	ClaimTimeout    Duration `toml:"claim_timeout"`
}

// Duration lets TOML carry values like "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads and validates a config file. Unlike flag defaults, the config
// file is required — the daemon has no sensible zero configuration.
func Load(path string) (Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q in %s", undecoded[0], path)
	}

	if cfg.Checkout == "" {
		return Config{}, fmt.Errorf("config %s: checkout is required", path)
	}
	cfg.Checkout, err = filepath.Abs(cfg.Checkout)
	if err != nil {
		return Config{}, fmt.Errorf("resolve checkout: %w", err)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.Checkout, ".strata")
	}

	if len(cfg.Backends) == 0 {
		return Config{}, fmt.Errorf("config %s: at least one backend is required", path)
	}
	seen := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		if b.Name == "" {
			return Config{}, fmt.Errorf("config %s: backend %d has no name", path, i)
		}
		if seen[b.Name] {
			return Config{}, fmt.Errorf("config %s: duplicate backend name %q", path, b.Name)
		}
		seen[b.Name] = true
		if b.Type == "" {
			return Config{}, fmt.Errorf("config %s: backend %q has no type", path, b.Name)
		}
	}

	for _, r := range cfg.Policy {
		switch r.Mode {
		case "full", "sparse", "sparse-down":
		default:
			return Config{}, fmt.Errorf("config %s: policy for %q has invalid mode %q", path, r.Path, r.Mode)
		}
	}

	applyDefaults(&cfg.Tuning)
	return cfg, nil
}

func applyDefaults(t *Tuning) {
	if t.BlockSize <= 0 {
		t.BlockSize = DefaultBlockSize
	}
	if t.ScanInterval.Duration <= 0 {
		t.ScanInterval.Duration = DefaultScanInterval
	}
	if t.LoopInterval.Duration <= 0 {
		t.LoopInterval.Duration = DefaultLoopInterval
	}
	if t.PropagateBatch <= 0 {
		t.PropagateBatch = DefaultPropagateBatch
	}
	if t.TransferWorkers <= 0 {
		t.TransferWorkers = DefaultTransferWorkers
	}
	if t.ClaimTimeout.Duration <= 0 {
		t.ClaimTimeout.Duration = DefaultClaimTimeout
	}
}
