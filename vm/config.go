package vm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config controls a VM instance. Embedders either fill it in directly
// or load a fen.toml next to their project.
type Config struct {
	VM    VMConfig    `toml:"vm"`
	GC    GCConfig    `toml:"gc"`
	Trace TraceConfig `toml:"trace"`
}

// VMConfig sizes the execution engine.
type VMConfig struct {
	StackSize   int `toml:"stack-size"`
	PoolMaxSize int `toml:"pool-max-size"`
}

// GCConfig controls reference count bookkeeping.
type GCConfig struct {
	TrackGlobalRC bool `toml:"track-global-rc"`
}

// TraceConfig controls diagnostics.
type TraceConfig struct {
	Verbose bool `toml:"verbose"`
	TraceRC bool `toml:"trace-rc"`
}

// DefaultConfig returns the configuration used when no fen.toml is
// present.
func DefaultConfig() Config {
	return Config{
		VM: VMConfig{
			StackSize:   DefaultStackSize,
			PoolMaxSize: DefaultPoolMaxSize,
		},
	}
}

// LoadConfig parses fen.toml from the given directory, layering the
// file over the defaults.
func LoadConfig(dir string) (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(dir, "fen.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if cfg.VM.StackSize <= 0 {
		cfg.VM.StackSize = DefaultStackSize
	}
	if cfg.VM.PoolMaxSize <= 0 {
		cfg.VM.PoolMaxSize = DefaultPoolMaxSize
	}
	return cfg, nil
}
