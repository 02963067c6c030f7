package vm

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/colorfulnotion/wasmstep/heap"
	"github.com/colorfulnotion/wasmstep/interp"
	"github.com/colorfulnotion/wasmstep/vmerrors"
)

// Config holds the VM limits and history granularity.
type Config struct {
	MaxCallDepth        int    `toml:"max-call-depth"`
	MaxInstructionDepth int    `toml:"max-instruction-depth"`
	CheckpointInterval  uint64 `toml:"checkpoint-interval"` // steps between automatic checkpoints, 0 disables
	ChunkSize           uint64 `toml:"chunk-size"`
}

func DefaultConfig() Config {
	l := interp.DefaultLimits()
	return Config{
		MaxCallDepth:        l.MaxCallDepth,
		MaxInstructionDepth: l.MaxInstructionDepth,
		CheckpointInterval:  1000,
		ChunkSize:           heap.DefaultChunkSize,
	}
}

func (c Config) Validate() error {
	if c.MaxCallDepth <= 0 || c.MaxInstructionDepth <= 0 || c.ChunkSize == 0 {
		return fmt.Errorf("config %+v: %w", c, vmerrors.ErrDBadArguments)
	}
	return nil
}

func (c Config) limits() interp.Limits {
	return interp.Limits{MaxCallDepth: c.MaxCallDepth, MaxInstructionDepth: c.MaxInstructionDepth}
}

// LoadConfig reads a TOML file over base. Keys absent from the file keep
// base's values.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg := base
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}
