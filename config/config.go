// Package config loads the jitlink TOML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/colorfulnotion/jitlink/jit/execmem"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/colorfulnotion/jitlink/log"
	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
)

const FileName = "jitlink.toml"

type Config struct {
	Pool     PoolConfig     `toml:"pool"`
	Compiler CompilerConfig `toml:"compiler"`
	Log      LogConfig      `toml:"log"`
}

// PoolConfig sizes the executable pool. Size takes human units ("64MiB").
type PoolConfig struct {
	Size    string `toml:"size"`
	Backing string `toml:"backing"` // mmap or heap
}

type CompilerConfig struct {
	Concurrency         int `toml:"concurrency"`
	MaxPolymorphicCases int `toml:"max_polymorphic_cases"`
	FrameRegionSlots    int `toml:"frame_region_slots"`
}

type LogConfig struct {
	Level   string `toml:"level"`
	Modules string `toml:"modules"` // comma separated, or "all"
}

func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			Size:    "64MiB",
			Backing: string(execmem.MmapBacking),
		},
		Compiler: CompilerConfig{
			Concurrency:         4,
			MaxPolymorphicCases: 4,
			FrameRegionSlots:    1 << 16,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Parse overlays data on the defaults and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("unknown keys:\n%s: %w", strict.String(), jiterrors.ErrBadConfig)
		}
		return nil, fmt.Errorf("parse config: %v: %w", err, jiterrors.ErrBadConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debug(log.JitRuntime, "config loaded", "path", path, "pool", cfg.Pool.Size, "backing", cfg.Pool.Backing)
	return cfg, nil
}

// PoolBytes is the pool size in bytes, rounded up to whole pages.
func (c *Config) PoolBytes() (int, error) {
	n, err := units.RAMInBytes(c.Pool.Size)
	if err != nil {
		return 0, fmt.Errorf("pool size %q: %v: %w", c.Pool.Size, err, jiterrors.ErrBadConfig)
	}
	if n <= 0 {
		return 0, fmt.Errorf("pool size %q: %w", c.Pool.Size, jiterrors.ErrBadConfig)
	}
	n = (n + execmem.PageSize - 1) / execmem.PageSize * execmem.PageSize
	if n > execmem.MaxPoolSize {
		return 0, fmt.Errorf("pool size %s: %w", units.BytesSize(float64(n)), jiterrors.ErrPoolTooLarge)
	}
	return int(n), nil
}

func (c *Config) Backing() execmem.Backing { return execmem.Backing(c.Pool.Backing) }

func (c *Config) Validate() error {
	if _, err := c.PoolBytes(); err != nil {
		return err
	}
	switch c.Backing() {
	case execmem.MmapBacking, execmem.HeapBacking:
	default:
		return fmt.Errorf("backing %q: %w", c.Pool.Backing, jiterrors.ErrUnknownBacking)
	}
	if c.Compiler.Concurrency < 1 {
		return fmt.Errorf("concurrency %d: %w", c.Compiler.Concurrency, jiterrors.ErrBadConcurrency)
	}
	if c.Compiler.MaxPolymorphicCases < 1 {
		return fmt.Errorf("max_polymorphic_cases %d: %w", c.Compiler.MaxPolymorphicCases, jiterrors.ErrBadConfig)
	}
	if c.Compiler.FrameRegionSlots < 1 {
		return fmt.Errorf("frame_region_slots %d: %w", c.Compiler.FrameRegionSlots, jiterrors.ErrBadConfig)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %v: %w", err, jiterrors.ErrBadConfig)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
