// Package config handles psyco.toml engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/psyco/codebuf"
	"github.com/chazu/psyco/compiler"
	"github.com/chazu/psyco/vm"
)

// FileName is the name of the configuration file.
const FileName = "psyco.toml"

// Config represents a psyco.toml file.
type Config struct {
	Engine   Engine   `toml:"engine"`
	Codebuf  Codebuf  `toml:"codebuf"`
	Compiler Compiler `toml:"compiler"`
	Log      Log      `toml:"log"`

	// Dir is the directory containing the psyco.toml file (set at load time).
	Dir string `toml:"-"`
}

// Engine configures how guest functions run.
type Engine struct {
	Mode         string `toml:"mode"`
	HotThreshold uint64 `toml:"hot-threshold"`
	MaxDepth     int    `toml:"max-depth"`
}

// Codebuf configures the code buffer pool.
type Codebuf struct {
	BlockSize    int    `toml:"block-size"`
	RetireMargin int    `toml:"retire-margin"`
	Allocator    string `toml:"allocator"` // "mmap" or "heap"
	Executable   bool   `toml:"executable"`
}

// Compiler configures the specializer.
type Compiler struct {
	MaxPromotions int  `toml:"max-promotions"`
	VerifyRespawn bool `toml:"verify-respawn"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used without a psyco.toml.
func Default() *Config {
	return &Config{
		Engine: Engine{
			Mode:         vm.ModeAdaptive.String(),
			HotThreshold: vm.DefaultHotThreshold,
			MaxDepth:     vm.DefaultMaxDepth,
		},
		Codebuf: Codebuf{
			BlockSize:    codebuf.DefaultBlockSize,
			RetireMargin: codebuf.DefaultRetireMargin,
			Allocator:    "mmap",
		},
		Compiler: Compiler{
			MaxPromotions: compiler.MaxPICEntries,
			VerifyRespawn: true,
		},
	}
}

// Load parses a psyco.toml file from the given directory. Settings missing
// from the file keep their defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a psyco.toml file, then loads
// and returns it. Returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks the settings that have no sensible fallback.
func (c *Config) Validate() error {
	if _, err := vm.ParseMode(c.Engine.Mode); err != nil {
		return err
	}
	switch c.Codebuf.Allocator {
	case "", "mmap", "heap":
	default:
		return fmt.Errorf("unknown allocator %q", c.Codebuf.Allocator)
	}
	if c.Codebuf.BlockSize < 0 || c.Codebuf.RetireMargin < 0 {
		return fmt.Errorf("codebuf sizes must not be negative")
	}
	if c.Engine.MaxDepth < 0 {
		return fmt.Errorf("max-depth must not be negative")
	}
	return nil
}

// Options converts the configuration into engine options.
func (c *Config) Options() (vm.Options, error) {
	mode, err := vm.ParseMode(c.Engine.Mode)
	if err != nil {
		return vm.Options{}, err
	}
	var alloc codebuf.Allocator
	switch c.Codebuf.Allocator {
	case "heap":
		alloc = codebuf.HeapAllocator{}
	default:
		alloc = codebuf.DefaultAllocator(c.Codebuf.Executable)
	}
	return vm.Options{
		Mode:         mode,
		HotThreshold: c.Engine.HotThreshold,
		MaxDepth:     c.Engine.MaxDepth,
		Pool: codebuf.Options{
			BlockSize:    c.Codebuf.BlockSize,
			RetireMargin: c.Codebuf.RetireMargin,
			Allocator:    alloc,
		},
		Compiler: compiler.Options{
			MaxPromotions: c.Compiler.MaxPromotions,
			VerifyRespawn: c.Compiler.VerifyRespawn,
		},
	}, nil
}
