// Package config handles gvm.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/chazu/gvm/vm"
)

// FileName is the name looked up by Load and FindAndLoad.
const FileName = "gvm.toml"

// Config represents a gvm.toml file.
type Config struct {
	Heap      Heap      `toml:"heap"`
	Scheduler Scheduler `toml:"scheduler"`
	Log       Log       `toml:"log"`

	// Path is the file the configuration was read from (set at load time,
	// empty for the defaults).
	Path string `toml:"-"`
}

// Heap sizes the node heap.
type Heap struct {
	Words int `toml:"words"`
}

// Scheduler configures time slicing and the runaway guard.
type Scheduler struct {
	Quantum               int `toml:"quantum"`
	FirstGoroutineQuantum int `toml:"first-goroutine-quantum"`
	// StepLimit of -1 disables the limit.
	StepLimit int `toml:"step-limit"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no gvm.toml exists.
func Default() *Config {
	return &Config{
		Heap: Heap{Words: vm.DefaultHeapWords},
		Scheduler: Scheduler{
			Quantum:               vm.DefaultQuantum,
			FirstGoroutineQuantum: vm.DefaultFirstGoroutineQuantum,
			StepLimit:             vm.DefaultStepLimit,
		},
	}
}

// Load parses gvm.toml from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses a configuration file. Keys it leaves out keep their
// defaults; keys it does not recognize are an error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a gvm.toml file, then loads
// and returns it. Without one it returns the defaults.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks the values vm.New would reject.
func (c *Config) Validate() error {
	if c.Heap.Words <= 0 || c.Heap.Words%vm.NodeSize != 0 {
		return fmt.Errorf("heap.words = %d: must be a positive multiple of %d", c.Heap.Words, vm.NodeSize)
	}
	if uint64(c.Heap.Words) > vm.MaxHeapWords {
		return fmt.Errorf("heap.words = %d: exceeds the 32-bit address limit", c.Heap.Words)
	}
	if c.Scheduler.Quantum <= 0 {
		return fmt.Errorf("scheduler.quantum = %d: must be positive", c.Scheduler.Quantum)
	}
	if c.Scheduler.FirstGoroutineQuantum <= 0 {
		return fmt.Errorf("scheduler.first-goroutine-quantum = %d: must be positive", c.Scheduler.FirstGoroutineQuantum)
	}
	if c.Scheduler.StepLimit == 0 || c.Scheduler.StepLimit < -1 {
		return fmt.Errorf("scheduler.step-limit = %d: must be positive, or -1 for no limit", c.Scheduler.StepLimit)
	}
	return nil
}

// HeapWords returns the heap size to pass to vm.New.
func (c *Config) HeapWords() int {
	return c.Heap.Words
}

// Options returns the machine options this configuration describes.
// Output, Clock and OnStep are left for the caller.
func (c *Config) Options() vm.Options {
	return vm.Options{
		Quantum:               c.Scheduler.Quantum,
		FirstGoroutineQuantum: c.Scheduler.FirstGoroutineQuantum,
		StepLimit:             c.Scheduler.StepLimit,
	}
}

// LogFile returns the log path in the form commonlog.Configure expects:
// nil for standard error.
func (c *Config) LogFile() *string {
	if c.Log.File == "" {
		return nil
	}
	path := c.Log.File
	if c.Path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(c.Path), path)
	}
	return &path
}
