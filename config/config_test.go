package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/gvm/vm"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[heap]
words = 4096

[scheduler]
quantum = 10
first-goroutine-quantum = 40
step-limit = -1

[log]
verbosity = 2
file = "gvm.log"
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.HeapWords() != 4096 {
		t.Errorf("heap words = %d, want 4096", c.HeapWords())
	}
	opts := c.Options()
	if opts.Quantum != 10 {
		t.Errorf("quantum = %d, want 10", opts.Quantum)
	}
	if opts.FirstGoroutineQuantum != 40 {
		t.Errorf("first goroutine quantum = %d, want 40", opts.FirstGoroutineQuantum)
	}
	if opts.StepLimit != -1 {
		t.Errorf("step limit = %d, want -1", opts.StepLimit)
	}
	if c.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", c.Log.Verbosity)
	}
	if f := c.LogFile(); f == nil || *f != filepath.Join(filepath.Dir(c.Path), "gvm.log") {
		t.Errorf("log file = %v, want gvm.log next to the config", f)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[scheduler]
quantum = 7
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.HeapWords() != vm.DefaultHeapWords {
		t.Errorf("heap words = %d, want default %d", c.HeapWords(), vm.DefaultHeapWords)
	}
	if c.Scheduler.Quantum != 7 {
		t.Errorf("quantum = %d, want 7", c.Scheduler.Quantum)
	}
	if c.Scheduler.FirstGoroutineQuantum != vm.DefaultFirstGoroutineQuantum {
		t.Errorf("first goroutine quantum = %d, want default", c.Scheduler.FirstGoroutineQuantum)
	}
	if c.Scheduler.StepLimit != vm.DefaultStepLimit {
		t.Errorf("step limit = %d, want default", c.Scheduler.StepLimit)
	}
	if c.LogFile() != nil {
		t.Errorf("log file = %q, want nil", *c.LogFile())
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"misaligned heap", "[heap]\nwords = 100\n", "heap.words"},
		{"zero quantum", "[scheduler]\nquantum = 0\n", "scheduler.quantum"},
		{"zero step limit", "[scheduler]\nstep-limit = 0\n", "scheduler.step-limit"},
		{"unknown key", "[heap]\nsize = 10\n", "unknown keys: heap.size"},
		{"syntax", "[heap\n", "parse error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			_, err := Load(dir)
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load of a directory without gvm.toml succeeded")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[heap]\nwords = 2048\n")

	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.HeapWords() != 2048 {
		t.Errorf("heap words = %d, want 2048", c.HeapWords())
	}
	if c.Path == "" {
		t.Error("Path not set")
	}
}

func TestFindAndLoadFallsBackToDefaults(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	// A gvm.toml above the temp dir would change this; the defaults are
	// what a clean tree sees.
	if c.Path == "" && c.HeapWords() != vm.DefaultHeapWords {
		t.Errorf("heap words = %d, want default", c.HeapWords())
	}
}

func TestDefaultOptionsRunAMachine(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if _, err := vm.New(c.HeapWords(), []vm.Instruction{vm.Done{}}, c.Options()); err != nil {
		t.Fatalf("vm.New with defaults: %v", err)
	}
}
