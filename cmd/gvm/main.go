// gvm runs compiled instruction streams on the gvm virtual machine.
//
// Usage:
//
//	gvm [flags] program.json|program.gvmc
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/chazu/gvm/config"
	"github.com/chazu/gvm/program"
	"github.com/chazu/gvm/vm"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// options holds the parsed command line. Zero numeric fields leave the
// configuration file's value in place.
type options struct {
	configPath string
	heapWords  int
	quantum    int
	firstQuant int
	stepLimit  int
	verbosity  int
	logFile    string
	disasm     bool
	trace      bool
	stats      bool
	profile    int
	debug      bool
	encode     string
	args       []string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("gvm", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "Path to gvm.toml (default: search upward from the current directory)")
	fs.IntVar(&o.heapWords, "heap", 0, "Heap size in words (multiple of 16)")
	fs.IntVar(&o.quantum, "quantum", 0, "Instructions per time slice")
	fs.IntVar(&o.firstQuant, "first-quantum", 0, "First time slice of goroutine 1")
	fs.IntVar(&o.stepLimit, "step-limit", 0, "Abort after this many instructions (-1 for no limit)")
	fs.IntVar(&o.verbosity, "v", 0, "Log verbosity (1 info, 2 debug)")
	fs.StringVar(&o.logFile, "log", "", "Write logs to this file instead of stderr")
	fs.BoolVar(&o.disasm, "disasm", false, "Print the disassembled program and exit")
	fs.BoolVar(&o.trace, "trace", false, "Print every instruction to stderr as it executes")
	fs.BoolVar(&o.stats, "stats", false, "Print run statistics to stderr")
	fs.IntVar(&o.profile, "profile", 0, "Print the n most executed instructions to stderr")
	fs.BoolVar(&o.debug, "debug", false, "Run under the interactive debugger")
	fs.StringVar(&o.encode, "encode", "", "Write the program to this file (.json or .gvmc) and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: gvm [options] program.json|program.gvmc\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  gvm prog.json                  # Run a program\n")
		fmt.Fprintf(stderr, "  gvm -disasm prog.gvmc          # Print the instruction listing\n")
		fmt.Fprintf(stderr, "  gvm -encode prog.gvmc prog.json  # Convert JSON to CBOR\n")
		fmt.Fprintf(stderr, "  gvm -quantum 5 -trace prog.json  # Trace a run with short slices\n")
		fmt.Fprintf(stderr, "  gvm -debug prog.json           # Step through a run\n")
		fmt.Fprintf(stderr, "  gvm -profile 10 prog.json      # Show the hottest instructions\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.args = fs.Args()
	if len(o.args) != 1 {
		fs.Usage()
		return nil, errors.New("expected exactly one program file")
	}
	return o, nil
}

// loadConfig reads gvm.toml and applies the command line overrides.
func loadConfig(o *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}

	if o.heapWords != 0 {
		cfg.Heap.Words = o.heapWords
	}
	if o.quantum != 0 {
		cfg.Scheduler.Quantum = o.quantum
	}
	if o.firstQuant != 0 {
		cfg.Scheduler.FirstGoroutineQuantum = o.firstQuant
	}
	if o.stepLimit != 0 {
		cfg.Scheduler.StepLimit = o.stepLimit
	}
	if o.verbosity != 0 {
		cfg.Log.Verbosity = o.verbosity
	}
	if o.logFile != "" {
		cfg.Log.File = o.logFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	commonlog.Configure(cfg.Log.Verbosity, cfg.LogFile())
	log := commonlog.GetLogger("gvm")
	if cfg.Path != "" {
		log.Infof("using configuration %s", cfg.Path)
	}

	path := o.args[0]
	code, err := program.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if o.disasm {
		fmt.Fprintln(stdout, vm.Disassemble(code))
		return 0
	}
	if o.encode != "" {
		if err := program.Save(o.encode, code); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		log.Infof("wrote %d instructions to %s", len(code), o.encode)
		return 0
	}

	opts := cfg.Options()
	opts.Output = stdout

	var hooks []func(vm.StepEvent)
	if o.trace {
		hooks = append(hooks, func(e vm.StepEvent) {
			fmt.Fprintf(stderr, "g%d %04d  %s\n", e.Goroutine, e.PC, vm.FormatInstruction(code[e.PC]))
		})
	}
	var prof *vm.Profiler
	if o.profile > 0 {
		prof = vm.NewProfiler(len(code))
		prof.OnHot = func(pc int, n uint64) {
			log.Debugf("pc %04d hot after %d executions", pc, n)
		}
		hooks = append(hooks, prof.Record)
	}
	if len(hooks) > 0 {
		opts.OnStep = func(e vm.StepEvent) {
			for _, h := range hooks {
				h(e)
			}
		}
	}

	m, err := vm.New(cfg.HeapWords(), code, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var result any
	if o.debug {
		result, err = debug(ctx, m, newLinerConsole(), stdout)
	} else {
		result, err = m.Run(ctx)
	}
	if o.stats {
		printStats(stderr, m.Stats())
	}
	if prof != nil {
		prof.Report(stderr, code, o.profile)
	}
	if err != nil {
		if errors.Is(err, errQuit) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if result != vm.Undefined {
		fmt.Fprintln(stdout, formatResult(result))
	}
	return 0
}

func formatResult(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprint(v)
}

func printStats(w io.Writer, st vm.Stats) {
	fmt.Fprintf(w, "steps:       %d\n", st.Steps)
	fmt.Fprintf(w, "goroutines:  %d\n", st.Goroutines)
	fmt.Fprintf(w, "switches:    %d\n", st.Switches)
	fmt.Fprintf(w, "heap nodes:  %d (%d free)\n", st.Heap.Nodes, st.Heap.FreeNodes)
	fmt.Fprintf(w, "allocations: %d\n", st.Heap.Allocations)
	fmt.Fprintf(w, "collections: %d (%d nodes freed)\n", st.Heap.Collections, st.Heap.Freed)
}
