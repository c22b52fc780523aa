package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chazu/gvm/vm"
	"github.com/peterh/liner"
)

// errQuit ends a debugging session without running to completion.
var errQuit = errors.New("debugger quit")

// console is the line editor the debugger reads commands from.
type console interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// historyFile is kept in the user's home directory between sessions.
const historyFile = ".gvm_history"

type linerConsole struct {
	*liner.State
	histPath string
}

func newLinerConsole() console {
	l := &linerConsole{State: liner.NewLiner()}
	l.SetCtrlCAborts(true)
	if home, err := os.UserHomeDir(); err == nil {
		l.histPath = filepath.Join(home, historyFile)
		if f, err := os.Open(l.histPath); err == nil {
			_, _ = l.ReadHistory(f)
			_ = f.Close()
		}
	}
	return l
}

// Close saves the history and restores the terminal.
func (l *linerConsole) Close() error {
	if l.histPath != "" {
		if f, err := os.Create(l.histPath); err == nil {
			_, _ = l.WriteHistory(f)
			_ = f.Close()
		}
	}
	return l.State.Close()
}

const debugHelp = `Commands:
  step [n]        execute n instructions (default 1)
  next            step over a call
  finish          run until the current call returns
  continue        run to the next breakpoint or completion
  break <pc>      set a breakpoint
  delete <id>     delete a breakpoint
  enable <id>     enable a breakpoint
  disable <id>    disable a breakpoint
  breakpoints     list breakpoints
  regs            show the running goroutine's registers
  stack           show the operand and runtime stacks
  goroutines      list live goroutines
  list [n]        show n instructions around pc (default 5)
  heap <addr>     describe the node at addr
  gc              run a collection
  stats           show run statistics
  quit            abandon the run
An empty line repeats the previous command.
`

// debug drives m from commands read on c until the program halts, a
// fault occurs or the user quits.
func debug(ctx context.Context, m *vm.Machine, c console, out io.Writer) (any, error) {
	defer c.Close()
	d := vm.NewDebugger(m)
	fmt.Fprintf(out, "gvm debugger, %d instructions. Type help for commands.\n", len(m.Code()))
	where(out, m)

	var last string
	for {
		line, err := c.Prompt("(gvm) ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil, errQuit
			}
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			line = last
		} else {
			c.AppendHistory(line)
		}
		last = line

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		var ev vm.StopEvent
		moved := false
		switch cmd {
		case "step", "s":
			n, err := countArg(args, 1)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			ev, err = d.Step(ctx, n)
			if err != nil {
				return nil, err
			}
			moved = true

		case "next", "n":
			if ev, err = d.StepOver(ctx); err != nil {
				return nil, err
			}
			moved = true

		case "finish", "f":
			if ev, err = d.StepOut(ctx); err != nil {
				return nil, err
			}
			moved = true

		case "continue", "c":
			if ev, err = d.Continue(ctx); err != nil {
				return nil, err
			}
			moved = true

		case "break", "b":
			pc, err := intArg(args, "break <pc>")
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			bp, err := d.SetBreakpoint(pc)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			fmt.Fprintf(out, "breakpoint %d at %04d\n", bp.ID, bp.PC)

		case "delete", "enable", "disable":
			id, err := intArg(args, cmd+" <id>")
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if cmd == "delete" {
				err = d.RemoveBreakpoint(id)
			} else {
				err = d.EnableBreakpoint(id, cmd == "enable")
			}
			if err != nil {
				fmt.Fprintln(out, err)
			}

		case "breakpoints":
			bps := d.ListBreakpoints()
			if len(bps) == 0 {
				fmt.Fprintln(out, "no breakpoints")
			}
			for _, bp := range bps {
				state := "enabled"
				if !bp.Active {
					state = "disabled"
				}
				fmt.Fprintf(out, "%d  %04d  %s  hits=%d\n", bp.ID, bp.PC, state, bp.Hits)
			}

		case "regs", "r":
			fmt.Fprintln(out, m.Registers())

		case "stack":
			r := m.Registers()
			fmt.Fprintln(out, "operands:")
			fmt.Fprint(out, m.FormatStack(r.OpStack))
			fmt.Fprintln(out, "frames:")
			fmt.Fprint(out, m.FormatFrames(r.RuntimeStack))

		case "goroutines", "g":
			for _, g := range m.Goroutines() {
				fmt.Fprintln(out, g)
			}

		case "list", "l":
			n, err := countArg(args, 5)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			list(out, m, n)

		case "heap":
			if len(args) != 1 {
				fmt.Fprintln(out, "usage: heap <addr>")
				continue
			}
			a, err := strconv.ParseUint(strings.TrimPrefix(args[0], "@"), 10, 32)
			if err != nil {
				fmt.Fprintf(out, "bad address %q\n", args[0])
				continue
			}
			fmt.Fprintln(out, m.Heap().Describe(vm.Addr(a)))

		case "gc":
			free := m.Heap().Collect()
			fmt.Fprintf(out, "%d of %d nodes free\n", free, m.Heap().Stats().Nodes)

		case "stats":
			printStats(out, m.Stats())

		case "help", "h", "?":
			fmt.Fprint(out, debugHelp)

		case "quit", "q":
			return nil, errQuit

		default:
			fmt.Fprintf(out, "unknown command %q (try help)\n", cmd)
		}

		if !moved {
			continue
		}
		switch ev.Reason {
		case vm.StopHalted:
			return halted(out, m)
		case vm.StopBreakpoint:
			fmt.Fprintf(out, "breakpoint %d hit\n", ev.Breakpoint.ID)
		}
		where(out, m)
	}
}

func intArg(args []string, usage string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("bad number %q", args[0])
	}
	return n, nil
}

func countArg(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad count %q", args[0])
	}
	return n, nil
}

func halted(out io.Writer, m *vm.Machine) (any, error) {
	v, err := m.Result()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "halted after %d steps\n", m.Stats().Steps)
	return v, nil
}

// where prints the instruction the running goroutine executes next.
func where(out io.Writer, m *vm.Machine) {
	r := m.Registers()
	code := m.Code()
	if r.PC < 0 || r.PC >= len(code) {
		fmt.Fprintf(out, "g%d %04d  <end of program>\n", r.Goroutine, r.PC)
		return
	}
	fmt.Fprintf(out, "g%d %04d  %s\n", r.Goroutine, r.PC, vm.FormatInstruction(code[r.PC]))
}

func list(out io.Writer, m *vm.Machine, n int) {
	pc := m.Registers().PC
	code := m.Code()
	from := max(pc-n/2, 0)
	to := min(from+n, len(code))
	for i := from; i < to; i++ {
		marker := "  "
		if i == pc {
			marker = "=>"
		}
		fmt.Fprintf(out, "%s %04d  %s\n", marker, i, vm.FormatInstruction(code[i]))
	}
}
