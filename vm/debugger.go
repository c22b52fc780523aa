package vm

import (
	"context"
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Debugger: breakpoints and stepping over a Machine
// ---------------------------------------------------------------------------

// Debugger drives a Machine one instruction at a time and stops at
// breakpoints. It only uses the Machine's public stepping API, so the
// machine can still be run directly afterwards.
type Debugger struct {
	m           *Machine
	breakpoints map[int]*Breakpoint
	nextID      int
}

// Breakpoint stops execution before the instruction at PC runs.
type Breakpoint struct {
	ID     int
	PC     int
	Active bool
	Hits   uint64
}

// StopReason says why a debugger command returned.
type StopReason uint8

const (
	StopStep StopReason = iota
	StopBreakpoint
	StopHalted
)

func (r StopReason) String() string {
	switch r {
	case StopStep:
		return "step"
	case StopBreakpoint:
		return "breakpoint"
	case StopHalted:
		return "halted"
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

// StopEvent describes where a debugger command stopped.
type StopEvent struct {
	Reason     StopReason
	Breakpoint *Breakpoint // set for StopBreakpoint
	Registers  Registers
}

// NewDebugger attaches a debugger to m.
func NewDebugger(m *Machine) *Debugger {
	return &Debugger{m: m, breakpoints: make(map[int]*Breakpoint), nextID: 1}
}

// Machine returns the machine under the debugger.
func (d *Debugger) Machine() *Machine {
	return d.m
}

// ---------------------------------------------------------------------------
// Breakpoint management
// ---------------------------------------------------------------------------

// SetBreakpoint sets a breakpoint at pc. Setting one where one already
// exists returns the existing breakpoint, re-enabled.
func (d *Debugger) SetBreakpoint(pc int) (*Breakpoint, error) {
	if pc < 0 || pc >= len(d.m.code) {
		return nil, fmt.Errorf("pc %d outside program of %d instructions", pc, len(d.m.code))
	}
	for _, bp := range d.breakpoints {
		if bp.PC == pc {
			bp.Active = true
			return bp, nil
		}
	}
	bp := &Breakpoint{ID: d.nextID, PC: pc, Active: true}
	d.nextID++
	d.breakpoints[bp.ID] = bp
	return bp, nil
}

// RemoveBreakpoint deletes a breakpoint by id.
func (d *Debugger) RemoveBreakpoint(id int) error {
	if _, ok := d.breakpoints[id]; !ok {
		return fmt.Errorf("no breakpoint %d", id)
	}
	delete(d.breakpoints, id)
	return nil
}

// EnableBreakpoint turns a breakpoint on or off without deleting it.
func (d *Debugger) EnableBreakpoint(id int, active bool) error {
	bp, ok := d.breakpoints[id]
	if !ok {
		return fmt.Errorf("no breakpoint %d", id)
	}
	bp.Active = active
	return nil
}

// ListBreakpoints returns copies of all breakpoints ordered by id.
func (d *Debugger) ListBreakpoints() []Breakpoint {
	out := make([]Breakpoint, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		out = append(out, *bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Debugger) breakpointAt(pc int) *Breakpoint {
	for _, bp := range d.breakpoints {
		if bp.Active && bp.PC == pc {
			return bp
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Execution control
// ---------------------------------------------------------------------------

// run steps the machine until done reports true for the registers after
// an instruction, an active breakpoint is reached or the machine halts.
// At least one instruction always executes, so resuming from a
// breakpoint does not stop on it again.
func (d *Debugger) run(ctx context.Context, done func(Registers) bool) (StopEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return StopEvent{}, err
		}
		if err := d.m.Step(ctx); err != nil {
			return StopEvent{}, err
		}
		if d.m.Halted() {
			return StopEvent{Reason: StopHalted}, nil
		}
		r := d.m.Registers()
		if bp := d.breakpointAt(r.PC); bp != nil {
			bp.Hits++
			return StopEvent{Reason: StopBreakpoint, Breakpoint: bp, Registers: r}, nil
		}
		if done != nil && done(r) {
			return StopEvent{Reason: StopStep, Registers: r}, nil
		}
	}
}

// Step executes n instructions, stopping early at a breakpoint or halt.
func (d *Debugger) Step(ctx context.Context, n int) (StopEvent, error) {
	if n <= 0 {
		n = 1
	}
	left := n
	return d.run(ctx, func(Registers) bool {
		left--
		return left == 0
	})
}

// Continue runs until a breakpoint or halt.
func (d *Debugger) Continue(ctx context.Context) (StopEvent, error) {
	return d.run(ctx, nil)
}

// StepOver executes the next instruction of the running goroutine. A CALL
// into a closure runs until that goroutine returns to the instruction
// after the call; other goroutines run meanwhile as scheduled.
func (d *Debugger) StepOver(ctx context.Context) (StopEvent, error) {
	start := d.m.Registers()
	if start.PC >= len(d.m.code) || d.m.code[start.PC].Opcode() != OpCALL {
		return d.Step(ctx, 1)
	}
	depth := len(start.RuntimeStack)
	return d.run(ctx, func(r Registers) bool {
		return r.Goroutine == start.Goroutine && r.PC == start.PC+1 && len(r.RuntimeStack) <= depth
	})
}

// StepOut runs until the running goroutine returns from its innermost
// call. Outside any call it behaves like Continue.
func (d *Debugger) StepOut(ctx context.Context) (StopEvent, error) {
	start := d.m.Registers()
	calls := d.callDepth(start.RuntimeStack)
	if calls == 0 {
		return d.Continue(ctx)
	}
	return d.run(ctx, func(r Registers) bool {
		return r.Goroutine == start.Goroutine && d.callDepth(r.RuntimeStack) < calls
	})
}

// callDepth counts the Callframes on a runtime stack.
func (d *Debugger) callDepth(rts []Addr) int {
	n := 0
	for _, a := range rts {
		if d.m.heap.Tag(a) == TagCallframe {
			n++
		}
	}
	return n
}
