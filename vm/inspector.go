package vm

import (
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Machine inspection
// ---------------------------------------------------------------------------

// Registers is a snapshot of one goroutine's registers. The slices are
// copies; mutating them does not affect the machine.
type Registers struct {
	Goroutine    int
	State        GoroutineState
	PC           int
	Env          Addr
	OpStack      []Addr
	RuntimeStack []Addr
}

// Registers returns the running goroutine's registers.
func (m *Machine) Registers() Registers {
	g := m.sched.current
	return Registers{
		Goroutine:    g.ID,
		State:        g.State,
		PC:           m.pc,
		Env:          m.env,
		OpStack:      append([]Addr(nil), m.os...),
		RuntimeStack: append([]Addr(nil), m.rts...),
	}
}

// Goroutines returns the registers of every live goroutine ordered by id.
// The running goroutine reports its live registers.
func (m *Machine) Goroutines() []Registers {
	out := make([]Registers, 0, len(m.sched.goroutines))
	cur := m.sched.current
	for _, g := range m.sched.goroutines {
		if g == cur {
			out = append(out, m.Registers())
			continue
		}
		out = append(out, Registers{
			Goroutine:    g.ID,
			State:        g.State,
			PC:           g.PC,
			Env:          g.Env,
			OpStack:      append([]Addr(nil), g.OpStack...),
			RuntimeStack: append([]Addr(nil), g.RuntimeStack...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Goroutine < out[j].Goroutine })
	return out
}

// String renders the registers on one line.
func (r Registers) String() string {
	return fmt.Sprintf("g%d %s pc=%04d env=@%d os=%d rts=%d",
		r.Goroutine, r.State, r.PC, r.Env, len(r.OpStack), len(r.RuntimeStack))
}

// FormatStack renders an operand stack top first, one value per line.
func (m *Machine) FormatStack(stack []Addr) string {
	if len(stack) == 0 {
		return "  (empty)\n"
	}
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "  %2d  %s\n", len(stack)-1-i, m.heap.Format(stack[i]))
	}
	return b.String()
}

// FormatFrames renders a runtime stack top first using Heap.Describe.
func (m *Machine) FormatFrames(stack []Addr) string {
	if len(stack) == 0 {
		return "  (empty)\n"
	}
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "  %2d  %s\n", len(stack)-1-i, m.heap.Describe(stack[i]))
	}
	return b.String()
}
