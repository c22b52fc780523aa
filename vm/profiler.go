package vm

import (
	"fmt"
	"io"
	"sort"
)

// Profiler counts executed instructions by program counter, opcode and
// goroutine. Install Record as Options.OnStep, or call it from an OnStep
// hook that does other work too.
//
// A pc becomes hot once it has executed HotThreshold times; loop heads and
// function bodies are the usual suspects.
type Profiler struct {
	pcCounts []uint64
	opCounts [numOpcodes]uint64
	perG     map[int]uint64
	steps    uint64
	hot      int
	isHot    []bool
	codeLen  int

	// HotThreshold is the execution count at which a pc is reported hot.
	HotThreshold uint64

	// OnHot, if set, is called the first time a pc crosses HotThreshold.
	OnHot func(pc int, count uint64)
}

// DefaultHotThreshold is the threshold NewProfiler sets.
const DefaultHotThreshold = 1000

// NewProfiler creates a profiler for a program of codeLen instructions.
func NewProfiler(codeLen int) *Profiler {
	return &Profiler{
		pcCounts:     make([]uint64, codeLen),
		isHot:        make([]bool, codeLen),
		perG:         make(map[int]uint64),
		codeLen:      codeLen,
		HotThreshold: DefaultHotThreshold,
	}
}

// Record counts one executed instruction.
func (p *Profiler) Record(e StepEvent) {
	p.steps++
	p.perG[e.Goroutine]++
	if int(e.Op) < len(p.opCounts) {
		p.opCounts[e.Op]++
	}
	if e.PC < 0 || e.PC >= p.codeLen {
		return
	}
	p.pcCounts[e.PC]++
	if !p.isHot[e.PC] && p.HotThreshold > 0 && p.pcCounts[e.PC] >= p.HotThreshold {
		p.isHot[e.PC] = true
		p.hot++
		if p.OnHot != nil {
			p.OnHot(e.PC, p.pcCounts[e.PC])
		}
	}
}

// Count returns how many times pc has executed.
func (p *Profiler) Count(pc int) uint64 {
	if pc < 0 || pc >= p.codeLen {
		return 0
	}
	return p.pcCounts[pc]
}

// IsHot reports whether pc has crossed the hot threshold.
func (p *Profiler) IsHot(pc int) bool {
	return pc >= 0 && pc < p.codeLen && p.isHot[pc]
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Steps       uint64 // instructions recorded
	DistinctPCs int    // instructions executed at least once
	HotPCs      int    // instructions past the hot threshold
	Goroutines  int    // goroutines that executed anything
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	st := ProfilerStats{Steps: p.steps, HotPCs: p.hot, Goroutines: len(p.perG)}
	for _, n := range p.pcCounts {
		if n > 0 {
			st.DistinctPCs++
		}
	}
	return st
}

// PCCount pairs a program counter with its execution count.
type PCCount struct {
	PC    int
	Count uint64
}

// TopPCs returns the n most executed instructions, most executed first.
// Ties go to the lower pc.
func (p *Profiler) TopPCs(n int) []PCCount {
	all := make([]PCCount, 0, len(p.pcCounts))
	for pc, c := range p.pcCounts {
		if c > 0 {
			all = append(all, PCCount{PC: pc, Count: c})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].PC < all[j].PC
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// OpcodeCount pairs an opcode with its execution count.
type OpcodeCount struct {
	Op    Opcode
	Count uint64
}

// Opcodes returns the executed opcodes, most executed first.
func (p *Profiler) Opcodes() []OpcodeCount {
	var all []OpcodeCount
	for op, c := range p.opCounts {
		if c > 0 {
			all = append(all, OpcodeCount{Op: Opcode(op), Count: c})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Op < all[j].Op
	})
	return all
}

// GoroutineSteps returns how many instructions goroutine id executed.
func (p *Profiler) GoroutineSteps(id int) uint64 {
	return p.perG[id]
}

// Report writes the top n instructions and the opcode mix.
func (p *Profiler) Report(w io.Writer, code []Instruction, n int) {
	st := p.Stats()
	fmt.Fprintf(w, "%d steps over %d instructions, %d hot\n", st.Steps, st.DistinctPCs, st.HotPCs)
	for _, c := range p.TopPCs(n) {
		text := "?"
		if c.PC < len(code) {
			text = FormatInstruction(code[c.PC])
		}
		fmt.Fprintf(w, "  %10d  %04d  %s\n", c.Count, c.PC, text)
	}
	fmt.Fprintln(w, "opcodes:")
	for _, c := range p.Opcodes() {
		fmt.Fprintf(w, "  %10d  %s\n", c.Count, c.Op)
	}
}

// Reset clears all counts.
func (p *Profiler) Reset() {
	clear(p.pcCounts)
	clear(p.isHot)
	clear(p.perG)
	p.opCounts = [numOpcodes]uint64{}
	p.steps = 0
	p.hot = 0
}
