package vm

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

const (
	DefaultHeapWords             = 1 << 16
	DefaultQuantum               = 30
	DefaultFirstGoroutineQuantum = 100
	DefaultStepLimit             = 10_000_000
)

// StepEvent describes an instruction about to execute.
type StepEvent struct {
	Goroutine int
	PC        int
	Op        Opcode
}

// Options configures a Machine. Zero fields take the defaults above.
type Options struct {
	// Quantum is the number of instructions a goroutine runs before an
	// involuntary switch.
	Quantum int
	// FirstGoroutineQuantum is the first slice granted to goroutine 1.
	FirstGoroutineQuantum int
	// StepLimit aborts the run after this many instructions. Negative
	// disables the limit.
	StepLimit int
	// Output receives println output. Defaults to io.Discard.
	Output io.Writer
	// Clock drives sleep. Defaults to SystemClock.
	Clock Clock
	// OnStep, if set, is called before every instruction.
	OnStep func(StepEvent)
}

func (o Options) withDefaults() Options {
	if o.Quantum <= 0 {
		o.Quantum = DefaultQuantum
	}
	if o.FirstGoroutineQuantum <= 0 {
		o.FirstGoroutineQuantum = DefaultFirstGoroutineQuantum
	}
	if o.StepLimit == 0 {
		o.StepLimit = DefaultStepLimit
	}
	if o.Output == nil {
		o.Output = io.Discard
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	return o
}

// Stats summarizes a run.
type Stats struct {
	Steps      uint64
	Goroutines int
	Switches   uint64
	Heap       HeapStats
}

// ---------------------------------------------------------------------------
// Machine
// ---------------------------------------------------------------------------

// Machine executes an instruction stream. The registers below belong to
// the running goroutine; other goroutines keep theirs in the scheduler.
type Machine struct {
	id    uuid.UUID
	heap  *Heap
	code  []Instruction
	opts  Options
	sched *Scheduler
	out   io.Writer
	log   commonlog.Logger

	pc  int
	env Addr
	os  []Addr // operand stack
	rts []Addr // runtime stack of Callframes and Blockframes

	steps  uint64
	halted bool
	result Addr
	failed error
}

// New creates a machine over a heap of heapWords words. heapWords must be a
// positive multiple of NodeSize below the 32-bit address limit.
func New(heapWords int, code []Instruction, opts Options) (*Machine, error) {
	h, err := NewHeap(heapWords)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	m := &Machine{
		id:     uuid.New(),
		heap:   h,
		code:   code,
		opts:   opts,
		out:    opts.Output,
		log:    commonlog.GetLogger("gvm.vm"),
		result: NoAddr,
	}
	h.SetRoots(m)
	m.sched = newScheduler(opts.Quantum, opts.FirstGoroutineQuantum, opts.Clock)

	m.sched.spawn(0, h.GlobalEnv())
	main, err := m.sched.next(context.Background())
	if err != nil {
		return nil, err
	}
	m.restore(main)
	return m, nil
}

// ID returns the run identifier used in logs and errors.
func (m *Machine) ID() string {
	return m.id.String()
}

// Heap returns the machine's heap.
func (m *Machine) Heap() *Heap {
	return m.heap
}

// Code returns the instruction stream.
func (m *Machine) Code() []Instruction {
	return m.code
}

// Run executes until DONE and returns the unboxed value on top of the
// operand stack, or the first fatal error.
func (m *Machine) Run(ctx context.Context) (any, error) {
	m.log.Infof("run %s: %d instructions, %d heap words", m.id, len(m.code), m.heap.Words())
	for !m.halted {
		if m.steps%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := m.Step(ctx); err != nil {
			m.log.Errorf("run %s: %v", m.id, err)
			return nil, err
		}
	}
	st := m.Stats()
	m.log.Infof("run %s: done after %d steps, %d goroutines, %d collections",
		m.id, st.Steps, st.Goroutines, st.Heap.Collections)
	return m.Result()
}

// Result unboxes the value left by DONE.
func (m *Machine) Result() (any, error) {
	if !m.halted {
		return nil, fmt.Errorf("machine has not halted")
	}
	return m.heap.Unbox(m.result)
}

// Halted reports whether DONE has executed.
func (m *Machine) Halted() bool {
	return m.halted
}

// Stats returns counters for the run so far.
func (m *Machine) Stats() Stats {
	return Stats{
		Steps:      m.steps,
		Goroutines: m.sched.nextID,
		Switches:   m.sched.switches,
		Heap:       m.heap.Stats(),
	}
}

// Step executes one instruction of the running goroutine, then performs
// any context switch the instruction or the time slice calls for.
func (m *Machine) Step(ctx context.Context) (err error) {
	if m.failed != nil {
		return m.failed
	}
	if m.halted {
		return ErrHalted
	}
	g := m.sched.current
	pc := m.pc
	var op Opcode
	hasOp := false

	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(fault)
			if !ok {
				panic(r)
			}
			err = &RuntimeError{Err: f.err, RunID: m.id.String(), Goroutine: g.ID, PC: pc, Op: op, HasOp: hasOp}
			m.failed = err
		}
	}()

	m.steps++
	if m.opts.StepLimit > 0 && m.steps > uint64(m.opts.StepLimit) {
		throwf(ErrStepLimitExceeded, "more than %d steps", m.opts.StepLimit)
	}
	if pc < 0 || pc >= len(m.code) {
		throwf(ErrMalformedProgram, "pc %d outside program of %d instructions", pc, len(m.code))
	}
	in := m.code[pc]
	if in == nil {
		throwf(ErrMalformedProgram, "no instruction at pc %d", pc)
	}
	op, hasOp = in.Opcode(), true
	if m.opts.OnStep != nil {
		m.opts.OnStep(StepEvent{Goroutine: g.ID, PC: pc, Op: op})
	}

	m.pc++
	m.exec(in)
	if m.halted {
		return nil
	}
	m.schedule(ctx)
	return nil
}

// exec dispatches one instruction.
func (m *Machine) exec(in Instruction) {
	h := m.heap
	switch in := in.(type) {
	case LoadConst:
		m.push(m.check(h.Box(in.Value)))

	case Load:
		a := m.check(h.Lookup(m.env, in.Pos.Frame, in.Pos.Slot))
		if a == h.Unassigned {
			throwf(ErrUseBeforeAssignment, "%s", symName(in.Sym, in.Pos))
		}
		m.push(a)

	case LoadFunc:
		m.push(m.check(h.NewClosure(in.Arity, in.Entry, m.env)))

	case Assign:
		m.checkErr(h.Store(m.env, in.Pos.Frame, in.Pos.Slot, m.peek(0)))

	case BinaryOp:
		y := m.peek(0)
		x := m.peek(1)
		r := m.binary(in.Op, x, y)
		m.drop(2)
		m.push(r)

	case UnaryOp:
		r := m.unary(in.Op, m.peek(0))
		m.drop(1)
		m.push(r)

	case JumpOnFalse:
		switch c := m.pop(); c {
		case h.True:
		case h.False:
			m.pc = in.Target
		default:
			throwf(ErrTypeMismatch, "condition is %s, not a boolean", h.Tag(c))
		}

	case Goto:
		m.pc = in.Target

	case Call:
		m.call(in.Arity, false)

	case TailCall:
		m.call(in.Arity, true)

	case Done:
		m.halted = true
		m.result = h.Unassigned
		if len(m.os) > 0 {
			m.result = m.os[len(m.os)-1]
		}

	case Pop:
		m.pop()

	case Reset:
		m.reset()

	case Nop:

	case EnterScope:
		m.enterScope(in.Num)

	case ExitScope:
		bf := m.popRuntime()
		if h.Tag(bf) != TagBlockframe {
			throwf(ErrMalformedProgram, "EXIT_SCOPE found %s on the runtime stack", h.Tag(bf))
		}
		m.env = h.BlockframeEnv(bf)

	case StartGoroutine:
		m.startGoroutine(in.Stop)

	case StopGoroutine:
		m.sched.terminate(m.sched.current)

	case Send:
		m.send()

	case Recv:
		m.recv()

	case MakeWaitGroup:
		m.push(m.check(h.NewWaitGroup()))

	default:
		throwf(ErrUnknownOpcode, "%T", in)
	}
}

func symName(sym string, pos Pos) string {
	if sym != "" {
		return sym
	}
	return fmt.Sprintf("[%d,%d]", pos.Frame, pos.Slot)
}

// ---------------------------------------------------------------------------
// Operand and runtime stacks
// ---------------------------------------------------------------------------

func (m *Machine) push(a Addr) {
	m.os = append(m.os, a)
}

func (m *Machine) pop() Addr {
	if len(m.os) == 0 {
		throwf(ErrMalformedProgram, "operand stack underflow")
	}
	a := m.os[len(m.os)-1]
	m.os = m.os[:len(m.os)-1]
	return a
}

// peek returns the operand n entries below the top without popping.
func (m *Machine) peek(n int) Addr {
	if n >= len(m.os) {
		throwf(ErrMalformedProgram, "operand stack underflow")
	}
	return m.os[len(m.os)-1-n]
}

func (m *Machine) drop(n int) {
	if n > len(m.os) {
		throwf(ErrMalformedProgram, "operand stack underflow")
	}
	m.os = m.os[:len(m.os)-n]
}

func (m *Machine) popRuntime() Addr {
	if len(m.rts) == 0 {
		throwf(ErrMalformedProgram, "runtime stack underflow")
	}
	a := m.rts[len(m.rts)-1]
	m.rts = m.rts[:len(m.rts)-1]
	return a
}

// check unwraps an allocation result, raising its error as a fault.
func (m *Machine) check(a Addr, err error) Addr {
	if err != nil {
		throw(err)
	}
	return a
}

func (m *Machine) checkErr(err error) {
	if err != nil {
		throw(err)
	}
}

func (m *Machine) expectTag(a Addr, tag Tag, what string) {
	if got := m.heap.Tag(a); got != tag {
		throwf(ErrTypeMismatch, "%s: expected %s, got %s", what, tag, got)
	}
}

// ---------------------------------------------------------------------------
// Scopes and calls
// ---------------------------------------------------------------------------

// enterScope saves the current environment in a Blockframe and extends it
// with a frame of n unassigned slots.
func (m *Machine) enterScope(n int) {
	h := m.heap
	bf := m.check(h.NewBlockframe(m.env))
	m.rts = append(m.rts, bf)
	frame := m.check(h.NewFrame(n))
	m.env = m.check(h.Extend(m.env, frame))
}

// call applies the function below the top arity operands. Operands stay on
// the stack, and so stay rooted, until every allocation is done.
func (m *Machine) call(arity int, tail bool) {
	if arity < 0 {
		throwf(ErrMalformedProgram, "call with negative arity %d", arity)
	}
	h := m.heap
	fn := m.peek(arity)
	args := m.os[len(m.os)-arity:]

	switch h.Tag(fn) {
	case TagBuiltin:
		id, want := h.Builtin(fn)
		if arity != want {
			throwf(ErrArityMismatch, "%s expects %d arguments, got %d", id, want, arity)
		}
		argv := append([]Addr(nil), args...)
		m.drop(arity + 1)
		m.callBuiltin(id, argv)

	case TagClosure:
		if want := h.ClosureArity(fn); arity != want {
			throwf(ErrArityMismatch, "function expects %d arguments, got %d", want, arity)
		}
		frame := m.check(h.NewFrame(arity))
		for i, a := range args {
			h.SetFrameSlot(frame, i, a)
		}
		defer h.Pin(frame).Release()

		if tail {
			m.discardBlockframes()
		} else {
			m.rts = append(m.rts, m.check(h.NewCallframe(m.pc, m.env)))
		}
		env := m.check(h.Extend(h.ClosureEnv(fn), frame))
		m.drop(arity + 1)
		m.env = env
		m.pc = h.ClosurePC(fn)

	default:
		throwf(ErrTypeMismatch, "cannot call %s", h.Tag(fn))
	}
}

// discardBlockframes drops the block scopes of the activation a tail call
// replaces, so tail-recursive loops keep a constant runtime stack. Outside
// any call there is nothing to discard.
func (m *Machine) discardBlockframes() {
	for i := len(m.rts) - 1; i >= 0; i-- {
		if m.heap.Tag(m.rts[i]) == TagCallframe {
			m.rts = m.rts[:i+1]
			return
		}
	}
}

// reset pops the runtime stack. A Callframe returns to the caller; a
// Blockframe re-executes RESET so unwinding continues one scope at a time.
func (m *Machine) reset() {
	h := m.heap
	top := m.popRuntime()
	switch h.Tag(top) {
	case TagCallframe:
		m.pc = h.CallframePC(top)
		m.env = h.CallframeEnv(top)
	case TagBlockframe:
		m.pc--
	default:
		throwf(ErrMalformedProgram, "RESET found %s on the runtime stack", h.Tag(top))
	}
}

// ---------------------------------------------------------------------------
// Goroutines
// ---------------------------------------------------------------------------

// startGoroutine spawns a goroutine at the instruction after
// START_GOROUTINE and resumes the parent after the matching
// STOP_GOROUTINE.
func (m *Machine) startGoroutine(stop int) {
	if stop == 0 {
		stop = m.findStop(m.pc - 1)
	}
	if stop < m.pc || stop >= len(m.code) {
		throwf(ErrMalformedProgram, "START_GOROUTINE stop %d out of range", stop)
	}
	m.sched.spawn(m.pc, m.env)
	m.pc = stop + 1
}

func (m *Machine) findStop(start int) int {
	depth := 0
	for i := start + 1; i < len(m.code); i++ {
		switch m.code[i].Opcode() {
		case OpSTART_GOROUTINE:
			depth++
		case OpSTOP_GOROUTINE:
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	throwf(ErrMalformedProgram, "START_GOROUTINE at %d has no matching STOP_GOROUTINE", start)
	return 0
}

// wake makes goroutine id ready, first pushing v onto its operand stack
// unless v is NoAddr.
func (m *Machine) wake(id int, v Addr) {
	g, ok := m.sched.goroutines[id]
	if !ok {
		throwf(ErrMalformedProgram, "wake of unknown goroutine %d", id)
	}
	if v != NoAddr {
		g.OpStack = append(g.OpStack, v)
	}
	m.sched.wake(g)
}

// schedule switches goroutines when the running one blocked, terminated,
// or used up its time slice while another is ready.
func (m *Machine) schedule(ctx context.Context) {
	s := m.sched
	cur := s.current
	switch cur.State {
	case Blocked, Terminated:
	case Running:
		if !s.tick() {
			return
		}
		s.pollTimers()
		if len(s.ready) == 0 {
			s.renew()
			return
		}
		cur.State = Ready
		s.ready = append(s.ready, cur)
	}

	if cur.State != Terminated {
		m.save(cur)
	}
	next, err := s.next(ctx)
	if err != nil {
		throw(err)
	}
	if s.log.AllowLevel(commonlog.Debug) {
		s.log.Debugf("switch %d (%s) -> %d", cur.ID, cur.State, next.ID)
	}
	m.restore(next)
}

func (m *Machine) save(g *Goroutine) {
	g.PC = m.pc
	g.Env = m.env
	g.OpStack = m.os
	g.RuntimeStack = m.rts
}

func (m *Machine) restore(g *Goroutine) {
	m.pc = g.PC
	m.env = g.Env
	m.os = g.OpStack
	m.rts = g.RuntimeStack
}

// VisitRoots reports every goroutine's registers to the collector. The
// running goroutine's saved copy may be stale, so its live registers are
// used instead.
func (m *Machine) VisitRoots(visit func(Addr)) {
	cur := m.sched.current
	for _, g := range m.sched.goroutines {
		env, os, rts := g.Env, g.OpStack, g.RuntimeStack
		if g == cur {
			env, os, rts = m.env, m.os, m.rts
		}
		visit(env)
		for _, a := range os {
			visit(a)
		}
		for _, a := range rts {
			visit(a)
		}
	}
	if m.result != NoAddr {
		visit(m.result)
	}
}
