package vm

import (
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// Builtin table
// ---------------------------------------------------------------------------

// BuiltinID is the index of a builtin in frame 0 of every environment.
type BuiltinID uint8

const (
	BuiltinPrintln BuiltinID = iota
	BuiltinPanic
	BuiltinSleep
	BuiltinMake
	BuiltinClose
	BuiltinMax
	BuiltinMin
	BuiltinWgAdd
	BuiltinWgDone
	BuiltinWgWait
)

var builtinTable = [...]struct {
	name  string
	arity int
}{
	BuiltinPrintln: {"println", 1},
	BuiltinPanic:   {"panic", 1},
	BuiltinSleep:   {"sleep", 1},
	BuiltinMake:    {"make", 2},
	BuiltinClose:   {"close", 1},
	BuiltinMax:     {"max", 2},
	BuiltinMin:     {"min", 2},
	BuiltinWgAdd:   {"wgAdd", 2},
	BuiltinWgDone:  {"wgDone", 1},
	BuiltinWgWait:  {"wgWait", 1},
}

func (id BuiltinID) String() string {
	if int(id) < len(builtinTable) {
		return builtinTable[id].name
	}
	return fmt.Sprintf("BuiltinID(%d)", uint8(id))
}

// BuiltinNames lists the builtins in slot order. A compiler resolves a
// builtin name to Pos{Frame: 0, Slot: index}.
func BuiltinNames() []string {
	names := make([]string, len(builtinTable))
	for i, b := range builtinTable {
		names[i] = b.name
	}
	return names
}

// BuiltinSlot returns the frame-0 slot of the named builtin.
func BuiltinSlot(name string) (int, bool) {
	for i, b := range builtinTable {
		if b.name == name {
			return i, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Builtin dispatch
// ---------------------------------------------------------------------------

// callBuiltin runs a builtin inline. Arguments have already been popped.
// Every builtin pushes exactly one result; blocking builtins push it before
// parking so the goroutine resumes with it on its stack.
func (m *Machine) callBuiltin(id BuiltinID, args []Addr) {
	h := m.heap
	switch id {
	case BuiltinPrintln:
		if _, err := io.WriteString(m.out, h.Format(args[0])+"\n"); err != nil {
			throw(fmt.Errorf("println: %w", err))
		}
		m.push(h.Unassigned)

	case BuiltinPanic:
		throwf(ErrPanic, "%s", h.Format(args[0]))

	case BuiltinSleep:
		ms := m.intArg(args[0], "sleep")
		m.push(h.Unassigned)
		m.sched.sleep(m.sched.current, ms)

	case BuiltinMake:
		capacity := m.intArg(args[1], "make")
		m.push(m.check(h.NewChannel(int(capacity))))

	case BuiltinClose:
		m.closeChan(args[0])
		m.push(h.Unassigned)

	case BuiltinMax, BuiltinMin:
		a := m.intArg(args[0], id.String())
		b := m.intArg(args[1], id.String())
		if (id == BuiltinMax) == (b > a) {
			a = b
		}
		m.push(m.check(h.NewInt(a)))

	case BuiltinWgAdd:
		m.wgAdd(args[0], m.intArg(args[1], "wgAdd"))
		m.push(h.Unassigned)

	case BuiltinWgDone:
		m.wgDone(args[0])
		m.push(h.Unassigned)

	case BuiltinWgWait:
		m.push(h.Unassigned)
		m.wgWait(args[0])

	default:
		throwf(ErrMalformedProgram, "unknown builtin id %d", id)
	}
}

func (m *Machine) intArg(a Addr, who string) int64 {
	if m.heap.Tag(a) != TagInt {
		throwf(ErrTypeMismatch, "%s expects an integer, got %s", who, m.heap.Tag(a))
	}
	return m.heap.IntValue(a)
}
