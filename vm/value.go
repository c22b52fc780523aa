package vm

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Host values
// ---------------------------------------------------------------------------
//
// Box and Unbox translate between host values and heap addresses:
//
//	nil        <-> Nil
//	Undefined  <-> Unassigned
//	bool       <-> True / False
//	int64      <-> Int (other Go integer types box, int64 comes back)
//	Ref        <-> IntChannel / WaitGroup (reference-like values)

// UndefinedValue is the host form of the Unassigned literal.
type UndefinedValue struct{}

func (UndefinedValue) String() string { return "undefined" }

// Undefined is the value of an unassigned variable or a bare return.
var Undefined = UndefinedValue{}

// Ref is a heap reference to a channel or wait group.
type Ref Addr

func (r Ref) String() string { return fmt.Sprintf("ref@%d", uint32(r)) }

// Box maps a host value onto the heap, allocating an Int node for integers.
func (h *Heap) Box(v any) (Addr, error) {
	switch x := v.(type) {
	case nil:
		return h.Nil, nil
	case UndefinedValue:
		return h.Unassigned, nil
	case bool:
		return h.Bool(x), nil
	case int:
		return h.NewInt(int64(x))
	case int8:
		return h.NewInt(int64(x))
	case int16:
		return h.NewInt(int64(x))
	case int32:
		return h.NewInt(int64(x))
	case int64:
		return h.NewInt(x)
	case uint8:
		return h.NewInt(int64(x))
	case uint16:
		return h.NewInt(int64(x))
	case uint32:
		return h.NewInt(int64(x))
	case Ref:
		a := Addr(x)
		if !h.valid(a) {
			return NoAddr, fmt.Errorf("%w: dangling reference %d", ErrUnsupportedTag, a)
		}
		switch h.Tag(a) {
		case TagIntChannel, TagWaitGroup:
			return a, nil
		}
		return NoAddr, fmt.Errorf("%w: cannot box reference to %s", ErrUnsupportedTag, h.Tag(a))
	default:
		return NoAddr, fmt.Errorf("%w: cannot box %T", ErrUnsupportedTag, v)
	}
}

// Bool returns the True or False literal.
func (h *Heap) Bool(b bool) Addr {
	if b {
		return h.True
	}
	return h.False
}

// Unbox returns the host value stored at a.
func (h *Heap) Unbox(a Addr) (any, error) {
	switch tag := h.Tag(a); tag {
	case TagNil:
		return nil, nil
	case TagUnassigned:
		return Undefined, nil
	case TagTrue:
		return true, nil
	case TagFalse:
		return false, nil
	case TagInt:
		return h.IntValue(a), nil
	case TagIntChannel, TagWaitGroup:
		return Ref(a), nil
	default:
		return nil, fmt.Errorf("%w: %s has no scalar representation", ErrUnsupportedTag, tag)
	}
}

// IsBool reports whether a is one of the boolean literals.
func (h *Heap) IsBool(a Addr) bool {
	return a == h.True || a == h.False
}

// Format renders the value at a the way println prints it.
func (h *Heap) Format(a Addr) string {
	switch tag := h.Tag(a); tag {
	case TagNil:
		return "nil"
	case TagUnassigned:
		return "undefined"
	case TagTrue:
		return "true"
	case TagFalse:
		return "false"
	case TagInt:
		return strconv.FormatInt(h.IntValue(a), 10)
	case TagBuiltin:
		id, _ := h.Builtin(a)
		return fmt.Sprintf("<builtin %s>", id)
	case TagClosure:
		return fmt.Sprintf("<closure pc=%d>", h.ClosurePC(a))
	case TagIntChannel:
		return fmt.Sprintf("<chan int @%d>", a)
	case TagWaitGroup:
		return fmt.Sprintf("<waitgroup @%d>", a)
	default:
		return fmt.Sprintf("<%s @%d>", tag, a)
	}
}
