package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Int
// ---------------------------------------------------------------------------

// NewInt allocates a boxed integer.
func (h *Heap) NewInt(n int64) (Addr, error) {
	a, err := h.Allocate(TagInt, 2)
	if err != nil {
		return NoAddr, err
	}
	h.setWord(a, 0, uint64(n))
	return a, nil
}

// IntValue returns the payload of an Int node.
func (h *Heap) IntValue(a Addr) int64 {
	return int64(h.word(a, 0))
}

// ---------------------------------------------------------------------------
// Builtin
// ---------------------------------------------------------------------------

// Builtin returns the id and arity stored in a Builtin node.
func (h *Heap) Builtin(a Addr) (id BuiltinID, arity int) {
	return BuiltinID(h.meta(a, 3)), int(h.meta(a, 4))
}

// ---------------------------------------------------------------------------
// Frame and Environment
// ---------------------------------------------------------------------------

// NewFrame allocates a frame of n slots, each holding the Unassigned literal.
func (h *Heap) NewFrame(n int) (Addr, error) {
	if n < 0 || n > MaxChildren {
		return NoAddr, fmt.Errorf("%w: frame of %d slots (max %d)", ErrNodeCapacity, n, MaxChildren)
	}
	a, err := h.Allocate(TagFrame, n+1)
	if err != nil {
		return NoAddr, err
	}
	for i := 0; i < n; i++ {
		h.setChild(a, i, h.Unassigned)
	}
	return a, nil
}

// FrameSlot reads slot i of a frame.
func (h *Heap) FrameSlot(frame Addr, i int) Addr {
	return h.child(frame, i)
}

// SetFrameSlot writes slot i of a frame.
func (h *Heap) SetFrameSlot(frame Addr, i int, v Addr) {
	h.setChild(frame, i, v)
}

// Extend returns a new environment holding env's frames followed by frame.
// env is left untouched and its frames are shared, not copied.
func (h *Heap) Extend(env, frame Addr) (Addr, error) {
	n := h.ChildCount(env)
	if n+1 > MaxChildren {
		return NoAddr, fmt.Errorf("%w: environment deeper than %d frames", ErrNodeCapacity, MaxChildren)
	}
	defer h.Pin(env, frame).Release()

	e, err := h.Allocate(TagEnvironment, n+2)
	if err != nil {
		return NoAddr, err
	}
	for i := 0; i < n; i++ {
		h.setChild(e, i, h.child(env, i))
	}
	h.setChild(e, n, frame)
	return e, nil
}

// EnvFrame returns the frame at index i of env, outermost first.
func (h *Heap) EnvFrame(env Addr, i int) Addr {
	return h.child(env, i)
}

// Lookup reads the slot at compile-time coordinates (frame, slot).
func (h *Heap) Lookup(env Addr, frame, slot int) (Addr, error) {
	f, err := h.slotFrame(env, frame, slot)
	if err != nil {
		return NoAddr, err
	}
	return h.child(f, slot), nil
}

// Store writes v into the slot at compile-time coordinates (frame, slot).
func (h *Heap) Store(env Addr, frame, slot int, v Addr) error {
	f, err := h.slotFrame(env, frame, slot)
	if err != nil {
		return err
	}
	h.setChild(f, slot, v)
	return nil
}

func (h *Heap) slotFrame(env Addr, frame, slot int) (Addr, error) {
	if frame < 0 || frame >= h.ChildCount(env) {
		return NoAddr, fmt.Errorf("%w: frame index %d outside environment of depth %d",
			ErrMalformedProgram, frame, h.ChildCount(env))
	}
	f := h.child(env, frame)
	if slot < 0 || slot >= h.ChildCount(f) {
		return NoAddr, fmt.Errorf("%w: slot %d outside frame of %d slots",
			ErrMalformedProgram, slot, h.ChildCount(f))
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Callframe and Blockframe
// ---------------------------------------------------------------------------

// NewCallframe records the return pc and the caller's environment.
func (h *Heap) NewCallframe(pc int, env Addr) (Addr, error) {
	defer h.Pin(env).Release()
	a, err := h.Allocate(TagCallframe, 2)
	if err != nil {
		return NoAddr, err
	}
	h.setMeta32(a, uint32(pc))
	h.setChild(a, 0, env)
	return a, nil
}

// CallframePC returns the saved return address.
func (h *Heap) CallframePC(a Addr) int {
	return int(h.meta32(a))
}

// CallframeEnv returns the saved caller environment.
func (h *Heap) CallframeEnv(a Addr) Addr {
	return h.child(a, 0)
}

// NewBlockframe records the environment enclosing a block scope.
func (h *Heap) NewBlockframe(env Addr) (Addr, error) {
	defer h.Pin(env).Release()
	a, err := h.Allocate(TagBlockframe, 2)
	if err != nil {
		return NoAddr, err
	}
	h.setChild(a, 0, env)
	return a, nil
}

// BlockframeEnv returns the saved enclosing environment.
func (h *Heap) BlockframeEnv(a Addr) Addr {
	return h.child(a, 0)
}

// ---------------------------------------------------------------------------
// Closure
// ---------------------------------------------------------------------------

// NewClosure pairs an entry pc with the captured environment.
func (h *Heap) NewClosure(arity, pc int, env Addr) (Addr, error) {
	if arity < 0 || arity > MaxChildren {
		return NoAddr, fmt.Errorf("%w: closure of arity %d (max %d)", ErrNodeCapacity, arity, MaxChildren)
	}
	defer h.Pin(env).Release()
	a, err := h.Allocate(TagClosure, 2)
	if err != nil {
		return NoAddr, err
	}
	h.setMeta(a, 3, byte(arity))
	h.setMeta32(a, uint32(pc))
	h.setChild(a, 0, env)
	return a, nil
}

// ClosureArity returns the number of parameters.
func (h *Heap) ClosureArity(a Addr) int {
	return int(h.meta(a, 3))
}

// ClosurePC returns the entry pc.
func (h *Heap) ClosurePC(a Addr) int {
	return int(h.meta32(a))
}

// ClosureEnv returns the captured environment.
func (h *Heap) ClosureEnv(a Addr) Addr {
	return h.child(a, 0)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Describe renders a node and its fields for debugging output.
func (h *Heap) Describe(a Addr) string {
	if !h.valid(a) {
		return fmt.Sprintf("@%d: not a node address", a)
	}
	tag := h.Tag(a)
	var b strings.Builder
	fmt.Fprintf(&b, "@%d %s size=%d", a, tag, h.Size(a))

	switch tag {
	case tagFree:
		b.Reset()
		fmt.Fprintf(&b, "@%d free", a)
	case TagNil, TagUnassigned, TagTrue, TagFalse:
	case TagInt:
		fmt.Fprintf(&b, " value=%d", h.IntValue(a))
	case TagBuiltin:
		id, arity := h.Builtin(a)
		fmt.Fprintf(&b, " name=%s arity=%d", id, arity)
	case TagFrame, TagEnvironment, TagBlockframe:
		fmt.Fprintf(&b, " children=%v", h.children(a))
	case TagCallframe:
		fmt.Fprintf(&b, " pc=%d env=@%d", h.CallframePC(a), h.CallframeEnv(a))
	case TagClosure:
		fmt.Fprintf(&b, " arity=%d pc=%d env=@%d", h.ClosureArity(a), h.ClosurePC(a), h.ClosureEnv(a))
	case TagIntChannel:
		fmt.Fprintf(&b, " cap=%d len=%d closed=%t sendq=@%d recvq=@%d",
			h.ChanCap(a), h.ChanLen(a), h.ChanClosed(a), h.child(a, chanSendQueue), h.child(a, chanRecvQueue))
	case TagWaitQueue:
		fmt.Fprintf(&b, " waiters=%v", h.QueueWaiters(a))
	case TagWaitGroup:
		fmt.Fprintf(&b, " counter=%d waiters=%v", h.WaitGroupCounter(a), h.WaitGroupWaiters(a))
	}
	return b.String()
}

func (h *Heap) children(a Addr) []Addr {
	out := make([]Addr, h.ChildCount(a))
	for i := range out {
		out[i] = h.child(a, i)
	}
	return out
}
