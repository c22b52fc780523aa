package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// WaitGroup layout
// ---------------------------------------------------------------------------
//
// Header byte 3 is the number of parked waiters, bytes 4..7 the signed
// counter. Children hold waiter goroutine ids, not addresses.

const wgWaiters = 3

// NewWaitGroup allocates a wait group with a zero counter.
func (h *Heap) NewWaitGroup() (Addr, error) {
	return h.Allocate(TagWaitGroup, NodeSize)
}

// WaitGroupCounter returns the current counter.
func (h *Heap) WaitGroupCounter(wg Addr) int32 {
	return int32(h.meta32(wg))
}

func (h *Heap) setWaitGroupCounter(wg Addr, n int32) {
	h.setMeta32(wg, uint32(n))
}

// WaitGroupWaiters lists the goroutines parked in Wait.
func (h *Heap) WaitGroupWaiters(wg Addr) []int {
	out := make([]int, h.meta(wg, wgWaiters))
	for i := range out {
		out[i] = int(h.word(wg, i))
	}
	return out
}

func (h *Heap) addWaitGroupWaiter(wg Addr, gid int) error {
	n := int(h.meta(wg, wgWaiters))
	if n == MaxChildren {
		return fmt.Errorf("%w: more than %d goroutines waiting on one WaitGroup", ErrNodeCapacity, MaxChildren)
	}
	h.setWord(wg, n, uint64(gid))
	h.setMeta(wg, wgWaiters, byte(n+1))
	return nil
}

// drainWaitGroupWaiters empties the waiter list and returns it.
func (h *Heap) drainWaitGroupWaiters(wg Addr) []int {
	out := h.WaitGroupWaiters(wg)
	for i := range out {
		h.setWord(wg, i, 0)
	}
	h.setMeta(wg, wgWaiters, 0)
	return out
}

// ---------------------------------------------------------------------------
// WaitGroup protocol
// ---------------------------------------------------------------------------

// wgAdd adjusts the counter by delta. Reaching zero releases every waiter.
func (m *Machine) wgAdd(wg Addr, delta int64) {
	h := m.heap
	m.expectTag(wg, TagWaitGroup, "wgAdd")
	n := int64(h.WaitGroupCounter(wg)) + delta
	if n < 0 {
		throwf(ErrWaitGroupUnderflow, "counter would become %d", n)
	}
	if n > math.MaxInt32 {
		throwf(ErrNodeCapacity, "WaitGroup counter %d overflows 32 bits", n)
	}
	h.setWaitGroupCounter(wg, int32(n))
	if n == 0 {
		for _, id := range h.drainWaitGroupWaiters(wg) {
			m.wake(id, NoAddr)
		}
	}
}

// wgDone decrements the counter by one.
func (m *Machine) wgDone(wg Addr) {
	m.wgAdd(wg, -1)
}

// wgWait parks the running goroutine until the counter reaches zero. The
// builtin's result is already on the operand stack.
func (m *Machine) wgWait(wg Addr) {
	h := m.heap
	m.expectTag(wg, TagWaitGroup, "wgWait")
	if h.WaitGroupCounter(wg) == 0 {
		return
	}
	g := m.sched.current
	m.checkErr(h.addWaitGroupWaiter(wg, g.ID))
	m.sched.park(g)
}
