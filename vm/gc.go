package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Mark-sweep collection
// ---------------------------------------------------------------------------

// Collect marks everything reachable from the root source and the pinned
// set, then rebuilds the free list from the unmarked nodes above bottom.
// It returns the number of nodes on the free list afterwards.
func (h *Heap) Collect() int {
	if h.roots != nil {
		h.roots.VisitRoots(h.mark)
	}
	for _, a := range h.pinned {
		h.mark(a)
	}
	before := h.stats.FreeNodes
	free := h.sweep()

	h.stats.Collections++
	h.stats.Freed += uint64(free - before)
	if h.log.AllowLevel(commonlog.Debug) {
		h.log.Debugf("collection %d: reclaimed %d nodes, %d of %d free",
			h.stats.Collections, free-before, free, h.stats.Nodes)
	}
	return free
}

// mark sets the mark bit on a and everything reachable from it. The
// traversal is depth-first over an explicit stack.
func (h *Heap) mark(root Addr) {
	stack := append(h.markStack[:0], root)
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if a == NoAddr || a < h.bottom || h.isMarked(a) {
			continue
		}
		h.setMarked(a, true)
		stack = h.appendChildren(stack, a)
	}
	h.markStack = stack
}

// appendChildren pushes the heap references held by a.
func (h *Heap) appendChildren(stack []Addr, a Addr) []Addr {
	switch tag := h.Tag(a); tag {
	case TagNil, TagUnassigned, TagTrue, TagFalse, TagInt, TagBuiltin, TagWaitGroup:
		// Scalars only.
		return stack

	case TagFrame, TagEnvironment, TagCallframe, TagBlockframe, TagClosure:
		for i := 0; i < h.ChildCount(a); i++ {
			stack = append(stack, h.child(a, i))
		}
		return stack

	case TagIntChannel:
		stack = append(stack, h.child(a, chanSendQueue), h.child(a, chanRecvQueue))
		capacity := h.ChanCap(a)
		recv := int(h.meta(a, chanRecvIdx))
		for k := 0; k < h.ChanLen(a); k++ {
			stack = append(stack, h.child(a, chanBuffer+(recv+k)%capacity))
		}
		return stack

	case TagWaitQueue:
		// Entries pack (goroutine, value); only the value is a reference.
		head := int(h.meta(a, queueHead))
		for k := 0; k < h.QueueLen(a); k++ {
			_, v := unpackWaiter(h.word(a, (head+k)%MaxChildren))
			if v != NoAddr {
				stack = append(stack, v)
			}
		}
		return stack

	case tagFree:
		panic(fmt.Sprintf("vm: mark: reference to free node %d", a))

	default:
		panic(fmt.Sprintf("vm: mark: node %d has corrupt tag %d", a, uint8(tag)))
	}
}

// sweep clears marks on live nodes and threads every other node onto a
// fresh free list.
func (h *Heap) sweep() int {
	h.free = freeListEnd
	free := 0
	for a := int(h.bottom); a < len(h.words); a += NodeSize {
		addr := Addr(a)
		if h.isMarked(addr) {
			h.setMarked(addr, false)
			continue
		}
		h.words[a] = freeWord(h.free)
		h.free = int64(a)
		free++
	}
	h.stats.FreeNodes = free
	return free
}
