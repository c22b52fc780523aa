package vm

import "fmt"

// ---------------------------------------------------------------------------
// IntChannel layout
// ---------------------------------------------------------------------------
//
// Header bytes 3..7 hold the ring's send index, receive index, closed flag,
// item count and capacity. Child 0 is the send wait queue, child 1 the
// receive wait queue, children 2.. the ring buffer of boxed ints.

const (
	chanSendIdx  = 3
	chanRecvIdx  = 4
	chanClosed   = 5
	chanCount    = 6
	chanCapacity = 7

	chanSendQueue = 0
	chanRecvQueue = 1
	chanBuffer    = 2
)

// NewChannel allocates a channel with the given buffer capacity together
// with its two wait queues.
func (h *Heap) NewChannel(capacity int) (Addr, error) {
	if capacity < 0 || capacity > MaxChannelCapacity {
		return NoAddr, fmt.Errorf("%w: channel capacity %d outside [0, %d]",
			ErrNodeCapacity, capacity, MaxChannelCapacity)
	}

	sendq, err := h.NewWaitQueue()
	if err != nil {
		return NoAddr, err
	}
	defer h.Pin(sendq).Release()

	recvq, err := h.NewWaitQueue()
	if err != nil {
		return NoAddr, err
	}
	defer h.Pin(recvq).Release()

	ch, err := h.Allocate(TagIntChannel, 1+chanBuffer+capacity)
	if err != nil {
		return NoAddr, err
	}
	h.setMeta(ch, chanCapacity, byte(capacity))
	h.setChild(ch, chanSendQueue, sendq)
	h.setChild(ch, chanRecvQueue, recvq)
	return ch, nil
}

// ChanCap returns the buffer capacity.
func (h *Heap) ChanCap(ch Addr) int {
	return int(h.meta(ch, chanCapacity))
}

// ChanLen returns the number of buffered items.
func (h *Heap) ChanLen(ch Addr) int {
	return int(h.meta(ch, chanCount))
}

// ChanClosed reports whether close has been called.
func (h *Heap) ChanClosed(ch Addr) bool {
	return h.meta(ch, chanClosed) != 0
}

// CloseChan sets the closed flag.
func (h *Heap) CloseChan(ch Addr) {
	h.setMeta(ch, chanClosed, 1)
}

// SendQueue returns the queue of goroutines parked on send.
func (h *Heap) SendQueue(ch Addr) Addr {
	return h.child(ch, chanSendQueue)
}

// RecvQueue returns the queue of goroutines parked on receive.
func (h *Heap) RecvQueue(ch Addr) Addr {
	return h.child(ch, chanRecvQueue)
}

// ChanPush appends v to the ring. The caller checks there is room.
func (h *Heap) ChanPush(ch, v Addr) {
	capacity := h.ChanCap(ch)
	idx := int(h.meta(ch, chanSendIdx))
	h.setChild(ch, chanBuffer+idx, v)
	h.setMeta(ch, chanSendIdx, byte((idx+1)%capacity))
	h.setMeta(ch, chanCount, byte(h.ChanLen(ch)+1))
}

// ChanPop removes the oldest buffered item. The caller checks the ring is
// not empty.
func (h *Heap) ChanPop(ch Addr) Addr {
	capacity := h.ChanCap(ch)
	idx := int(h.meta(ch, chanRecvIdx))
	v := h.child(ch, chanBuffer+idx)
	h.setChild(ch, chanBuffer+idx, NoAddr)
	h.setMeta(ch, chanRecvIdx, byte((idx+1)%capacity))
	h.setMeta(ch, chanCount, byte(h.ChanLen(ch)-1))
	return v
}

// ---------------------------------------------------------------------------
// WaitQueue layout
// ---------------------------------------------------------------------------
//
// A FIFO ring of parked goroutines. Header bytes 3..5 hold head, tail and
// count. Every slot packs a goroutine id in the upper half and the pending
// value address in the lower half (NoAddr when there is none).

const (
	queueHead  = 3
	queueTail  = 4
	queueCount = 5
)

// Waiter is one parked goroutine and the value it is carrying.
type Waiter struct {
	Goroutine int
	Value     Addr
}

func packWaiter(gid int, v Addr) uint64 {
	return uint64(uint32(gid))<<32 | uint64(v)
}

func unpackWaiter(w uint64) (int, Addr) {
	return int(uint32(w >> 32)), Addr(uint32(w))
}

// NewWaitQueue allocates an empty wait queue.
func (h *Heap) NewWaitQueue() (Addr, error) {
	return h.Allocate(TagWaitQueue, NodeSize)
}

// QueueLen returns the number of parked goroutines.
func (h *Heap) QueueLen(q Addr) int {
	return int(h.meta(q, queueCount))
}

// Enqueue parks goroutine gid at the tail of q with pending value v.
func (h *Heap) Enqueue(q Addr, gid int, v Addr) error {
	n := h.QueueLen(q)
	if n == MaxChildren {
		return fmt.Errorf("%w: more than %d goroutines parked on one channel", ErrNodeCapacity, MaxChildren)
	}
	tail := int(h.meta(q, queueTail))
	h.setWord(q, tail, packWaiter(gid, v))
	h.setMeta(q, queueTail, byte((tail+1)%MaxChildren))
	h.setMeta(q, queueCount, byte(n+1))
	return nil
}

// Dequeue removes the oldest waiter. ok is false when q is empty.
func (h *Heap) Dequeue(q Addr) (w Waiter, ok bool) {
	n := h.QueueLen(q)
	if n == 0 {
		return Waiter{}, false
	}
	head := int(h.meta(q, queueHead))
	gid, v := unpackWaiter(h.word(q, head))
	h.setWord(q, head, 0)
	h.setMeta(q, queueHead, byte((head+1)%MaxChildren))
	h.setMeta(q, queueCount, byte(n-1))
	return Waiter{Goroutine: gid, Value: v}, true
}

// QueueWaiters lists the parked goroutines oldest first.
func (h *Heap) QueueWaiters(q Addr) []Waiter {
	head := int(h.meta(q, queueHead))
	out := make([]Waiter, h.QueueLen(q))
	for k := range out {
		gid, v := unpackWaiter(h.word(q, (head+k)%MaxChildren))
		out[k] = Waiter{Goroutine: gid, Value: v}
	}
	return out
}

// ---------------------------------------------------------------------------
// Channel protocol
// ---------------------------------------------------------------------------

// send implements SEND. The operand stack holds [... channel value].
func (m *Machine) send() {
	h := m.heap
	v := m.peek(0)
	ch := m.peek(1)
	m.expectTag(ch, TagIntChannel, "send")
	if h.Tag(v) != TagInt {
		throwf(ErrTypeMismatch, "cannot send %s on chan int", h.Tag(v))
	}
	if h.ChanClosed(ch) {
		throwf(ErrChannelOnClosed, "send on closed channel")
	}
	m.drop(2)

	// A parked receiver means the ring is empty; hand the value over.
	if w, ok := h.Dequeue(h.RecvQueue(ch)); ok {
		m.wake(w.Goroutine, v)
		return
	}
	if h.ChanLen(ch) < h.ChanCap(ch) {
		h.ChanPush(ch, v)
		return
	}
	g := m.sched.current
	m.checkErr(h.Enqueue(h.SendQueue(ch), g.ID, v))
	m.sched.park(g)
}

// recv implements RECV. The channel is replaced on the operand stack by the
// received value, either now or when a sender wakes this goroutine.
func (m *Machine) recv() {
	h := m.heap
	ch := m.peek(0)
	m.expectTag(ch, TagIntChannel, "receive from")
	if h.ChanClosed(ch) {
		throwf(ErrChannelOnClosed, "receive from closed channel")
	}
	m.drop(1)

	if h.ChanLen(ch) > 0 {
		m.push(h.ChanPop(ch))
		// Refill the slot just freed from the oldest parked sender.
		if w, ok := h.Dequeue(h.SendQueue(ch)); ok {
			h.ChanPush(ch, w.Value)
			m.wake(w.Goroutine, NoAddr)
		}
		return
	}
	if w, ok := h.Dequeue(h.SendQueue(ch)); ok {
		m.push(w.Value)
		m.wake(w.Goroutine, NoAddr)
		return
	}
	g := m.sched.current
	m.checkErr(h.Enqueue(h.RecvQueue(ch), g.ID, NoAddr))
	m.sched.park(g)
}

// closeChan implements the close builtin.
func (m *Machine) closeChan(ch Addr) {
	m.expectTag(ch, TagIntChannel, "close")
	if m.heap.ChanClosed(ch) {
		throwf(ErrChannelOnClosed, "close of closed channel")
	}
	m.heap.CloseChan(ch)
}
