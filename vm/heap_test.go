package vm

import (
	"errors"
	"testing"
)

const smallHeapWords = 64 * NodeSize

func newTestHeap(t *testing.T, words int) *Heap {
	t.Helper()
	h, err := NewHeap(words)
	if err != nil {
		t.Fatalf("NewHeap(%d): %v", words, err)
	}
	return h
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewHeapRejectsBadSizes(t *testing.T) {
	for _, words := range []int{0, -16, 17, reservedNodes * NodeSize} {
		if _, err := NewHeap(words); err == nil {
			t.Errorf("NewHeap(%d) succeeded, want error", words)
		}
	}
}

func TestNewHeapReservesLiterals(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	want := map[Addr]Tag{
		h.Nil:         TagNil,
		h.Unassigned:  TagUnassigned,
		h.True:        TagTrue,
		h.False:       TagFalse,
		h.GlobalEnv(): TagEnvironment,
	}
	for a, tag := range want {
		if got := h.Tag(a); got != tag {
			t.Errorf("Tag(@%d) = %s, want %s", a, got, tag)
		}
		if a >= h.Bottom() {
			t.Errorf("@%d is above bottom %d", a, h.Bottom())
		}
	}

	st := h.Stats()
	if st.Nodes != 64 {
		t.Errorf("Nodes = %d, want 64", st.Nodes)
	}
	if st.FreeNodes != 64-reservedNodes {
		t.Errorf("FreeNodes = %d, want %d", st.FreeNodes, 64-reservedNodes)
	}
}

func TestGlobalEnvHoldsBuiltins(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	for i, name := range BuiltinNames() {
		a, err := h.Lookup(h.GlobalEnv(), 0, i)
		if err != nil {
			t.Fatalf("Lookup(0, %d): %v", i, err)
		}
		id, arity := h.Builtin(a)
		if id.String() != name {
			t.Errorf("slot %d = %s, want %s", i, id, name)
		}
		if arity != builtinTable[i].arity {
			t.Errorf("%s arity = %d, want %d", name, arity, builtinTable[i].arity)
		}
	}
}

// ---------------------------------------------------------------------------
// Allocation and collection
// ---------------------------------------------------------------------------

func TestFreeRejectsBadAddresses(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)
	a, err := h.NewInt(1)
	if err != nil {
		t.Fatal(err)
	}
	h.Free(a)

	tests := []struct {
		name string
		addr Addr
	}{
		{"reserved", h.Nil},
		{"misaligned", a + 1},
		{"past the end", Addr(smallHeapWords)},
		{"double free", a},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.Stats().FreeNodes
			defer func() {
				if recover() == nil {
					t.Errorf("Free(%d) did not panic", tt.addr)
				}
				if got := h.Stats().FreeNodes; got != before {
					t.Errorf("FreeNodes = %d after rejected Free, want %d", got, before)
				}
			}()
			h.Free(tt.addr)
		})
	}
}

func TestFreeListIsLIFO(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	a, err := h.NewInt(1)
	if err != nil {
		t.Fatal(err)
	}
	h.Free(a)
	b, err := h.NewInt(2)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("reallocated @%d, want most recently freed @%d", b, a)
	}
	if h.IntValue(b) != 2 {
		t.Errorf("IntValue = %d, want 2", h.IntValue(b))
	}
}

func TestCollectReclaimsUnreachable(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	for i := 0; i < 10; i++ {
		if _, err := h.NewInt(int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.Collect(); got != 64-reservedNodes {
		t.Errorf("Collect = %d free, want %d", got, 64-reservedNodes)
	}
	if st := h.Stats(); st.Freed != 10 || st.Collections != 1 {
		t.Errorf("Freed = %d, Collections = %d, want 10 and 1", st.Freed, st.Collections)
	}
	if h.Tag(h.True) != TagTrue || h.Tag(h.GlobalEnv()) != TagEnvironment {
		t.Error("collection touched reserved nodes")
	}
}

func TestPinnedNodeSurvivesCollection(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	a, err := h.NewInt(42)
	if err != nil {
		t.Fatal(err)
	}
	pins := h.Pin(a)
	if got := h.Collect(); got != 64-reservedNodes-1 {
		t.Errorf("Collect = %d free, want %d", got, 64-reservedNodes-1)
	}
	if h.Tag(a) != TagInt || h.IntValue(a) != 42 {
		t.Errorf("pinned node = %s, want Int 42", h.Describe(a))
	}

	pins.Release()
	if h.Pinned() != 0 {
		t.Errorf("Pinned = %d after release, want 0", h.Pinned())
	}
	if got := h.Collect(); got != 64-reservedNodes {
		t.Errorf("Collect after release = %d free, want %d", got, 64-reservedNodes)
	}
}

func TestPinsReleaseInReverseOrder(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	outer := h.Pin(h.True)
	inner := h.Pin(h.False, h.Nil)
	if h.Pinned() != 3 {
		t.Fatalf("Pinned = %d, want 3", h.Pinned())
	}
	inner.Release()
	if h.Pinned() != 1 {
		t.Errorf("Pinned = %d after inner release, want 1", h.Pinned())
	}
	outer.Release()
	if h.Pinned() != 0 {
		t.Errorf("Pinned = %d after outer release, want 0", h.Pinned())
	}
}

func TestCollectTracesReferences(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	n, _ := h.NewInt(7)
	frame, err := h.NewFrame(2)
	if err != nil {
		t.Fatal(err)
	}
	h.SetFrameSlot(frame, 0, n)
	env, err := h.Extend(h.GlobalEnv(), frame)
	if err != nil {
		t.Fatal(err)
	}
	clo, err := h.NewClosure(1, 10, env)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Pin(clo).Release()

	h.Collect()
	got, err := h.Lookup(h.ClosureEnv(clo), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != n || h.Tag(n) != TagInt || h.IntValue(n) != 7 {
		t.Errorf("value reachable through closure = %s, want Int 7", h.Describe(got))
	}
	if h.Stats().FreeNodes != 64-reservedNodes-4 {
		t.Errorf("FreeNodes = %d, want %d", h.Stats().FreeNodes, 64-reservedNodes-4)
	}
}

func TestCollectTracesChannelBuffer(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	ch, err := h.NewChannel(2)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Pin(ch).Release()
	n, _ := h.NewInt(99)
	h.ChanPush(ch, n)

	// Channel, two wait queues and the buffered int.
	if got := h.Collect(); got != 64-reservedNodes-4 {
		t.Errorf("Collect = %d free, want %d", got, 64-reservedNodes-4)
	}
	if v := h.ChanPop(ch); v != n || h.IntValue(v) != 99 {
		t.Errorf("ChanPop = %s, want Int 99", h.Describe(v))
	}
}

func TestAllocateOutOfMemory(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	var live []Addr
	for {
		a, err := h.NewInt(int64(len(live)))
		if err != nil {
			if !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("err = %v, want ErrOutOfMemory", err)
			}
			break
		}
		live = append(live, a)
		h.Pin(a)
		if len(live) > 64 {
			t.Fatal("allocated more nodes than the heap holds")
		}
	}
	if len(live) != 64-reservedNodes {
		t.Errorf("allocated %d nodes before exhaustion, want %d", len(live), 64-reservedNodes)
	}
}

func TestAllocateCollectsWhenExhausted(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	for i := 0; i < 1000; i++ {
		if _, err := h.NewInt(int64(i)); err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
	}
	if h.Stats().Collections == 0 {
		t.Error("no collection ran")
	}
}

// ---------------------------------------------------------------------------
// Frames and environments
// ---------------------------------------------------------------------------

func TestExtendSharesFrames(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	f1, _ := h.NewFrame(1)
	env1, err := h.Extend(h.GlobalEnv(), f1)
	if err != nil {
		t.Fatal(err)
	}
	f2, _ := h.NewFrame(1)
	env2, err := h.Extend(env1, f2)
	if err != nil {
		t.Fatal(err)
	}

	if h.ChildCount(env1) != 2 || h.ChildCount(env2) != 3 {
		t.Fatalf("depths = %d, %d, want 2, 3", h.ChildCount(env1), h.ChildCount(env2))
	}
	if h.EnvFrame(env2, 1) != f1 {
		t.Error("extended environment does not share the parent's frame")
	}

	// A store through one environment is visible through the other.
	n, _ := h.NewInt(5)
	if err := h.Store(env2, 1, 0, n); err != nil {
		t.Fatal(err)
	}
	got, err := h.Lookup(env1, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != n {
		t.Errorf("Lookup through parent = @%d, want @%d", got, n)
	}
}

func TestNewFrameStartsUnassigned(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	f, err := h.NewFrame(3)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if h.FrameSlot(f, i) != h.Unassigned {
			t.Errorf("slot %d = %s, want Unassigned", i, h.Describe(h.FrameSlot(f, i)))
		}
	}
}

func TestNodeCapacity(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	if _, err := h.NewFrame(MaxChildren + 1); !errors.Is(err, ErrNodeCapacity) {
		t.Errorf("NewFrame(%d) err = %v, want ErrNodeCapacity", MaxChildren+1, err)
	}
	if _, err := h.NewChannel(MaxChannelCapacity + 1); !errors.Is(err, ErrNodeCapacity) {
		t.Errorf("NewChannel(%d) err = %v, want ErrNodeCapacity", MaxChannelCapacity+1, err)
	}

	env := h.GlobalEnv()
	var err error
	for depth := 1; depth <= MaxChildren; depth++ {
		f, _ := h.NewFrame(0)
		env, err = h.Extend(env, f)
		if depth < MaxChildren && err != nil {
			t.Fatalf("Extend to depth %d: %v", depth+1, err)
		}
		h.Pin(env)
	}
	if !errors.Is(err, ErrNodeCapacity) {
		t.Errorf("Extend past %d frames err = %v, want ErrNodeCapacity", MaxChildren, err)
	}
}

func TestLookupOutOfRange(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	if _, err := h.Lookup(h.GlobalEnv(), 1, 0); !errors.Is(err, ErrMalformedProgram) {
		t.Errorf("frame out of range err = %v, want ErrMalformedProgram", err)
	}
	if _, err := h.Lookup(h.GlobalEnv(), 0, len(builtinTable)); !errors.Is(err, ErrMalformedProgram) {
		t.Errorf("slot out of range err = %v, want ErrMalformedProgram", err)
	}
}

// ---------------------------------------------------------------------------
// Wait queues
// ---------------------------------------------------------------------------

func TestWaitQueueFIFO(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	q, err := h.NewWaitQueue()
	if err != nil {
		t.Fatal(err)
	}
	// Wrap the ring more than once.
	next := 0
	for round := 0; round < 3; round++ {
		for i := 0; i < 10; i++ {
			if err := h.Enqueue(q, round*10+i, NoAddr); err != nil {
				t.Fatal(err)
			}
		}
		for i := 0; i < 10; i++ {
			w, ok := h.Dequeue(q)
			if !ok {
				t.Fatal("Dequeue on non-empty queue failed")
			}
			if w.Goroutine != next || w.Value != NoAddr {
				t.Fatalf("Dequeue = %+v, want goroutine %d", w, next)
			}
			next++
		}
	}
	if _, ok := h.Dequeue(q); ok {
		t.Error("Dequeue on empty queue succeeded")
	}
}

func TestWaitQueueCapacity(t *testing.T) {
	h := newTestHeap(t, smallHeapWords)

	q, _ := h.NewWaitQueue()
	for i := 0; i < MaxChildren; i++ {
		if err := h.Enqueue(q, i, NoAddr); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Enqueue(q, 99, NoAddr); !errors.Is(err, ErrNodeCapacity) {
		t.Errorf("Enqueue on full queue err = %v, want ErrNodeCapacity", err)
	}
}

// ---------------------------------------------------------------------------
// Benchmarks
// ---------------------------------------------------------------------------

func BenchmarkExtend(b *testing.B) {
	h, err := NewHeap(DefaultHeapWords)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		f, err := h.NewFrame(4)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := h.Extend(h.GlobalEnv(), f); err != nil {
			b.Fatal(err)
		}
	}
}
