package vm

import (
	"fmt"
	"math"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Heap layout
// ---------------------------------------------------------------------------

const (
	// NodeSize is the number of words in every node.
	NodeSize = 16
	// WordSize is the width of a word in bytes.
	WordSize = 8

	// MaxChildren is the number of words available after the header.
	MaxChildren = NodeSize - 1
	// MaxChannelCapacity leaves room for the header and both wait queues.
	MaxChannelCapacity = NodeSize - 1 - 2

	// MaxHeapWords keeps every node address inside the packed 32-bit fields.
	MaxHeapWords = math.MaxUint32 - NodeSize + 1

	freeListEnd = -1
)

// Addr is the index of a node's first word.
type Addr uint32

// NoAddr marks an empty address slot.
const NoAddr Addr = math.MaxUint32

// Tag discriminates node variants.
type Tag uint8

const (
	tagFree Tag = iota
	TagNil
	TagUnassigned
	TagTrue
	TagFalse
	TagInt
	TagBuiltin
	TagFrame
	TagEnvironment
	TagCallframe
	TagBlockframe
	TagClosure
	TagIntChannel
	TagWaitQueue
	TagWaitGroup
)

var tagNames = map[Tag]string{
	TagNil:         "Nil",
	TagUnassigned:  "Unassigned",
	TagTrue:        "True",
	TagFalse:       "False",
	TagInt:         "Int",
	TagBuiltin:     "Builtin",
	TagFrame:       "Frame",
	TagEnvironment: "Environment",
	TagCallframe:   "Callframe",
	TagBlockframe:  "Blockframe",
	TagClosure:     "Closure",
	TagIntChannel:  "IntChannel",
	TagWaitQueue:   "WaitQueue",
	TagWaitGroup:   "WaitGroup",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// RootSource reports the addresses the collector must treat as live.
type RootSource interface {
	VisitRoots(visit func(Addr))
}

// HeapStats summarizes allocator activity.
type HeapStats struct {
	Nodes       int
	FreeNodes   int
	Allocations uint64
	Collections uint64
	Freed       uint64
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Heap is a pool of fixed-size nodes stored in a flat word array.
type Heap struct {
	words  []uint64
	free   int64
	bottom Addr

	roots     RootSource
	pinned    []Addr
	markStack []Addr

	// Literal singletons, allocated once below bottom.
	Nil        Addr
	Unassigned Addr
	True       Addr
	False      Addr

	builtinsFrame Addr
	globalEnv     Addr

	stats HeapStats
	log   commonlog.Logger
}

// reservedNodes counts the nodes allocated by NewHeap: four literals, one
// node per builtin, the builtins frame and the global environment.
var reservedNodes = 4 + len(builtinTable) + 2

// NewHeap creates a heap of the given number of words and allocates the
// literal singletons, the builtins frame and the global environment.
func NewHeap(words int) (*Heap, error) {
	if words <= 0 || words%NodeSize != 0 {
		return nil, fmt.Errorf("heap size %d must be a positive multiple of %d", words, NodeSize)
	}
	if uint64(words) > MaxHeapWords {
		return nil, fmt.Errorf("heap size %d exceeds the 32-bit address limit", words)
	}
	if words/NodeSize <= reservedNodes {
		return nil, fmt.Errorf("heap size %d leaves no room beyond the %d reserved nodes", words, reservedNodes)
	}

	h := &Heap{
		words: make([]uint64, words),
		log:   commonlog.GetLogger("gvm.gc"),
	}
	h.stats.Nodes = words / NodeSize

	// Link every node in ascending order so startup allocations are contiguous.
	for a := 0; a < words; a += NodeSize {
		next := int64(a + NodeSize)
		if next >= int64(words) {
			next = freeListEnd
		}
		h.words[a] = freeWord(next)
	}
	h.free = 0
	h.stats.FreeNodes = h.stats.Nodes

	h.Nil = h.mustAllocate(TagNil, 1)
	h.Unassigned = h.mustAllocate(TagUnassigned, 1)
	h.True = h.mustAllocate(TagTrue, 1)
	h.False = h.mustAllocate(TagFalse, 1)

	slots := make([]Addr, len(builtinTable))
	for id, b := range builtinTable {
		a := h.mustAllocate(TagBuiltin, 1)
		h.setMeta(a, 3, byte(id))
		h.setMeta(a, 4, byte(b.arity))
		slots[id] = a
	}
	h.builtinsFrame = h.mustAllocate(TagFrame, len(slots)+1)
	for i, a := range slots {
		h.setChild(h.builtinsFrame, i, a)
	}
	h.globalEnv = h.mustAllocate(TagEnvironment, 2)
	h.setChild(h.globalEnv, 0, h.builtinsFrame)

	h.bottom = h.globalEnv + NodeSize
	return h, nil
}

func (h *Heap) mustAllocate(tag Tag, size int) Addr {
	a, err := h.Allocate(tag, size)
	if err != nil {
		panic(fmt.Sprintf("vm: reserved allocation failed: %v", err))
	}
	return a
}

// SetRoots installs the root source consulted by Collect.
func (h *Heap) SetRoots(r RootSource) {
	h.roots = r
}

// Bottom returns the first collectable address.
func (h *Heap) Bottom() Addr {
	return h.bottom
}

// GlobalEnv returns the environment holding only the builtins frame.
func (h *Heap) GlobalEnv() Addr {
	return h.globalEnv
}

// Stats returns a snapshot of allocator counters.
func (h *Heap) Stats() HeapStats {
	return h.stats
}

// Words returns the heap size in words.
func (h *Heap) Words() int {
	return len(h.words)
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate pops a node off the free list and stamps its header. When the
// free list is empty it runs a collection first. size counts the words in
// use including the header and must be in [1, NodeSize]; anything else is
// a bug in the caller and panics.
func (h *Heap) Allocate(tag Tag, size int) (Addr, error) {
	if size < 1 || size > NodeSize {
		panic(fmt.Sprintf("vm: allocate %s: size %d out of range [1, %d]", tag, size, NodeSize))
	}
	if h.free == freeListEnd {
		h.Collect()
		if h.free == freeListEnd {
			return NoAddr, fmt.Errorf("%w: %d nodes, none reclaimable", ErrOutOfMemory, h.stats.Nodes)
		}
	}

	a := Addr(h.free)
	h.free = nextFree(h.words[a])
	h.words[a] = uint64(tag) | uint64(size)<<8
	for i := 1; i < NodeSize; i++ {
		h.words[int(a)+i] = 0
	}
	h.stats.Allocations++
	h.stats.FreeNodes--
	return a, nil
}

// Free returns a node to the head of the free list. Freeing a reserved,
// misaligned or already free address is a bug in the caller and panics.
func (h *Heap) Free(a Addr) {
	switch {
	case a < h.bottom:
		panic(fmt.Sprintf("vm: free of reserved node %d", a))
	case !h.valid(a):
		panic(fmt.Sprintf("vm: free of invalid address %d", a))
	case h.Tag(a) == tagFree:
		panic(fmt.Sprintf("vm: double free of node %d", a))
	}
	h.words[a] = freeWord(h.free)
	h.free = int64(a)
	h.stats.FreeNodes++
}

// A free node keeps tag 0 in its first word and the next free index in the
// upper half, so a sweep never mistakes a link for a header.
func freeWord(next int64) uint64 {
	if next == freeListEnd {
		return uint64(NoAddr) << 32
	}
	return uint64(next) << 32
}

func nextFree(w uint64) int64 {
	n := Addr(w >> 32)
	if n == NoAddr {
		return freeListEnd
	}
	return int64(n)
}

// ---------------------------------------------------------------------------
// Pinning
// ---------------------------------------------------------------------------

// Pins is a scoped set of addresses the collector treats as roots. Guards
// are released in reverse order of creation; a deferred Release keeps that
// ordering.
type Pins struct {
	h    *Heap
	mark int
}

// Pin roots addrs until the returned guard is released. Multi-step
// constructors pin the parts they have built before allocating the next.
func (h *Heap) Pin(addrs ...Addr) Pins {
	p := Pins{h: h, mark: len(h.pinned)}
	h.pinned = append(h.pinned, addrs...)
	return p
}

// Release drops the pins taken by this guard.
func (p Pins) Release() {
	if p.mark < len(p.h.pinned) {
		p.h.pinned = p.h.pinned[:p.mark]
	}
}

// Pinned returns the number of currently pinned addresses.
func (h *Heap) Pinned() int {
	return len(h.pinned)
}

// ---------------------------------------------------------------------------
// Header and word access
// ---------------------------------------------------------------------------
//
// Word 0 of a used node: byte 0 tag, byte 1 size, byte 2 mark flag,
// bytes 3..7 tag-specific metadata. Children start at word 1.

// Tag returns the tag of the node at a.
func (h *Heap) Tag(a Addr) Tag {
	return Tag(h.words[a] & 0xFF)
}

// Size returns the number of words used by the node, header included.
func (h *Heap) Size(a Addr) int {
	return int(h.words[a] >> 8 & 0xFF)
}

// ChildCount returns the number of children of the node.
func (h *Heap) ChildCount(a Addr) int {
	return h.Size(a) - 1
}

func (h *Heap) isMarked(a Addr) bool {
	return h.words[a]>>16&0xFF != 0
}

func (h *Heap) setMarked(a Addr, marked bool) {
	if marked {
		h.words[a] |= 1 << 16
	} else {
		h.words[a] &^= 0xFF << 16
	}
}

func (h *Heap) meta(a Addr, b int) byte {
	return byte(h.words[a] >> (8 * b))
}

func (h *Heap) setMeta(a Addr, b int, v byte) {
	shift := uint(8 * b)
	h.words[a] = h.words[a]&^(0xFF<<shift) | uint64(v)<<shift
}

// meta32 reads bytes 4..7 of the header.
func (h *Heap) meta32(a Addr) uint32 {
	return uint32(h.words[a] >> 32)
}

func (h *Heap) setMeta32(a Addr, v uint32) {
	h.words[a] = h.words[a]&0xFFFFFFFF | uint64(v)<<32
}

func (h *Heap) word(a Addr, i int) uint64 {
	return h.words[int(a)+1+i]
}

func (h *Heap) setWord(a Addr, i int, w uint64) {
	h.words[int(a)+1+i] = w
}

func (h *Heap) child(a Addr, i int) Addr {
	return Addr(h.word(a, i))
}

func (h *Heap) setChild(a Addr, i int, c Addr) {
	h.setWord(a, i, uint64(c))
}

// valid reports whether a names the start of a node inside the heap.
func (h *Heap) valid(a Addr) bool {
	return int(a) < len(h.words) && a%NodeSize == 0
}
