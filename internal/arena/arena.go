// Package arena implements a fixed-capacity pool of fixed-size slots.
//
// Slots are addressed by index, never by address, so the whole arena can be
// copied or written out as a flat buffer and every index stays meaningful.
// Free slots sit on a lock-free stack: Allocate pops and Release pushes with
// a compare-and-swap on a single 64-bit word, so any number of goroutines can
// allocate and release concurrently.
//
// Slots that were unlinked from a shared structure while other goroutines may
// still be reading them are Retired instead of Released. Retired slots only
// go back on the free list when the owner calls Reclaim at a point where no
// reader can still hold them.
package arena

import (
	"fmt"
	"sync/atomic"
)

// MaxSlots is the largest capacity an Arena supports.
// Links store index+1 in 31 bits; structures built on the arena keep the
// top bit of a 32-bit link for their own use.
const MaxSlots = 1<<31 - 2

// nilLink terminates a list. Links hold index+1 so that a zeroed link array
// is a set of empty lists.
const nilLink = 0

// Arena is a fixed pool of slotSize-byte slots.
type Arena struct {
	data     []byte
	slotSize int
	capacity uint32

	// head packs an ABA tag in the high 32 bits and the link of the top
	// free slot in the low 32 bits. The tag changes on every successful
	// push or pop, so a stale head can never be swapped back in.
	head atomic.Uint64

	// next is the successor link of each slot while it sits on the free
	// list or the retired list. It is unused while the slot is allocated.
	next []atomic.Uint32

	// retired is the top of a push-only stack of slots awaiting Reclaim.
	retired atomic.Uint32

	free    atomic.Int64
	pending atomic.Int64
}

// New returns an arena of capacity slots of slotSize bytes each, all free.
// Slots are handed out in ascending index order until the first release.
func New(capacity uint32, slotSize int) *Arena {
	if capacity == 0 || capacity > MaxSlots {
		panic(fmt.Sprintf("arena: capacity %d out of range [1, %d]", capacity, MaxSlots))
	}
	if slotSize < 0 {
		panic(fmt.Sprintf("arena: negative slot size %d", slotSize))
	}
	a := &Arena{
		data:     make([]byte, int(capacity)*slotSize),
		slotSize: slotSize,
		capacity: capacity,
		next:     make([]atomic.Uint32, capacity),
	}
	a.Rebuild(nil)
	return a
}

// Allocate pops a free slot. ok is false when the arena is exhausted.
func (a *Arena) Allocate() (slot uint32, ok bool) {
	for {
		old := a.head.Load()
		top := uint32(old)
		if top == nilLink {
			return 0, false
		}
		slot = top - 1
		// next[slot] may be stale if another goroutine pops slot first;
		// the tag makes our CAS fail in that case.
		succ := a.next[slot].Load()
		if a.head.CompareAndSwap(old, retag(old, succ)) {
			a.free.Add(-1)
			return slot, true
		}
	}
}

// Release pushes slot back on the free list. The slot must be allocated and
// unreachable by any other goroutine; releasing a slot twice corrupts the
// free list.
func (a *Arena) Release(slot uint32) {
	a.check(slot)
	a.push(slot, slot, 1)
}

// Retire defers the release of slot until the next Reclaim.
// It is safe to call concurrently with Allocate, Release and other Retires.
func (a *Arena) Retire(slot uint32) {
	a.check(slot)
	for {
		old := a.retired.Load()
		a.next[slot].Store(old)
		if a.retired.CompareAndSwap(old, slot+1) {
			a.pending.Add(1)
			return
		}
	}
}

// Reclaim moves every retired slot onto the free list and reports how many
// moved. The caller must guarantee that nothing still reads a retired slot.
func (a *Arena) Reclaim() int {
	first := a.retired.Swap(nilLink)
	if first == nilLink {
		return 0
	}
	n := 1
	last := first - 1
	for link := a.next[last].Load(); link != nilLink; link = a.next[last].Load() {
		last = link - 1
		n++
	}
	a.pending.Add(-int64(n))
	a.push(first-1, last, int64(n))
	return n
}

// push splices the list first..last (already linked through next) onto the
// free list.
func (a *Arena) push(first, last uint32, n int64) {
	for {
		old := a.head.Load()
		a.next[last].Store(uint32(old))
		if a.head.CompareAndSwap(old, retag(old, first+1)) {
			a.free.Add(n)
			return
		}
	}
}

// Rebuild discards the free and retired lists and puts every slot for which
// inUse reports false back on the free list, lowest index on top.
// A nil inUse frees every slot. Rebuild must not run concurrently with any
// other method.
func (a *Arena) Rebuild(inUse func(slot uint32) bool) {
	top := uint32(nilLink)
	var free int64
	for i := a.capacity; i > 0; i-- {
		slot := i - 1
		if inUse != nil && inUse(slot) {
			a.next[slot].Store(nilLink)
			continue
		}
		a.next[slot].Store(top)
		top = slot + 1
		free++
	}
	a.head.Store(uint64(top))
	a.retired.Store(nilLink)
	a.free.Store(free)
	a.pending.Store(0)
}

// Slot returns the bytes of slot. The slice aliases the arena.
func (a *Arena) Slot(slot uint32) []byte {
	off := int(slot) * a.slotSize
	return a.data[off : off+a.slotSize : off+a.slotSize]
}

// Data returns the whole backing buffer, slot 0 first.
func (a *Arena) Data() []byte { return a.data }

func (a *Arena) Capacity() uint32 { return a.capacity }

func (a *Arena) SlotSize() int { return a.slotSize }

// Free returns the number of slots on the free list.
func (a *Arena) Free() int { return int(a.free.Load()) }

// Retired returns the number of slots waiting for Reclaim.
func (a *Arena) Retired() int { return int(a.pending.Load()) }

func (a *Arena) check(slot uint32) {
	if slot >= a.capacity {
		panic(fmt.Sprintf("arena: slot %d out of range [0, %d)", slot, a.capacity))
	}
}

// retag returns a head word carrying link and the tag following old's.
func retag(old uint64, link uint32) uint64 {
	tag := uint32(old>>32) + 1
	return uint64(tag)<<32 | uint64(link)
}
