// Package chain implements lock-free singly-linked lists whose nodes are
// arena slot indices.
//
// All chains of a table share one Links array, indexed by slot, holding each
// node's successor. A link is slot+1 (0 terminates the list) with the top bit
// reserved as a deletion mark, so every mutation is a compare-and-swap on a
// single 32-bit word and the whole structure is position independent.
//
// Removal is two-phase: a node is first marked (logically deleted, invisible
// to Find) by setting the mark bit in its own successor link, then unlinked
// by swinging its predecessor past it. Any walker that meets a marked node
// helps unlink it. A removed node may still be visited by walkers that were
// already on it, so its slot must not be reused until those walkers are
// done; package arena's Retire/Reclaim provides that.
package chain

import (
	"fmt"
	"sync/atomic"
)

const (
	nilLink  uint32 = 0
	markBit  uint32 = 1 << 31
	linkMask        = markBit - 1
)

// MaxNodes is the largest slot index count Links can address.
const MaxNodes = linkMask - 1

// Head is the first link of one chain. The zero value is an empty chain.
type Head struct {
	link atomic.Uint32
}

// Link returns the raw head link (slot+1, or 0 for an empty chain).
func (h *Head) Link() uint32 { return h.link.Load() }

// SetLink overwrites the raw head link. It is meant for restoring a chain
// from a flat copy and must not race with other operations.
func (h *Head) SetLink(link uint32) { h.link.Store(link) }

// Links holds the successor link of every node.
type Links struct {
	next []atomic.Uint32
}

// NewLinks returns links for nodes 0..n-1.
func NewLinks(n uint32) *Links {
	if n > MaxNodes {
		panic(fmt.Sprintf("chain: %d nodes exceeds maximum %d", n, MaxNodes))
	}
	return &Links{next: make([]atomic.Uint32, n)}
}

// Match reports whether the node in slot is the one being looked for.
// It is called on nodes that may be concurrently marked, and must only read
// data that was written before the node was published.
type Match func(slot uint32) bool

// Find returns the first live node of the chain for which match holds.
// It never writes, so any number of Finds may run alongside mutations.
func (l *Links) Find(h *Head, match Match) (slot uint32, ok bool) {
	return l.findFrom(h.link.Load(), match)
}

func (l *Links) findFrom(link uint32, match Match) (uint32, bool) {
	for cur := link & linkMask; cur != nilLink; {
		slot := cur - 1
		succ := l.next[slot].Load()
		if succ&markBit == 0 && match(slot) {
			return slot, true
		}
		cur = succ & linkMask
	}
	return 0, false
}

// PushFront links slot in as the new first node, unless the chain already
// holds a live node for which match holds; then it returns that node and
// false, and slot is left untouched apart from its link.
//
// The existence check covers exactly the chain whose head the final CAS
// replaces: a competing push changes the head and forces a rescan, so two
// pushes of equal keys cannot both commit.
func (l *Links) PushFront(h *Head, slot uint32, match Match) (uint32, bool) {
	l.check(slot)
	for {
		first := h.link.Load()
		if existing, ok := l.findFrom(first, match); ok {
			return existing, false
		}
		l.next[slot].Store(first)
		if h.link.CompareAndSwap(first, slot+1) {
			return slot, true
		}
	}
}

// Remove marks and unlinks the first live node for which match holds and
// returns it. Only one of several concurrent Removes of the same node
// succeeds. On return the node is unreachable from h.
func (l *Links) Remove(h *Head, match Match) (uint32, bool) {
	for {
		prev, cur, ok := l.search(h, match)
		if !ok {
			return 0, false
		}
		slot := cur - 1
		succ := l.next[slot].Load()
		if succ&markBit != 0 {
			// lost the race to another remover
			continue
		}
		if !l.next[slot].CompareAndSwap(succ, succ|markBit) {
			continue
		}
		if !prev.CompareAndSwap(cur, succ) {
			l.purge(h)
		}
		return slot, true
	}
}

// search walks the chain, unlinking every marked node it passes, and returns
// the cell that links to the first live node matching. The walk restarts
// from the head whenever an unlink loses a race.
func (l *Links) search(h *Head, match Match) (prev *atomic.Uint32, cur uint32, ok bool) {
restart:
	for {
		prev = &h.link
		cur = prev.Load() & linkMask
		for cur != nilLink {
			slot := cur - 1
			succ := l.next[slot].Load()
			if succ&markBit != 0 {
				if !prev.CompareAndSwap(cur, succ&linkMask) {
					continue restart
				}
				cur = succ & linkMask
				continue
			}
			if match(slot) {
				return prev, cur, true
			}
			prev = &l.next[slot]
			cur = succ
		}
		return prev, nilLink, false
	}
}

// purge unlinks every marked node reachable from h.
func (l *Links) purge(h *Head) {
	l.search(h, func(uint32) bool { return false })
}

// Len counts the live nodes of the chain.
func (l *Links) Len(h *Head) int {
	n := 0
	l.Walk(h, func(uint32) bool {
		n++
		return true
	})
	return n
}

// Walk calls fn for each live node from the head until fn returns false.
func (l *Links) Walk(h *Head, fn func(slot uint32) bool) {
	for cur := h.link.Load() & linkMask; cur != nilLink; {
		slot := cur - 1
		succ := l.next[slot].Load()
		if succ&markBit == 0 && !fn(slot) {
			return
		}
		cur = succ & linkMask
	}
}

// Export copies the raw successor links into dst, which must have one entry
// per node.
func (l *Links) Export(dst []uint32) {
	for i := range l.next {
		dst[i] = l.next[i].Load()
	}
}

// Import overwrites the raw successor links from src. Links to nodes out of
// range or carrying a mark are rejected. It must not race with other
// operations.
func (l *Links) Import(src []uint32) error {
	if len(src) != len(l.next) {
		return fmt.Errorf("chain: importing %d links into %d nodes", len(src), len(l.next))
	}
	for i, link := range src {
		if err := l.Validate(link); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
	}
	for i, link := range src {
		l.next[i].Store(link)
	}
	return nil
}

// Validate reports whether link is a well-formed, unmarked link into l.
func (l *Links) Validate(link uint32) error {
	if link&markBit != 0 {
		return fmt.Errorf("chain: link %#x is marked", link)
	}
	if link > uint32(len(l.next)) {
		return fmt.Errorf("chain: link %d out of range", link)
	}
	return nil
}

func (l *Links) check(slot uint32) {
	if slot >= uint32(len(l.next)) {
		panic(fmt.Sprintf("chain: slot %d out of range [0, %d)", slot, len(l.next)))
	}
}
