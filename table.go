package parhash

import (
	"bytes"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/thepudds/parhash/internal/arena"
	"github.com/thepudds/parhash/internal/chain"
)

// Iterator is an opaque handle to one key/value slot. It stays valid until
// the entry it names is removed; after that the slot may be handed to a
// different key and the iterator must not be dereferenced.
type Iterator uint32

// NilIterator is reported for keys that were not found.
const NilIterator = Iterator(math.MaxUint32)

// Table is the hash table engine: an immutable array of buckets, each owning
// one chain of entries stored in a fixed slot arena.
//
// Insert, Search and Remove may be called from any number of goroutines at
// once. Slots freed by Remove are retired, not reused, until Reclaim runs;
// callers must only call Reclaim when no other Table method is running.
type Table struct {
	keySize    int
	valueSize  int
	numBuckets uint32

	buckets []chain.Head
	links   *chain.Links
	arena   *arena.Arena
	hasher  Hasher

	live atomic.Int64

	// stats
	inserts    atomic.Int64
	duplicates atomic.Int64
	exhausted  atomic.Int64
	removes    atomic.Int64
}

// NewTable builds a table from cfg, which must be valid. A nil hasher
// selects DefaultHasher.
func NewTable(cfg Config, hasher Hasher) (*Table, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hasher == nil {
		hasher = DefaultHasher
	}
	nb := cfg.BucketCount()
	if debug {
		fmt.Println("new: buckets", nb, "slots", cfg.MaxKeys, "slot size", cfg.KVPairSize)
	}
	return &Table{
		keySize:    int(cfg.KeySize),
		valueSize:  int(cfg.ValueSize),
		numBuckets: nb,
		buckets:    make([]chain.Head, nb),
		links:      chain.NewLinks(cfg.MaxKeys),
		arena:      arena.New(cfg.MaxKeys, int(cfg.KVPairSize)),
		hasher:     hasher,
	}, nil
}

func (t *Table) bucket(key []byte) *chain.Head {
	return &t.buckets[t.hasher.Hash(key)%uint64(t.numBuckets)]
}

// matchKey compares the key stored in a slot byte by byte.
func (t *Table) matchKey(key []byte) chain.Match {
	return func(slot uint32) bool {
		return bytes.Equal(t.arena.Slot(slot)[:t.keySize], key)
	}
}

// Insert adds key with value. If key is already present it returns the
// existing entry's iterator and ErrDuplicateKey; if no slot is free it
// returns ErrExhausted. A failed Insert leaves the table unchanged.
func (t *Table) Insert(key, value []byte) (Iterator, error) {
	if len(key) != t.keySize || len(value) != t.valueSize {
		return NilIterator, fmt.Errorf("%w: key %d/%d bytes, value %d/%d bytes",
			ErrEntrySize, len(key), t.keySize, len(value), t.valueSize)
	}
	b := t.bucket(key)
	match := t.matchKey(key)

	// Cheap check first so that a full table still reports duplicates
	// with their iterator.
	if slot, ok := t.links.Find(b, match); ok {
		t.duplicates.Add(1)
		return Iterator(slot), ErrDuplicateKey
	}

	slot, ok := t.arena.Allocate()
	if !ok {
		t.exhausted.Add(1)
		return NilIterator, ErrExhausted
	}
	kv := t.arena.Slot(slot)
	copy(kv, key)
	copy(kv[t.keySize:], value)

	// PushFront re-checks for the key under the same CAS that publishes
	// the slot, closing the window between Find and here.
	existing, ok := t.links.PushFront(b, slot, match)
	if !ok {
		// never published; nobody else can see it
		t.arena.Release(slot)
		t.duplicates.Add(1)
		return Iterator(existing), ErrDuplicateKey
	}
	t.live.Add(1)
	t.inserts.Add(1)
	return Iterator(slot), nil
}

// Search returns the iterator of key's entry.
func (t *Table) Search(key []byte) (Iterator, bool) {
	if len(key) != t.keySize {
		return NilIterator, false
	}
	slot, ok := t.links.Find(t.bucket(key), t.matchKey(key))
	if !ok {
		return NilIterator, false
	}
	return Iterator(slot), true
}

// Remove deletes key's entry and reports whether there was one. The slot
// is retired until the next Reclaim.
func (t *Table) Remove(key []byte) bool {
	if len(key) != t.keySize {
		return false
	}
	slot, ok := t.links.Remove(t.bucket(key), t.matchKey(key))
	if !ok {
		return false
	}
	t.live.Add(-1)
	t.removes.Add(1)
	t.arena.Retire(slot)
	return true
}

// Reclaim returns the slots of removed entries to the free list. It must
// only be called while no other method of t is running; iterators of
// removed entries become dangling at this point.
func (t *Table) Reclaim() int {
	n := t.arena.Reclaim()
	if debug {
		if sum := sumInts(t.CountElemsPerBucket()); sum != t.Len() {
			panic(fmt.Sprintf("impossible: %d entries in chains, live count %d", sum, t.Len()))
		}
	}
	return n
}

// Key returns the key bytes of it's entry, or nil for NilIterator. The slice
// aliases table memory.
func (t *Table) Key(it Iterator) []byte {
	if it == NilIterator {
		return nil
	}
	return t.arena.Slot(uint32(it))[:t.keySize:t.keySize]
}

// Value returns the value bytes of it's entry, or nil for NilIterator. The
// slice aliases table memory and is only safe to modify while no other
// goroutine reads it.
func (t *Table) Value(it Iterator) []byte {
	if it == NilIterator {
		return nil
	}
	end := t.keySize + t.valueSize
	return t.arena.Slot(uint32(it))[t.keySize:end:end]
}

// Len returns the number of live entries.
func (t *Table) Len() int { return int(t.live.Load()) }

// Capacity returns the number of slots.
func (t *Table) Capacity() int { return int(t.arena.Capacity()) }

func (t *Table) NumBuckets() int { return int(t.numBuckets) }

// LoadFactor returns live entries divided by slot capacity.
func (t *Table) LoadFactor() float32 {
	return float32(t.live.Load()) / float32(t.arena.Capacity())
}

// BucketLen returns the number of live entries chained from bucket b.
func (t *Table) BucketLen(b int) int {
	return t.links.Len(&t.buckets[b])
}

// CountElemsPerBucket returns the chain length of every bucket in bucket
// order.
func (t *Table) CountElemsPerBucket() []int {
	counts := make([]int, t.numBuckets)
	for b := range counts {
		counts[b] = t.BucketLen(b)
	}
	return counts
}

// Range calls fn for every live entry, bucket by bucket, until fn returns
// false. Entries inserted or removed while Range runs may or may not be
// visited, but no entry is visited twice.
func (t *Table) Range(fn func(it Iterator) bool) {
	for b := range t.buckets {
		more := true
		t.links.Walk(&t.buckets[b], func(slot uint32) bool {
			more = fn(Iterator(slot))
			return more
		})
		if !more {
			return
		}
	}
}

// TableStats counts engine outcomes since construction.
type TableStats struct {
	Inserts    int64
	Duplicates int64
	Exhausted  int64
	Removes    int64
	Free       int
	Retired    int
}

func (t *Table) Stats() TableStats {
	return TableStats{
		Inserts:    t.inserts.Load(),
		Duplicates: t.duplicates.Load(),
		Exhausted:  t.exhausted.Load(),
		Removes:    t.removes.Load(),
		Free:       t.arena.Free(),
		Retired:    t.arena.Retired(),
	}
}

// export copies the raw slot bytes, successor links and bucket heads.
// Links of slots not on any chain are zeroed; free slots keep stale links.
// It must not race with mutations.
func (t *Table) export() (slots []byte, links, heads []uint32) {
	slots = t.arena.Data()
	raw := make([]uint32, t.arena.Capacity())
	t.links.Export(raw)
	links = make([]uint32, len(raw))
	heads = make([]uint32, t.numBuckets)
	for b := range t.buckets {
		heads[b] = t.buckets[b].Link()
		for link := heads[b]; link != 0; link = raw[link-1] {
			links[link-1] = raw[link-1]
		}
	}
	return slots, links, heads
}

// restore replaces the whole table state with a flat copy produced by
// export, verifying that every chain is acyclic and every slot is linked
// at most once. Unlinked slots become free.
func (t *Table) restore(slots []byte, links, heads []uint32) error {
	if len(slots) != len(t.arena.Data()) || len(heads) != len(t.buckets) {
		return fmt.Errorf("%w: %d slot bytes and %d buckets, want %d and %d",
			ErrSnapshotFormat, len(slots), len(heads), len(t.arena.Data()), len(t.buckets))
	}
	if err := t.links.Import(links); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFormat, err)
	}
	inUse := make([]bool, t.arena.Capacity())
	var live int64
	for b, head := range heads {
		if err := t.links.Validate(head); err != nil {
			return fmt.Errorf("%w: bucket %d: %v", ErrSnapshotFormat, b, err)
		}
		for link := head; link != 0; link = links[link-1] {
			slot := link - 1
			if inUse[slot] {
				return fmt.Errorf("%w: slot %d linked twice", ErrSnapshotFormat, slot)
			}
			inUse[slot] = true
			live++
		}
	}
	copy(t.arena.Data(), slots)
	for b, head := range heads {
		t.buckets[b].SetLink(head)
	}
	t.arena.Rebuild(func(slot uint32) bool { return inUse[slot] })
	t.live.Store(live)
	return nil
}

func sumInts(s []int) int {
	n := 0
	for _, v := range s {
		n += v
	}
	return n
}

const debug = false
