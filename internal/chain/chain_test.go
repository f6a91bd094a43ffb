package chain

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture stores one integer key per slot, the way a table stores key
// bytes in its arena.
type fixture struct {
	keys  []int
	links *Links
	head  Head
}

func newFixture(n int) *fixture {
	return &fixture{keys: make([]int, n), links: NewLinks(uint32(n))}
}

func (f *fixture) is(key int) Match {
	return func(slot uint32) bool { return f.keys[slot] == key }
}

func (f *fixture) push(slot uint32, key int) (uint32, bool) {
	f.keys[slot] = key
	return f.links.PushFront(&f.head, slot, f.is(key))
}

func (f *fixture) order() []uint32 {
	var got []uint32
	f.links.Walk(&f.head, func(slot uint32) bool {
		got = append(got, slot)
		return true
	})
	return got
}

func TestChain_PushFindRemove(t *testing.T) {
	f := newFixture(8)
	for slot, key := range []int{10, 20, 30} {
		got, ok := f.push(uint32(slot), key)
		require.True(t, ok)
		require.Equal(t, uint32(slot), got)
	}
	assert.Equal(t, []uint32{2, 1, 0}, f.order(), "newest node first")
	assert.Equal(t, 3, f.links.Len(&f.head))

	slot, ok := f.links.Find(&f.head, f.is(20))
	assert.True(t, ok)
	assert.Equal(t, uint32(1), slot)

	_, ok = f.links.Find(&f.head, f.is(99))
	assert.False(t, ok)

	slot, ok = f.links.Remove(&f.head, f.is(20))
	assert.True(t, ok)
	assert.Equal(t, uint32(1), slot)
	assert.Equal(t, []uint32{2, 0}, f.order())

	_, ok = f.links.Remove(&f.head, f.is(20))
	assert.False(t, ok, "second remove of the same key")

	// remove head and tail
	_, ok = f.links.Remove(&f.head, f.is(30))
	assert.True(t, ok)
	_, ok = f.links.Remove(&f.head, f.is(10))
	assert.True(t, ok)
	assert.Empty(t, f.order())
	assert.Equal(t, uint32(0), f.head.Link())
}

func TestChain_PushDuplicate(t *testing.T) {
	f := newFixture(4)
	_, ok := f.push(0, 7)
	require.True(t, ok)
	_, ok = f.push(1, 8)
	require.True(t, ok)

	existing, ok := f.push(2, 7)
	assert.False(t, ok)
	assert.Equal(t, uint32(0), existing)
	assert.Equal(t, 2, f.links.Len(&f.head))

	// once removed, the key can be pushed again
	_, ok = f.links.Remove(&f.head, f.is(7))
	require.True(t, ok)
	got, ok := f.push(2, 7)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), got)
}

func TestChain_MarkedNodesAreInvisible(t *testing.T) {
	f := newFixture(3)
	f.push(0, 1)
	f.push(1, 2)
	f.push(2, 3)

	// mark the middle node by hand without unlinking it
	succ := f.links.next[1].Load()
	f.links.next[1].Store(succ | markBit)

	_, ok := f.links.Find(&f.head, f.is(2))
	assert.False(t, ok)
	assert.Equal(t, 2, f.links.Len(&f.head))

	// a search passing over the marked node unlinks it
	f.links.purge(&f.head)
	assert.Equal(t, []uint32{2, 0}, f.order())
	assert.Equal(t, uint32(1), f.links.next[2].Load(), "node 2 now links straight to node 0")
}

func TestChain_ExportImport(t *testing.T) {
	f := newFixture(4)
	f.push(0, 1)
	f.push(3, 2)
	f.push(1, 3)

	raw := make([]uint32, 4)
	f.links.Export(raw)
	assert.Equal(t, []uint32{0, 4, 0, 1}, raw)

	g := newFixture(4)
	copy(g.keys, f.keys)
	require.NoError(t, g.links.Import(raw))
	g.head.SetLink(f.head.Link())
	assert.Equal(t, f.order(), g.order())

	assert.Error(t, g.links.Import([]uint32{0, 0, 0}))
	assert.Error(t, g.links.Import([]uint32{0, 5, 0, 0}))
	assert.Error(t, g.links.Import([]uint32{0, 1 | markBit, 0, 0}))
}

func TestChain_ConcurrentPushSameKey(t *testing.T) {
	const racers = 32
	for rep := 0; rep < 50; rep++ {
		f := newFixture(racers)
		for i := range f.keys {
			f.keys[i] = 42
		}
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(slot uint32) {
				defer wg.Done()
				<-start
				if _, ok := f.links.PushFront(&f.head, slot, f.is(42)); ok {
					wins.Add(1)
				}
			}(uint32(i))
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), wins.Load(), "exactly one push of a key may commit")
		require.Equal(t, 1, f.links.Len(&f.head))
	}
}

func TestChain_ConcurrentPushDistinct(t *testing.T) {
	const n = 512
	f := newFixture(n)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for slot := g; slot < n; slot += 8 {
				f.keys[slot] = slot
				_, ok := f.links.PushFront(&f.head, uint32(slot), f.is(slot))
				assert.True(t, ok)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, n, f.links.Len(&f.head))
	for key := 0; key < n; key++ {
		_, ok := f.links.Find(&f.head, f.is(key))
		require.True(t, ok, "key %d lost", key)
	}
}

func TestChain_ConcurrentRemove(t *testing.T) {
	const n = 256
	f := newFixture(n)
	for slot := 0; slot < n; slot++ {
		_, ok := f.push(uint32(slot), slot)
		require.True(t, ok)
	}

	// every key is removed by two goroutines; odd keys stay
	var removed [n]atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for key := g % 2 * 2; key < n; key += 4 {
				for _, k := range []int{key, key + 2} {
					if k >= n {
						continue
					}
					if slot, ok := f.links.Remove(&f.head, f.is(k)); ok {
						removed[slot].Add(1)
					}
				}
			}
		}(g)
	}
	wg.Wait()

	for key := 0; key < n; key++ {
		_, found := f.links.Find(&f.head, f.is(key))
		if key%2 == 0 {
			assert.Equal(t, int32(1), removed[key].Load(), "key %d removed %d times", key, removed[key].Load())
			assert.False(t, found)
		} else {
			assert.True(t, found, "key %d should remain", key)
		}
	}
	assert.Equal(t, n/2, f.links.Len(&f.head))

	// no marked node remains reachable
	for cur := f.head.Link(); cur != nilLink; {
		succ := f.links.next[cur-1].Load()
		require.Zero(t, succ&markBit)
		cur = succ
	}
}
