package parhash

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.phs")

	s := newTestStore(t, int32Config(500, 16))
	its, _, err := s.Insert(int32s(seq(0, 400, 1)...), int32s(seq(0, 400, 3)...), 400)
	require.NoError(t, err)
	_, err = s.Remove(int32s(seq(100, 50, 1)...), 50)
	require.NoError(t, err)
	require.NoError(t, s.WriteSnapshot(path))

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	defer loaded.Close()

	assert.Equal(t, s.ID(), loaded.ID())
	assert.Equal(t, s.Len(), loaded.Len())
	assert.Equal(t, s.NumBuckets(), loaded.NumBuckets())
	assert.Equal(t, s.Capacity(), loaded.Capacity())
	if diff := cmp.Diff(s.CountElemsPerBucket(), loaded.CountElemsPerBucket()); diff != "" {
		t.Errorf("bucket counts mismatch (-saved +loaded):\n%s", diff)
	}

	// iterators taken before the snapshot still name the same entries
	for i := 0; i < 100; i++ {
		assert.Equal(t, int32(i*3), int32At(loaded.Value(its[i])), "iterator %d", i)
	}
	_, masks, err := loaded.Search(int32s(seq(0, 400, 1)...), 400)
	require.NoError(t, err)
	for i, m := range masks {
		assert.Equal(t, uint8(boolInt(i < 100 || i >= 150)), m, "key %d", i)
	}

	// the free list was rebuilt: exactly capacity-len slots are usable
	_, masks, err = loaded.Insert(int32s(seq(1000, 500, 1)...), int32s(seq(1000, 500, 1)...), 500)
	require.NoError(t, err)
	assert.Equal(t, 500-350, countMask(masks))
	assert.Equal(t, float32(1), loaded.ComputeLoadFactor())
}

func TestSnapshot_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.phs")
	s := newTestStore(t, Config{MaxKeys: 3, KeySize: 4})
	require.NoError(t, s.WriteSnapshot(path))

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Zero(t, loaded.Len())
	assert.Equal(t, s.Config().KVPairSize, loaded.Config().KVPairSize)
	assert.Equal(t, uint32(s.NumBuckets()), loaded.Config().NumBuckets)
}

func TestSnapshot_Malformed(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.phs")
	s := newTestStore(t, int32Config(8, 2))
	_, _, err := s.Insert(int32s(1, 2, 3), int32s(1, 2, 3), 3)
	require.NoError(t, err)
	require.NoError(t, s.WriteSnapshot(good))
	data, err := os.ReadFile(good)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad version", func(b []byte) []byte { b[4] = 9; return b }},
		{"bad key size", func(b []byte) []byte { b[28] = 5; return b }},
		{"short header", func(b []byte) []byte { return b[:10] }},
		{"truncated body", func(b []byte) []byte { return b[:len(b)-20] }},
		{"oversized arena", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[24:], 1<<31-2)
			binary.LittleEndian.PutUint32(b[36:], 1<<32-1)
			return b
		}},
		{"geometry larger than file", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[24:], 1<<20)
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.phs")
			mutated := tt.mutate(append([]byte(nil), data...))
			require.NoError(t, os.WriteFile(path, mutated, 0o644))
			_, err := LoadSnapshot(path)
			assert.ErrorIs(t, err, ErrSnapshotFormat)
			assert.True(t, IsSnapshotFormat(err))
		})
	}

	_, err = LoadSnapshot(filepath.Join(dir, "missing.phs"))
	assert.Error(t, err)
	assert.False(t, IsSnapshotFormat(err))
}

func TestTable_RestoreRejectsCycles(t *testing.T) {
	tbl := newTestTable(t, 4, 1, nil)
	slots := make([]byte, 4*2*testKVSize)

	// slot 0 -> slot 1 -> slot 0
	err := tbl.restore(slots, []uint32{2, 1, 0, 0}, []uint32{1})
	assert.ErrorIs(t, err, ErrSnapshotFormat)

	// two buckets sharing a tail
	tbl = newTestTable(t, 4, 2, nil)
	err = tbl.restore(slots, []uint32{3, 3, 0, 0}, []uint32{1, 2})
	assert.ErrorIs(t, err, ErrSnapshotFormat)

	// marked link
	err = tbl.restore(slots, []uint32{1 << 31, 0, 0, 0}, []uint32{1, 0})
	assert.ErrorIs(t, err, ErrSnapshotFormat)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
