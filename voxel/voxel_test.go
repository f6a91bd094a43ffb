package voxel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	cs := []Coord{{0, 0, 0}, {1, -1, 2}, {-2147483648, 2147483647, 7}}
	keys := EncodeCoords(cs)
	require.Len(t, keys, len(cs)*KeySize)

	got, err := DecodeCoords(keys)
	require.NoError(t, err)
	assert.Equal(t, cs, got)
}

func TestEncodeLayout(t *testing.T) {
	key := Coord{X: 1, Y: -1, Z: 256}.Key()
	assert.Equal(t, []byte{
		1, 0, 0, 0,
		0xff, 0xff, 0xff, 0xff,
		0, 1, 0, 0,
	}, key)
}

func TestDecodeShort(t *testing.T) {
	_, err := DecodeCoord(make([]byte, KeySize-1))
	assert.Error(t, err)
	_, err = DecodeCoords(make([]byte, KeySize+1))
	assert.Error(t, err)
}

func TestBlock(t *testing.T) {
	tests := []struct {
		x, y, z int32
		want    Coord
	}{
		{0, 0, 0, Coord{0, 0, 0}},
		{7, 8, 15, Coord{0, 1, 1}},
		{-1, -8, -9, Coord{-1, -1, -2}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Block(tt.x, tt.y, tt.z, 8), "voxel (%d,%d,%d)", tt.x, tt.y, tt.z)
	}
}
