// Package voxel encodes 3D voxel-block coordinates as fixed-size parhash
// keys, the way a sparse volumetric integrator addresses its blocks.
package voxel

import (
	"encoding/binary"
	"fmt"
)

// KeySize is the encoded size of a Coord: three little-endian int32 words.
const KeySize = 12

// Coord is the integer index of one voxel block.
type Coord struct {
	X, Y, Z int32
}

func (c Coord) String() string { return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z) }

// Encode writes c into dst[:KeySize] and returns dst[:KeySize].
func (c Coord) Encode(dst []byte) []byte {
	dst = dst[:KeySize]
	binary.LittleEndian.PutUint32(dst[0:], uint32(c.X))
	binary.LittleEndian.PutUint32(dst[4:], uint32(c.Y))
	binary.LittleEndian.PutUint32(dst[8:], uint32(c.Z))
	return dst
}

// Key returns c encoded into a new slice.
func (c Coord) Key() []byte { return c.Encode(make([]byte, KeySize)) }

// EncodeCoords packs cs into one flat key batch.
func EncodeCoords(cs []Coord) []byte {
	buf := make([]byte, len(cs)*KeySize)
	for i, c := range cs {
		c.Encode(buf[i*KeySize:])
	}
	return buf
}

// DecodeCoord reads a Coord from the first KeySize bytes of key.
func DecodeCoord(key []byte) (Coord, error) {
	if len(key) < KeySize {
		return Coord{}, fmt.Errorf("voxel: key of %d bytes, want %d", len(key), KeySize)
	}
	return Coord{
		X: int32(binary.LittleEndian.Uint32(key[0:])),
		Y: int32(binary.LittleEndian.Uint32(key[4:])),
		Z: int32(binary.LittleEndian.Uint32(key[8:])),
	}, nil
}

// DecodeCoords is the inverse of EncodeCoords. Trailing bytes short of a
// whole key are an error.
func DecodeCoords(keys []byte) ([]Coord, error) {
	if len(keys)%KeySize != 0 {
		return nil, fmt.Errorf("voxel: %d bytes is not a whole number of keys", len(keys))
	}
	cs := make([]Coord, len(keys)/KeySize)
	for i := range cs {
		cs[i], _ = DecodeCoord(keys[i*KeySize:])
	}
	return cs, nil
}

// Block returns the coordinate of the block of side blockSize containing
// the voxel at (x, y, z), rounding toward negative infinity.
func Block(x, y, z, blockSize int32) Coord {
	return Coord{floorDiv(x, blockSize), floorDiv(y, blockSize), floorDiv(z, blockSize)}
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
