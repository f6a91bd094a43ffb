package parhash

import "encoding/binary"

// Hasher maps a key to a 64-bit hash. Implementations must be deterministic
// and spread keys roughly uniformly; the table reduces the result modulo the
// bucket count.
type Hasher interface {
	Hash(key []byte) uint64
}

// HasherFunc adapts an ordinary function to a Hasher.
type HasherFunc func(key []byte) uint64

func (f HasherFunc) Hash(key []byte) uint64 { return f(key) }

const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// WordHash folds key as a sequence of little-endian signed 32-bit words with
// FNV-1a (xor, then multiply). Each word is sign-extended into the 64-bit
// state. Bytes past the last whole word are ignored, which is why Config
// requires key sizes to be a multiple of 4.
func WordHash(key []byte) uint64 {
	h := uint64(offset64)
	for i := 0; i+4 <= len(key); i += 4 {
		w := int32(binary.LittleEndian.Uint32(key[i:]))
		h ^= uint64(int64(w))
		h *= prime64
	}
	return h
}

// DefaultHasher is WordHash.
var DefaultHasher Hasher = HasherFunc(WordHash)
