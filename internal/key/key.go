// Package key implements the primary-key fingerprint used as the
// lock-granularity identifier throughout DORA: an ordered, hashable,
// copyable tuple of fixed-width integers.
package key

import (
	"encoding/binary"
	"fmt"
)

// MaxWidth is the maximum number of elements a Key may hold.
const MaxWidth = 5

// KeyType tags the integer width a Key's elements encode. The reference
// implementation this package models templates its key type over the
// integer width (key<int32_t>, key<int64_t>, ...); this implementation is
// monomorphic over int64, so KeyTypeInt64 is the only value constructed
// today, but the tag still rides along through Encode/Decode so a wire
// reader can tell which width produced a given byte string.
type KeyType uint8

const (
	// KeyTypeInt64 marks a Key whose elements are int64.
	KeyTypeInt64 KeyType = iota
)

// Key is a variable-length tuple of int64 elements forming a composite
// primary-key fingerprint. Keys of unequal length compare lexicographically
// over the shorter prefix, so short keys are legal range endpoints.
type Key struct {
	elems [MaxWidth]int64
	n     int
	kt    KeyType
}

// New builds a Key from up to MaxWidth elements.
func New(elems ...int64) (Key, error) {
	var k Key
	if len(elems) > MaxWidth {
		return k, fmt.Errorf("key: %d elements exceeds max width %d", len(elems), MaxWidth)
	}
	copy(k.elems[:], elems)
	k.n = len(elems)
	k.kt = KeyTypeInt64
	return k, nil
}

// MustNew is New, panicking on error. Intended for tests and static
// construction sites where the width is known to be valid.
func MustNew(elems ...int64) Key {
	k, err := New(elems...)
	if err != nil {
		panic(err)
	}
	return k
}

// Len returns the number of elements in the key.
func (k Key) Len() int { return k.n }

// KeyType returns the integer width this key's elements were constructed
// with.
func (k Key) KeyType() KeyType { return k.kt }

// At returns the i-th element. Panics if i is out of range.
func (k Key) At(i int) int64 {
	if i < 0 || i >= k.n {
		panic("key: index out of range")
	}
	return k.elems[i]
}

// Elems returns a copy of the key's elements as a slice.
func (k Key) Elems() []int64 {
	out := make([]int64, k.n)
	copy(out, k.elems[:k.n])
	return out
}

// Clone returns an independent copy of k. Key is a value type so this is
// equivalent to a plain assignment, but Clone documents the intent at
// call sites that otherwise look like they're sharing a pointer.
func (k Key) Clone() Key { return k }

// Compare returns -1, 0, or 1 comparing k to other lexicographically over
// the shorter of the two lengths; if one is a strict prefix of the other,
// the shorter key compares less.
func (k Key) Compare(other Key) int {
	n := k.n
	if other.n < n {
		n = other.n
	}
	for i := 0; i < n; i++ {
		if k.elems[i] < other.elems[i] {
			return -1
		}
		if k.elems[i] > other.elems[i] {
			return 1
		}
	}
	switch {
	case k.n < other.n:
		return -1
	case k.n > other.n:
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool { return k.Compare(other) < 0 }

// Equal reports whether k and other are identical.
func (k Key) Equal(other Key) bool { return k.Compare(other) == 0 }

// Encode returns a reversible big-endian byte encoding of k: one byte for
// the key type, one byte for the element count, then 8 bytes per element.
func (k Key) Encode() []byte {
	buf := make([]byte, 2+8*k.n)
	buf[0] = byte(k.kt)
	buf[1] = byte(k.n)
	for i := 0; i < k.n; i++ {
		binary.BigEndian.PutUint64(buf[2+8*i:], uint64(k.elems[i]))
	}
	return buf
}

// Decode reverses Encode.
func Decode(buf []byte) (Key, error) {
	var k Key
	if len(buf) < 2 {
		return k, fmt.Errorf("key: empty encoding")
	}
	kt := KeyType(buf[0])
	n := int(buf[1])
	if n > MaxWidth {
		return k, fmt.Errorf("key: encoded width %d exceeds max %d", n, MaxWidth)
	}
	if len(buf) != 2+8*n {
		return k, fmt.Errorf("key: encoding length mismatch for width %d", n)
	}
	for i := 0; i < n; i++ {
		k.elems[i] = int64(binary.BigEndian.Uint64(buf[2+8*i:]))
	}
	k.n = n
	k.kt = kt
	return k, nil
}

// String renders the key as a parenthesized tuple, e.g. "(42, 7)".
func (k Key) String() string {
	if k.n == 0 {
		return "()"
	}
	s := "("
	for i := 0; i < k.n; i++ {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d", k.elems[i])
	}
	return s + ")"
}

// Hash returns an FNV-1a hash of the key's encoding, suitable for use as
// a map key fingerprint or for routing hashes.
func (k Key) Hash() uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, b := range k.Encode() {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}
