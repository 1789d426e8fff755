package cltype

import "encoding/binary"

// Add performs component-wise wrap-around addition of two same-length
// little-endian encoded values of base b, matching the arithmetic the
// device kernels perform under wrap-around overflow. It is used both by
// the in-memory device backend (internal/clruntime/clfake) to execute the
// reduce/scan kernels in Go, and directly by tests that check the
// scan/reduce invariants.
func Add(b BaseType, x, y []byte) []byte {
	n := baseSizes[b]
	out := make([]byte, n)
	switch b {
	case U8, I8:
		out[0] = x[0] + y[0]
	case U16, I16:
		binary.LittleEndian.PutUint16(out, binary.LittleEndian.Uint16(x)+binary.LittleEndian.Uint16(y))
	case U32, I32:
		binary.LittleEndian.PutUint32(out, binary.LittleEndian.Uint32(x)+binary.LittleEndian.Uint32(y))
	case U64, I64:
		binary.LittleEndian.PutUint64(out, binary.LittleEndian.Uint64(x)+binary.LittleEndian.Uint64(y))
	default:
		panic("cltype: Add called on non-integral base")
	}
	return out
}

// Zero returns the additive identity for base b: a zeroed scalar of b's
// size in bytes.
func Zero(b BaseType) []byte {
	return make([]byte, baseSizes[b])
}

// AddVector applies Add component-wise across a vector Type's lanes
// (length 3 vectors still carry only 3 live lanes despite the length-4
// storage footprint).
func (t Type) AddVector(x, y []byte) []byte {
	lanes := t.Length
	if lanes == 0 {
		lanes = 1
	}
	laneSize := baseSizes[t.Base]
	out := make([]byte, t.Size())
	live := lanes
	if live == 3 {
		// storage holds 4 lanes but only 3 are meaningful; the 4th is padding.
		live = 3
	}
	for i := 0; i < live; i++ {
		off := i * laneSize
		copy(out[off:off+laneSize], Add(t.Base, x[off:off+laneSize], y[off:off+laneSize]))
	}
	return out
}

// ZeroVector returns the additive identity for a full Type, honoring the
// length-3-occupies-4 storage rule.
func (t Type) ZeroVector() []byte {
	return make([]byte, t.Size())
}

// Uint64 extracts an unsigned integral scalar (length 1) as a uint64,
// used by the radix-sort engine to read digits out of a key buffer.
func Uint64(b BaseType, x []byte) uint64 {
	switch b {
	case U8:
		return uint64(x[0])
	case U16:
		return uint64(binary.LittleEndian.Uint16(x))
	case U32:
		return uint64(binary.LittleEndian.Uint32(x))
	case U64:
		return binary.LittleEndian.Uint64(x)
	default:
		panic("cltype: Uint64 called on non-unsigned-integer base")
	}
}

// PutUint64 writes v back into a length-1 unsigned integral scalar buffer.
func PutUint64(b BaseType, dst []byte, v uint64) {
	switch b {
	case U8:
		dst[0] = byte(v)
	case U16:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case U32:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case U64:
		binary.LittleEndian.PutUint64(dst, v)
	default:
		panic("cltype: PutUint64 called on non-unsigned-integer base")
	}
}

// BitWidth returns the number of bits in base, used to validate that a
// radix-sort maxBits argument does not exceed the key width.
func (b BaseType) BitWidth() int {
	return baseSizes[b] * 8
}
