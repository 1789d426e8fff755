// Package cltype implements the scalar+vector element type descriptor:
// a pure value type queried for its device footprint, canonical name, and
// storability/computability on a given device.
package cltype

import (
	"fmt"

	"github.com/clogs-go/clogs/internal/clerr"
	"github.com/clogs-go/clogs/pkg/device"
)

// BaseType is the scalar element kind underlying a Type.
type BaseType int

// The permitted base types. Signed and unsigned integers of
// the same width are distinct here; the scan and reduce engines collapse
// them to the unsigned representative when building their cache keys,
// since the scan/reduce kernels are bitwise identical for same-width
// signed/unsigned data.
const (
	Void BaseType = iota
	U8
	I8
	U16
	I16
	U32
	I32
	U64
	I64
	F16
	F32
	F64
)

var baseNames = map[BaseType]string{
	Void: "void",
	U8:   "uchar",
	I8:   "char",
	U16:  "ushort",
	I16:  "short",
	U32:  "uint",
	I32:  "int",
	U64:  "ulong",
	I64:  "long",
	F16:  "half",
	F32:  "float",
	F64:  "double",
}

var baseSizes = map[BaseType]int{
	Void: 0,
	U8:   1,
	I8:   1,
	U16:  2,
	I16:  2,
	U32:  4,
	I32:  4,
	U64:  8,
	I64:  8,
	F16:  2,
	F32:  4,
	F64:  8,
}

// IsUnsignedInteger reports whether base is one of the unsigned integral
// bases; radix-sort keys are restricted in terms of this predicate (the
// scan/reduce "integral, storable, and computable" restriction uses
// IsIntegral instead).
func (b BaseType) IsUnsignedInteger() bool {
	switch b {
	case U8, U16, U32, U64:
		return true
	default:
		return false
	}
}

// IsIntegral reports whether base is any signed or unsigned integer base.
func (b BaseType) IsIntegral() bool {
	switch b {
	case U8, I8, U16, I16, U32, I32, U64, I64:
		return true
	default:
		return false
	}
}

// IsFloating reports whether base is a floating-point base (f16/f32/f64).
func (b BaseType) IsFloating() bool {
	switch b {
	case F16, F32, F64:
		return true
	default:
		return false
	}
}

// Type is the (base, length) pair every engine is parameterized over.
type Type struct {
	Base   BaseType
	Length int
}

// permittedLengths enumerates the vector widths the device runtime
// supports.
var permittedLengths = map[int]bool{1: true, 2: true, 3: true, 4: true, 8: true, 16: true}

// New constructs a Type, validating base and length: base=Void with
// length>0, or any non-permitted length, is rejected.
func New(base BaseType, length int) (Type, error) {
	if base == Void {
		if length != 0 {
			return Type{}, clerr.InvalidArgument("cltype: void type cannot have non-zero length %d", length)
		}
		return Type{Base: Void, Length: 0}, nil
	}
	if !permittedLengths[length] {
		return Type{}, clerr.InvalidArgument("cltype: length %d is not one of 1,2,3,4,8,16", length)
	}
	return Type{Base: base, Length: length}, nil
}

// VoidType is the zero-length keys-only placeholder used by RadixsortProblem's
// value type: a value type may be void for a keys-only sort.
var VoidType = Type{Base: Void, Length: 0}

// IsVoid reports whether t is the void placeholder.
func (t Type) IsVoid() bool { return t.Base == Void && t.Length == 0 }

// Size returns the in-buffer footprint in bytes: length 3 occupies the
// storage footprint of length 4.
func (t Type) Size() int {
	base := baseSizes[t.Base]
	n := t.Length
	if n == 3 {
		n = 4
	}
	return base * n
}

// Name returns the canonical textual name used both for kernel #define
// injection and as the textual component of cache keys, e.g. "uint3",
// "float", "void".
func (t Type) Name() string {
	base := baseNames[t.Base]
	if t.Base == Void || t.Length <= 1 {
		return base
	}
	return fmt.Sprintf("%s%d", base, t.Length)
}

func (t Type) String() string { return t.Name() }

// IsStorable reports whether t can be held in a device buffer:
// byte-addressable store is required for sub-32-bit scalars of length 1-2,
// and the fp16/fp64 extensions are required for the half and double bases
// respectively. Every other combination is natively storable.
func (t Type) IsStorable(info device.Info) bool {
	return t.checkExtensionGated(info)
}

// IsComputable reports whether the device's kernels can operate on t. The
// gating rules are the same extension/length conditions as IsStorable —
// both are pure functions of (type, device).
func (t Type) IsComputable(info device.Info) bool {
	return t.checkExtensionGated(info)
}

func (t Type) checkExtensionGated(info device.Info) bool {
	switch t.Base {
	case Void:
		return false
	case F16:
		return info.HasExtension("cl_khr_fp16")
	case F64:
		return info.HasExtension("cl_khr_fp64")
	case U8, I8, U16, I16:
		if t.Length == 1 || t.Length == 2 {
			return info.HasExtension("cl_khr_byte_addressable_store")
		}
		return true
	default:
		return true
	}
}

// AllTypes returns every (base, length) pair used by bulk tuning tools,
// in a stable iteration order: bases in declaration order, lengths
// 1,2,3,4,8,16 within each base.
func AllTypes() []Type {
	bases := []BaseType{U8, I8, U16, I16, U32, I32, U64, I64, F16, F32, F64}
	lengths := []int{1, 2, 3, 4, 8, 16}
	types := make([]Type, 0, len(bases)*len(lengths))
	for _, b := range bases {
		for _, l := range lengths {
			types = append(types, Type{Base: b, Length: l})
		}
	}
	return types
}
