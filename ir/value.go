package ir

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/colorfulnotion/wasmstep/vmerrors"
)

// Kind is the primitive type of a Value. The numeric tags are part of the
// serialization format.
type Kind uint8

const (
	Void Kind = 0
	I32  Kind = 1
	I64  Kind = 2
	F32  Kind = 3
	F64  Kind = 4

	// Any marks an unchecked child slot (block bodies, branch values).
	Any Kind = 0xff
)

// Size returns the number of value bytes a kind occupies.
func (k Kind) Size() int {
	switch k {
	case I32, F32:
		return 4
	case I64, F64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether k is one of the serializable value kinds.
func (k Kind) Valid() bool {
	return k <= F64
}

func (k Kind) IsInt() bool   { return k == I32 || k == I64 }
func (k Kind) IsFloat() bool { return k == F32 || k == F64 }

func (k Kind) String() string {
	switch k {
	case Void:
		return "void"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case Any:
		return "any"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged primitive. Bytes beyond kind.Size() are always zero.
type Value struct {
	kind Kind
	raw  [8]byte
}

// VoidValue is the result of instructions that produce nothing.
var VoidValue = Value{}

func fromBits(k Kind, bits uint64) Value {
	v := Value{kind: k}
	switch k.Size() {
	case 4:
		binary.LittleEndian.PutUint32(v.raw[:4], uint32(bits))
	case 8:
		binary.LittleEndian.PutUint64(v.raw[:], bits)
	}
	return v
}

func ValueI32(x int32) Value             { return fromBits(I32, uint64(uint32(x))) }
func ValueU32(x uint32) Value            { return fromBits(I32, uint64(x)) }
func ValueI64(x int64) Value             { return fromBits(I64, uint64(x)) }
func ValueU64(x uint64) Value            { return fromBits(I64, x) }
func ValueF32(x float32) Value           { return fromBits(F32, uint64(math.Float32bits(x))) }
func ValueF64(x float64) Value           { return fromBits(F64, math.Float64bits(x)) }
func ValueBool(b bool) Value             { return ValueI32(boolToI32(b)) }
func FromBits(k Kind, bits uint64) Value { return fromBits(k, bits) }

// Zero returns the default value of a kind.
func Zero(k Kind) Value {
	if !k.Valid() {
		return VoidValue
	}
	return Value{kind: k}
}

// FromBytes builds a value from exactly k.Size() little-endian bytes.
func FromBytes(k Kind, b []byte) (Value, error) {
	if !k.Valid() {
		return VoidValue, fmt.Errorf("value kind %d: %w", k, vmerrors.ErrDCorruptState)
	}
	if len(b) != k.Size() {
		return VoidValue, fmt.Errorf("%s needs %d bytes, got %d: %w", k, k.Size(), len(b), vmerrors.ErrDCorruptState)
	}
	v := Value{kind: k}
	copy(v.raw[:], b)
	return v, nil
}

func (v Value) Kind() Kind { return v.kind }

// Bytes returns the kind-sized little-endian payload.
func (v Value) Bytes() []byte {
	out := make([]byte, v.kind.Size())
	copy(out, v.raw[:])
	return out
}

// Bits returns the payload zero-extended to 64 bits.
func (v Value) Bits() uint64 {
	switch v.kind.Size() {
	case 4:
		return uint64(binary.LittleEndian.Uint32(v.raw[:4]))
	case 8:
		return binary.LittleEndian.Uint64(v.raw[:])
	}
	return 0
}

func (v Value) I32() int32   { return int32(uint32(v.Bits())) }
func (v Value) U32() uint32  { return uint32(v.Bits()) }
func (v Value) I64() int64   { return int64(v.Bits()) }
func (v Value) U64() uint64  { return v.Bits() }
func (v Value) F32() float32 { return math.Float32frombits(uint32(v.Bits())) }
func (v Value) F64() float64 { return math.Float64frombits(v.Bits()) }
func (v Value) IsTrue() bool { return v.Bits() != 0 }
func (v Value) IsVoid() bool { return v.kind == Void }

// Equal compares kind and the kind-sized payload bytewise. NaNs with equal
// bits are equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	n := v.kind.Size()
	for i := 0; i < n; i++ {
		if v.raw[i] != o.raw[i] {
			return false
		}
	}
	return true
}

func (v *Value) set(k Kind, bits uint64) error {
	if v.kind != k {
		return fmt.Errorf("set %s on %s value: %w", k, v.kind, vmerrors.ErrVIncompatibleChildType)
	}
	*v = fromBits(k, bits)
	return nil
}

func (v *Value) SetI32(x int32) error   { return v.set(I32, uint64(uint32(x))) }
func (v *Value) SetI64(x int64) error   { return v.set(I64, uint64(x)) }
func (v *Value) SetF32(x float32) error { return v.set(F32, uint64(math.Float32bits(x))) }
func (v *Value) SetF64(x float64) error { return v.set(F64, math.Float64bits(x)) }

func (v Value) String() string {
	switch v.kind {
	case I32:
		return fmt.Sprintf("i32:%d", v.I32())
	case I64:
		return fmt.Sprintf("i64:%d", v.I64())
	case F32:
		return fmt.Sprintf("f32:%g", v.F32())
	case F64:
		return fmt.Sprintf("f64:%g", v.F64())
	default:
		return "void"
	}
}

func boolToI32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
