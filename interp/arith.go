package interp

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/colorfulnotion/wasmstep/ir"
	"github.com/colorfulnotion/wasmstep/vmerrors"
)

// evalNumeric computes a numeric node from its operand values. Operations
// without a result return a *trap error.
func evalNumeric(n *ir.Node, args []ir.Value) (ir.Value, error) {
	k := n.Operand
	switch {
	case n.Op.IsBinary() && k == ir.I32:
		return binaryI32(n.Op, args[0].U32(), args[1].U32())
	case n.Op.IsBinary() && k == ir.I64:
		return binaryI64(n.Op, args[0].U64(), args[1].U64())
	case n.Op.IsBinary() && k == ir.F32:
		r, err := binaryFloat(n.Op, float64(args[0].F32()), float64(args[1].F32()), true)
		return ir.ValueF32(float32(r)), err
	case n.Op.IsBinary() && k == ir.F64:
		r, err := binaryFloat(n.Op, args[0].F64(), args[1].F64(), false)
		return ir.ValueF64(r), err
	case n.Op.IsCompare():
		b, err := compare(n.Op, k, args[0], args[1])
		return ir.ValueBool(b), err
	case n.Op.IsUnary():
		v, err := unary(n.Op, k, args[0])
		return v, err
	case n.Op.IsConvert():
		return convert(n.Op, n.Type, k, args[0])
	}
	return ir.VoidValue, fmt.Errorf("%s on %s: %w", n.Op, k, vmerrors.ErrVUnknownInstruction)
}

func binaryI32(op ir.Op, a, b uint32) (ir.Value, error) {
	var r uint32
	switch op {
	case ir.OpAdd:
		r = a + b
	case ir.OpSub:
		r = a - b
	case ir.OpMul:
		r = a * b
	case ir.OpDivS:
		if b == 0 {
			return ir.VoidValue, trapped(ErrTrapDivideByZero)
		}
		if int32(a) == math.MinInt32 && int32(b) == -1 {
			return ir.VoidValue, trapped(ErrTrapIntegerOverflow)
		}
		r = uint32(int32(a) / int32(b))
	case ir.OpDivU:
		if b == 0 {
			return ir.VoidValue, trapped(ErrTrapDivideByZero)
		}
		r = a / b
	case ir.OpRemS:
		if b == 0 {
			return ir.VoidValue, trapped(ErrTrapDivideByZero)
		}
		if int32(b) == -1 {
			r = 0
		} else {
			r = uint32(int32(a) % int32(b))
		}
	case ir.OpRemU:
		if b == 0 {
			return ir.VoidValue, trapped(ErrTrapDivideByZero)
		}
		r = a % b
	case ir.OpAnd:
		r = a & b
	case ir.OpOr:
		r = a | b
	case ir.OpXor:
		r = a ^ b
	case ir.OpShl:
		r = a << (b & 31)
	case ir.OpShrS:
		r = uint32(int32(a) >> (b & 31))
	case ir.OpShrU:
		r = a >> (b & 31)
	case ir.OpRotl:
		r = bits.RotateLeft32(a, int(b&31))
	case ir.OpRotr:
		r = bits.RotateLeft32(a, -int(b&31))
	default:
		return ir.VoidValue, fmt.Errorf("i32.%s: %w", op, vmerrors.ErrVUnknownInstruction)
	}
	return ir.ValueU32(r), nil
}

func binaryI64(op ir.Op, a, b uint64) (ir.Value, error) {
	var r uint64
	switch op {
	case ir.OpAdd:
		r = a + b
	case ir.OpSub:
		r = a - b
	case ir.OpMul:
		r = a * b
	case ir.OpDivS:
		if b == 0 {
			return ir.VoidValue, trapped(ErrTrapDivideByZero)
		}
		if int64(a) == math.MinInt64 && int64(b) == -1 {
			return ir.VoidValue, trapped(ErrTrapIntegerOverflow)
		}
		r = uint64(int64(a) / int64(b))
	case ir.OpDivU:
		if b == 0 {
			return ir.VoidValue, trapped(ErrTrapDivideByZero)
		}
		r = a / b
	case ir.OpRemS:
		if b == 0 {
			return ir.VoidValue, trapped(ErrTrapDivideByZero)
		}
		if int64(b) == -1 {
			r = 0
		} else {
			r = uint64(int64(a) % int64(b))
		}
	case ir.OpRemU:
		if b == 0 {
			return ir.VoidValue, trapped(ErrTrapDivideByZero)
		}
		r = a % b
	case ir.OpAnd:
		r = a & b
	case ir.OpOr:
		r = a | b
	case ir.OpXor:
		r = a ^ b
	case ir.OpShl:
		r = a << (b & 63)
	case ir.OpShrS:
		r = uint64(int64(a) >> (b & 63))
	case ir.OpShrU:
		r = a >> (b & 63)
	case ir.OpRotl:
		r = bits.RotateLeft64(a, int(b&63))
	case ir.OpRotr:
		r = bits.RotateLeft64(a, -int(b&63))
	default:
		return ir.VoidValue, fmt.Errorf("i64.%s: %w", op, vmerrors.ErrVUnknownInstruction)
	}
	return ir.ValueU64(r), nil
}

// binaryFloat works in float64; single precision results are rounded once
// by the caller, which is exact for +, -, *, / and sqrt.
func binaryFloat(op ir.Op, a, b float64, single bool) (float64, error) {
	switch op {
	case ir.OpAdd:
		if single {
			return float64(float32(a) + float32(b)), nil
		}
		return a + b, nil
	case ir.OpSub:
		if single {
			return float64(float32(a) - float32(b)), nil
		}
		return a - b, nil
	case ir.OpMul:
		if single {
			return float64(float32(a) * float32(b)), nil
		}
		return a * b, nil
	case ir.OpDiv:
		if single {
			return float64(float32(a) / float32(b)), nil
		}
		return a / b, nil
	case ir.OpMin:
		if math.IsNaN(a) || math.IsNaN(b) {
			return math.NaN(), nil
		}
		return math.Min(a, b), nil
	case ir.OpMax:
		if math.IsNaN(a) || math.IsNaN(b) {
			return math.NaN(), nil
		}
		return math.Max(a, b), nil
	case ir.OpCopysign:
		return math.Copysign(a, b), nil
	}
	return 0, fmt.Errorf("float %s: %w", op, vmerrors.ErrVUnknownInstruction)
}

func compare(op ir.Op, k ir.Kind, a, b ir.Value) (bool, error) {
	if k.IsInt() {
		var ua, ub uint64
		var sa, sb int64
		if k == ir.I32 {
			ua, ub = uint64(a.U32()), uint64(b.U32())
			sa, sb = int64(a.I32()), int64(b.I32())
		} else {
			ua, ub = a.U64(), b.U64()
			sa, sb = a.I64(), b.I64()
		}
		switch op {
		case ir.OpEq:
			return ua == ub, nil
		case ir.OpNe:
			return ua != ub, nil
		case ir.OpLtS:
			return sa < sb, nil
		case ir.OpLtU:
			return ua < ub, nil
		case ir.OpLeS:
			return sa <= sb, nil
		case ir.OpLeU:
			return ua <= ub, nil
		case ir.OpGtS:
			return sa > sb, nil
		case ir.OpGtU:
			return ua > ub, nil
		case ir.OpGeS:
			return sa >= sb, nil
		case ir.OpGeU:
			return ua >= ub, nil
		}
	} else {
		var fa, fb float64
		if k == ir.F32 {
			fa, fb = float64(a.F32()), float64(b.F32())
		} else {
			fa, fb = a.F64(), b.F64()
		}
		switch op {
		case ir.OpEq:
			return fa == fb, nil
		case ir.OpNe:
			return fa != fb, nil
		case ir.OpLt:
			return fa < fb, nil
		case ir.OpLe:
			return fa <= fb, nil
		case ir.OpGt:
			return fa > fb, nil
		case ir.OpGe:
			return fa >= fb, nil
		}
	}
	return false, fmt.Errorf("%s.%s: %w", k, op, vmerrors.ErrVUnknownInstruction)
}

func unary(op ir.Op, k ir.Kind, a ir.Value) (ir.Value, error) {
	switch k {
	case ir.I32:
		x := a.U32()
		switch op {
		case ir.OpClz:
			return ir.ValueI32(int32(bits.LeadingZeros32(x))), nil
		case ir.OpCtz:
			return ir.ValueI32(int32(bits.TrailingZeros32(x))), nil
		case ir.OpPopcnt:
			return ir.ValueI32(int32(bits.OnesCount32(x))), nil
		case ir.OpEqz:
			return ir.ValueBool(x == 0), nil
		}
	case ir.I64:
		x := a.U64()
		switch op {
		case ir.OpClz:
			return ir.ValueI64(int64(bits.LeadingZeros64(x))), nil
		case ir.OpCtz:
			return ir.ValueI64(int64(bits.TrailingZeros64(x))), nil
		case ir.OpPopcnt:
			return ir.ValueI64(int64(bits.OnesCount64(x))), nil
		case ir.OpEqz:
			return ir.ValueBool(x == 0), nil
		}
	case ir.F32:
		if r, ok := unaryFloat(op, float64(a.F32())); ok {
			if op == ir.OpSqrt {
				return ir.ValueF32(float32(math.Sqrt(float64(a.F32())))), nil
			}
			return ir.ValueF32(float32(r)), nil
		}
	case ir.F64:
		if r, ok := unaryFloat(op, a.F64()); ok {
			return ir.ValueF64(r), nil
		}
	}
	return ir.VoidValue, fmt.Errorf("%s.%s: %w", k, op, vmerrors.ErrVUnknownInstruction)
}

func unaryFloat(op ir.Op, x float64) (float64, bool) {
	switch op {
	case ir.OpAbs:
		return math.Abs(x), true
	case ir.OpNeg:
		return -x, true
	case ir.OpSqrt:
		return math.Sqrt(x), true
	case ir.OpCeil:
		return math.Ceil(x), true
	case ir.OpFloor:
		return math.Floor(x), true
	case ir.OpTrunc:
		return math.Trunc(x), true
	case ir.OpNearest:
		return math.RoundToEven(x), true
	}
	return 0, false
}

func floatOperand(k ir.Kind, a ir.Value) float64 {
	if k == ir.F32 {
		return float64(a.F32())
	}
	return a.F64()
}

func convert(op ir.Op, to, from ir.Kind, a ir.Value) (ir.Value, error) {
	switch op {
	case ir.OpWrap:
		return ir.ValueU32(uint32(a.U64())), nil
	case ir.OpExtendS:
		return ir.ValueI64(int64(a.I32())), nil
	case ir.OpExtendU:
		return ir.ValueU64(uint64(a.U32())), nil
	case ir.OpTruncS, ir.OpTruncU:
		return truncate(op == ir.OpTruncS, to, floatOperand(from, a))
	case ir.OpConvertS, ir.OpConvertU:
		return convertInt(op == ir.OpConvertS, to, from, a), nil
	case ir.OpDemote:
		return ir.ValueF32(float32(a.F64())), nil
	case ir.OpPromote:
		return ir.ValueF64(float64(a.F32())), nil
	case ir.OpReinterpret:
		return ir.FromBits(to, a.Bits()), nil
	}
	return ir.VoidValue, fmt.Errorf("%s.%s/%s: %w", to, op, from, vmerrors.ErrVUnknownInstruction)
}

func truncate(signed bool, to ir.Kind, x float64) (ir.Value, error) {
	if math.IsNaN(x) {
		return ir.VoidValue, trapped(ErrTrapInvalidConversion)
	}
	t := math.Trunc(x)
	switch {
	case to == ir.I32 && signed:
		if t < math.MinInt32 || t > math.MaxInt32 {
			return ir.VoidValue, trapped(ErrTrapIntegerOverflow)
		}
		return ir.ValueI32(int32(t)), nil
	case to == ir.I32:
		if t < 0 || t > math.MaxUint32 {
			return ir.VoidValue, trapped(ErrTrapIntegerOverflow)
		}
		return ir.ValueU32(uint32(t)), nil
	case to == ir.I64 && signed:
		if t < math.MinInt64 || t >= 1<<63 {
			return ir.VoidValue, trapped(ErrTrapIntegerOverflow)
		}
		return ir.ValueI64(int64(t)), nil
	default:
		if t < 0 || t >= 1<<64 {
			return ir.VoidValue, trapped(ErrTrapIntegerOverflow)
		}
		return ir.ValueU64(uint64(t)), nil
	}
}

func convertInt(signed bool, to, from ir.Kind, a ir.Value) ir.Value {
	switch {
	case from == ir.I32 && signed && to == ir.F32:
		return ir.ValueF32(float32(a.I32()))
	case from == ir.I32 && signed:
		return ir.ValueF64(float64(a.I32()))
	case from == ir.I32 && to == ir.F32:
		return ir.ValueF32(float32(a.U32()))
	case from == ir.I32:
		return ir.ValueF64(float64(a.U32()))
	case signed && to == ir.F32:
		return ir.ValueF32(float32(a.I64()))
	case signed:
		return ir.ValueF64(float64(a.I64()))
	case to == ir.F32:
		return ir.ValueF32(float32(a.U64()))
	default:
		return ir.ValueF64(float64(a.U64()))
	}
}
