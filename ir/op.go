package ir

import "fmt"

// Op is the closed set of instruction kinds.
type Op uint8

const (
	// Control
	OpNop Op = iota
	OpUnreachable
	OpBlock
	OpLoop
	OpIf
	OpIfElse
	OpBr
	OpBrIf
	OpReturn
	OpTableSwitch
	OpCase
	OpCall
	OpCallImport
	OpCallIndirect
	OpSelect

	// Locals and constants
	OpConst
	OpGetLocal
	OpSetLocal

	// Memory
	OpLoad
	OpStore
	OpMemorySize
	OpGrowMemory

	// Integer and float binary arithmetic
	OpAdd
	OpSub
	OpMul
	OpDivS
	OpDivU
	OpRemS
	OpRemU
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShrS
	OpShrU
	OpRotl
	OpRotr
	OpDiv // float
	OpMin
	OpMax
	OpCopysign

	// Comparisons
	OpEq
	OpNe
	OpLtS
	OpLtU
	OpLeS
	OpLeU
	OpGtS
	OpGtU
	OpGeS
	OpGeU
	OpLt // float
	OpLe
	OpGt
	OpGe

	// Unary
	OpClz
	OpCtz
	OpPopcnt
	OpEqz
	OpAbs
	OpNeg
	OpSqrt
	OpCeil
	OpFloor
	OpTrunc
	OpNearest

	// Conversions
	OpWrap
	OpExtendS
	OpExtendU
	OpTruncS
	OpTruncU
	OpConvertS
	OpConvertU
	OpDemote
	OpPromote
	OpReinterpret

	opCount
)

var opNames = [opCount]string{
	OpNop:          "nop",
	OpUnreachable:  "unreachable",
	OpBlock:        "block",
	OpLoop:         "loop",
	OpIf:           "if",
	OpIfElse:       "if_else",
	OpBr:           "br",
	OpBrIf:         "br_if",
	OpReturn:       "return",
	OpTableSwitch:  "tableswitch",
	OpCase:         "case",
	OpCall:         "call",
	OpCallImport:   "call_import",
	OpCallIndirect: "call_indirect",
	OpSelect:       "select",
	OpConst:        "const",
	OpGetLocal:     "get_local",
	OpSetLocal:     "set_local",
	OpLoad:         "load",
	OpStore:        "store",
	OpMemorySize:   "memory_size",
	OpGrowMemory:   "grow_memory",
	OpAdd:          "add",
	OpSub:          "sub",
	OpMul:          "mul",
	OpDivS:         "div_s",
	OpDivU:         "div_u",
	OpRemS:         "rem_s",
	OpRemU:         "rem_u",
	OpAnd:          "and",
	OpOr:           "or",
	OpXor:          "xor",
	OpShl:          "shl",
	OpShrS:         "shr_s",
	OpShrU:         "shr_u",
	OpRotl:         "rotl",
	OpRotr:         "rotr",
	OpDiv:          "div",
	OpMin:          "min",
	OpMax:          "max",
	OpCopysign:     "copysign",
	OpEq:           "eq",
	OpNe:           "ne",
	OpLtS:          "lt_s",
	OpLtU:          "lt_u",
	OpLeS:          "le_s",
	OpLeU:          "le_u",
	OpGtS:          "gt_s",
	OpGtU:          "gt_u",
	OpGeS:          "ge_s",
	OpGeU:          "ge_u",
	OpLt:           "lt",
	OpLe:           "le",
	OpGt:           "gt",
	OpGe:           "ge",
	OpClz:          "clz",
	OpCtz:          "ctz",
	OpPopcnt:       "popcnt",
	OpEqz:          "eqz",
	OpAbs:          "abs",
	OpNeg:          "neg",
	OpSqrt:         "sqrt",
	OpCeil:         "ceil",
	OpFloor:        "floor",
	OpTrunc:        "trunc",
	OpNearest:      "nearest",
	OpWrap:         "wrap",
	OpExtendS:      "extend_s",
	OpExtendU:      "extend_u",
	OpTruncS:       "trunc_s",
	OpTruncU:       "trunc_u",
	OpConvertS:     "convert_s",
	OpConvertU:     "convert_u",
	OpDemote:       "demote",
	OpPromote:      "promote",
	OpReinterpret:  "reinterpret",
}

func (op Op) String() string {
	if op < opCount {
		return opNames[op]
	}
	return fmt.Sprintf("OPCODE %d", uint8(op))
}

// Valid reports whether op is a known instruction kind.
func (op Op) Valid() bool { return op < opCount }

func (op Op) IsBinary() bool  { return op >= OpAdd && op <= OpCopysign }
func (op Op) IsCompare() bool { return op >= OpEq && op <= OpGe }
func (op Op) IsUnary() bool   { return op >= OpClz && op <= OpNearest }
func (op Op) IsConvert() bool { return op >= OpWrap && op <= OpReinterpret }

// IsCall reports whether op transfers control into another function.
func (op Op) IsCall() bool {
	return op == OpCall || op == OpCallImport || op == OpCallIndirect
}

// Labels returns how many branch labels a node of this kind introduces.
// Loops carry a continue (entry) label and an exit label.
func (op Op) Labels() int {
	switch op {
	case OpBlock, OpTableSwitch:
		return 1
	case OpLoop:
		return 2
	default:
		return 0
	}
}
