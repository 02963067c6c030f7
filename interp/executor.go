package interp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/colorfulnotion/wasmstep/heap"
	"github.com/colorfulnotion/wasmstep/ir"
	"github.com/colorfulnotion/wasmstep/vmerrors"
)

type action uint8

const (
	actDescend action = iota
	actProduce
	actSignal
	actCall
)

// outcome is the executor's answer for one state: descend into a child
// node, produce a value, raise a signal, or transfer into a function.
type outcome struct {
	act    action
	child  int
	value  ir.Value
	signal Signal
	call   callTarget
}

type callTarget struct {
	module string
	fn     uint32
	native NativeFunc
	name   string
	result ir.Kind
	args   []ir.Value
}

func descend(child int) outcome     { return outcome{act: actDescend, child: child} }
func produce(v ir.Value) outcome    { return outcome{act: actProduce, value: v} }
func signal(sig Signal) outcome     { return outcome{act: actSignal, signal: sig} }
func trapOutcome(err error) outcome { return signal(Signal{Kind: SignalTrap, Err: err}) }

func branch(target ir.BranchTarget, v ir.Value) outcome {
	return signal(Signal{Kind: SignalBranch, Target: target, Value: v})
}

// exec decides what state st does next. It never mutates the stacks; the
// only side effects are on locals and the heap, and only on the step that
// produces the instruction's value.
func (t *Thread) exec(st *InstructionState, f *ir.Function, n *ir.Node) (outcome, error) {
	sub := int(st.SubState)
	// next descends into the children in order until all have reported
	next := func() (outcome, bool) {
		if sub < len(n.Children) {
			return descend(n.Children[sub]), true
		}
		return outcome{}, false
	}

	switch n.Op {
	case ir.OpNop:
		return produce(ir.VoidValue), nil
	case ir.OpUnreachable:
		return trapOutcome(ErrTrapUnreachable), nil
	case ir.OpConst:
		return produce(ir.FromBits(n.Operand, n.Imm)), nil

	case ir.OpGetLocal:
		locals := t.calls[st.Frame].Locals
		if int(n.Index) >= len(locals) {
			return outcome{}, fmt.Errorf("local %d of %d: %w", n.Index, len(locals), vmerrors.ErrVUnknownLocal)
		}
		return produce(locals[n.Index]), nil
	case ir.OpSetLocal:
		if o, ok := next(); ok {
			return o, nil
		}
		locals := t.calls[st.Frame].Locals
		if int(n.Index) >= len(locals) {
			return outcome{}, fmt.Errorf("local %d of %d: %w", n.Index, len(locals), vmerrors.ErrVUnknownLocal)
		}
		v := st.Results[0]
		if cur := locals[n.Index]; cur.Kind() != v.Kind() {
			return outcome{}, fmt.Errorf("set %s local %d to %s: %w", cur.Kind(), n.Index, v.Kind(), vmerrors.ErrVIncompatibleChildType)
		}
		locals[n.Index] = v
		return produce(v), nil

	case ir.OpBlock, ir.OpLoop, ir.OpCase:
		if o, ok := next(); ok {
			return o, nil
		}
		return produce(coerce(n.Type, st.last())), nil

	case ir.OpIf:
		switch sub {
		case 0:
			return descend(n.Children[0]), nil
		case 1:
			if st.Results[0].IsTrue() {
				return descend(n.Children[1]), nil
			}
		}
		return produce(ir.VoidValue), nil

	case ir.OpIfElse:
		switch sub {
		case 0:
			return descend(n.Children[0]), nil
		case 1:
			if st.Results[0].IsTrue() {
				return descend(n.Children[1]), nil
			}
			return descend(n.Children[2]), nil
		}
		return produce(coerce(n.Type, st.Results[1])), nil

	case ir.OpBr:
		if o, ok := next(); ok {
			return o, nil
		}
		return branch(n.Target, st.last()), nil

	case ir.OpBrIf:
		switch sub {
		case 0:
			return descend(n.Children[0]), nil
		case 1:
			if !st.Results[0].IsTrue() {
				return produce(ir.VoidValue), nil
			}
			if len(n.Children) > 1 {
				return descend(n.Children[1]), nil
			}
			return branch(n.Target, ir.VoidValue), nil
		}
		return branch(n.Target, st.Results[1]), nil

	case ir.OpReturn:
		if o, ok := next(); ok {
			return o, nil
		}
		return signal(Signal{Kind: SignalReturn, Value: st.last()}), nil

	case ir.OpTableSwitch:
		switch sub {
		case 0:
			return descend(n.Children[0]), nil
		case 1:
			if len(n.Cases) == 0 {
				return outcome{}, fmt.Errorf("unresolved tableswitch: %w", vmerrors.ErrVUnresolvedBranch)
			}
			sel := uint64(st.Results[0].U32())
			c := n.Cases[len(n.Cases)-1]
			if sel < uint64(len(n.Cases)-1) {
				c = n.Cases[sel]
			}
			if c.Child > 0 {
				return descend(n.Children[c.Child]), nil
			}
			return branch(c.Branch, ir.VoidValue), nil
		}
		return produce(coerce(n.Type, st.Results[1])), nil

	case ir.OpCall, ir.OpCallImport, ir.OpCallIndirect:
		if o, ok := next(); ok {
			return o, nil
		}
		if sub == len(n.Children) {
			return t.resolveCall(st, n)
		}
		return produce(st.last()), nil

	case ir.OpSelect:
		if o, ok := next(); ok {
			return o, nil
		}
		if st.Results[2].IsTrue() {
			return produce(st.Results[0]), nil
		}
		return produce(st.Results[1]), nil

	case ir.OpLoad:
		if o, ok := next(); ok {
			return o, nil
		}
		return t.load(st, n), nil
	case ir.OpStore:
		if o, ok := next(); ok {
			return o, nil
		}
		return t.store(st, n), nil
	case ir.OpMemorySize:
		h := t.heapOf(st)
		if h == nil {
			return produce(ir.ValueI32(0)), nil
		}
		return produce(ir.ValueU32(uint32(h.Size()))), nil
	case ir.OpGrowMemory:
		if o, ok := next(); ok {
			return o, nil
		}
		h := t.heapOf(st)
		if h == nil {
			return produce(ir.ValueI32(-1)), nil
		}
		old := h.Size()
		if err := h.Grow(uint64(st.Results[0].U32())); err != nil {
			return produce(ir.ValueI32(-1)), nil
		}
		return produce(ir.ValueU32(uint32(old))), nil
	}

	if n.Op.IsBinary() || n.Op.IsCompare() || n.Op.IsUnary() || n.Op.IsConvert() {
		if o, ok := next(); ok {
			return o, nil
		}
		if len(st.Results) != len(n.Children) || len(n.Children) == 0 {
			return outcome{}, fmt.Errorf("%s has %d operands: %w", n.Op, len(st.Results), vmerrors.ErrVWrongChildCount)
		}
		v, err := evalNumeric(n, st.Results)
		var tr *trap
		if errors.As(err, &tr) {
			return trapOutcome(tr.cause), nil
		}
		if err != nil {
			return outcome{}, err
		}
		return produce(v), nil
	}
	return outcome{}, fmt.Errorf("%s: %w", n.Op, vmerrors.ErrVUnknownInstruction)
}

func (t *Thread) heapOf(st *InstructionState) *heap.Heap {
	return t.env.Heap(t.calls[st.Frame].Module)
}

// effectiveAddress adds the static offset in 64 bits; results past the
// 32-bit address space are an overflow, not an out of bounds access.
func effectiveAddress(addr ir.Value, n *ir.Node) (uint64, error) {
	ea := uint64(addr.U32()) + uint64(n.Offset)
	if ea > math.MaxUint32 {
		return 0, fmt.Errorf("address %d+%d: %w", addr.U32(), n.Offset, vmerrors.ErrMOverflowInHeapAccess)
	}
	return ea, nil
}

func memoryTrap(err error) outcome {
	return trapOutcome(fmt.Errorf("%w: %w", ErrTrapMemoryAccess, err))
}

func (t *Thread) load(st *InstructionState, n *ir.Node) outcome {
	ea, err := effectiveAddress(st.Results[0], n)
	if err != nil {
		return memoryTrap(err)
	}
	h := t.heapOf(st)
	if h == nil {
		return memoryTrap(vmerrors.ErrMOutOfBounds)
	}
	raw, err := h.Read(ea, uint64(n.Width))
	if err != nil {
		return memoryTrap(err)
	}
	var buf [8]byte
	copy(buf[:], raw)
	bits := binary.LittleEndian.Uint64(buf[:])
	if n.Signed && n.Width < 8 {
		shift := 64 - 8*uint(n.Width)
		bits = uint64(int64(bits<<shift) >> shift)
	}
	return produce(ir.FromBits(n.Operand, bits))
}

func (t *Thread) store(st *InstructionState, n *ir.Node) outcome {
	ea, err := effectiveAddress(st.Results[0], n)
	if err != nil {
		return memoryTrap(err)
	}
	h := t.heapOf(st)
	if h == nil {
		return memoryTrap(vmerrors.ErrMOutOfBounds)
	}
	v := st.Results[1]
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v.Bits())
	if err := h.Write(ea, buf[:n.Width]); err != nil {
		return memoryTrap(err)
	}
	return produce(v)
}

// resolveCall finds the callee once all arguments are in. Natives are
// preferred over exports of other modules for imports.
func (t *Thread) resolveCall(st *InstructionState, n *ir.Node) (outcome, error) {
	module := t.calls[st.Frame].Module
	m := t.env.Module(module)
	args := st.Results
	switch n.Op {
	case ir.OpCall:
		if m.Function(n.Index) == nil {
			return outcome{}, fmt.Errorf("function %d: %w", n.Index, vmerrors.ErrVUnknownFunction)
		}
		return outcome{act: actCall, call: callTarget{module: module, fn: n.Index, args: copyArgs(args)}}, nil

	case ir.OpCallIndirect:
		if int(n.Index) >= len(m.Types) {
			return outcome{}, fmt.Errorf("type %d: %w", n.Index, vmerrors.ErrVUnknownFunction)
		}
		slot := args[0].U32()
		if int(slot) >= len(m.Table) {
			return trapOutcome(fmt.Errorf("slot %d of %d: %w", slot, len(m.Table), ErrTrapUndefinedElement)), nil
		}
		callee := m.Function(m.Table[slot])
		if callee == nil {
			return outcome{}, fmt.Errorf("table slot %d: %w", slot, vmerrors.ErrVUnknownFunction)
		}
		if !callee.Type.Equal(m.Types[n.Index]) {
			return trapOutcome(fmt.Errorf("%s is %s, want %s: %w", callee.Name, callee.Type, m.Types[n.Index], ErrTrapIndirectCallType)), nil
		}
		return outcome{act: actCall, call: callTarget{module: module, fn: m.Table[slot], args: copyArgs(args[1:])}}, nil

	case ir.OpCallImport:
		if int(n.Index) >= len(m.Imports) {
			return outcome{}, fmt.Errorf("import %d: %w", n.Index, vmerrors.ErrVUnknownFunction)
		}
		imp := m.Imports[n.Index]
		name := imp.Module + "." + imp.Name
		if fn, ok := t.env.Native(imp.Module, imp.Name); ok {
			return outcome{act: actCall, call: callTarget{native: fn, name: name, result: imp.Type.Result, args: copyArgs(args)}}, nil
		}
		if other := t.env.Module(imp.Module); other != nil {
			if idx, f, ok := other.Lookup(imp.Name); ok {
				if !imp.Variadic && !f.Type.Equal(imp.Type) {
					return outcome{}, fmt.Errorf("%s is %s, imported as %s: %w", name, f.Type, imp.Type, vmerrors.ErrDUnknownImport)
				}
				return outcome{act: actCall, call: callTarget{module: imp.Module, fn: idx, args: copyArgs(args)}}, nil
			}
		}
		return outcome{}, fmt.Errorf("%s: %w", name, vmerrors.ErrDUnknownImport)
	}
	return outcome{}, fmt.Errorf("%s: %w", n.Op, vmerrors.ErrVUnknownInstruction)
}

func copyArgs(args []ir.Value) []ir.Value {
	return append([]ir.Value(nil), args...)
}
