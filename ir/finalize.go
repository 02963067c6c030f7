package ir

import (
	"fmt"

	"github.com/colorfulnotion/wasmstep/vmerrors"
)

// Finalize computes the load-time metadata every function needs before it
// can be executed: declared return types, declared child types, resolved
// branch targets and resolved tableswitch entries. It is idempotent.
func (m *Module) Finalize() error {
	for i, f := range m.Functions {
		if err := m.finalizeFunction(f); err != nil {
			return fmt.Errorf("module %s func %d (%s): %w", m.Name, i, f.Name, err)
		}
	}
	for i, fn := range m.Table {
		if int(fn) >= len(m.Functions) {
			return fmt.Errorf("module %s table[%d]=%d: %w", m.Name, i, fn, vmerrors.ErrVUnknownFunction)
		}
	}
	for name, fn := range m.Exports {
		if int(fn) >= len(m.Functions) {
			return fmt.Errorf("module %s export %q: %w", m.Name, name, vmerrors.ErrVUnknownFunction)
		}
	}
	return nil
}

func (m *Module) finalizeFunction(f *Function) error {
	if f.Root < 0 || f.Root >= len(f.Nodes) {
		return fmt.Errorf("root %d: %w", f.Root, vmerrors.ErrVWrongChildCount)
	}
	order, err := link(f)
	if err != nil {
		return err
	}
	locals := f.LocalTypes()
	for _, i := range order {
		if err := m.finalizeNode(f, locals, i); err != nil {
			return fmt.Errorf("node #%d (%s): %w", i, f.Nodes[i].Op, err)
		}
	}
	for _, i := range order {
		n := &f.Nodes[i]
		switch n.Op {
		case OpBr, OpBrIf:
			t, err := resolveBranch(f, n.Parent, n.Index)
			if err != nil {
				return fmt.Errorf("node #%d (%s %d): %w", i, n.Op, n.Index, err)
			}
			n.Target = t
		case OpTableSwitch:
			if err := resolveCases(f, i); err != nil {
				return fmt.Errorf("node #%d (tableswitch): %w", i, err)
			}
		}
	}
	return nil
}

// link rebuilds every Parent from Children and returns the nodes reachable
// from the root in post-order, so each child comes before its parent. A
// child index that is out of range or reached twice is rejected.
func link(f *Function) ([]int, error) {
	seen := make([]bool, len(f.Nodes))
	order := make([]int, 0, len(f.Nodes))
	var visit func(i int) error
	visit = func(i int) error {
		for _, c := range f.Nodes[i].Children {
			if c < 0 || c >= len(f.Nodes) {
				return fmt.Errorf("node #%d child %d of %d nodes: %w", i, c, len(f.Nodes), vmerrors.ErrVWrongChildCount)
			}
			if seen[c] {
				return fmt.Errorf("node #%d child #%d is shared or cyclic: %w", i, c, vmerrors.ErrVWrongChildCount)
			}
			seen[c] = true
			f.Nodes[c].Parent = i
			if err := visit(c); err != nil {
				return err
			}
		}
		order = append(order, i)
		return nil
	}
	seen[f.Root] = true
	f.Nodes[f.Root].Parent = -1
	if err := visit(f.Root); err != nil {
		return nil, err
	}
	return order, nil
}

// resolveBranch walks the parent chain from node counting label-bearing
// ancestors: blocks and switches contribute one label, loops two (continue
// first, then exit).
func resolveBranch(f *Function, node int, depth uint32) (BranchTarget, error) {
	d := depth
	for cur := node; cur >= 0; cur = f.Nodes[cur].Parent {
		n := &f.Nodes[cur]
		switch n.Op.Labels() {
		case 1:
			if d == 0 {
				return BranchTarget{Node: cur}, nil
			}
			d--
		case 2:
			if d == 0 {
				return BranchTarget{Node: cur, Continue: true}, nil
			}
			if d == 1 {
				return BranchTarget{Node: cur}, nil
			}
			d -= 2
		}
	}
	return BranchTarget{}, vmerrors.ErrVUnresolvedBranch
}

func resolveCases(f *Function, sw int) error {
	n := &f.Nodes[sw]
	ncases := len(n.Children) - 1
	if len(n.CaseIndex) == 0 {
		return fmt.Errorf("empty table: %w", vmerrors.ErrVWrongChildCount)
	}
	n.Cases = make([]CaseTarget, len(n.CaseIndex))
	for i, e := range n.CaseIndex {
		if e < 0 {
			return fmt.Errorf("entry %d=%d: %w", i, e, vmerrors.ErrVUnresolvedBranch)
		}
		if e < ncases {
			n.Cases[i] = CaseTarget{Child: e + 1}
			continue
		}
		t, err := resolveBranch(f, sw, uint32(e-ncases))
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		n.Cases[i] = CaseTarget{Child: -1, Branch: t}
	}
	return nil
}

func childCount(n *Node, lo, hi int) error {
	if c := len(n.Children); c < lo || c > hi {
		return fmt.Errorf("%d children, want %d..%d: %w", c, lo, hi, vmerrors.ErrVWrongChildCount)
	}
	return nil
}

func anyTypes(n int) []Kind {
	out := make([]Kind, n)
	for i := range out {
		out[i] = Any
	}
	return out
}

func repeat(k Kind, n int) []Kind {
	out := make([]Kind, n)
	for i := range out {
		out[i] = k
	}
	return out
}

func (m *Module) finalizeNode(f *Function, locals []Kind, i int) error {
	n := &f.Nodes[i]
	if !n.Op.Valid() {
		return vmerrors.ErrVUnknownInstruction
	}
	childType := func(j int) Kind { return f.Nodes[n.Children[j]].Type }
	lastChildType := func() Kind {
		if len(n.Children) == 0 {
			return Void
		}
		return childType(len(n.Children) - 1)
	}
	var err error
	switch n.Op {
	case OpNop, OpUnreachable, OpMemorySize:
		err = childCount(n, 0, 0)
		n.Type = Void
		if n.Op == OpMemorySize {
			n.Type = I32
		}
		n.ChildTypes = nil
	case OpConst:
		err = childCount(n, 0, 0)
		if !n.Operand.Valid() || n.Operand == Void {
			return vmerrors.ErrVUnknownInstruction
		}
		n.Type = n.Operand
	case OpGetLocal, OpSetLocal:
		if int(n.Index) >= len(locals) {
			return fmt.Errorf("local %d of %d: %w", n.Index, len(locals), vmerrors.ErrVUnknownLocal)
		}
		n.Type = locals[n.Index]
		if n.Op == OpGetLocal {
			err = childCount(n, 0, 0)
		} else {
			err = childCount(n, 1, 1)
			n.ChildTypes = []Kind{n.Type}
		}
	case OpLoad, OpStore:
		if !validAccess(n.Operand, n.Width) {
			return fmt.Errorf("%s width %d: %w", n.Operand, n.Width, vmerrors.ErrVUnknownInstruction)
		}
		n.Type = n.Operand
		if n.Op == OpLoad {
			err = childCount(n, 1, 1)
			n.ChildTypes = []Kind{I32}
		} else {
			err = childCount(n, 2, 2)
			n.ChildTypes = []Kind{I32, n.Operand}
		}
	case OpGrowMemory:
		err = childCount(n, 1, 1)
		n.Type = I32
		n.ChildTypes = []Kind{I32}
	case OpSelect:
		err = childCount(n, 3, 3)
		n.Type = n.Operand
		n.ChildTypes = []Kind{n.Operand, n.Operand, I32}
	case OpBlock, OpLoop, OpCase:
		if n.Type == Void {
			n.Type = lastChildType()
		}
		n.ChildTypes = anyTypes(len(n.Children))
		if n.Op == OpCase && (n.Parent < 0 || f.Nodes[n.Parent].Op != OpTableSwitch) {
			return fmt.Errorf("case outside tableswitch: %w", vmerrors.ErrVUnknownInstruction)
		}
	case OpIf:
		err = childCount(n, 2, 2)
		n.Type = Void
		n.ChildTypes = []Kind{I32, Any}
	case OpIfElse:
		if err = childCount(n, 3, 3); err != nil {
			return err
		}
		if n.Type == Void && childType(1) == childType(2) {
			n.Type = childType(1)
		}
		n.ChildTypes = []Kind{I32, Any, Any}
	case OpBr:
		err = childCount(n, 0, 1)
		n.Type = Void
		n.ChildTypes = anyTypes(len(n.Children))
	case OpBrIf:
		err = childCount(n, 1, 2)
		n.Type = Void
		n.ChildTypes = append([]Kind{I32}, anyTypes(len(n.Children)-1)...)
	case OpReturn:
		err = childCount(n, 0, 1)
		n.Type = Void
		if len(n.Children) == 1 {
			k := f.Type.Result
			if k == Void {
				k = Any
			}
			n.ChildTypes = []Kind{k}
		}
	case OpTableSwitch:
		if err = childCount(n, 1, len(n.Children)); err != nil {
			return err
		}
		n.ChildTypes = append([]Kind{I32}, anyTypes(len(n.Children)-1)...)
		for j := 1; j < len(n.Children); j++ {
			if f.Nodes[n.Children[j]].Op != OpCase {
				return fmt.Errorf("child %d is %s: %w", j, f.Nodes[n.Children[j]].Op, vmerrors.ErrVUnknownInstruction)
			}
		}
	case OpCall:
		callee := m.Function(n.Index)
		if callee == nil {
			return fmt.Errorf("function %d: %w", n.Index, vmerrors.ErrVUnknownFunction)
		}
		n.Type = callee.Type.Result
		if callee.Variadic {
			n.ChildTypes = anyTypes(len(n.Children))
		} else {
			err = childCount(n, len(callee.Type.Params), len(callee.Type.Params))
			n.ChildTypes = append([]Kind{}, callee.Type.Params...)
		}
	case OpCallImport:
		if int(n.Index) >= len(m.Imports) {
			return fmt.Errorf("import %d: %w", n.Index, vmerrors.ErrVUnknownFunction)
		}
		imp := m.Imports[n.Index]
		n.Type = imp.Type.Result
		if imp.Variadic {
			n.ChildTypes = anyTypes(len(n.Children))
		} else {
			err = childCount(n, len(imp.Type.Params), len(imp.Type.Params))
			n.ChildTypes = append([]Kind{}, imp.Type.Params...)
		}
	case OpCallIndirect:
		if int(n.Index) >= len(m.Types) {
			return fmt.Errorf("type %d: %w", n.Index, vmerrors.ErrVUnknownFunction)
		}
		ft := m.Types[n.Index]
		n.Type = ft.Result
		err = childCount(n, len(ft.Params)+1, len(ft.Params)+1)
		n.ChildTypes = append([]Kind{I32}, ft.Params...)
	default:
		return m.finalizeNumeric(n)
	}
	return err
}

func validAccess(k Kind, width uint8) bool {
	switch k {
	case I32:
		return width == 1 || width == 2 || width == 4
	case I64:
		return width == 1 || width == 2 || width == 4 || width == 8
	case F32:
		return width == 4
	case F64:
		return width == 8
	}
	return false
}

func intOnly(op Op) bool {
	switch op {
	case OpDivS, OpDivU, OpRemS, OpRemU, OpAnd, OpOr, OpXor, OpShl, OpShrS, OpShrU, OpRotl, OpRotr,
		OpLtS, OpLtU, OpLeS, OpLeU, OpGtS, OpGtU, OpGeS, OpGeU, OpClz, OpCtz, OpPopcnt, OpEqz:
		return true
	}
	return false
}

func floatOnly(op Op) bool {
	switch op {
	case OpDiv, OpMin, OpMax, OpCopysign, OpLt, OpLe, OpGt, OpGe,
		OpAbs, OpNeg, OpSqrt, OpCeil, OpFloor, OpTrunc, OpNearest:
		return true
	}
	return false
}

func validConversion(op Op, to, from Kind) bool {
	switch op {
	case OpWrap:
		return from == I64 && to == I32
	case OpExtendS, OpExtendU:
		return from == I32 && to == I64
	case OpTruncS, OpTruncU:
		return from.IsFloat() && to.IsInt()
	case OpConvertS, OpConvertU:
		return from.IsInt() && to.IsFloat()
	case OpDemote:
		return from == F64 && to == F32
	case OpPromote:
		return from == F32 && to == F64
	case OpReinterpret:
		return (from == I32 && to == F32) || (from == F32 && to == I32) ||
			(from == I64 && to == F64) || (from == F64 && to == I64)
	}
	return false
}

func (m *Module) finalizeNumeric(n *Node) error {
	k := n.Operand
	if !k.IsInt() && !k.IsFloat() {
		return fmt.Errorf("operand %s: %w", k, vmerrors.ErrVUnknownInstruction)
	}
	switch {
	case n.Op.IsConvert():
		if !validConversion(n.Op, n.Type, k) {
			return fmt.Errorf("%s to %s: %w", k, n.Type, vmerrors.ErrVUnknownInstruction)
		}
		n.ChildTypes = []Kind{k}
		return childCount(n, 1, 1)
	case intOnly(n.Op) && !k.IsInt(), floatOnly(n.Op) && !k.IsFloat():
		return fmt.Errorf("%s on %s: %w", n.Op, k, vmerrors.ErrVUnknownInstruction)
	case n.Op.IsBinary():
		n.Type = k
		n.ChildTypes = repeat(k, 2)
		return childCount(n, 2, 2)
	case n.Op.IsCompare():
		n.Type = I32
		n.ChildTypes = repeat(k, 2)
		return childCount(n, 2, 2)
	case n.Op.IsUnary():
		n.Type = k
		if n.Op == OpEqz {
			n.Type = I32
		}
		n.ChildTypes = []Kind{k}
		return childCount(n, 1, 1)
	}
	return vmerrors.ErrVUnknownInstruction
}
