package ir

// Expr is the nested form of an instruction used to assemble function bodies
// before they are flattened into a Function's arena.
type Expr struct {
	Op        Op
	Type      Kind
	Operand   Kind
	Imm       uint64
	Index     uint32
	Offset    uint32
	Width     uint8
	Signed    bool
	CaseIndex []int
	Children  []*Expr
}

func Nop() *Expr         { return &Expr{Op: OpNop} }
func Unreachable() *Expr { return &Expr{Op: OpUnreachable} }

func Const(v Value) *Expr {
	return &Expr{Op: OpConst, Operand: v.Kind(), Type: v.Kind(), Imm: v.Bits()}
}

func I32Const(x int32) *Expr   { return Const(ValueI32(x)) }
func I64Const(x int64) *Expr   { return Const(ValueI64(x)) }
func F32Const(x float32) *Expr { return Const(ValueF32(x)) }
func F64Const(x float64) *Expr { return Const(ValueF64(x)) }

func Block(children ...*Expr) *Expr { return &Expr{Op: OpBlock, Children: children} }
func Loop(children ...*Expr) *Expr  { return &Expr{Op: OpLoop, Children: children} }

// Typed overrides the declared return type of a control expression.
func (e *Expr) Typed(k Kind) *Expr {
	e.Type = k
	return e
}

func If(cond, then *Expr) *Expr { return &Expr{Op: OpIf, Children: []*Expr{cond, then}} }

func IfElse(cond, then, els *Expr) *Expr {
	return &Expr{Op: OpIfElse, Children: []*Expr{cond, then, els}}
}

// Br branches to the depth-th enclosing label, optionally carrying a value.
func Br(depth uint32, value ...*Expr) *Expr {
	return &Expr{Op: OpBr, Index: depth, Children: value}
}

// BrIf evaluates cond first and branches only when it is nonzero.
func BrIf(depth uint32, cond *Expr, value ...*Expr) *Expr {
	return &Expr{Op: OpBrIf, Index: depth, Children: append([]*Expr{cond}, value...)}
}

func Return(value ...*Expr) *Expr { return &Expr{Op: OpReturn, Children: value} }

func Call(fn uint32, args ...*Expr) *Expr {
	return &Expr{Op: OpCall, Index: fn, Children: args}
}

func CallImport(imp uint32, args ...*Expr) *Expr {
	return &Expr{Op: OpCallImport, Index: imp, Children: args}
}

// CallIndirect calls table[callee] after checking it against type typeIdx.
func CallIndirect(typeIdx uint32, callee *Expr, args ...*Expr) *Expr {
	return &Expr{Op: OpCallIndirect, Index: typeIdx, Children: append([]*Expr{callee}, args...)}
}

func Select(k Kind, a, b, cond *Expr) *Expr {
	return &Expr{Op: OpSelect, Operand: k, Children: []*Expr{a, b, cond}}
}

func GetLocal(i uint32) *Expr          { return &Expr{Op: OpGetLocal, Index: i} }
func SetLocal(i uint32, v *Expr) *Expr { return &Expr{Op: OpSetLocal, Index: i, Children: []*Expr{v}} }

// Load reads a full-width value of kind k from addr+offset.
func Load(k Kind, offset uint32, addr *Expr) *Expr {
	return &Expr{Op: OpLoad, Operand: k, Type: k, Width: uint8(k.Size()), Offset: offset, Children: []*Expr{addr}}
}

// LoadN reads width bytes and extends them to an integer kind k.
func LoadN(k Kind, width uint8, signed bool, offset uint32, addr *Expr) *Expr {
	return &Expr{Op: OpLoad, Operand: k, Type: k, Width: width, Signed: signed, Offset: offset, Children: []*Expr{addr}}
}

func Store(k Kind, offset uint32, addr, value *Expr) *Expr {
	return &Expr{Op: OpStore, Operand: k, Type: k, Width: uint8(k.Size()), Offset: offset, Children: []*Expr{addr, value}}
}

// StoreN stores the low width bytes of an integer value.
func StoreN(k Kind, width uint8, offset uint32, addr, value *Expr) *Expr {
	return &Expr{Op: OpStore, Operand: k, Type: k, Width: width, Offset: offset, Children: []*Expr{addr, value}}
}

func MemorySize() *Expr            { return &Expr{Op: OpMemorySize} }
func GrowMemory(delta *Expr) *Expr { return &Expr{Op: OpGrowMemory, Children: []*Expr{delta}} }

// Binary builds an arithmetic or comparison op over operands of kind k.
func Binary(op Op, k Kind, a, b *Expr) *Expr {
	return &Expr{Op: op, Operand: k, Children: []*Expr{a, b}}
}

func Unary(op Op, k Kind, a *Expr) *Expr {
	return &Expr{Op: op, Operand: k, Children: []*Expr{a}}
}

// Convert builds a conversion from kind from to kind to.
func Convert(op Op, to, from Kind, a *Expr) *Expr {
	return &Expr{Op: op, Type: to, Operand: from, Children: []*Expr{a}}
}

// TableSwitch selects one case by the i32 selector. table maps selector
// values to case positions (0-based among cases); entries >= len(cases)
// branch out: len(cases)+d targets the d-th label counted from the switch
// itself, so len(cases) leaves the switch.
// def is the entry used for out-of-range selectors.
func TableSwitch(selector *Expr, table []int, def int, cases ...*Expr) *Expr {
	idx := append(append([]int{}, table...), def)
	return &Expr{Op: OpTableSwitch, CaseIndex: idx, Children: append([]*Expr{selector}, cases...)}
}

func Case(children ...*Expr) *Expr { return &Expr{Op: OpCase, Children: children} }

// NewFunction flattens body into a fresh arena. Call Module.Finalize before
// executing it.
func NewFunction(name string, ft FuncType, locals []Kind, body *Expr) *Function {
	f := &Function{Name: name, Type: ft, Locals: locals}
	f.Root = f.flatten(body, -1)
	return f
}

func (f *Function) flatten(e *Expr, parent int) int {
	idx := len(f.Nodes)
	f.Nodes = append(f.Nodes, Node{
		Op:        e.Op,
		Type:      e.Type,
		Operand:   e.Operand,
		Imm:       e.Imm,
		Index:     e.Index,
		Offset:    e.Offset,
		Width:     e.Width,
		Signed:    e.Signed,
		CaseIndex: e.CaseIndex,
		Parent:    parent,
	})
	children := make([]int, 0, len(e.Children))
	for _, c := range e.Children {
		children = append(children, f.flatten(c, idx))
	}
	f.Nodes[idx].Children = children
	return idx
}
