package ir

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// BranchTarget is a branch destination resolved at load time. Continue is
// only set for loops and restarts the loop body instead of leaving it.
type BranchTarget struct {
	Node     int
	Continue bool
}

// CaseTarget is one tableswitch entry: either a case child of the switch
// (Child >= 1) or an outer branch (Child == -1, Branch set).
type CaseTarget struct {
	Child  int
	Branch BranchTarget
}

// Node is one instruction in a function's arena. Children and Parent are
// indices into Function.Nodes and are never mutated after Finalize.
type Node struct {
	Op       Op
	Type     Kind // declared return type
	Operand  Kind // operand kind for numeric ops, source kind for conversions
	Imm      uint64
	Index    uint32 // local, function, import or type index; branch depth
	Offset   uint32 // static offset for memory access
	Width    uint8  // memory access width in bytes
	Signed   bool   // sign-extending narrow loads
	Children []int

	// Load-time metadata.
	Parent     int
	ChildTypes []Kind
	Target     BranchTarget
	Cases      []CaseTarget // last entry is the default
	CaseIndex  []int        // raw tableswitch table before resolution
}

// FuncType is a function signature.
type FuncType struct {
	Params []Kind
	Result Kind
}

func (ft FuncType) Equal(o FuncType) bool {
	if ft.Result != o.Result || len(ft.Params) != len(o.Params) {
		return false
	}
	for i := range ft.Params {
		if ft.Params[i] != o.Params[i] {
			return false
		}
	}
	return true
}

func (ft FuncType) String() string {
	return fmt.Sprintf("%v -> %s", ft.Params, ft.Result)
}

// Function is one function body: an immutable instruction arena.
type Function struct {
	Name     string
	Type     FuncType
	Locals   []Kind // declared locals after the parameters
	Variadic bool
	Nodes    []Node
	Root     int
}

// LocalTypes returns parameter kinds followed by declared local kinds.
func (f *Function) LocalTypes() []Kind {
	out := make([]Kind, 0, len(f.Type.Params)+len(f.Locals))
	out = append(out, f.Type.Params...)
	return append(out, f.Locals...)
}

// Node returns the node at index i.
func (f *Function) Node(i int) *Node {
	return &f.Nodes[i]
}

// Tree renders the instruction arena.
func (f *Function) Tree() treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("func %s %s", f.Name, f.Type))
	f.addTree(tree, f.Root)
	return tree
}

func (f *Function) addTree(parent treeprint.Tree, idx int) {
	n := &f.Nodes[idx]
	label := fmt.Sprintf("#%d %s", idx, f.Label(idx))
	if len(n.Children) == 0 {
		parent.AddNode(label)
		return
	}
	branch := parent.AddBranch(label)
	for _, c := range n.Children {
		f.addTree(branch, c)
	}
}

// Label is a one-line description of a node.
func (f *Function) Label(idx int) string {
	n := &f.Nodes[idx]
	switch n.Op {
	case OpConst:
		return fmt.Sprintf("%s.const %s", n.Operand, FromBits(n.Operand, n.Imm))
	case OpGetLocal, OpSetLocal, OpCall, OpCallImport, OpCallIndirect:
		return fmt.Sprintf("%s %d", n.Op, n.Index)
	case OpBr, OpBrIf:
		return fmt.Sprintf("%s %d -> #%d", n.Op, n.Index, n.Target.Node)
	case OpLoad, OpStore:
		return fmt.Sprintf("%s.%s%d offset=%d", n.Operand, n.Op, n.Width*8, n.Offset)
	default:
		if n.Op.IsBinary() || n.Op.IsCompare() || n.Op.IsUnary() {
			return fmt.Sprintf("%s.%s", n.Operand, n.Op)
		}
		if n.Op.IsConvert() {
			return fmt.Sprintf("%s.%s/%s", n.Type, n.Op, n.Operand)
		}
		return n.Op.String()
	}
}

// Import names a function provided by a native module or another loaded module.
type Import struct {
	Module   string
	Name     string
	Type     FuncType
	Variadic bool
}

// Segment is an initial-data segment copied into the heap at instantiation.
type Segment struct {
	Offset uint64
	Data   []byte
}

// Memory declares a module's heap.
type Memory struct {
	Initial  uint64
	Max      uint64
	Segments []Segment
}

// Module is the validated output of a loader.
type Module struct {
	Name      string
	Types     []FuncType
	Functions []*Function
	Imports   []Import
	Table     []uint32 // call_indirect table of function indices
	Memory    Memory
	Exports   map[string]uint32
}

// NewModule returns an empty module.
func NewModule(name string) *Module {
	return &Module{Name: name, Exports: make(map[string]uint32)}
}

// AddFunction appends f and returns its index.
func (m *Module) AddFunction(f *Function) uint32 {
	m.Functions = append(m.Functions, f)
	return uint32(len(m.Functions) - 1)
}

// Export makes function idx callable by name.
func (m *Module) Export(name string, idx uint32) {
	if m.Exports == nil {
		m.Exports = make(map[string]uint32)
	}
	m.Exports[name] = idx
}

// AddImport appends an import and returns its index.
func (m *Module) AddImport(imp Import) uint32 {
	m.Imports = append(m.Imports, imp)
	return uint32(len(m.Imports) - 1)
}

// AddType appends a signature for call_indirect and returns its index.
func (m *Module) AddType(ft FuncType) uint32 {
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// Lookup returns an exported function.
func (m *Module) Lookup(name string) (uint32, *Function, bool) {
	idx, ok := m.Exports[name]
	if !ok || int(idx) >= len(m.Functions) {
		return 0, nil, false
	}
	return idx, m.Functions[idx], true
}

// Function returns the function at idx or nil.
func (m *Module) Function(idx uint32) *Function {
	if int(idx) >= len(m.Functions) {
		return nil
	}
	return m.Functions[idx]
}
