package ir

import (
	"testing"

	"github.com/colorfulnotion/wasmstep/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finalize(body *Expr, locals ...Kind) (*Function, error) {
	m := NewModule("t")
	f := NewFunction("f", FuncType{}, locals, body)
	m.AddFunction(f)
	return f, m.Finalize()
}

func TestBranchResolution(t *testing.T) {
	// #0 block, #1 loop, #2 br_if, #3 const, #4 br, #5 br
	f, err := finalize(Block(Loop(BrIf(0, I32Const(1)), Br(1)), Br(0)))
	require.NoError(t, err)

	assert.Equal(t, BranchTarget{Node: 1, Continue: true}, f.Nodes[2].Target)
	assert.Equal(t, BranchTarget{Node: 1}, f.Nodes[4].Target)
	assert.Equal(t, BranchTarget{Node: 0}, f.Nodes[5].Target)
	assert.Equal(t, 1, f.Nodes[3].Parent)
	assert.Equal(t, []Kind{I32}, f.Nodes[2].ChildTypes)
}

func TestTableSwitchResolution(t *testing.T) {
	f, err := finalize(TableSwitch(I32Const(0), []int{0, 1, 2}, 2, Case(Nop()), Case(Nop())))
	require.NoError(t, err)
	assert.Equal(t, []CaseTarget{
		{Child: 1},
		{Child: 2},
		{Child: -1, Branch: BranchTarget{Node: 0}},
		{Child: -1, Branch: BranchTarget{Node: 0}},
	}, f.Nodes[0].Cases)
}

func TestTypeInference(t *testing.T) {
	f, err := finalize(Block(
		IfElse(I32Const(1), I32Const(2), I32Const(3)),
		Nop(),
		I64Const(1),
	))
	require.NoError(t, err)
	assert.Equal(t, I64, f.Nodes[0].Type)
	assert.Equal(t, I32, f.Nodes[1].Type)
	assert.Equal(t, []Kind{I32, Any, Any}, f.Nodes[1].ChildTypes)

	f, err = finalize(SetLocal(0, Binary(OpAdd, I64, GetLocal(0), I64Const(2))), I64)
	require.NoError(t, err)
	assert.Equal(t, I64, f.Nodes[0].Type)
	assert.Equal(t, []Kind{I64}, f.Nodes[0].ChildTypes)
}

func TestFinalizeRejects(t *testing.T) {
	cases := []struct {
		name string
		body *Expr
		want error
	}{
		{"branch too deep", Block(Br(2)), vmerrors.ErrVUnresolvedBranch},
		{"if without body", &Expr{Op: OpIf, Children: []*Expr{I32Const(1)}}, vmerrors.ErrVWrongChildCount},
		{"unknown local", GetLocal(3), vmerrors.ErrVUnknownLocal},
		{"unknown function", Call(5), vmerrors.ErrVUnknownFunction},
		{"case outside switch", Case(Nop()), vmerrors.ErrVUnknownInstruction},
		{"bad load width", LoadN(F32, 2, false, 0, I32Const(0)), vmerrors.ErrVUnknownInstruction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := finalize(tc.body)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	m := NewModule("t")
	m.AddFunction(NewFunction("f", FuncType{Result: I32}, nil, Block(Loop(Br(1)), I32Const(4))))
	require.NoError(t, m.Finalize())
	before := append([]Node(nil), m.Functions[0].Nodes...)
	require.NoError(t, m.Finalize())
	assert.Equal(t, before, m.Functions[0].Nodes)
}

func TestTree(t *testing.T) {
	f, err := finalize(Block(Loop(Br(1)), Nop()))
	require.NoError(t, err)
	out := f.Tree().String()
	assert.Contains(t, out, "func f")
	assert.Contains(t, out, "#0 block")
	assert.Contains(t, out, "-> #1")
}

func TestFinalizeDerivesParents(t *testing.T) {
	arena := func(nodes ...Node) *Module {
		m := NewModule("t")
		m.AddFunction(&Function{Name: "f", Nodes: nodes})
		return m
	}

	m := arena(Node{Op: OpBlock, Children: []int{1}}, Node{Op: OpBr, Index: 0})
	require.NoError(t, m.Finalize())
	f := m.Functions[0]
	assert.Equal(t, -1, f.Nodes[0].Parent)
	assert.Equal(t, 0, f.Nodes[1].Parent)
	assert.Equal(t, BranchTarget{Node: 0}, f.Nodes[1].Target)

	// children listed before their parent in the arena
	m = arena(Node{Op: OpBr, Index: 0}, Node{Op: OpBlock, Children: []int{0}})
	m.Functions[0].Root = 1
	require.NoError(t, m.Finalize())
	assert.Equal(t, BranchTarget{Node: 1}, m.Functions[0].Nodes[0].Target)

	cases := []struct {
		name  string
		nodes []Node
		want  error
	}{
		{"no label above branch", []Node{{Op: OpReturn, Children: []int{1}}, {Op: OpBr, Index: 0}}, vmerrors.ErrVUnresolvedBranch},
		{"branch too deep", []Node{{Op: OpBlock, Children: []int{1}}, {Op: OpBr, Index: 3}}, vmerrors.ErrVUnresolvedBranch},
		{"child out of range", []Node{{Op: OpBlock, Children: []int{5}}}, vmerrors.ErrVWrongChildCount},
		{"shared child", []Node{{Op: OpBlock, Children: []int{1, 1}}, {Op: OpNop}}, vmerrors.ErrVWrongChildCount},
		{"cycle through root", []Node{{Op: OpBlock, Children: []int{1}}, {Op: OpBlock, Children: []int{0}}}, vmerrors.ErrVWrongChildCount},
		{"self child", []Node{{Op: OpBlock, Children: []int{0}}}, vmerrors.ErrVWrongChildCount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, arena(tc.nodes...).Finalize(), tc.want)
		})
	}
}
