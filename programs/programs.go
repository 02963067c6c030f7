// Package programs builds the example programs shipped with the CLI and
// used by the end-to-end tests.
package programs

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/colorfulnotion/wasmstep/heap"
	"github.com/colorfulnotion/wasmstep/ir"
)

// Program is a set of modules plus the function to start.
type Program struct {
	Name        string
	Description string
	Modules     []*ir.Module
	Module      string
	Function    string
	Args        []ir.Value
}

var ErrUnknownProgram = errors.New("unknown program")

var registry = map[string]func() *Program{
	"quicksort":     func() *Program { return Quicksort(RandomBytes(64, 1)) },
	"factorial":     func() *Program { return Factorial(20) },
	"bounded-loop":  BoundedLoop,
	"infinite-loop": InfiniteLoop,
	"heap-loop":     HeapLoop,
	"counter":       Counter,
	"native-loop":   NativeLoop,
	"no-trap":       func() *Program { return IfElseTrap(1) },
	"trap":          func() *Program { return IfElseTrap(0) },
	"div-zero":      DivideByZero,
}

// Names lists the registered programs.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup builds a fresh copy of a registered program.
func Lookup(name string) (*Program, error) {
	build, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%q (have %v): %w", name, Names(), ErrUnknownProgram)
	}
	return build(), nil
}

// RandomBytes returns n bytes from a fixed seed.
func RandomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	out := make([]byte, n)
	r.Read(out)
	return out
}

func sig(result ir.Kind, params ...ir.Kind) ir.FuncType {
	return ir.FuncType{Params: params, Result: result}
}

func local(i uint32) *ir.Expr { return ir.GetLocal(i) }
func i32(x int32) *ir.Expr    { return ir.I32Const(x) }

func add(a, b *ir.Expr) *ir.Expr { return ir.Binary(ir.OpAdd, ir.I32, a, b) }
func sub(a, b *ir.Expr) *ir.Expr { return ir.Binary(ir.OpSub, ir.I32, a, b) }

func loadByte(addr *ir.Expr) *ir.Expr { return ir.LoadN(ir.I32, 1, false, 0, addr) }

func storeByte(addr, v *ir.Expr) *ir.Expr { return ir.StoreN(ir.I32, 1, 0, addr, v) }

const (
	qsLo = iota
	qsHi
	qsPivot
	qsI
	qsJ
	qsTmp
)

// swap exchanges the bytes at the addresses built by a and b.
func swap(a, b func() *ir.Expr) *ir.Expr {
	return ir.Block(
		ir.SetLocal(qsTmp, loadByte(a())),
		storeByte(a(), loadByte(b())),
		storeByte(b(), local(qsTmp)),
	)
}

// Quicksort sorts data in place in the heap of module "sort" with a
// recursive Lomuto partition.
func Quicksort(data []byte) *Program {
	m := ir.NewModule("sort")
	size := uint64(len(data))
	if size < 64 {
		size = 64
	}
	m.Memory = ir.Memory{Initial: size, Max: heap.PageSize, Segments: []ir.Segment{{Offset: 0, Data: append([]byte(nil), data...)}}}

	i := func() *ir.Expr { return local(qsI) }
	j := func() *ir.Expr { return local(qsJ) }
	hi := func() *ir.Expr { return local(qsHi) }
	iPlus1 := func() *ir.Expr { return add(local(qsI), i32(1)) }

	body := ir.If(ir.Binary(ir.OpLtS, ir.I32, local(qsLo), local(qsHi)), ir.Block(
		ir.SetLocal(qsPivot, loadByte(local(qsHi))),
		ir.SetLocal(qsI, sub(local(qsLo), i32(1))),
		ir.SetLocal(qsJ, local(qsLo)),
		ir.Loop(
			ir.BrIf(1, ir.Binary(ir.OpGeS, ir.I32, local(qsJ), local(qsHi))),
			ir.If(ir.Binary(ir.OpLeU, ir.I32, loadByte(local(qsJ)), local(qsPivot)), ir.Block(
				ir.SetLocal(qsI, iPlus1()),
				swap(i, j),
			)),
			ir.SetLocal(qsJ, add(local(qsJ), i32(1))),
			ir.Br(0),
		),
		swap(iPlus1, hi),
		ir.Call(0, local(qsLo), local(qsI)),
		ir.Call(0, add(local(qsI), i32(2)), local(qsHi)),
	))
	qs := m.AddFunction(ir.NewFunction("quicksort", sig(ir.Void, ir.I32, ir.I32),
		[]ir.Kind{ir.I32, ir.I32, ir.I32, ir.I32}, body))
	m.Export("quicksort", qs)

	n := int32(len(data))
	entry := m.AddFunction(ir.NewFunction("main", sig(ir.Void), nil, ir.Call(qs, i32(0), i32(n-1))))
	m.Export("main", entry)
	return &Program{
		Name:        "quicksort",
		Description: fmt.Sprintf("sorts %d heap bytes in place", len(data)),
		Modules:     []*ir.Module{m},
		Module:      "sort",
		Function:    "main",
	}
}

// Factorial computes n! recursively over i64.
func Factorial(n int64) *Program {
	m := ir.NewModule("math")
	fact := m.AddFunction(ir.NewFunction("fact", sig(ir.I64, ir.I64), nil,
		ir.IfElse(
			ir.Unary(ir.OpEqz, ir.I64, local(0)),
			ir.I64Const(1),
			ir.Binary(ir.OpMul, ir.I64, local(0),
				ir.Call(0, ir.Binary(ir.OpSub, ir.I64, local(0), ir.I64Const(1)))),
		)))
	m.Export("fact", fact)
	return &Program{
		Name:        "factorial",
		Description: fmt.Sprintf("%d! by recursion", n),
		Modules:     []*ir.Module{m},
		Module:      "math",
		Function:    "fact",
		Args:        []ir.Value{ir.ValueI64(n)},
	}
}

func single(name, desc string, ft ir.FuncType, locals []ir.Kind, body *ir.Expr) *Program {
	m := ir.NewModule("main")
	m.Memory = ir.Memory{Initial: heap.DefaultChunkSize, Max: heap.PageSize}
	m.Export("main", m.AddFunction(ir.NewFunction("main", ft, locals, body)))
	return &Program{Name: name, Description: desc, Modules: []*ir.Module{m}, Module: "main", Function: "main"}
}

// BoundedLoop is forever { break }: the loop exits on its first iteration.
func BoundedLoop() *Program {
	return single("bounded-loop", "loop { br exit }", sig(ir.Void), nil, ir.Loop(ir.Br(1)))
}

// InfiniteLoop is loop { nop; br 0 } and never changes any state.
func InfiniteLoop() *Program {
	return single("infinite-loop", "loop { nop; br 0 }", sig(ir.Void), nil, ir.Loop(ir.Nop(), ir.Br(0)))
}

// HeapLoop keeps storing the same word; the heap changes once and then
// stays put.
func HeapLoop() *Program {
	return single("heap-loop", "loop { store(16, 7); br 0 }", sig(ir.Void), nil,
		ir.Loop(ir.Store(ir.I32, 0, i32(16), i32(7)), ir.Br(0)))
}

// Counter counts upwards forever in a heap word; no state ever recurs.
func Counter() *Program {
	return single("counter", "loop { mem[0]++; br 0 }", sig(ir.Void), nil,
		ir.Loop(
			ir.Store(ir.I32, 0, i32(0), add(ir.Load(ir.I32, 0, i32(0)), i32(1))),
			ir.Br(0),
		))
}

// NativeLoop calls a host function forever, which makes halting decisions
// impossible.
func NativeLoop() *Program {
	m := ir.NewModule("main")
	imp := m.AddImport(ir.Import{Module: "assert", Name: "true", Type: sig(ir.Void, ir.I32)})
	m.Export("main", m.AddFunction(ir.NewFunction("main", sig(ir.Void), nil,
		ir.Loop(ir.CallImport(imp, i32(1)), ir.Br(0)))))
	return &Program{
		Name:        "native-loop",
		Description: "loop { assert.true(1); br 0 }",
		Modules:     []*ir.Module{m},
		Module:      "main",
		Function:    "main",
	}
}

// IfElseTrap evaluates if_else(cond, unreachable, nop).
func IfElseTrap(cond int32) *Program {
	name := "no-trap"
	if cond == 0 {
		name = "trap"
	}
	return single(name, fmt.Sprintf("if_else(%d, unreachable, nop)", cond), sig(ir.Void), nil,
		ir.IfElse(i32(cond), ir.Unreachable(), ir.Nop()))
}

// DivideByZero returns i32.div_s(5, 0).
func DivideByZero() *Program {
	return single("div-zero", "i32.div_s(5, 0)", sig(ir.I32), nil,
		ir.Binary(ir.OpDivS, ir.I32, i32(5), i32(0)))
}
