package interp

import (
	"testing"

	"github.com/colorfulnotion/wasmstep/heap"
	"github.com/colorfulnotion/wasmstep/ir"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	modules  map[string]*ir.Module
	heaps    map[string]*heap.Heap
	natives  *Natives
	external int
}

func newTestEnv() *testEnv {
	return &testEnv{
		modules: make(map[string]*ir.Module),
		heaps:   make(map[string]*heap.Heap),
		natives: NewNatives(),
	}
}

func (e *testEnv) Module(name string) *ir.Module { return e.modules[name] }
func (e *testEnv) Heap(module string) *heap.Heap { return e.heaps[module] }
func (e *testEnv) Native(module, name string) (NativeFunc, bool) {
	return e.natives.Lookup(module, name)
}
func (e *testEnv) MarkExternal() { e.external++ }

func (e *testEnv) add(t *testing.T, m *ir.Module, size, max uint64) {
	t.Helper()
	require.NoError(t, m.Finalize())
	h, err := heap.New(size, max, 16)
	require.NoError(t, err)
	e.modules[m.Name] = m
	e.heaps[m.Name] = h
}

// single builds module "main" holding one function and starts a thread on it.
func single(t *testing.T, ft ir.FuncType, locals []ir.Kind, body *ir.Expr, args ...ir.Value) (*testEnv, *Thread) {
	t.Helper()
	env := newTestEnv()
	m := ir.NewModule("main")
	m.AddFunction(ir.NewFunction("f", ft, locals, body))
	env.add(t, m, 64, 128)
	th, err := NewThread(env, DefaultLimits())
	require.NoError(t, err)
	require.NoError(t, th.Start("main", 0, args))
	return env, th
}

func runToEnd(th *Thread) error {
	for i := 0; i < 1_000_000 && th.CanStep(); i++ {
		if err := th.Step(); err != nil {
			return err
		}
	}
	return nil
}

func sig(result ir.Kind, params ...ir.Kind) ir.FuncType {
	return ir.FuncType{Params: params, Result: result}
}
