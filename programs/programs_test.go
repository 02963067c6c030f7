package programs

import (
	"io"
	"sort"
	"testing"

	"github.com/colorfulnotion/wasmstep/interp"
	"github.com/colorfulnotion/wasmstep/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, p *Program, limit uint64) *vm.VM {
	t.Helper()
	v, err := vm.New(vm.DefaultConfig(), interp.StdNatives(io.Discard))
	require.NoError(t, err)
	require.NoError(t, v.LoadModules(p.Modules...))
	require.NoError(t, v.StartAtFunction(p.Module, p.Function, p.Args))
	_, err = v.StepN(limit)
	require.NoError(t, err)
	return v
}

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		p, err := Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, p.Name)
		assert.NotEmpty(t, p.Modules)
	}
	_, err := Lookup("nope")
	require.ErrorIs(t, err, ErrUnknownProgram)
}

func TestQuicksort(t *testing.T) {
	for _, n := range []int{1, 2, 17, 100} {
		data := RandomBytes(n, int64(n))
		v := run(t, Quicksort(data), 1<<24)
		require.True(t, v.Finished(), "n=%d", n)

		got, err := v.Heap("sort").Read(0, uint64(n))
		require.NoError(t, err)
		want := append([]byte(nil), data...)
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		assert.Equal(t, want, got, "n=%d", n)
	}
}

func TestFactorial(t *testing.T) {
	v := run(t, Factorial(20), 1<<20)
	require.True(t, v.Finished())
	assert.Equal(t, int64(2432902008176640000), v.Result().I64())
}

func TestTraps(t *testing.T) {
	v := run(t, DivideByZero(), 100)
	assert.True(t, v.GotTrap())
	require.ErrorIs(t, v.TrapError(), interp.ErrTrapDivideByZero)

	v = run(t, IfElseTrap(0), 100)
	assert.True(t, v.GotTrap())
	require.ErrorIs(t, v.TrapError(), interp.ErrTrapUnreachable)

	v = run(t, IfElseTrap(1), 100)
	assert.False(t, v.GotTrap())
	assert.True(t, v.Finished())
}

func TestNonTerminating(t *testing.T) {
	for _, p := range []*Program{InfiniteLoop(), HeapLoop(), Counter(), NativeLoop()} {
		v := run(t, p, 500)
		assert.Equal(t, uint64(500), v.Counter(), p.Name)
		assert.True(t, v.CanStep(), p.Name)
	}
}
