package vm

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/wasmstep/codec"
	"github.com/colorfulnotion/wasmstep/interp"
	"github.com/colorfulnotion/wasmstep/ir"
	"github.com/colorfulnotion/wasmstep/programs"
	"github.com/colorfulnotion/wasmstep/trace"
	"github.com/colorfulnotion/wasmstep/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVM(t *testing.T, interval uint64, p *programs.Program) *VM {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CheckpointInterval = interval
	cfg.ChunkSize = 16
	v, err := New(cfg, interp.StdNatives(io.Discard))
	require.NoError(t, err)
	require.NoError(t, v.LoadModules(p.Modules...))
	require.NoError(t, v.StartAtFunction(p.Module, p.Function, p.Args))
	return v
}

// record steps to the end and returns the serialized state at every counter.
func record(t *testing.T, v *VM, limit int) [][]byte {
	t.Helper()
	states := [][]byte{v.State().Bytes()}
	for v.CanStep() && len(states) <= limit {
		require.NoError(t, v.Step())
		states = append(states, v.State().Bytes())
	}
	return states
}

func TestQuicksortRuns(t *testing.T) {
	data := programs.RandomBytes(32, 3)
	v := newVM(t, 100, programs.Quicksort(data))
	require.NoError(t, v.StepUntilFinished())
	require.True(t, v.Finished())
	require.False(t, v.GotTrap())

	out, err := v.Heap("sort").Read(0, uint64(len(data)))
	require.NoError(t, err)
	for i := 1; i < len(out); i++ {
		assert.LessOrEqual(t, out[i-1], out[i], "index %d", i)
	}
}

func TestStepBackInverse(t *testing.T) {
	v := newVM(t, 7, programs.Quicksort(programs.RandomBytes(12, 5)))
	states := record(t, v, 1<<20)
	require.True(t, v.Finished())

	for c := len(states) - 1; c > 0; c-- {
		require.NoError(t, v.StepBack())
		require.Equal(t, uint64(c-1), v.Counter())
		require.True(t, bytes.Equal(states[c-1], v.State().Bytes()), "state differs at counter %d", c-1)
	}
	err := v.StepBack()
	require.ErrorIs(t, err, vmerrors.ErrDNoCheckpoint)
}

func TestSimulateToMatchesLinearRun(t *testing.T) {
	v := newVM(t, 13, programs.Factorial(12))
	states := record(t, v, 1<<20)
	require.True(t, v.Finished())
	assert.Equal(t, int64(479001600), v.Result().I64())

	r := rand.New(rand.NewSource(11))
	for i := 0; i < 50; i++ {
		target := uint64(r.Intn(len(states)))
		require.NoError(t, v.SimulateTo(target))
		require.Equal(t, target, v.Counter())
		require.True(t, bytes.Equal(states[target], v.State().Bytes()), "state differs at counter %d", target)
	}
}

func TestSimulatePastEnd(t *testing.T) {
	v := newVM(t, 10, programs.BoundedLoop())
	require.NoError(t, v.StepUntilFinished())
	end := v.Counter()
	err := v.SimulateTo(end + 5)
	require.ErrorIs(t, err, vmerrors.ErrDCannotStep)
	assert.Equal(t, end, v.Counter())
}

func TestReplayCheck(t *testing.T) {
	v := newVM(t, 9, programs.Quicksort(programs.RandomBytes(16, 9)))
	diff, err := v.ReplayCheck(300)
	require.NoError(t, err)
	assert.Empty(t, diff)
	assert.Equal(t, uint64(300), v.Counter())
}

func TestDiffStates(t *testing.T) {
	v := newVM(t, 10, programs.HeapLoop())
	a := v.State()
	_, err := v.StepN(10)
	require.NoError(t, err)
	b := v.State()

	diff, err := DiffStates(a, a)
	require.NoError(t, err)
	assert.Empty(t, diff)

	diff, err = DiffStates(a, b)
	require.NoError(t, err)
	assert.Contains(t, diff, "counter")
}

func TestStateSerialization(t *testing.T) {
	p := programs.Quicksort(programs.RandomBytes(16, 2))
	v := newVM(t, 50, p)
	_, err := v.StepN(120)
	require.NoError(t, err)

	s := v.State()
	data := s.Bytes()
	decoded, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, data, decoded.Bytes())
	assert.True(t, s.Equal(decoded))

	_, err = DecodeState(data[:len(data)-3])
	require.ErrorIs(t, err, vmerrors.ErrDCorruptState)

	// resume the saved state in a fresh VM and finish there
	require.NoError(t, v.StepUntilFinished())
	want := v.State().Bytes()

	fresh := newVM(t, 50, programs.Quicksort(programs.RandomBytes(16, 2)))
	require.NoError(t, fresh.SetState(decoded))
	assert.Equal(t, uint64(120), fresh.Counter())
	require.NoError(t, fresh.StepUntilFinished())
	assert.Equal(t, want, fresh.State().Bytes())
}

func TestSetStateModuleMismatch(t *testing.T) {
	v := newVM(t, 10, programs.Factorial(3))
	other := newVM(t, 10, programs.BoundedLoop())
	err := v.SetState(other.State())
	require.ErrorIs(t, err, vmerrors.ErrDUnknownModule)
}

// rewriteThread re-encodes th after edit has changed copies of its frames
// and instruction states.
func rewriteThread(t *testing.T, th *interp.Thread, edit func([]interp.FunctionState, []interp.InstructionState)) *interp.Thread {
	t.Helper()
	calls := make([]interp.FunctionState, th.CallDepth())
	for i := range calls {
		calls[i], _ = th.Frame(i)
	}
	stack := th.States()
	edit(calls, stack)
	var buf bytes.Buffer
	e := codec.NewEncoder(&buf)
	e.Uint64(uint64(len(calls)))
	for i := range calls {
		calls[i].EncodeTo(e)
	}
	e.Uint64(uint64(len(stack)))
	for i := range stack {
		stack[i].EncodeTo(e)
	}
	e.Bool(th.GotTrap())
	e.String(th.TrapReason())
	e.String("")
	require.NoError(t, e.Err())
	out := &interp.Thread{}
	require.NoError(t, codec.Unmarshal(buf.Bytes(), out))
	return out
}

func TestSetStateRejectsDanglingThread(t *testing.T) {
	cases := map[string]func([]interp.FunctionState, []interp.InstructionState){
		"unknown function": func(calls []interp.FunctionState, _ []interp.InstructionState) {
			calls[len(calls)-1].Func = 7
		},
		"unknown module": func(calls []interp.FunctionState, _ []interp.InstructionState) {
			calls[0].Module = "nope"
		},
		"node out of range": func(_ []interp.FunctionState, stack []interp.InstructionState) {
			stack[len(stack)-1].Node = 1 << 20
		},
		"missing local": func(calls []interp.FunctionState, _ []interp.InstructionState) {
			calls[0].Locals = nil
		},
		"frame entered mid body": func(_ []interp.FunctionState, stack []interp.InstructionState) {
			stack[0].Node = (stack[0].Node + 1) % 2
		},
		"extra result": func(_ []interp.FunctionState, stack []interp.InstructionState) {
			stack[0].Results = append(stack[0].Results, ir.ValueI64(1), ir.ValueI64(2))
		},
	}
	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			v := newVM(t, 10, programs.Factorial(20))
			_, err := v.StepN(40)
			require.NoError(t, err)
			before := v.State().Bytes()

			s := v.State()
			s.Thread = rewriteThread(t, s.Thread, edit)
			err = v.SetState(s)
			require.ErrorIs(t, err, vmerrors.ErrDCorruptState)

			assert.Equal(t, before, v.State().Bytes())
			require.NoError(t, v.Step())
		})
	}
}

func TestSetStateAcceptsRewrittenThread(t *testing.T) {
	v := newVM(t, 10, programs.Factorial(20))
	_, err := v.StepN(40)
	require.NoError(t, err)
	s := v.State()
	s.Thread = rewriteThread(t, s.Thread, func([]interp.FunctionState, []interp.InstructionState) {})
	require.NoError(t, v.SetState(s))
	require.NoError(t, v.Step())
}

func TestCheckpoints(t *testing.T) {
	v := newVM(t, 5, programs.HeapLoop())
	_, err := v.StepN(23)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 5, 10, 15, 20}, v.History())

	v.AddCheckpoint()
	v.AddCheckpoint()
	assert.Equal(t, []uint64{0, 5, 10, 15, 20, 23}, v.History())

	touched := false
	for _, cp := range v.Checkpoints() {
		assert.False(t, cp.External)
		if len(cp.Touched["main"]) > 0 {
			touched = true
			assert.Equal(t, []uint64{1}, cp.Touched["main"])
		}
	}
	assert.True(t, touched)
}

func TestNativeMarksWindowExternal(t *testing.T) {
	v := newVM(t, 50, programs.NativeLoop())
	_, err := v.StepN(200)
	require.NoError(t, err)
	cps := v.Checkpoints()
	require.Len(t, cps, 5)
	for _, cp := range cps[:4] {
		assert.True(t, cp.External, "window at %d", cp.Counter)
	}
}

func TestStartErrors(t *testing.T) {
	p := programs.Factorial(3)
	v, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, v.LoadModules(p.Modules...))

	require.ErrorIs(t, v.StartAtFunction("nope", "fact", p.Args), vmerrors.ErrDUnknownModule)
	require.ErrorIs(t, v.StartAtFunction("math", "nope", p.Args), vmerrors.ErrDUnknownExport)
	require.ErrorIs(t, v.LoadModule(programs.Factorial(3).Modules[0]), vmerrors.ErrDBadArguments)

	require.NoError(t, v.StartAtFunction("math", "fact", []ir.Value{ir.ValueI64(5)}))
	require.NoError(t, v.StepUntilFinished())
	assert.Equal(t, int64(120), v.Result().I64())
}

func TestTrapStopsStepping(t *testing.T) {
	v := newVM(t, 10, programs.IfElseTrap(0))
	require.NoError(t, v.StepUntilFinished())
	assert.True(t, v.GotTrap())
	assert.False(t, v.CanStep())
	require.ErrorIs(t, v.TrapError(), interp.ErrTrapUnreachable)

	v = newVM(t, 10, programs.IfElseTrap(1))
	require.NoError(t, v.StepUntilFinished())
	assert.False(t, v.GotTrap())
	assert.True(t, v.Finished())
}

func TestTraceWriter(t *testing.T) {
	var buf bytes.Buffer
	w := trace.NewJSONLTraceWriter(&buf)
	v := newVM(t, 10, programs.BoundedLoop())
	v.SetTraceWriter(w)
	require.NoError(t, v.StepUntilFinished())
	require.NoError(t, w.Flush())

	lines := 0
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, int(v.Counter()), lines)

	// replayed steps are not traced twice
	require.NoError(t, v.SimulateTo(v.Counter()-1))
	require.NoError(t, w.Flush())
	assert.Equal(t, 0, buf.Len())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wasmstep.toml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint-interval = 10\nchunk-size = 64\n"), 0o644))

	cfg, err := LoadConfig(path, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cfg.CheckpointInterval)
	assert.Equal(t, uint64(64), cfg.ChunkSize)
	assert.Equal(t, DefaultConfig().MaxCallDepth, cfg.MaxCallDepth)

	require.NoError(t, os.WriteFile(path, []byte("chunk-size = 0\n"), 0o644))
	_, err = LoadConfig(path, DefaultConfig())
	require.ErrorIs(t, err, vmerrors.ErrDBadArguments)

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"), DefaultConfig())
	require.Error(t, err)
}
