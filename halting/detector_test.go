package halting

import (
	"context"
	"io"
	"testing"

	"github.com/colorfulnotion/wasmstep/interp"
	"github.com/colorfulnotion/wasmstep/programs"
	"github.com/colorfulnotion/wasmstep/vm"
	"github.com/colorfulnotion/wasmstep/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func start(t *testing.T, interval uint64, p *programs.Program, steps uint64) *vm.VM {
	t.Helper()
	cfg := vm.DefaultConfig()
	cfg.CheckpointInterval = interval
	cfg.ChunkSize = 16
	v, err := vm.New(cfg, interp.StdNatives(io.Discard))
	require.NoError(t, err)
	require.NoError(t, v.LoadModules(p.Modules...))
	require.NoError(t, v.StartAtFunction(p.Module, p.Function, p.Args))
	_, err = v.StepN(steps)
	require.NoError(t, err)
	return v
}

func TestIsLooping(t *testing.T) {
	cases := []struct {
		name    string
		program func() *programs.Program
		steps   uint64
		want    bool
	}{
		{"bounded loop finished", programs.BoundedLoop, 100, false},
		{"bounded loop first step", programs.BoundedLoop, 1, false},
		{"empty loop", programs.InfiniteLoop, 25, true},
		{"heap loop", programs.HeapLoop, 40, true},
		{"counter", programs.Counter, 200, false},
		{"quicksort midway", func() *programs.Program { return programs.Quicksort(programs.RandomBytes(16, 4)) }, 150, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := start(t, 10, tc.program(), tc.steps)
			before := v.State().Bytes()
			counter := v.Counter()

			got, err := NewDetector(v).IsLooping(context.Background(), 0)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			// the VM is left where it was
			assert.Equal(t, counter, v.Counter())
			assert.Equal(t, before, v.State().Bytes())
		})
	}
}

func TestLoopNeedsTwoIntervals(t *testing.T) {
	v := start(t, 10, programs.InfiniteLoop(), 25)
	d := NewDetector(v)

	// only counters at or after start are candidates
	got, err := d.IsLooping(context.Background(), v.Counter())
	require.NoError(t, err)
	assert.False(t, got)

	got, err = d.IsLooping(context.Background(), 15)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestNativeCallsPreventDecision(t *testing.T) {
	v := start(t, 10, programs.NativeLoop(), 40)
	_, err := NewDetector(v).IsLooping(context.Background(), 0)
	require.ErrorIs(t, err, vmerrors.ErrHCantMakeHaltingDecision)
	assert.Equal(t, uint64(40), v.Counter())
}

func TestStartAfterCounter(t *testing.T) {
	v := start(t, 10, programs.InfiniteLoop(), 5)
	_, err := NewDetector(v).IsLooping(context.Background(), 6)
	require.ErrorIs(t, err, vmerrors.ErrDBadArguments)
}
