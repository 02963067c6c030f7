package vm

import (
	"fmt"

	"github.com/colorfulnotion/wasmstep/heap"
	"github.com/colorfulnotion/wasmstep/interp"
	"github.com/colorfulnotion/wasmstep/log"
	"github.com/colorfulnotion/wasmstep/vmerrors"
)

// checkpoint opens a window at counter. patches record every heap change
// made inside the window; they are complete once the next checkpoint opens.
type checkpoint struct {
	counter  uint64
	thread   *interp.Thread
	patches  map[string]*heap.Patch
	external bool
}

// Checkpoint describes one history window for callers that reason about
// heap effects.
type Checkpoint struct {
	Counter  uint64
	External bool
	// Touched lists, per module, the chunks modified inside the window.
	Touched map[string][]uint64
}

func (v *VM) openCheckpoint() *checkpoint {
	cp := &checkpoint{
		counter: v.counter,
		thread:  v.thread.Clone(),
		patches: make(map[string]*heap.Patch, len(v.heaps)),
	}
	for name, h := range v.heaps {
		h.OpenPatch()
		cp.patches[name] = h.Patch()
	}
	return cp
}

func (v *VM) resetHistory() {
	v.history = []*checkpoint{v.openCheckpoint()}
}

// AddCheckpoint closes the current window and opens a new one at the
// current counter. It is a no-op when a checkpoint already sits there.
func (v *VM) AddCheckpoint() {
	if n := len(v.history); n > 0 && v.history[n-1].counter == v.counter {
		return
	}
	v.history = append(v.history, v.openCheckpoint())
	log.Trace(log.VM, "checkpoint", "counter", v.counter, "count", len(v.history))
}

// Checkpoints returns the history windows, oldest first.
func (v *VM) Checkpoints() []Checkpoint {
	out := make([]Checkpoint, len(v.history))
	for i, cp := range v.history {
		touched := make(map[string][]uint64, len(cp.patches))
		for name, p := range cp.patches {
			if t := p.Touched(); len(t) > 0 {
				touched[name] = t
			}
		}
		out[i] = Checkpoint{Counter: cp.counter, External: cp.external, Touched: touched}
	}
	return out
}

func (v *VM) checkpointCounters() []uint64 {
	out := make([]uint64, len(v.history))
	for i, cp := range v.history {
		out[i] = cp.counter
	}
	return out
}

// SimulateTo moves execution to target. Forward moves just step; backward
// moves undo heap patches down to the latest checkpoint at or before target,
// restore that checkpoint's thread and replay forward.
func (v *VM) SimulateTo(target uint64) error {
	if target < v.counter {
		if err := v.rewind(target); err != nil {
			return err
		}
		// replayed steps were already traced
		tracer := v.tracer
		v.tracer = nil
		defer func() { v.tracer = tracer }()
	}
	for v.counter < target {
		if !v.thread.CanStep() {
			return fmt.Errorf("counter %d of target %d: %w", v.counter, target, vmerrors.ErrDCannotStep)
		}
		if err := v.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (v *VM) rewind(target uint64) error {
	k := -1
	for i := len(v.history) - 1; i >= 0; i-- {
		if v.history[i].counter <= target {
			k = i
			break
		}
	}
	if k < 0 {
		return fmt.Errorf("target %d: %w", target, vmerrors.ErrDNoCheckpoint)
	}
	for i := len(v.history) - 1; i >= k; i-- {
		for name, p := range v.history[i].patches {
			v.heaps[name].Restore(p)
		}
	}
	cp := v.history[k]
	v.history = v.history[:k]
	v.counter = cp.counter
	v.thread = cp.thread.Clone()
	v.history = append(v.history, v.openCheckpoint())
	// the reopened window keeps the snapshot taken when it was first opened
	v.history[k].thread = cp.thread
	log.Trace(log.VM, "rewind", "target", target, "checkpoint", cp.counter)
	return nil
}

// StepBack undoes the last step.
func (v *VM) StepBack() error {
	if v.counter == 0 {
		return fmt.Errorf("step back at counter 0: %w", vmerrors.ErrDNoCheckpoint)
	}
	return v.SimulateTo(v.counter - 1)
}
