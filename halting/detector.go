// Package halting decides, for executions that never consult the outside
// world, whether a VM has entered a state it already visited. Determinism
// then proves the execution can never terminate.
package halting

import (
	"bytes"
	"context"
	"fmt"

	"github.com/colorfulnotion/wasmstep/log"
	"github.com/colorfulnotion/wasmstep/vm"
	"github.com/colorfulnotion/wasmstep/vmerrors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/colorfulnotion/wasmstep/halting")

type Detector struct {
	vm *vm.VM
}

func NewDetector(v *vm.VM) *Detector { return &Detector{vm: v} }

// chunkSet maps module name to a set of chunk indices.
type chunkSet map[string]map[uint64]struct{}

func (s chunkSet) add(module string, chunks []uint64) {
	set, ok := s[module]
	if !ok {
		set = make(map[uint64]struct{}, len(chunks))
		s[module] = set
	}
	for _, c := range chunks {
		set[c] = struct{}{}
	}
}

func (s chunkSet) has(module string, chunk uint64) bool {
	_, ok := s[module][chunk]
	return ok
}

func (s chunkSet) size() int {
	n := 0
	for _, set := range s {
		n += len(set)
	}
	return n
}

// snapshot is the part of a machine state that can recur: the thread and
// the heap sizes. Heap contents are compared chunk by chunk on demand.
type snapshot struct {
	thread []byte
	sizes  map[string]uint64
	state  *vm.State
}

func (d *Detector) snapshot() *snapshot {
	s := d.vm.State()
	sizes := make(map[string]uint64, len(s.Heaps))
	for name, h := range s.Heaps {
		sizes[name] = h.Size()
	}
	return &snapshot{thread: d.vm.ThreadBytes(), sizes: sizes, state: s}
}

// sameShape reports whether the current thread and heap sizes match end.
// Thread bytes include each state's node and sub-step, so a match also
// means the same program point.
func (d *Detector) sameShape(end *snapshot) bool {
	for name, size := range end.sizes {
		if d.vm.HeapSize(name) != size {
			return false
		}
	}
	return bytes.Equal(d.vm.ThreadBytes(), end.thread)
}

// chunksMatch compares the current heaps with end on the given chunks.
func (d *Detector) chunksMatch(end *snapshot, chunks chunkSet) bool {
	for name, set := range chunks {
		h, want := d.vm.Heap(name), end.state.Heaps[name]
		for c := range set {
			if !h.ChunkEqual(want, c) {
				return false
			}
		}
	}
	return true
}

// IsLooping reports whether the state at the current counter already
// occurred at some counter in [start, current). It walks the checkpoint
// windows from newest to oldest, rewinding to each and stepping through it
// when the chunks it never touches already agree with the current state.
// The VM is returned to the current counter before IsLooping returns.
//
// false is not a proof of termination. Windows in which native code ran
// make the decision impossible and yield H1.
func (d *Detector) IsLooping(ctx context.Context, start uint64) (looping bool, err error) {
	end := d.vm.Counter()
	ctx, span := tracer.Start(ctx, "IsLooping", trace.WithAttributes(
		attribute.Int64("start", int64(start)),
		attribute.Int64("end", int64(end)),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("looping", looping))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if start > end {
		return false, fmt.Errorf("start %d after counter %d: %w", start, end, vmerrors.ErrDBadArguments)
	}
	if !d.vm.CanStep() {
		// finished or trapped executions terminate
		return false, nil
	}

	windows := d.vm.Checkpoints()
	first := -1
	for i, w := range windows {
		if w.Counter >= end {
			windows = windows[:i]
			break
		}
		if first < 0 && (i+1 == len(windows) || windows[i+1].Counter > start) {
			first = i
		}
	}
	if first < 0 || first >= len(windows) {
		return false, nil
	}
	windows = windows[first:]
	for _, w := range windows {
		if w.External {
			log.Debug(log.Halting, "external window", "counter", w.Counter)
			return false, fmt.Errorf("window at %d: %w", w.Counter, vmerrors.ErrHCantMakeHaltingDecision)
		}
	}

	endState := d.snapshot()
	// exploration replays steps that were already traced
	tw := d.vm.TraceWriter()
	d.vm.SetTraceWriter(nil)
	defer func() {
		d.vm.SetTraceWriter(tw)
	}()
	defer func() {
		if rerr := d.vm.SimulateTo(end); rerr != nil && err == nil {
			err = rerr
		}
	}()

	needed := make(chunkSet)
	for i := len(windows) - 1; i >= 0; i-- {
		w := windows[i]
		for name, chunks := range w.Touched {
			needed.add(name, chunks)
		}
		stop := end
		if i+1 < len(windows) {
			stop = windows[i+1].Counter
		}
		from := w.Counter
		if from < start {
			from = start
		}
		found, at, err := d.scanWindow(ctx, w, from, stop, endState, needed)
		if err != nil {
			return false, err
		}
		if found {
			log.Info(log.Halting, "state recurs", "counter", at, "end", end, "chunks", needed.size())
			return true, nil
		}
	}
	log.Debug(log.Halting, "no recurrence", "start", start, "end", end, "windows", len(windows))
	return false, nil
}

// scanWindow rewinds to w and looks for a counter in [from, stop) whose
// state equals end. Chunks needed at the window start but untouched inside
// it stay fixed for the whole window, so one mismatch there rules the
// window out.
func (d *Detector) scanWindow(ctx context.Context, w vm.Checkpoint, from, stop uint64, end *snapshot, needed chunkSet) (bool, uint64, error) {
	_, span := tracer.Start(ctx, "window", trace.WithAttributes(
		attribute.Int64("counter", int64(w.Counter)),
		attribute.Int("chunks", needed.size()),
	))
	defer span.End()

	if err := d.vm.SimulateTo(w.Counter); err != nil {
		return false, 0, err
	}
	touched := make(chunkSet)
	for name, chunks := range w.Touched {
		touched.add(name, chunks)
	}
	fixed := make(chunkSet)
	for name, set := range needed {
		for c := range set {
			if !touched.has(name, c) {
				fixed.add(name, []uint64{c})
			}
		}
	}
	if !d.chunksMatch(end, fixed) {
		span.SetAttributes(attribute.Bool("skipped", true))
		log.Trace(log.Halting, "window skipped", "counter", w.Counter)
		return false, 0, nil
	}
	if err := d.vm.SimulateTo(from); err != nil {
		return false, 0, err
	}
	for c := from; c < stop; c++ {
		if c > from {
			if err := d.vm.Step(); err != nil {
				return false, 0, err
			}
		}
		if d.sameShape(end) && d.chunksMatch(end, touched) {
			return true, c, nil
		}
	}
	return false, 0, nil
}
