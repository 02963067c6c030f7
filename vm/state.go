package vm

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/wasmstep/codec"
	"github.com/colorfulnotion/wasmstep/heap"
	"github.com/colorfulnotion/wasmstep/interp"
	"github.com/colorfulnotion/wasmstep/log"
	"github.com/colorfulnotion/wasmstep/vmerrors"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
	"golang.org/x/exp/slices"
)

// State is a detached copy of everything execution depends on: the
// instruction counter, the thread and one heap per module. History is not
// part of it.
type State struct {
	Counter uint64
	Thread  *interp.Thread
	Heaps   map[string]*heap.Heap
}

// State snapshots the VM.
func (v *VM) State() *State {
	s := &State{Counter: v.counter, Thread: v.thread.Clone(), Heaps: make(map[string]*heap.Heap, len(v.heaps))}
	for name, h := range v.heaps {
		s.Heaps[name] = h.Clone()
	}
	return s
}

// SetState replaces the execution state with s. The module set must match
// the loaded modules. History restarts with a single checkpoint at
// s.Counter.
func (v *VM) SetState(s *State) error {
	if len(s.Heaps) != len(v.heaps) {
		return fmt.Errorf("state has %d heaps, %d modules loaded: %w", len(s.Heaps), len(v.heaps), vmerrors.ErrDCorruptState)
	}
	for name := range s.Heaps {
		if _, ok := v.modules[name]; !ok {
			return fmt.Errorf("state heap %q: %w", name, vmerrors.ErrDUnknownModule)
		}
	}
	if s.Thread == nil {
		return fmt.Errorf("state without thread: %w", vmerrors.ErrDCorruptState)
	}
	thread := s.Thread.Clone()
	thread.Attach(v, v.cfg.limits())
	if err := thread.Validate(); err != nil {
		return err
	}
	for name, h := range s.Heaps {
		v.heaps[name] = h.Clone()
	}
	v.thread = thread
	v.counter = s.Counter
	v.resetHistory()
	log.Debug(log.VM, "state restored", "counter", s.Counter)
	return nil
}

func (s *State) names() []string {
	out := make([]string, 0, len(s.Heaps))
	for name := range s.Heaps {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// EncodeTo writes the counter, the thread and the heaps in module name
// order.
func (s *State) EncodeTo(e *codec.Encoder) {
	e.Uint64(s.Counter)
	s.Thread.EncodeTo(e)
	names := s.names()
	e.Uint64(uint64(len(names)))
	for _, name := range names {
		e.String(name)
		s.Heaps[name].EncodeTo(e)
	}
}

func (s *State) DecodeFrom(d *codec.Decoder) error {
	s.Counter = d.Uint64()
	s.Thread = &interp.Thread{}
	if err := s.Thread.DecodeFrom(d); err != nil {
		return err
	}
	n := d.Count(32)
	s.Heaps = make(map[string]*heap.Heap, n)
	for i := 0; i < n; i++ {
		name := d.String()
		h := &heap.Heap{}
		if err := h.DecodeFrom(d); err != nil {
			return err
		}
		if _, dup := s.Heaps[name]; dup {
			return fmt.Errorf("duplicate heap %q: %w", name, vmerrors.ErrDCorruptState)
		}
		s.Heaps[name] = h
	}
	return d.Err()
}

func (s *State) Bytes() []byte { return codec.MustMarshal(s) }

// Equal compares the serialized forms.
func (s *State) Equal(o *State) bool {
	return bytes.Equal(s.Bytes(), o.Bytes())
}

// DecodeState parses a serialized State. Attach it with VM.SetState.
func DecodeState(data []byte) (*State, error) {
	s := &State{}
	if err := codec.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %w", vmerrors.ErrDCorruptState, err)
	}
	return s, nil
}

type frameJSON struct {
	Module string   `json:"module"`
	Func   uint32   `json:"func"`
	Locals []string `json:"locals"`
}

type stateJSON struct {
	Counter   uint64                       `json:"counter"`
	Calls     []frameJSON                  `json:"calls"`
	Stack     []string                     `json:"stack"`
	Trap      string                       `json:"trap"`
	HeapSizes map[string]uint64            `json:"heapSizes"`
	Chunks    map[string]map[string]string `json:"chunks"`
}

// JSON renders s as a diffable document: frames, one line per instruction
// state, and every heap chunk as hex.
func (s *State) JSON() ([]byte, error) {
	out := stateJSON{
		Counter:   s.Counter,
		Trap:      s.Thread.TrapReason(),
		HeapSizes: make(map[string]uint64),
		Chunks:    make(map[string]map[string]string),
	}
	for i := 0; i < s.Thread.CallDepth(); i++ {
		fs, _ := s.Thread.Frame(i)
		locals := make([]string, len(fs.Locals))
		for j, l := range fs.Locals {
			locals[j] = l.String()
		}
		out.Calls = append(out.Calls, frameJSON{Module: fs.Module, Func: fs.Func, Locals: locals})
	}
	for _, st := range s.Thread.States() {
		out.Stack = append(out.Stack, fmt.Sprintf("frame=%d node=%d sub=%d results=%v pending=%v:%s finished=%v unhandled=%v",
			st.Frame, st.Node, st.SubState, st.Results, st.Pending, st.PendingValue, st.Finished, st.Unhandled))
	}
	for name, h := range s.Heaps {
		out.HeapSizes[name] = h.Size()
		chunks := make(map[string]string)
		for i := uint64(0); i < h.ChunkCount(); i++ {
			chunks[fmt.Sprintf("%06d", i)] = hex.EncodeToString(h.Chunk(i))
		}
		out.Chunks[name] = chunks
	}
	return json.Marshal(out)
}

// DiffStates returns a readable JSON diff of two states, or "" when they
// are equal.
func DiffStates(a, b *State) (string, error) {
	left, err := a.JSON()
	if err != nil {
		return "", err
	}
	right, err := b.JSON()
	if err != nil {
		return "", err
	}
	differ := gojsondiff.New()
	delta, err := differ.Compare(left, right)
	if err != nil {
		return "", fmt.Errorf("error diffing JSON: %w", err)
	}
	if !delta.Modified() {
		return "", nil
	}
	var leftObj map[string]interface{}
	if err := json.Unmarshal(left, &leftObj); err != nil {
		return "", err
	}
	cfg := formatter.AsciiFormatterConfig{ShowArrayIndex: true}
	return formatter.NewAsciiFormatter(leftObj, cfg).Format(delta)
}

// ReplayCheck steps linearly to target, then rewinds to the start and
// simulates to target again. It returns the diff between the two states,
// "" when replay was exact.
func (v *VM) ReplayCheck(target uint64) (string, error) {
	if err := v.SimulateTo(target); err != nil {
		return "", err
	}
	linear := v.State()
	if err := v.SimulateTo(v.checkpointCounters()[0]); err != nil {
		return "", err
	}
	if err := v.SimulateTo(target); err != nil {
		return "", err
	}
	replayed := v.State()
	if linear.Equal(replayed) {
		log.Debug(log.VM, "replay exact", "target", target)
		return "", nil
	}
	diff, err := DiffStates(linear, replayed)
	if err != nil {
		return "", err
	}
	if diff == "" {
		diff = "serialized states differ"
	}
	return diff, nil
}
