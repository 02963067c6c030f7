// Package vm drives an interpreter thread over a set of loaded modules and
// keeps a checkpoint history so execution can be rewound to any earlier
// instruction counter.
package vm

import (
	"fmt"

	"github.com/colorfulnotion/wasmstep/codec"
	"github.com/colorfulnotion/wasmstep/heap"
	"github.com/colorfulnotion/wasmstep/interp"
	"github.com/colorfulnotion/wasmstep/ir"
	"github.com/colorfulnotion/wasmstep/log"
	"github.com/colorfulnotion/wasmstep/trace"
	"github.com/colorfulnotion/wasmstep/vmerrors"
	"golang.org/x/exp/slices"
)

type VM struct {
	cfg     Config
	natives *interp.Natives

	modules map[string]*ir.Module
	heaps   map[string]*heap.Heap
	names   []string // sorted module names

	thread  *interp.Thread
	counter uint64
	history []*checkpoint

	tracer trace.Writer
}

// New returns an empty VM. natives may be nil.
func New(cfg Config, natives *interp.Natives) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v := &VM{
		cfg:     cfg,
		natives: natives,
		modules: make(map[string]*ir.Module),
		heaps:   make(map[string]*heap.Heap),
	}
	th, err := interp.NewThread(v, cfg.limits())
	if err != nil {
		return nil, err
	}
	v.thread = th
	return v, nil
}

func (v *VM) Config() Config { return v.cfg }

// SetTraceWriter sends a record of every completed step to w; nil disables.
func (v *VM) SetTraceWriter(w trace.Writer) { v.tracer = w }

func (v *VM) TraceWriter() trace.Writer { return v.tracer }

// LoadModule finalizes m and creates its heap from the declared memory and
// data segments. Loading resets the history.
func (v *VM) LoadModule(m *ir.Module) error {
	if _, ok := v.modules[m.Name]; ok {
		return fmt.Errorf("module %q already loaded: %w", m.Name, vmerrors.ErrDBadArguments)
	}
	if err := m.Finalize(); err != nil {
		return err
	}
	maxSize := m.Memory.Max
	if maxSize < m.Memory.Initial {
		maxSize = m.Memory.Initial
	}
	h, err := heap.New(m.Memory.Initial, maxSize, v.cfg.ChunkSize)
	if err != nil {
		return fmt.Errorf("module %s: %w", m.Name, err)
	}
	for i, seg := range m.Memory.Segments {
		if err := h.Write(seg.Offset, seg.Data); err != nil {
			return fmt.Errorf("module %s segment %d: %w", m.Name, i, err)
		}
	}
	v.modules[m.Name] = m
	v.heaps[m.Name] = h
	v.names = append(v.names, m.Name)
	slices.Sort(v.names)
	v.resetHistory()
	log.Debug(log.VM, "module loaded", "module", m.Name, "functions", len(m.Functions), "heap", h.Size())
	return nil
}

// LoadModules loads each module in order.
func (v *VM) LoadModules(ms ...*ir.Module) error {
	for _, m := range ms {
		if err := v.LoadModule(m); err != nil {
			return err
		}
	}
	return nil
}

// StartAtFunction starts the thread at an exported function (or, failing
// that, a function with the given name) and resets the counter and history.
func (v *VM) StartAtFunction(module, function string, args []ir.Value) error {
	m, ok := v.modules[module]
	if !ok {
		return fmt.Errorf("module %q: %w", module, vmerrors.ErrDUnknownModule)
	}
	idx, _, ok := m.Lookup(function)
	if !ok {
		found := false
		for i, f := range m.Functions {
			if f.Name == function {
				idx, found = uint32(i), true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s.%s: %w", module, function, vmerrors.ErrDUnknownExport)
		}
	}
	if err := v.thread.Start(module, idx, args); err != nil {
		return err
	}
	v.counter = 0
	v.resetHistory()
	log.Debug(log.VM, "started", "module", module, "function", function, "args", args)
	return nil
}

// Module, Heap, Native and MarkExternal make the VM the thread's Env.

func (v *VM) Module(name string) *ir.Module { return v.modules[name] }
func (v *VM) Heap(module string) *heap.Heap { return v.heaps[module] }

func (v *VM) Native(module, name string) (interp.NativeFunc, bool) {
	return v.natives.Lookup(module, name)
}

// MarkExternal flags the current checkpoint window as influenced by state
// outside the modelled heaps and thread.
func (v *VM) MarkExternal() {
	if len(v.history) > 0 {
		v.history[len(v.history)-1].external = true
	}
}

// ModuleNames returns the loaded module names in sorted order.
func (v *VM) ModuleNames() []string { return slices.Clone(v.names) }

func (v *VM) Counter() uint64        { return v.counter }
func (v *VM) Thread() *interp.Thread { return v.thread }
func (v *VM) CanStep() bool          { return v.thread.CanStep() }
func (v *VM) Finished() bool         { return v.thread.Finished() }
func (v *VM) Result() ir.Value       { return v.thread.Result() }
func (v *VM) GotTrap() bool          { return v.thread.GotTrap() }
func (v *VM) TrapReason() string     { return v.thread.TrapReason() }
func (v *VM) TrapError() error       { return v.thread.TrapError() }
func (v *VM) ThreadBytes() []byte    { return codec.MustMarshal(v.thread) }
func (v *VM) History() []uint64      { return v.checkpointCounters() }
func (v *VM) HeapSize(name string) uint64 {
	if h, ok := v.heaps[name]; ok {
		return h.Size()
	}
	return 0
}

// Step advances the thread by one step and the counter by one. Errors leave
// the counter unchanged.
func (v *VM) Step() error {
	if err := v.thread.Step(); err != nil {
		return err
	}
	v.counter++
	if v.tracer != nil {
		if err := v.tracer.WriteStep(v.stepRecord()); err != nil {
			log.Warn(log.VM, "trace write failed", "counter", v.counter, "err", err)
		}
	}
	if v.cfg.CheckpointInterval > 0 && v.counter%v.cfg.CheckpointInterval == 0 {
		v.AddCheckpoint()
	}
	return nil
}

// StepN steps at most n times and returns how many steps ran. It stops
// early without error when the thread can no longer step.
func (v *VM) StepN(n uint64) (uint64, error) {
	var done uint64
	for done < n && v.thread.CanStep() {
		if err := v.Step(); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// StepUntilFinished steps until the thread finishes or traps.
func (v *VM) StepUntilFinished() error {
	for v.thread.CanStep() {
		if err := v.Step(); err != nil {
			return err
		}
	}
	if err := v.thread.Fatal(); err != nil {
		return err
	}
	return nil
}

func (v *VM) stepRecord() *trace.Step {
	rec := &trace.Step{
		Counter:   v.counter,
		Depth:     v.thread.InstructionDepth(),
		CallDepth: v.thread.CallDepth(),
		Finished:  v.thread.Finished(),
		Trap:      v.thread.TrapReason(),
	}
	if top, ok := v.thread.Top(); ok {
		if fs, ok := v.thread.Frame(top.Frame); ok {
			rec.Module = fs.Module
			rec.Node = top.Node
			if f := v.modules[fs.Module].Function(fs.Func); f != nil {
				rec.Function = f.Name
				rec.Op = f.Label(top.Node)
			}
			if h := v.heaps[fs.Module]; h != nil {
				rec.HeapSize = h.Size()
				if p := h.Patch(); p != nil {
					rec.WindowChunks = p.Touched()
				}
			}
		}
	}
	return rec
}
