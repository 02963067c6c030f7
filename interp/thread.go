// Package interp steps one logical thread through a module's instruction
// arena. Every step either descends into a child, produces a value for the
// parent, or raises a signal that is handled further up the stack.
package interp

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/wasmstep/codec"
	"github.com/colorfulnotion/wasmstep/heap"
	"github.com/colorfulnotion/wasmstep/ir"
	"github.com/colorfulnotion/wasmstep/log"
	"github.com/colorfulnotion/wasmstep/vmerrors"
	"github.com/xlab/treeprint"
	"golang.org/x/exp/slices"
)

// Env gives a thread access to the loaded modules, their heaps and the host
// functions. MarkExternal is called after every completed native call.
type Env interface {
	Module(name string) *ir.Module
	Heap(module string) *heap.Heap
	Native(module, name string) (NativeFunc, bool)
	MarkExternal()
}

type Thread struct {
	env    Env
	limits Limits

	calls []FunctionState
	stack []InstructionState

	trapped    bool
	trapReason string
	trapErr    error
	fatal      error
}

func NewThread(env Env, limits Limits) (*Thread, error) {
	if err := limits.check(); err != nil {
		return nil, err
	}
	return &Thread{env: env, limits: limits}, nil
}

// Attach rebinds a decoded or cloned thread to an environment.
func (t *Thread) Attach(env Env, limits Limits) {
	t.env = env
	t.limits = limits
}

// Start pushes the root of module.fn with the given arguments. Any previous
// execution state is discarded.
func (t *Thread) Start(module string, fn uint32, args []ir.Value) error {
	m := t.env.Module(module)
	if m == nil {
		return fmt.Errorf("module %q: %w", module, vmerrors.ErrDUnknownModule)
	}
	f := m.Function(fn)
	if f == nil {
		return fmt.Errorf("%s func %d: %w", module, fn, vmerrors.ErrVUnknownFunction)
	}
	if !f.Variadic {
		if len(args) != len(f.Type.Params) {
			return fmt.Errorf("%s.%s wants %d arguments, got %d: %w", module, f.Name, len(f.Type.Params), len(args), vmerrors.ErrDBadArguments)
		}
		for i, a := range args {
			if a.Kind() != f.Type.Params[i] {
				return fmt.Errorf("%s.%s argument %d is %s, want %s: %w", module, f.Name, i, a.Kind(), f.Type.Params[i], vmerrors.ErrDBadArguments)
			}
		}
	}
	t.calls, t.stack = nil, nil
	t.trapped, t.trapReason, t.trapErr, t.fatal = false, "", nil, nil
	return t.enter(module, fn, args)
}

// enter pushes a call frame and the callee's root state. Limits are checked
// before anything is mutated.
func (t *Thread) enter(module string, fn uint32, args []ir.Value) error {
	m := t.env.Module(module)
	if m == nil {
		return fmt.Errorf("module %q: %w", module, vmerrors.ErrDUnknownModule)
	}
	f := m.Function(fn)
	if f == nil {
		return fmt.Errorf("%s func %d: %w", module, fn, vmerrors.ErrVUnknownFunction)
	}
	if len(t.calls) >= t.limits.MaxCallDepth {
		return fmt.Errorf("call depth %d entering %s.%s: %w", len(t.calls), module, f.Name, vmerrors.ErrRStackLimitReached)
	}
	if len(t.stack) >= t.limits.MaxInstructionDepth {
		return fmt.Errorf("instruction depth %d: %w", len(t.stack), vmerrors.ErrRInstructionStackLimitReached)
	}
	locals := make([]ir.Value, 0, len(args)+len(f.Locals))
	locals = append(locals, args...)
	for _, k := range f.Locals {
		locals = append(locals, ir.Zero(k))
	}
	t.calls = append(t.calls, FunctionState{Module: module, Func: fn, Locals: locals})
	t.stack = append(t.stack, InstructionState{Frame: len(t.calls) - 1, Node: f.Root})
	return nil
}

// CanStep reports whether Step can make progress.
func (t *Thread) CanStep() bool {
	if t.fatal != nil || t.trapped || len(t.stack) == 0 {
		return false
	}
	top := &t.stack[len(t.stack)-1]
	return !top.Finished && !top.Unhandled
}

// Step performs one unit of progress. Validation errors break the thread
// for good; limit errors leave it unchanged.
func (t *Thread) Step() error {
	if !t.CanStep() {
		if t.fatal != nil {
			return fmt.Errorf("%w: %w", vmerrors.ErrDCannotStep, t.fatal)
		}
		return vmerrors.ErrDCannotStep
	}
	defer pinRounding()()

	err := t.step()
	if err != nil && (vmerrors.IsFatal(err) || errors.Is(err, vmerrors.ErrDUnknownImport)) {
		t.fatal = err
		log.Error(log.Interp, "thread broken", "err", err)
	}
	return err
}

func (t *Thread) step() error {
	st := &t.stack[len(t.stack)-1]
	f := t.function(st.Frame)
	if st.Node < 0 || st.Node >= len(f.Nodes) {
		return fmt.Errorf("node %d of %s: %w", st.Node, f.Name, vmerrors.ErrVUnknownInstruction)
	}
	n := f.Node(st.Node)
	if log.IsModuleEnabled(log.Interp) {
		log.Trace(log.Interp, "step", "depth", len(t.stack), "frame", st.Frame, "node", st.Node, "op", f.Label(st.Node), "sub", st.SubState)
	}
	if st.Pending {
		v := st.PendingValue
		if !t.isRoot(len(t.stack) - 1) {
			v = coerce(n.Type, v)
		}
		return t.produce(v)
	}
	out, err := t.exec(st, f, n)
	if err != nil {
		return err
	}
	switch out.act {
	case actDescend:
		if len(t.stack) >= t.limits.MaxInstructionDepth {
			return fmt.Errorf("instruction depth %d: %w", len(t.stack), vmerrors.ErrRInstructionStackLimitReached)
		}
		t.stack = append(t.stack, InstructionState{Frame: st.Frame, Node: out.child})
		return nil
	case actProduce:
		return t.produce(out.value)
	case actSignal:
		return t.raise(out.signal)
	case actCall:
		return t.call(out.call)
	}
	return fmt.Errorf("outcome %d: %w", out.act, vmerrors.ErrVUnknownInstruction)
}

// produce pops the top state and hands v to its parent, or to the caller
// when the top state is a function root.
func (t *Thread) produce(v ir.Value) error {
	top := len(t.stack) - 1
	st := &t.stack[top]
	if t.isRoot(top) {
		f := t.function(st.Frame)
		switch {
		case f.Type.Result == ir.Void:
			v = ir.VoidValue
		case v.Kind() != f.Type.Result:
			return fmt.Errorf("%s returned %s, want %s: %w", f.Name, v.Kind(), f.Type.Result, vmerrors.ErrVIncompatibleChildType)
		}
		if top == 0 {
			st.Finished = true
			st.Pending = false
			st.Results = []ir.Value{v}
			log.Debug(log.Interp, "thread finished", "result", v)
			return nil
		}
		t.stack = t.stack[:top]
		t.calls = t.calls[:len(t.calls)-1]
		parent := &t.stack[top-1]
		parent.Results = append(parent.Results, v)
		parent.SubState++
		return nil
	}

	parent := &t.stack[top-1]
	pn := t.function(parent.Frame).Node(parent.Node)
	if pos := slices.Index(pn.Children, st.Node); pos >= 0 && pos < len(pn.ChildTypes) {
		if want := pn.ChildTypes[pos]; want != ir.Any && want != v.Kind() {
			return fmt.Errorf("%s child %d produced %s, want %s: %w", pn.Op, pos, v.Kind(), want, vmerrors.ErrVIncompatibleChildType)
		}
	}
	t.stack = t.stack[:top]
	switch pn.Op {
	case ir.OpBlock, ir.OpLoop, ir.OpCase:
		parent.Results = append(parent.Results[:0], v)
	default:
		parent.Results = append(parent.Results, v)
	}
	parent.SubState++
	return nil
}

// raise delivers a signal in a single step: the stack is cut back to the
// state that handles it.
func (t *Thread) raise(sig Signal) error {
	top := len(t.stack) - 1
	frame := t.stack[top].Frame
	switch sig.Kind {
	case SignalTrap:
		t.stack[top].Unhandled = true
		t.trapped = true
		t.trapErr = sig.Err
		t.trapReason = sig.Err.Error()
		log.Debug(log.Interp, "trap", "reason", t.trapReason, "node", t.stack[top].Node)
		return nil
	case SignalBranch:
		for i := top; i >= 0 && t.stack[i].Frame == frame; i-- {
			if t.stack[i].Node != sig.Target.Node {
				continue
			}
			t.stack = t.stack[:i+1]
			st := &t.stack[i]
			if sig.Target.Continue {
				st.SubState = 0
				st.Results = nil
			} else {
				st.Pending = true
				st.PendingValue = sig.Value
			}
			return nil
		}
		return fmt.Errorf("branch to #%d: %w", sig.Target.Node, vmerrors.ErrVUnresolvedBranch)
	case SignalReturn:
		i := top
		for i > 0 && t.stack[i-1].Frame == frame {
			i--
		}
		t.stack = t.stack[:i+1]
		t.stack[i].Pending = true
		t.stack[i].PendingValue = sig.Value
		return nil
	}
	return nil
}

// call runs a native in place or pushes a callee frame.
func (t *Thread) call(c callTarget) error {
	if c.native == nil {
		return t.enter(c.module, c.fn, c.args)
	}
	caller := t.calls[t.stack[len(t.stack)-1].Frame].Module
	ctx := &NativeContext{Thread: t, Module: caller, Heap: t.env.Heap(caller)}
	v, err := c.native(ctx, c.args)
	t.env.MarkExternal()
	if err != nil {
		return t.raise(Signal{Kind: SignalTrap, Err: fmt.Errorf("%s: %w: %w", c.name, ErrTrapNative, err)})
	}
	switch {
	case c.result == ir.Void:
		v = ir.VoidValue
	case v.Kind() != c.result:
		return fmt.Errorf("native %s returned %s, want %s: %w", c.name, v.Kind(), c.result, vmerrors.ErrVIncompatibleChildType)
	}
	return t.produce(v)
}

// isRoot reports whether stack[i] is the root state of its call.
func (t *Thread) isRoot(i int) bool {
	return i == 0 || t.stack[i-1].Frame != t.stack[i].Frame
}

func (t *Thread) function(frame int) *ir.Function {
	fs := &t.calls[frame]
	return t.env.Module(fs.Module).Function(fs.Func)
}

func coerce(k ir.Kind, v ir.Value) ir.Value {
	if k == ir.Void {
		return ir.VoidValue
	}
	return v
}

func (t *Thread) Finished() bool {
	return len(t.stack) == 1 && t.stack[0].Finished
}

// Result is the value the entry function returned once Finished.
func (t *Thread) Result() ir.Value {
	if !t.Finished() || len(t.stack[0].Results) == 0 {
		return ir.VoidValue
	}
	return t.stack[0].Results[0]
}

func (t *Thread) GotTrap() bool      { return t.trapped }
func (t *Thread) TrapReason() string { return t.trapReason }

// TrapError returns the trap cause. After decoding only the reason text
// survives.
func (t *Thread) TrapError() error {
	if !t.trapped {
		return nil
	}
	if t.trapErr == nil {
		return errors.New(t.trapReason)
	}
	return t.trapErr
}

// Fatal returns the validation error that broke the thread, if any.
func (t *Thread) Fatal() error { return t.fatal }

func (t *Thread) CallDepth() int        { return len(t.calls) }
func (t *Thread) InstructionDepth() int { return len(t.stack) }

// Top returns a copy of the innermost instruction state.
func (t *Thread) Top() (InstructionState, bool) {
	if len(t.stack) == 0 {
		return InstructionState{}, false
	}
	return t.stack[len(t.stack)-1].clone(), true
}

// States returns copies of the instruction stack, bottom first.
func (t *Thread) States() []InstructionState {
	out := make([]InstructionState, len(t.stack))
	for i := range t.stack {
		out[i] = t.stack[i].clone()
	}
	return out
}

// Frame returns a copy of the call at depth i.
func (t *Thread) Frame(i int) (FunctionState, bool) {
	if i < 0 || i >= len(t.calls) {
		return FunctionState{}, false
	}
	return t.calls[i].clone(), true
}

// CurrentModule is the module of the innermost call.
func (t *Thread) CurrentModule() string {
	if len(t.calls) == 0 {
		return ""
	}
	return t.calls[len(t.calls)-1].Module
}

// Clone deep-copies the execution state, keeping env and limits.
func (t *Thread) Clone() *Thread {
	c := &Thread{
		env:        t.env,
		limits:     t.limits,
		trapped:    t.trapped,
		trapReason: t.trapReason,
		trapErr:    t.trapErr,
		fatal:      t.fatal,
		calls:      make([]FunctionState, len(t.calls)),
		stack:      make([]InstructionState, len(t.stack)),
	}
	for i := range t.calls {
		c.calls[i] = t.calls[i].clone()
	}
	for i := range t.stack {
		c.stack[i] = t.stack[i].clone()
	}
	return c
}

// Tree renders the call and instruction stacks.
func (t *Thread) Tree() treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("thread calls=%d states=%d trapped=%v", len(t.calls), len(t.stack), t.trapped))
	branches := make([]treeprint.Tree, len(t.calls))
	for i, fs := range t.calls {
		name := fmt.Sprintf("%s.%d", fs.Module, fs.Func)
		if t.env != nil {
			if m := t.env.Module(fs.Module); m != nil && m.Function(fs.Func) != nil {
				name = fmt.Sprintf("%s.%s", fs.Module, m.Function(fs.Func).Name)
			}
		}
		branches[i] = tree.AddBranch(fmt.Sprintf("call %s locals=%v", name, fs.Locals))
	}
	for _, st := range t.stack {
		label := fmt.Sprintf("#%d", st.Node)
		if t.env != nil {
			label = fmt.Sprintf("#%d %s", st.Node, t.function(st.Frame).Label(st.Node))
		}
		label = fmt.Sprintf("%s sub=%d results=%v", label, st.SubState, st.Results)
		if st.Pending {
			label += fmt.Sprintf(" pending=%s", st.PendingValue)
		}
		if st.Unhandled {
			label += " unhandled"
		}
		if st.Frame < len(branches) {
			branches[st.Frame].AddNode(label)
		}
	}
	return tree
}

// EncodeTo writes the call stack, the instruction stack, the trap state
// and the message of a fatal error that broke the thread. Env and limits
// are not part of the encoding.
func (t *Thread) EncodeTo(e *codec.Encoder) {
	e.Uint64(uint64(len(t.calls)))
	for i := range t.calls {
		t.calls[i].EncodeTo(e)
	}
	e.Uint64(uint64(len(t.stack)))
	for i := range t.stack {
		t.stack[i].EncodeTo(e)
	}
	e.Bool(t.trapped)
	e.String(t.trapReason)
	broken := ""
	if t.fatal != nil {
		broken = t.fatal.Error()
	}
	e.String(broken)
}

func (t *Thread) DecodeFrom(d *codec.Decoder) error {
	calls := make([]FunctionState, d.Count(20))
	for i := range calls {
		if err := calls[i].DecodeFrom(d); err != nil {
			return err
		}
	}
	stack := make([]InstructionState, d.Count(24))
	for i := range stack {
		if err := stack[i].DecodeFrom(d); err != nil {
			return err
		}
		if stack[i].Frame >= len(calls) {
			return fmt.Errorf("state %d frame %d of %d: %w", i, stack[i].Frame, len(calls), vmerrors.ErrDCorruptState)
		}
	}
	trapped := d.Bool()
	trapReason := d.String()
	broken := d.String()
	if err := d.Err(); err != nil {
		return err
	}
	if len(stack) > 0 && stack[len(stack)-1].Frame != len(calls)-1 {
		return fmt.Errorf("top state frame %d of %d: %w", stack[len(stack)-1].Frame, len(calls), vmerrors.ErrDCorruptState)
	}
	t.calls, t.stack = calls, stack
	t.trapped, t.trapReason = trapped, trapReason
	// a decoded fatal error keeps its message but not its sentinel
	t.trapErr, t.fatal = nil, nil
	if broken != "" {
		t.fatal = errors.New(broken)
	}
	return nil
}

// Validate checks a decoded thread against the modules of its Env: every
// frame must name a loaded function with matching locals, frames must be
// entered at their root, and every instruction state must name a node of
// its function with a result count its step position allows.
func (t *Thread) Validate() error {
	for i, fs := range t.calls {
		m := t.env.Module(fs.Module)
		if m == nil {
			return fmt.Errorf("frame %d module %q: %w", i, fs.Module, vmerrors.ErrDCorruptState)
		}
		f := m.Function(fs.Func)
		if f == nil {
			return fmt.Errorf("frame %d function %s.%d: %w", i, fs.Module, fs.Func, vmerrors.ErrDCorruptState)
		}
		kinds := f.LocalTypes()
		if len(kinds) != len(fs.Locals) {
			return fmt.Errorf("frame %d has %d locals, %s wants %d: %w", i, len(fs.Locals), f.Name, len(kinds), vmerrors.ErrDCorruptState)
		}
		for j, k := range kinds {
			if fs.Locals[j].Kind() != k {
				return fmt.Errorf("frame %d local %d is %s, want %s: %w", i, j, fs.Locals[j].Kind(), k, vmerrors.ErrDCorruptState)
			}
		}
	}
	for i := range t.stack {
		st := &t.stack[i]
		prev := 0
		if i > 0 {
			prev = t.stack[i-1].Frame
		}
		if d := st.Frame - prev; d < 0 || d > 1 || (i == 0 && st.Frame != 0) {
			return fmt.Errorf("state %d frame %d after frame %d: %w", i, st.Frame, prev, vmerrors.ErrDCorruptState)
		}
		f := t.function(st.Frame)
		if st.Node < 0 || st.Node >= len(f.Nodes) {
			return fmt.Errorf("state %d node %d of %d in %s: %w", i, st.Node, len(f.Nodes), f.Name, vmerrors.ErrDCorruptState)
		}
		if t.isRoot(i) && st.Node != f.Root {
			return fmt.Errorf("state %d enters %s at node %d, root is %d: %w", i, f.Name, st.Node, f.Root, vmerrors.ErrDCorruptState)
		}
		if st.Finished || st.Pending {
			continue
		}
		n := f.Node(st.Node)
		want := int(st.SubState)
		switch n.Op {
		case ir.OpBlock, ir.OpLoop, ir.OpCase:
			want = min(want, 1)
		}
		// a call node counts the callee's result past its children
		if int(st.SubState) > len(n.Children)+1 || len(st.Results) != want {
			return fmt.Errorf("state %d at %s: sub %d with %d results: %w", i, f.Label(st.Node), st.SubState, len(st.Results), vmerrors.ErrDCorruptState)
		}
	}
	if len(t.stack) == 0 && len(t.calls) > 0 {
		return fmt.Errorf("%d frames without states: %w", len(t.calls), vmerrors.ErrDCorruptState)
	}
	return nil
}
