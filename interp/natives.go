package interp

import (
	"fmt"
	"io"
	"sync"

	"github.com/colorfulnotion/wasmstep/heap"
	"github.com/colorfulnotion/wasmstep/ir"
)

// NativeFunc is a host function reachable through CallImport. A returned
// error traps the calling thread.
type NativeFunc func(ctx *NativeContext, args []ir.Value) (ir.Value, error)

// NativeContext is what a native sees of the calling thread.
type NativeContext struct {
	Thread *Thread
	Module string
	Heap   *heap.Heap
}

// Natives maps (module, name) to host functions.
type Natives struct {
	mu  sync.RWMutex
	fns map[string]map[string]NativeFunc
}

func NewNatives() *Natives {
	return &Natives{fns: make(map[string]map[string]NativeFunc)}
}

func (n *Natives) Register(module, name string, fn NativeFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.fns[module]
	if !ok {
		m = make(map[string]NativeFunc)
		n.fns[module] = m
	}
	m[name] = fn
}

func (n *Natives) Lookup(module, name string) (NativeFunc, bool) {
	if n == nil {
		return nil, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	fn, ok := n.fns[module][name]
	return fn, ok
}

// StdNatives registers the stdio and assert modules. stdio writes to out.
func StdNatives(out io.Writer) *Natives {
	n := NewNatives()
	n.Register("stdio", "print_i32", func(_ *NativeContext, args []ir.Value) (ir.Value, error) {
		for _, a := range args {
			fmt.Fprintf(out, "%d\n", a.I32())
		}
		return ir.VoidValue, nil
	})
	n.Register("stdio", "print_i64", func(_ *NativeContext, args []ir.Value) (ir.Value, error) {
		for _, a := range args {
			fmt.Fprintf(out, "%d\n", a.I64())
		}
		return ir.VoidValue, nil
	})
	n.Register("stdio", "print_char", func(_ *NativeContext, args []ir.Value) (ir.Value, error) {
		for _, a := range args {
			fmt.Fprintf(out, "%c", rune(a.I32()))
		}
		return ir.VoidValue, nil
	})
	// print_str(addr, len) writes len bytes of the caller's heap
	n.Register("stdio", "print_str", func(ctx *NativeContext, args []ir.Value) (ir.Value, error) {
		if len(args) != 2 {
			return ir.VoidValue, fmt.Errorf("print_str wants 2 arguments, got %d", len(args))
		}
		b, err := ctx.Heap.Read(uint64(args[0].U32()), uint64(args[1].U32()))
		if err != nil {
			return ir.VoidValue, err
		}
		_, err = out.Write(b)
		return ir.VoidValue, err
	})
	n.Register("assert", "true", func(_ *NativeContext, args []ir.Value) (ir.Value, error) {
		for i, a := range args {
			if !a.IsTrue() {
				return ir.VoidValue, fmt.Errorf("argument %d is zero: %w", i, ErrTrapAssertion)
			}
		}
		return ir.VoidValue, nil
	})
	n.Register("assert", "equal", func(_ *NativeContext, args []ir.Value) (ir.Value, error) {
		if len(args) != 2 || !args[0].Equal(args[1]) {
			return ir.VoidValue, fmt.Errorf("%v: %w", args, ErrTrapAssertion)
		}
		return ir.VoidValue, nil
	})
	return n
}
