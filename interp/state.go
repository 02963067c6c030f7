package interp

import (
	"fmt"

	"github.com/colorfulnotion/wasmstep/codec"
	"github.com/colorfulnotion/wasmstep/ir"
	"github.com/colorfulnotion/wasmstep/vmerrors"
	"golang.org/x/exp/slices"
)

type SignalKind uint8

const (
	SignalNone SignalKind = iota
	SignalReturn
	SignalBranch
	SignalTrap
)

func (k SignalKind) String() string {
	switch k {
	case SignalReturn:
		return "return"
	case SignalBranch:
		return "branch"
	case SignalTrap:
		return "trap"
	default:
		return "none"
	}
}

// Signal is a non-value outcome that travels up the instruction stack.
type Signal struct {
	Kind   SignalKind
	Target ir.BranchTarget
	Value  ir.Value
	Err    error
}

// InstructionState is the evaluation record of one in-flight node.
// SubState counts the child results received so far and drives dispatch.
type InstructionState struct {
	Frame        int // index into the call stack
	Node         int // index into the frame function's arena
	SubState     uint32
	Results      []ir.Value
	Finished     bool
	Unhandled    bool
	Pending      bool // an exit branch landed here; PendingValue is produced next
	PendingValue ir.Value
}

func (s *InstructionState) clone() InstructionState {
	c := *s
	c.Results = slices.Clone(s.Results)
	return c
}

func (s *InstructionState) last() ir.Value {
	if len(s.Results) == 0 {
		return ir.VoidValue
	}
	return s.Results[len(s.Results)-1]
}

func (s *InstructionState) EncodeTo(e *codec.Encoder) {
	e.Uint32(uint32(s.Frame))
	e.Uint32(uint32(s.Node))
	e.Uint32(s.SubState)
	e.Values(s.Results)
	e.Bool(s.Finished)
	e.Bool(s.Unhandled)
	e.Bool(s.Pending)
	e.Value(s.PendingValue)
}

func (s *InstructionState) DecodeFrom(d *codec.Decoder) error {
	s.Frame = int(d.Uint32())
	s.Node = int(d.Uint32())
	s.SubState = d.Uint32()
	s.Results = d.Values()
	s.Finished = d.Bool()
	s.Unhandled = d.Bool()
	s.Pending = d.Bool()
	s.PendingValue = d.Value()
	return d.Err()
}

// FunctionState is one active call.
type FunctionState struct {
	Module string
	Func   uint32
	Locals []ir.Value
}

func (f *FunctionState) clone() FunctionState {
	c := *f
	c.Locals = slices.Clone(f.Locals)
	return c
}

func (f *FunctionState) EncodeTo(e *codec.Encoder) {
	e.String(f.Module)
	e.Uint32(f.Func)
	e.Values(f.Locals)
}

func (f *FunctionState) DecodeFrom(d *codec.Decoder) error {
	f.Module = d.String()
	f.Func = d.Uint32()
	f.Locals = d.Values()
	return d.Err()
}

// Limits bounds the two stacks of a thread.
type Limits struct {
	MaxCallDepth        int
	MaxInstructionDepth int
}

func DefaultLimits() Limits {
	return Limits{MaxCallDepth: 1024, MaxInstructionDepth: 1 << 16}
}

func (l Limits) check() error {
	if l.MaxCallDepth <= 0 || l.MaxInstructionDepth <= 0 {
		return fmt.Errorf("limits %+v: %w", l, vmerrors.ErrDBadArguments)
	}
	return nil
}
