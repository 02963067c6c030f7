package interp

import "errors"

// Trap causes. A trap stops the thread but is state, not a step error;
// Thread.TrapError returns one of these, possibly wrapping a heap error.
var (
	ErrTrapUnreachable       = errors.New("unreachable executed")
	ErrTrapDivideByZero      = errors.New("integer divide by zero")
	ErrTrapIntegerOverflow   = errors.New("integer overflow")
	ErrTrapInvalidConversion = errors.New("invalid conversion to integer")
	ErrTrapUndefinedElement  = errors.New("undefined table element")
	ErrTrapIndirectCallType  = errors.New("indirect call signature mismatch")
	ErrTrapMemoryAccess      = errors.New("memory access")
	ErrTrapNative            = errors.New("native call failed")
	ErrTrapAssertion         = errors.New("assertion failed")
)

// trap marks an evaluation error as a program-semantic trap rather than a
// step failure.
type trap struct{ cause error }

func trapped(cause error) error { return &trap{cause: cause} }

func (t *trap) Error() string { return t.cause.Error() }
func (t *trap) Unwrap() error { return t.cause }
