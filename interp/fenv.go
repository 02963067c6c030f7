package interp

import "sync/atomic"

// RoundingMode is an IEEE-754 rounding direction.
type RoundingMode int32

const (
	RoundNearestEven RoundingMode = iota
	RoundTowardZero
	RoundUpward
	RoundDownward
)

// roundingMode is bookkeeping, not a hardware control. Go float operations
// always round to nearest-even and nothing in the interpreter reads this
// value, so pinning it cannot change a result. It records the mode a step
// expects so natives that switch the hardware mode can be checked against
// it, and every step puts the caller's mode back on every exit path.
var roundingMode atomic.Int32

// CurrentRoundingMode returns the recorded process-wide mode.
func CurrentRoundingMode() RoundingMode {
	return RoundingMode(roundingMode.Load())
}

// SetRoundingMode records a new mode and returns the previous one.
func SetRoundingMode(m RoundingMode) RoundingMode {
	return RoundingMode(roundingMode.Swap(int32(m)))
}

// pinRounding records round-to-nearest and returns the function restoring
// the previous recorded mode.
func pinRounding() func() {
	prev := SetRoundingMode(RoundNearestEven)
	return func() { SetRoundingMode(prev) }
}
