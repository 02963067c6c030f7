package vmerrors

import (
	"errors"
	"strings"
)

// Validation (V) Errors: must never occur against a validated instruction tree.
var (
	ErrVIncompatibleChildType = errors.New("V1|IncompatibleChildType: A child evaluated to a type its parent does not accept.")
	ErrVWrongChildCount       = errors.New("V2|WrongChildCount: An instruction has the wrong number of children.")
	ErrVUnknownInstruction    = errors.New("V3|UnknownInstruction: The executor cannot handle this instruction kind.")
	ErrVUnresolvedBranch      = errors.New("V4|UnresolvedBranch: A branch signal found no enclosing target.")
	ErrVUnknownFunction       = errors.New("V5|UnknownFunction: A call refers to a function index that does not exist.")
	ErrVUnknownLocal          = errors.New("V6|UnknownLocal: A local index is out of range for the current function.")
)

// Resource limit (R) Errors
var (
	ErrRStackLimitReached            = errors.New("R1|StackLimitReached: The call stack depth limit was exceeded.")
	ErrRInstructionStackLimitReached = errors.New("R2|InstructionStackLimitReached: The instruction stack depth limit was exceeded.")
)

// Memory access (M) Errors
var (
	ErrMOutOfBounds          = errors.New("M1|OutOfBounds: Heap access past the current heap size.")
	ErrMOverflowInHeapAccess = errors.New("M2|OverflowInHeapAccess: Heap address arithmetic overflowed.")
	ErrMIllegalHeapResize    = errors.New("M3|IllegalHeapResize: Heap resize outside of [0, max size].")
)

// Halting (H) Errors
var (
	ErrHCantMakeHaltingDecision = errors.New("H1|CantMakeHaltingDecision: Execution was influenced by external state.")
)

// Driver (D) Errors
var (
	ErrDCannotStep    = errors.New("D1|CannotStep: The thread is finished, trapped or broken.")
	ErrDNoCheckpoint  = errors.New("D2|NoCheckpoint: No checkpoint covers the requested instruction counter.")
	ErrDUnknownExport = errors.New("D3|UnknownExport: The module does not export the requested function.")
	ErrDUnknownImport = errors.New("D4|UnknownImport: No native or module export satisfies the import.")
	ErrDCorruptState  = errors.New("D5|CorruptState: A serialized state could not be decoded.")
	ErrDUnknownModule = errors.New("D6|UnknownModule: No module with that name is loaded.")
	ErrDBadArguments  = errors.New("D7|BadArguments: Arguments do not match the function signature.")
)

// IsFatal reports whether err is a validation error that aborts the run.
func IsFatal(err error) bool {
	for _, e := range []error{ErrVIncompatibleChildType, ErrVWrongChildCount, ErrVUnknownInstruction,
		ErrVUnresolvedBranch, ErrVUnknownFunction, ErrVUnknownLocal} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// IsResourceLimit reports whether err is a stack depth limit error.
func IsResourceLimit(err error) bool {
	return errors.Is(err, ErrRStackLimitReached) || errors.Is(err, ErrRInstructionStackLimitReached)
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	if len(parts) < 2 {
		return errStr
	}
	// Split on ':' to separate the error name from its description.
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	code := strings.TrimSpace(parts[0])
	// wrapped errors carry their context before the code
	if i := strings.LastIndex(code, " "); i >= 0 {
		code = code[i+1:]
	}
	return code
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	parts := strings.SplitN(err.Error(), ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
