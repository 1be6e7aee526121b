package domain

import "fmt"

// RunError is the unified error type for stimrun.
// Each error has a numeric code and human-readable message.
type RunError struct {
	Code    int
	Message string
	cause   error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("stimrun error %d: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *RunError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a RunError with the same code, so that
// errors.Is(err, ErrHardware) matches any hardware error regardless of message.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewRunError creates a new RunError.
func NewRunError(code int, msg string) *RunError {
	return &RunError{Code: code, Message: msg}
}

// WrapRunError creates a RunError that includes a cause.
func WrapRunError(code int, msg string, cause error) *RunError {
	return &RunError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause), cause: cause}
}

// ---- Configuration errors (-32010 to -32019) ----

var (
	ErrConfigInvalid = &RunError{Code: -32010, Message: "invalid configuration"}
	ErrInfeasible    = &RunError{Code: -32011, Message: "sequence constraints are infeasible"}
)

// ---- Sampling errors (-32020 to -32029) ----

var (
	ErrSamplingExhausted = &RunError{Code: -32020, Message: "rejection sampling exceeded attempt limit"}
)

// ---- Plan / session errors (-32030 to -32039) ----

var (
	ErrPlanInvalid       = &RunError{Code: -32030, Message: "trial plan is invalid"}
	ErrInvalidTransition = &RunError{Code: -32031, Message: "invalid trial state transition"}
	ErrRunFinished       = &RunError{Code: -32032, Message: "run already finished"}
)

// ---- Hardware errors (-32040 to -32049) ----

var (
	ErrHardware            = &RunError{Code: -32040, Message: "hardware collaborator failed"}
	ErrStimulusUnavailable = &RunError{Code: -32041, Message: "stimulus unavailable"}
)

// ---- Store errors (-32130 to -32139) ----

var (
	ErrStoreInit     = &RunError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery    = &RunError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite    = &RunError{Code: -32132, Message: "store write failed"}
	ErrRunNotFound   = &RunError{Code: -32133, Message: "run not found"}
	ErrDuplicateRun  = &RunError{Code: -32134, Message: "run already exists"}
	ErrResultCorrupt = &RunError{Code: -32135, Message: "stored result checksum mismatch"}
)
