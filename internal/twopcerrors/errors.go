// Package twopcerrors defines the caller-distinguishable error kinds of
// spec.md §7, following the teacher's style of small typed errors
// (engine.ConstraintError) rather than ad hoc fmt.Errorf sentinels for
// conditions callers must branch on.
package twopcerrors

import "fmt"

// Kind enumerates the error conditions a caller of this module needs to
// distinguish programmatically.
type Kind string

const (
	KindInvalidParameter        Kind = "invalid_parameter"
	KindObjectNotInPrerequisite Kind = "object_not_in_prerequisite_state"
	KindDuplicateObject         Kind = "duplicate_object"
	KindOutOfMemory             Kind = "out_of_memory"
	KindUndefinedObject         Kind = "undefined_object"
	KindInsufficientPrivilege   Kind = "insufficient_privilege"
	KindFeatureNotSupported     Kind = "feature_not_supported"
	KindDataCorrupted           Kind = "data_corrupted"
	KindProgramLimitExceeded    Kind = "program_limit_exceeded"
)

// Error is the concrete error type returned for every Kind above.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Kind, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is supports errors.Is(err, &Error{Kind: K}) by comparing only Kind,
// so callers can write
// errors.Is(err, twopcerrors.New(KindObjectNotInPrerequisite, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithHint attaches an operator-facing hint, used for the data-corrupted
// failover hint of spec.md §7.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Busy is a KindObjectNotInPrerequisite error specialized for an entry
// another backend currently holds locked (spec §4.2 lock_for_finish).
func Busy(gid string) *Error {
	return New(KindObjectNotInPrerequisite, "prepared transaction %q is being finished by another backend", gid)
}

// CriticalFailure is the value panic() is called with for any failure
// inside the critical sections of end_prepare or finish_prepared
// (spec.md §4.3, §7: "PANIC ... process termination; crash recovery
// replays"). It is never recovered by this module — only the top-level
// connection handler in internal/server catches it long enough to log
// and then calls os.Exit, so a crash actually crashes.
type CriticalFailure struct {
	XID   uint32
	GID   string
	Step  string
	Cause error
}

func (c CriticalFailure) Error() string {
	return fmt.Sprintf("PANIC: xid=%d gid=%q step=%q: %v", c.XID, c.GID, c.Step, c.Cause)
}
