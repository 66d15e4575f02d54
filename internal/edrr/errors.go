package edrr

import (
	"errors"
	"fmt"
)

// ErrCycleArchived is returned by Advance on a cycle that already finished.
var ErrCycleArchived = errors.New("cycle archived")

// PhaseExecutionError wraps a failure of the executor inside one phase.
type PhaseExecutionError struct {
	CycleID     string
	Phase       Phase
	Recoverable bool
	Err         error
}

func (e *PhaseExecutionError) Error() string {
	kind := "unrecoverable"
	if e.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("cycle %s %s phase failed (%s): %v", e.CycleID, e.Phase, kind, e.Err)
}

func (e *PhaseExecutionError) Unwrap() error {
	return e.Err
}

// IsPhaseExecutionError reports whether err wraps a *PhaseExecutionError.
func IsPhaseExecutionError(err error) bool {
	var pe *PhaseExecutionError
	return errors.As(err, &pe)
}

type unrecoverable struct{ err error }

func (u unrecoverable) Error() string { return u.err.Error() }
func (u unrecoverable) Unwrap() error { return u.err }

// Unrecoverable marks an executor error so no recovery is attempted.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return unrecoverable{err: err}
}

func isUnrecoverable(err error) bool {
	var u unrecoverable
	return errors.As(err, &u)
}

// RecursionLimitError reports a child cycle that would exceed MaxRecursionDepth.
type RecursionLimitError struct {
	CycleID string
	Depth   int
	Max     int
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("cycle %s at depth %d cannot recurse: max recursion depth is %d", e.CycleID, e.Depth, e.Max)
}

// IsRecursionLimit reports whether err wraps a *RecursionLimitError.
func IsRecursionLimit(err error) bool {
	var re *RecursionLimitError
	return errors.As(err, &re)
}
