// Package errors provides the engine error taxonomy and RFC 7807 problem details for the admin API
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Error kinds. Each kind implies a handling policy at the call site.
const (
	KindConnectivity = "connectivity" // venue unreachable or timed out; retried with backoff
	KindBalance      = "balance"      // insufficient funds on placement; safety escalation
	KindValidation   = "validation"   // rejected synchronously, never retried
	KindPartialFill  = "partial_fill" // one arbitrage leg failed
	KindFatal        = "fatal"        // aborts strategy start
	KindNotFound     = "not_found"
	KindConflict     = "conflict"
)

var (
	Connectivity = NewWithKind(KindConnectivity)
	Balance      = NewWithKind(KindBalance)
	Validation   = NewWithKind(KindValidation)
	PartialFill  = NewWithKind(KindPartialFill)
	Fatal        = NewWithKind(KindFatal)
	NotFound     = NewWithKind(KindNotFound)
	Conflict     = NewWithKind(KindConflict)
)

// Error is a custom error type carrying a kind
type Error struct {
	// Kind is the taxonomy class of the error
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: "unknown", Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap makes a copy of the error with the given cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	e.trace = stack[:n]
	return e
}

// Is implements the needed interface for errors.Is.
// Two *Error values match when their kinds match.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// KindOf returns the kind of the first *Error in the chain, or "" when none
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the error class should be retried by the run loop
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindFatal:
		return false
	}
	return true
}
