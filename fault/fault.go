// CLAUDE:SUMMARY Typed error taxonomy shared by perception, resolution, action execution and session coordination.
// Package fault defines the error taxonomy surfaced by dompilot. Every error
// that crosses a component boundary carries a Code so callers can tell
// "target not met" apart from "could not run at all" without string matching.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code string

const (
	TargetNotFound        Code = "target_not_found"
	ActionPrimitiveFailed Code = "action_primitive_failed"
	VerificationFailed    Code = "verification_failed"
	Timeout               Code = "timeout"
	Cancelled             Code = "cancelled"
	CacheUnavailable      Code = "cache_unavailable"
	SessionNotFound       Code = "session_not_found"
	ResourceExhausted     Code = "resource_exhausted"
	PerceptionFailed      Code = "perception_failed"
	InvalidRequest        Code = "invalid_request"
)

// Error is a classified failure. Op names the operation that failed
// ("cache: get", "session: acquire"...).
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so that
// errors.Is(err, fault.New(fault.Timeout, "", nil)) works as a class check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds a classified error.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the Code carried by err, or "" when err is unclassified.
// Context errors are classified as Timeout or Cancelled.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancelled
	}
	return ""
}

// Has reports whether err is classified with code.
func Has(err error, code Code) bool {
	return CodeOf(err) == code
}

// FromContext classifies err using the state of ctx: a cancelled parent
// context wins over whatever the callee returned, then deadline errors
// become Timeout. Anything else is classified as fallback.
func FromContext(ctx context.Context, op string, err error, fallback Code) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return New(Cancelled, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return New(Timeout, op, err)
	case errors.Is(err, context.Canceled):
		return New(Cancelled, op, err)
	}
	return New(fallback, op, err)
}
