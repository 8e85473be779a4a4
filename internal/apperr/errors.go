// Package apperr defines the worker's error codes and the single policy that
// maps a processing failure to an acknowledgment action.
package apperr

import (
	"context"
	"errors"
	"strings"
)

// Code categorizes a failure
type Code string

const (
	CodeInternal              Code = "INTERNAL"
	CodeMalformedEvent        Code = "MALFORMED_EVENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeStorage               Code = "STORAGE"
	CodeBroker                Code = "BROKER"
	CodeEngineFailure         Code = "ENGINE_FAILURE"
	CodeEngineTimeout         Code = "ENGINE_TIMEOUT"
	CodeMissingOutput         Code = "MISSING_OUTPUT"
	CodeFilesystem            Code = "FILESYSTEM"
	CodeLocked                Code = "LOCKED"
	CodeDependencyUnavailable Code = "DEPENDENCY_UNAVAILABLE"
)

// Error is a coded error with the operation that produced it
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("]")

	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with the given code
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap annotates err with an operation. If err already carries a code it is
// preserved, otherwise code is used.
func Wrap(err error, code Code, op, message string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// CodeOf returns the outermost code in err's chain, CodeInternal when none
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries code
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

// Action is what the consumer does with a delivery once its job returns
type Action int

const (
	// Ack removes a successfully processed delivery
	Ack Action = iota
	// Drop acknowledges a delivery that can never succeed
	Drop
	// Requeue negatively acknowledges with requeue
	Requeue
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Drop:
		return "drop"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// IsPermanent reports whether retrying the same delivery cannot help
func IsPermanent(err error) bool {
	return HasCode(err, CodeMalformedEvent) || HasCode(err, CodeNotFound)
}

// Classify maps a job result to an acknowledgment action
func Classify(err error) Action {
	switch {
	case err == nil:
		return Ack
	case IsPermanent(err):
		return Drop
	default:
		return Requeue
	}
}

// Kind returns the metric label for a failed job
func Kind(err error) string {
	if IsPermanent(err) {
		return "permanent"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "transient"
}
