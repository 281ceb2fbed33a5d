// Package status defines the closed set of result codes
// returned by communicator operations, and errors that
// carry them.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// A Code classifies the outcome of an operation.
type Code int

const (
	Success Code = iota
	InvalidArgument
	ResourceExhausted
	Busy
	InternalError
	CollectiveFailure
)

var codeNames = map[Code]string{
	Success:           "success",
	InvalidArgument:   "invalid argument",
	ResourceExhausted: "resource exhausted",
	Busy:              "busy",
	InternalError:     "internal error",
	CollectiveFailure: "collective failure",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// An Error is an error annotated with a Code.
type Error struct {
	code  Code
	cause error
}

// Code returns the error's code.
func (e *Error) Code() Code {
	return e.code
}

func (e *Error) Error() string {
	return e.code.String() + ": " + e.cause.Error()
}

// Cause returns the annotated error, for errors.Cause.
func (e *Error) Cause() error {
	return e.cause
}

// Unwrap returns the annotated error, for errors.Is and
// errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Format prints the stack trace of the annotated error
// for the %+v verb.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s: %+v", e.code, e.cause)
		return
	}
	fmt.Fprint(s, e.Error())
}

// New annotates err with a code.
// It returns nil if err is nil.
func New(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, cause: err}
}

// Errorf creates a new error with a code and a stack trace.
func Errorf(code Code, format string, args ...interface{}) error {
	return &Error{code: code, cause: errors.Errorf(format, args...)}
}

// Wrap annotates err with a code and a message.
// It returns nil if err is nil.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, cause: errors.Wrap(err, msg)}
}

// Wrapf is like Wrap, with a formatted message.
func Wrapf(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, cause: errors.Wrapf(err, format, args...)}
}

// CodeOf returns the outermost code attached to err.
//
// A nil error is a Success, and an error that was never
// annotated is an InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if errors.As(err, &se) {
		return se.code
	}
	return InternalError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
