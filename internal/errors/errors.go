// Package errors provides enhanced error handling for the RBDO service.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Error represents an error with context and stack trace.
type Error struct {
	// The underlying error that was returned
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// Status is the HTTP status the error maps to; zero means 500.
	Status int
	// The stack trace
	Stack []string
}

// Error implements the error interface. The form is
// "message: operation=op, component=c: cause", skipping empty parts.
func (e *Error) Error() string {
	var where []string
	if e.Operation != "" {
		where = append(where, "operation="+e.Operation)
	}
	if e.Component != "" {
		where = append(where, "component="+e.Component)
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{e.Message, strings.Join(where, ", ")} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage adds a message to the error.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithStatus sets the HTTP status of the error.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error with a message.
func New(msg string) *Error {
	return &Error{
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates a new error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Wrap wraps an error with additional context. The result always carries a
// fresh frame; an *Error in err's chain keeps its status.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Err:     err,
		Message: msg,
		Status:  statusIn(err),
		Stack:   getStackTrace(),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Err:     err,
		Message: fmt.Sprintf(format, args...),
		Status:  statusIn(err),
		Stack:   getStackTrace(),
	}
}

// BadRequest wraps err with status 400.
func BadRequest(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	e := Wrap(err, msg)
	e.Status = http.StatusBadRequest
	return e
}

// NotFound returns an error with status 404.
func NotFound(msg string) *Error {
	e := New(msg)
	e.Status = http.StatusNotFound
	return e
}

// Conflictf returns an error with status 409.
func Conflictf(format string, args ...interface{}) *Error {
	e := Errorf(format, args...)
	e.Status = http.StatusConflict
	return e
}

func statusIn(err error) int {
	var e *Error
	if As(err, &e) {
		return e.Status
	}
	return 0
}

// StatusOf returns the HTTP status carried by err's chain, or 500.
func StatusOf(err error) int {
	if s := statusIn(err); s != 0 {
		return s
	}
	return http.StatusInternalServerError
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, getStackTrace, and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's
// type contains an Unwrap method returning error.
// Otherwise, Unwrap returns nil.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
