package rbdo

import "fmt"

// Kind classifies errors raised by the optimization core.
type Kind int

const (
	// KindUnknown is the zero Kind.
	KindUnknown Kind = iota
	// KindDomain reports an input outside the domain of a mapping, such as an
	// empty or inverted interval.
	KindDomain
	// KindUnknownVariable reports a variable name absent from the RangeMap.
	KindUnknownVariable
	// KindMissingVariable reports a RangeMap variable absent from an input.
	KindMissingVariable
	// KindShape reports a vector or matrix whose length does not match the
	// number of dimensions or constraints it is paired with.
	KindShape
	// KindConfig reports an invalid orchestrator configuration.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindDomain:
		return "domain error"
	case KindUnknownVariable:
		return "unknown variable"
	case KindMissingVariable:
		return "missing variable"
	case KindShape:
		return "shape error"
	case KindConfig:
		return "config error"
	default:
		return "error"
	}
}

// Sentinels for errors.Is.
var (
	ErrDomain          = &Error{Kind: KindDomain}
	ErrUnknownVariable = &Error{Kind: KindUnknownVariable}
	ErrMissingVariable = &Error{Kind: KindMissingVariable}
	ErrShape           = &Error{Kind: KindShape}
	ErrConfig          = &Error{Kind: KindConfig}
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	prefix := e.Kind.String()
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	return prefix
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same Kind, so the exported sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

func newError(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

func wrapError(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
