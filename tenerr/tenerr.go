// Package tenerr defines the error taxonomy of the runtime:
// a small set of typed error kinds that every component raises instead of
// ad-hoc strings, so callers can use errors.As/errors.Is instead of
// matching on message text.
package tenerr

import "fmt"

// Kind identifies one of the error categories of the runtime.
type Kind string

const (
	// InvalidArgument is raised by send/return calls with null or malformed inputs.
	InvalidArgument Kind = "invalid_argument"
	// SchemaViolation is raised when a property bag is inconsistent with the
	// declared schema of a typed extension.
	SchemaViolation Kind = "schema_violation"
	// TenIsClosed is raised by any call made after the env handle's underlying
	// extension has deinited.
	TenIsClosed Kind = "ten_is_closed"
	// PathTimeout is raised by the path table sweep when an entry outlives
	// path_timeout without a final result.
	PathTimeout Kind = "path_timeout"
	// GraphNotFound is raised when an incoming message targets an unknown
	// graph-id.
	GraphNotFound Kind = "graph_not_found"
	// ConnectionFailed is raised when a remote app_uri cannot be reached.
	ConnectionFailed Kind = "connection_failed"
	// ExtensionInvalid is raised when a destination extension does not exist
	// in the graph.
	ExtensionInvalid Kind = "extension_invalid"
)

// Error is the concrete error type carried by the taxonomy above. It
// wraps an optional cause, so errors.Unwrap keeps working through it.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, tenerr.PathTimeout) work by comparing Kind values
// when the target is itself a *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind, recording cause as the
// underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind carried by err if it is (or wraps) a *Error,
// and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// as is a tiny indirection over errors.As kept local to avoid importing
// errors just for this one call in every caller of KindOf.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Sentinel constructors, one per Kind.

func InvalidArgumentf(format string, args ...any) *Error { return New(InvalidArgument, format, args...) }
func SchemaViolationf(format string, args ...any) *Error { return New(SchemaViolation, format, args...) }
func TenIsClosedf(format string, args ...any) *Error      { return New(TenIsClosed, format, args...) }
func PathTimeoutf(format string, args ...any) *Error      { return New(PathTimeout, format, args...) }
func GraphNotFoundf(format string, args ...any) *Error    { return New(GraphNotFound, format, args...) }
func ConnectionFailedf(format string, args ...any) *Error { return New(ConnectionFailed, format, args...) }
func ExtensionInvalidf(format string, args ...any) *Error { return New(ExtensionInvalid, format, args...) }
