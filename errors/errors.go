// Package errors defines the error taxonomy shared by the kernel client, tool
// client, session registry, tool proxy, and daemon supervisor/runner. Each
// kind wraps an optional cause so callers can use errors.Is/errors.As while
// still carrying a human-readable message.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the daemon subsystem's
// error taxonomy.
type Kind string

const (
	// KindAuth indicates a kernel gateway login/credential rejection.
	KindAuth Kind = "auth_error"
	// KindUpstream indicates a non-2xx response from the kernel gateway or a
	// tool server.
	KindUpstream Kind = "upstream_error"
	// KindProtocol indicates malformed or invalid protocol data: an
	// undecodable gateway or tool-server response, an invalid tool catalog,
	// or bad binding-generation input. The daemon runner logs and skips a
	// malformed kernel frame; it is never fatal to a run.
	KindProtocol Kind = "protocol_error"
	// KindQuota indicates the per-user concurrent daemon cap was reached.
	KindQuota Kind = "quota_exceeded"
	// KindNotConnected indicates an operation on a tool client that never
	// completed a connect.
	KindNotConnected Kind = "not_connected"
	// KindTool indicates a tool server reported isError for a call.
	KindTool Kind = "tool_error"
	// KindTimeout indicates a deadline (per-frame or whole-run) was exceeded.
	KindTimeout Kind = "timeout"
)

// Error is a structured, wrapped error carrying one of the taxonomy Kinds.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with a plain message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind that wraps cause. If message is
// empty, cause's message is reused.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Errorf formats a message and wraps it in an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

// Unwrap returns the wrapped cause, enabling errors.Is/errors.As traversal.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, letting callers
// write errors.Is(err, errors.New(KindNotConnected, "")).
func (e *Error) Is(target error) bool {
	var o *Error
	if !errors.As(target, &o) {
		return false
	}
	return o.Kind == e.Kind
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
