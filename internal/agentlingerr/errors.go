// Package agentlingerr defines structured domain errors shared across the
// session, pattern, and git-tracking layers. It mirrors the
// status-code-carrying error shape used by the teacher's HTTP layer
// (server/dto.APIError), minus the HTTP framing: no route surface exists in
// this repo, but callers still need to tell not-found from conflict from
// internal error without string matching.
package agentlingerr

import "fmt"

// Code is a machine-readable error identifier.
type Code string

// Standard error codes.
const (
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeInternalError Code = "INTERNAL_ERROR"
)

// Error is a concrete domain error carrying a machine-readable code and an
// optional details map.
type Error struct {
	code       Code
	message    string
	details    map[string]any
	wrappedErr error
}

func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the machine-readable error code.
func (e *Error) Code() Code {
	return e.code
}

// Details returns the optional details map.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// WithDetail adds a single key/value to the error details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap attaches an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// InvalidInput creates an error for a bad request body or argument, e.g.
// "missing agent", "missing pattern", "invalid pattern type".
func InvalidInput(msg string) *Error {
	return &Error{code: CodeInvalidInput, message: msg}
}

// NotFound creates an error for a missing resource by name.
func NotFound(resource string) *Error {
	return &Error{code: CodeNotFound, message: resource + " not found"}
}

// Conflict creates an error for a state-machine violation, e.g. branching
// from a run that hasn't reached a branch point, or resuming a session that
// isn't paused.
func Conflict(msg string) *Error {
	return &Error{code: CodeConflict, message: msg}
}

// Internal creates an error for an unexpected internal failure.
func Internal(msg string) *Error {
	return &Error{code: CodeInternalError, message: msg}
}

// As reports whether err is an *Error, for callers that want to inspect the
// code without a type assertion.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
