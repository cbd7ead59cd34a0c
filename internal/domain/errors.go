package domain

import "github.com/pkg/errors"

// Session lifecycle errors. All are client-addressable (HTTP 400) except
// ErrDuplicateSession, which indicates a broken registry invariant and is
// treated as an internal fault.
var (
	ErrMissingSessionID   = NewError("missing session id", 400)
	ErrSessionNotFound    = NewError("session not found", 400)
	ErrDuplicateSession   = NewError("duplicate session id", 500)
	ErrChannelAlreadyOpen = NewError("push channel already open", 400)
	ErrSessionClosed      = NewError("session closed", 400)
)

// ErrEngineShutdown is returned (possibly wrapped) by a protocol engine
// to signal that the exchange succeeded but the session must close once
// the response has been written.
var ErrEngineShutdown = errors.New("engine requested session shutdown")

// Error represents a domain error with an associated HTTP status code.
type Error struct {
	Message string
	Code    int
}

// Error returns the error message.
func (e *Error) Error() string {
	return e.Message
}

// NewError creates a new domain error with the given message and code.
func NewError(message string, code int) *Error {
	return &Error{
		Message: message,
		Code:    code,
	}
}

// StatusCode extracts the HTTP status carried by err. Engine failures
// surface their own code; anything unrecognized maps to 500.
func StatusCode(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return 500
}
