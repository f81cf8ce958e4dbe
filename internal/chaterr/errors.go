// Package chaterr holds the error kinds shared by the room resolver, the
// message store, the session registry and the transports.
package chaterr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuthenticationFailed = fmt.Errorf("authentication failed")
	ErrInvalidCoordinate    = fmt.Errorf("invalid coordinates")
	ErrLocationNotSet       = fmt.Errorf("location not set")
	ErrInvalidMessage       = fmt.Errorf("invalid message")
	ErrNotFound             = fmt.Errorf("message not found")
	ErrForbidden            = fmt.Errorf("not authorized")
	ErrRateLimited          = fmt.Errorf("rate limited")
)

// Programming errors reported by the session registry. They are never
// forwarded to other room members.
var (
	ErrSessionExists  = fmt.Errorf("session already open")
	ErrUnknownSession = fmt.Errorf("unknown session")
	ErrSessionClosed  = fmt.Errorf("session already closed")
)

// Validation failures that are invalid messages on the wire.
var (
	ErrInvalidRoom = fmt.Errorf("%w: malformed room id", ErrInvalidMessage)
	ErrNotJoined   = fmt.Errorf("%w: session not joined to room", ErrInvalidMessage)
)

// HTTPStatus maps an error kind to the status code the HTTP surface answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidCoordinate),
		errors.Is(err, ErrLocationNotSet),
		errors.Is(err, ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the text that may be shown to the caller. Internal failures
// are collapsed so storage details do not leak.
func Public(err error) string {
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
