// Package autherr defines the error taxonomy shared by the authentication
// flows and its mapping onto HTTP status codes.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindUnauthorized
	KindForbidden
	KindUpstream
	KindConflictOrNotFound
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindUpstream:
		return "upstream_error"
	case KindConflictOrNotFound:
		return "not_found"
	case KindValidation:
		return "bad_request"
	default:
		return "internal_server_error"
	}
}

// Error is a classified error. Status and Detail are only set for
// upstream errors and carry what the identity provider returned.
type Error struct {
	Kind    Kind
	Message string
	// Status is the upstream HTTP status, 0 for network failures and timeouts.
	Status int
	Detail string
	// ReauthRequired tells the client to restart the login flow.
	ReauthRequired bool
	Err            error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Kind == KindUpstream && e.Status != 0 {
		msg = fmt.Sprintf("%s (upstream status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the response status for this error.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindUpstream:
		if e.Status >= 400 && e.Status < 500 {
			return e.Status
		}
		return http.StatusBadGateway
	case KindConflictOrNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func Configuration(msg string) *Error {
	return &Error{Kind: KindConfiguration, Message: msg}
}

func Unauthorized(msg string, err error) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg, Err: err}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func NotFound(msg string, err error) *Error {
	return &Error{Kind: KindConflictOrNotFound, Message: msg, Err: err}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// Upstream wraps a provider failure. status is the provider's HTTP status,
// or 0 when no response was received.
func Upstream(msg string, status int, detail string, err error) *Error {
	return &Error{Kind: KindUpstream, Message: msg, Status: status, Detail: detail, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// HTTPStatus maps any error to a status code; unclassified errors are 500.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
