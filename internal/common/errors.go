// Package common defines shared constants and sentinel errors used across
// repositories, services and transports. Callers should use errors.Is to
// match these values.
package common

import (
	"errors"
	"net/http"
)

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Token errors returned by the token verifier.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Kind classifies an Error. Every kind maps to exactly one HTTP status and
// one wire code.
type Kind string

const (
	KindValidation     Kind = "VALIDATION_ERROR"
	KindAuthentication Kind = "AUTHENTICATION_ERROR"
	KindAuthorization  Kind = "AUTHORIZATION_ERROR"
	KindConflict       Kind = "CONFLICT_ERROR"
	KindNotFound       Kind = "NOT_FOUND"
	KindDatabase       Kind = "DATABASE_ERROR"
	KindInternal       Kind = "INTERNAL_ERROR"
	KindRateLimited    Kind = "RATE_LIMITED"
)

// Error is a user-facing failure: its Message is safe to return to callers.
// Err optionally keeps the underlying cause for logging.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, common.ErrAuthentication)
// matches any authentication failure regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrAuthorization  = &Error{Kind: KindAuthorization}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrDatabase       = &Error{Kind: KindDatabase}
	ErrRateLimited    = &Error{Kind: KindRateLimited}
)

func Validation(msg string) *Error     { return &Error{Kind: KindValidation, Message: msg} }
func Authentication(msg string) *Error { return &Error{Kind: KindAuthentication, Message: msg} }
func Authorization(msg string) *Error  { return &Error{Kind: KindAuthorization, Message: msg} }
func Conflict(msg string) *Error       { return &Error{Kind: KindConflict, Message: msg} }
func NotFound(msg string) *Error       { return &Error{Kind: KindNotFound, Message: msg} }
func RateLimited(msg string) *Error    { return &Error{Kind: KindRateLimited, Message: msg} }

// Database wraps a store failure. The cause is kept for logs only.
func Database(err error) *Error {
	return &Error{Kind: KindDatabase, Message: "Database operation failed", Err: err}
}

// HTTPStatus returns the status code for a kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts a *Error from err. ok is false for unclassified errors.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
