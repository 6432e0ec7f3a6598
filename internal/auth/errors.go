package auth

import (
	"errors"
	"net/http"
)

// Authentication failures surfaced to callers.
var (
	ErrMissingToken       = errors.New("auth: missing bearer token")
	ErrMalformedToken     = errors.New("auth: malformed token")
	ErrExpiredToken       = errors.New("auth: token expired")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrRefreshMissing     = errors.New("auth: refresh token missing")
	ErrRefreshNotFound    = errors.New("auth: refresh token not found")
	ErrRefreshExpired     = errors.New("auth: refresh token expired")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Storage level errors.
var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrConflict     = errors.New("auth: conflict")
)

// Client-facing error codes.
const (
	CodeMissingToken       = "AUTH_MISSING_TOKEN"
	CodeInvalidToken       = "AUTH_INVALID_TOKEN"
	CodeTokenExpired       = "AUTH_TOKEN_EXPIRED"
	CodeAccountLocked      = "AUTH_ACCOUNT_LOCKED"
	CodeRefreshMissing     = "AUTH_REFRESH_MISSING"
	CodeRefreshInvalid     = "AUTH_REFRESH_INVALID"
	CodeRefreshExpired     = "AUTH_REFRESH_EXPIRED"
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeAuthInternal       = "AUTH_INTERNAL_ERROR"

	CodeNoUser                 = "RBAC_NO_USER"
	CodeInsufficientRole       = "RBAC_INSUFFICIENT_ROLE"
	CodeInsufficientPermission = "RBAC_INSUFFICIENT_PERMISSION"
	CodeResourceDenied         = "RBAC_RESOURCE_DENIED"
	CodeRBACInternal           = "RBAC_INTERNAL_ERROR"
)

// Code maps an authentication error onto the client-facing vocabulary.
// Anything unrecognised is reported as an internal error.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.As(err, new(*Error)):
		var ae *Error
		errors.As(err, &ae)
		return ae.Code
	case errors.Is(err, ErrMissingToken):
		return CodeMissingToken
	case errors.Is(err, ErrMalformedToken):
		return CodeInvalidToken
	case errors.Is(err, ErrExpiredToken):
		return CodeTokenExpired
	case errors.Is(err, ErrAccountLocked):
		return CodeAccountLocked
	case errors.Is(err, ErrRefreshMissing):
		return CodeRefreshMissing
	case errors.Is(err, ErrRefreshNotFound):
		return CodeRefreshInvalid
	case errors.Is(err, ErrRefreshExpired):
		return CodeRefreshExpired
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	default:
		return CodeAuthInternal
	}
}

// Status returns the HTTP status paired with Code(err).
func Status(err error) int {
	var ae *Error
	if errors.As(err, &ae) && ae.Status != 0 {
		return ae.Status
	}
	switch Code(err) {
	case "":
		return http.StatusOK
	case CodeAccountLocked:
		return http.StatusForbidden
	case CodeAuthInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// Error carries a client-facing code and HTTP status alongside the cause.
type Error struct {
	Code   string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// AsError wraps err with its code and status. A nil err stays nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: Code(err), Status: Status(err), Err: err}
}
