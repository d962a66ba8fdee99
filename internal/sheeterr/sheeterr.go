// Package sheeterr defines the SheetGate error taxonomy and maps it onto
// HTTP status codes for the admin/diagnostic surface.
package sheeterr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies one entry in the error taxonomy.
type Code string

const (
	CodeTenantUnknown      Code = "tenant-unknown"
	CodeRateLimited        Code = "rate-limited"
	CodePoolExhausted      Code = "pool-exhausted"
	CodeAuthFailure        Code = "auth-failure"
	CodeTimeout            Code = "timeout"
	CodeConflict           Code = "conflict"
	CodeInvariantViolation Code = "invariant-violation"
	CodeCancelled          Code = "cancelled"

	// CodeValidation is not part of the spec's tenant-operation taxonomy; it
	// covers malformed admin request bodies (bad JSON, failed struct
	// validation) ahead of any tenant-scoped operation running at all.
	CodeValidation Code = "validation-error"

	// CodeAdminUnauthorized covers a rejected admin signed-request (bad
	// signature or replayed nonce), distinct from CodeAuthFailure which
	// reports Sheets API credential failures (spec.md §5.2).
	CodeAdminUnauthorized Code = "admin-unauthorized"
)

// httpStatus maps each taxonomy code to the status the admin surface returns.
var httpStatus = map[Code]int{
	CodeTenantUnknown:      http.StatusNotFound,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodePoolExhausted:      http.StatusServiceUnavailable,
	CodeAuthFailure:        http.StatusBadGateway,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeConflict:           http.StatusConflict,
	CodeInvariantViolation: http.StatusInternalServerError,
	CodeCancelled:          http.StatusRequestTimeout,
	CodeValidation:         http.StatusUnprocessableEntity,
	CodeAdminUnauthorized:  http.StatusForbidden,
}

// Error is a taxonomy-tagged error carrying an optional retry-after hint.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code the admin surface should respond with.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates a taxonomy error with no retry-after hint.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a taxonomy error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithRetryAfter attaches a retry-after duration and returns the same error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// As extracts a *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
