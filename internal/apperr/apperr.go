package apperr

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to API clients at admission time and recorded
// on failed generations.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeCreationFailed      = "CREATION_FAILED"
	CodeProcessingFailed    = "PROCESSING_FAILED"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeNotFound            = "NOT_FOUND"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func Validation(err error) *Error {
	return &Error{Status: 400, Code: CodeValidation, Err: err}
}

func RateLimited(err error) *Error {
	return &Error{Status: 429, Code: CodeRateLimitExceeded, Err: err}
}

func InsufficientCredits(err error) *Error {
	return &Error{Status: 402, Code: CodeInsufficientCredits, Err: err}
}

func Unavailable(err error) *Error {
	return &Error{Status: 503, Code: CodeServiceUnavailable, Err: err}
}

// CodeOf extracts the stable code from err, or falls back to fallback when
// err is not an *Error.
func CodeOf(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return fallback
}
