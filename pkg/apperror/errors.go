package apperror

import (
	"errors"
	"net/http"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrNotFound               = errors.New("resource not found")
	ErrConflict               = errors.New("conflict")
	ErrTransientNetwork       = errors.New("transient network error")
	ErrValidation             = errors.New("validation failed")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrInternal               = errors.New("internal server error")
)

// AppError is a custom error type that can hold an HTTP status code
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Code)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// MapErrorToStatus maps common errors to HTTP status codes
func MapErrorToStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != 0 {
		return appErr.Code
	}

	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTransientNetwork):
		return http.StatusServiceUnavailable
	}
	// Default to internal server error
	return http.StatusInternalServerError
}

// Code returns a stable machine-readable code for the error's class.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "AUTHENTICATION_REQUIRED"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrRateLimitExceeded):
		return "RATE_LIMITED"
	case errors.Is(err, ErrTransientNetwork):
		return "TRANSIENT_NETWORK_ERROR"
	}
	return "INTERNAL"
}

// IsLocal reports whether err was decided without touching the backend.
// Local rejections never mutate the store.
func IsLocal(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrValidation)
}
