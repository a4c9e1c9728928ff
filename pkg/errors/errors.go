package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrParseFailure      = errors.New("parse failure")
	ErrInvalidInput      = errors.New("invalid input")
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrRemoteRejected    = errors.New("remote store rejected request")
	ErrUnprocessable     = errors.New("event cannot be reconciled")
	ErrNotFound          = errors.New("not found")
	ErrInternal          = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// IsRetryable reports whether err is a transient store failure worth
// another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteUnavailable)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrParseFailure):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnprocessable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRemoteRejected):
		return http.StatusBadGateway
	case errors.Is(err, ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
