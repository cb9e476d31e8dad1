// Package errors provides unified error handling with structured error codes
// shared across the pipeline, storage, and API surfaces.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInternal        Code = "INTERNAL"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"

	// Feed and parsing errors
	CodeFeedEmptyEvent     Code = "FEED_EMPTY_EVENT"
	CodeFeedUnknownKind    Code = "FEED_UNKNOWN_KIND"
	CodeOfferNotRecognized Code = "OFFER_NOT_RECOGNIZED"
	CodeOfferMalformed     Code = "OFFER_MALFORMED"

	// Profile errors
	CodeProfileInvalid  Code = "PROFILE_INVALID"
	CodeProfileNotFound Code = "PROFILE_NOT_FOUND"

	// Session errors
	CodeSessionNotActive Code = "SESSION_NOT_ACTIVE"

	// Storage errors
	CodeStorageBusy   Code = "STORAGE_BUSY"
	CodeStorageFailed Code = "STORAGE_FAILED"

	// Export errors
	CodeExportUnavailable Code = "EXPORT_UNAVAILABLE"
	CodeExportRejected    Code = "EXPORT_REJECTED"

	// Auth errors
	CodeAuthTokenMissing Code = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid Code = "AUTH_TOKEN_INVALID"
	CodeAuthRoleDenied   Code = "AUTH_ROLE_DENIED"
)

// httpStatusMap maps error codes to HTTP status codes for the REST surface.
var httpStatusMap = map[Code]int{
	CodeUnknown:            http.StatusInternalServerError,
	CodeInternal:           http.StatusInternalServerError,
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeFeedEmptyEvent:     http.StatusBadRequest,
	CodeFeedUnknownKind:    http.StatusBadRequest,
	CodeOfferNotRecognized: http.StatusUnprocessableEntity,
	CodeOfferMalformed:     http.StatusUnprocessableEntity,
	CodeProfileInvalid:     http.StatusBadRequest,
	CodeProfileNotFound:    http.StatusNotFound,
	CodeSessionNotActive:   http.StatusConflict,
	CodeStorageBusy:        http.StatusServiceUnavailable,
	CodeStorageFailed:      http.StatusInternalServerError,
	CodeExportUnavailable:  http.StatusBadGateway,
	CodeExportRejected:     http.StatusBadGateway,
	CodeAuthTokenMissing:   http.StatusUnauthorized,
	CodeAuthTokenInvalid:   http.StatusUnauthorized,
	CodeAuthRoleDenied:     http.StatusForbidden,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the corresponding HTTP status code.
func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatusMap[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf extracts the code from an error, walking the wrap chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeTimeout, CodeStorageBusy, CodeExportUnavailable:
		return true
	default:
		return false
	}
}
