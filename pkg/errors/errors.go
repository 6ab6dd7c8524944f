// Package errors provides structured error types for zipit.
//
// Every stage of the tile pipeline reports failures through an [Error]
// carrying a machine-readable [Code], so the orchestrator can decide between
// falling back, failing the tile, or reporting a cancellation without string
// matching. Codes follow the pipeline stages:
//   - INVALID_*: malformed request paths or manifests
//   - *_NOT_FOUND: nothing to serve, handled by falling back
//   - *_FAILED, NETWORK_ERROR, TIMEOUT: I/O failures
//   - CANCELLED: the caller gave up; never reported as a failure
//
// # Usage
//
//	err := errors.New(errors.ErrCodeInvalidPath, "missing tiles segment in %q", path)
//	if errors.Is(err, errors.ErrCodeInvalidPath) {
//	    // Handle validation error
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeDirectoryFetch, origErr, "fetch %s", url)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Input validation errors
	ErrCodeInvalidInput    Code = "INVALID_INPUT"
	ErrCodeInvalidPath     Code = "INVALID_PATH"
	ErrCodeInvalidManifest Code = "INVALID_MANIFEST"

	// Nothing to serve; the pipeline falls back
	ErrCodeManifestUnavailable Code = "MANIFEST_UNAVAILABLE"
	ErrCodeArchiveNotFound     Code = "ARCHIVE_NOT_FOUND"
	ErrCodeEntryNotFound       Code = "ENTRY_NOT_FOUND"

	// Fetch failures
	ErrCodeDirectoryFetch Code = "DIRECTORY_FETCH_FAILED"
	ErrCodeRangeFetch     Code = "RANGE_FETCH_FAILED"
	ErrCodeFallback       Code = "FALLBACK_FAILED"
	ErrCodeNetwork        Code = "NETWORK_ERROR"
	ErrCodeTimeout        Code = "TIMEOUT"

	// Caller gave up
	ErrCodeCancelled Code = "CANCELLED"

	// Internal errors
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// IsFallback reports whether err means "nothing to serve": the tile should
// be replaced by the fallback asset rather than reported as broken.
func IsFallback(err error) bool {
	switch GetCode(err) {
	case ErrCodeInvalidPath, ErrCodeInvalidManifest, ErrCodeManifestUnavailable, ErrCodeArchiveNotFound,
		ErrCodeEntryNotFound, ErrCodeDirectoryFetch, ErrCodeRangeFetch:
		return true
	}
	return false
}
