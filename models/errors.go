package models

import (
	"errors"
	"fmt"
)

// Error codes used in API responses and internal error handling.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNavigation         = "NAVIGATION_FAILED"
	ErrCodeTimeout            = "EXTRACTION_TIMEOUT"
	ErrCodeNoStreams          = "NO_STREAMS_FOUND"
	ErrCodeBrowserAcquisition = "BROWSER_ACQUISITION_FAILED"
	ErrCodeCleanup            = "CLEANUP_FAILED"
	ErrCodeRelay              = "RELAY_FAILED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// ErrorDetail is the structured error in API responses.
type ErrorDetail struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

// ExtractError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type ExtractError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *ExtractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// NewExtractError creates a new ExtractError.
func NewExtractError(code, message string, err error) *ExtractError {
	return &ExtractError{Code: code, Message: message, Err: err}
}

// ToDetail converts an internal error to an API-facing ErrorDetail.
func (e *ExtractError) ToDetail() *ErrorDetail {
	return &ErrorDetail{Code: e.Code, Message: e.Message}
}

// AsExtractError unwraps err into an *ExtractError. Errors that carry no code
// are reported as INTERNAL_ERROR.
func AsExtractError(err error) *ExtractError {
	if err == nil {
		return nil
	}
	var ee *ExtractError
	if errors.As(err, &ee) {
		return ee
	}
	return NewExtractError(ErrCodeInternal, err.Error(), err)
}

// ErrorCode returns the code of err, or "" for a nil error.
func ErrorCode(err error) string {
	if ee := AsExtractError(err); ee != nil {
		return ee.Code
	}
	return ""
}
