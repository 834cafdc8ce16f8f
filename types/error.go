package types

import "fmt"

// ErrorCode represents a unified error code across the pipeline.
type ErrorCode string

// Enhancement error codes. Enhancement failures degrade to pass-through
// and never abort a run.
const (
	ErrEnhanceTimeout     ErrorCode = "ENHANCE_TIMEOUT"
	ErrEnhanceMalformed   ErrorCode = "ENHANCE_MALFORMED"
	ErrEnhanceUnavailable ErrorCode = "ENHANCE_UNAVAILABLE"
)

// Generation error codes. These are fatal to a run once retries are
// exhausted; timeout and rejection are transient, remote failure is not.
const (
	ErrGenTimeout        ErrorCode = "GEN_TIMEOUT"
	ErrGenRemoteRejected ErrorCode = "GEN_REMOTE_REJECTED"
	ErrGenRemoteFailed   ErrorCode = "GEN_REMOTE_FAILED"
)

// Infrastructure and intake error codes
const (
	ErrStorage          ErrorCode = "STORAGE_ERROR"
	ErrDuplicateRequest ErrorCode = "DUPLICATE_REQUEST"
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrCancelled        ErrorCode = "CANCELLED"
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Stage      Stage     `json:"stage,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStage records the pipeline stage the error occurred in.
func (e *Error) WithStage(stage Stage) *Error {
	e.Stage = stage
	return e
}

// Info converts the error to the persisted ErrorInfo form.
func (e *Error) Info() *ErrorInfo {
	return &ErrorInfo{
		Stage:   e.Stage,
		Code:    e.Code,
		Message: e.Message,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
