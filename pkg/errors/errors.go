// Package errors provides the structured error type used across blobcache,
// carrying an error code, category, context and handling hints.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Content identifiers and integrity
	ErrCodeMalformedIdentifier ErrorCode = "MALFORMED_IDENTIFIER"
	ErrCodeIntegrityMismatch   ErrorCode = "INTEGRITY_MISMATCH"

	// Origin and identity
	ErrCodeOriginUnavailable  ErrorCode = "ORIGIN_UNAVAILABLE"
	ErrCodeBlobNotFound       ErrorCode = "BLOB_NOT_FOUND"
	ErrCodeBlobTooLarge       ErrorCode = "BLOB_TOO_LARGE"
	ErrCodeIdentityResolution ErrorCode = "IDENTITY_RESOLUTION"

	// Cache tiers
	ErrCodeCacheTier    ErrorCode = "CACHE_TIER"
	ErrCodeSizeExceeded ErrorCode = "SIZE_EXCEEDED"

	// Resilience
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"

	// Internal
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryIntegrity     ErrorCategory = "integrity"
	CategoryOrigin        ErrorCategory = "origin"
	CategoryCache         ErrorCategory = "cache"
	CategoryResilience    ErrorCategory = "resilience"
	CategoryInternal      ErrorCategory = "internal"
)

// BlobError is a structured error with context and metadata.
type BlobError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *BlobError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *BlobError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *BlobError with the same code, so callers
// can write errors.Is(err, errors.New(ErrCodeIntegrityMismatch, "")) or use
// the sentinel values below.
func (e *BlobError) Is(target error) bool {
	if t, ok := target.(*BlobError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *BlobError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("BlobError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *BlobError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// New creates an error with the defaults for code.
func New(code ErrorCode, message string) *BlobError {
	return &BlobError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *BlobError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with code that wraps cause.
func Wrap(cause error, code ErrorCode, message string) *BlobError {
	return New(code, message).WithCause(cause)
}

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrMalformedIdentifier = &BlobError{Code: ErrCodeMalformedIdentifier}
	ErrIntegrityMismatch   = &BlobError{Code: ErrCodeIntegrityMismatch}
	ErrOriginUnavailable   = &BlobError{Code: ErrCodeOriginUnavailable}
	ErrBlobNotFound        = &BlobError{Code: ErrCodeBlobNotFound}
	ErrBlobTooLarge        = &BlobError{Code: ErrCodeBlobTooLarge}
	ErrIdentityResolution  = &BlobError{Code: ErrCodeIdentityResolution}
	ErrCacheTier           = &BlobError{Code: ErrCodeCacheTier}
	ErrSizeExceeded        = &BlobError{Code: ErrCodeSizeExceeded}
	ErrCircuitOpen         = &BlobError{Code: ErrCodeCircuitOpen}
	ErrShutdownInProgress  = &BlobError{Code: ErrCodeShutdownInProgress}
)

// GetCategory determines the category of code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeMalformedIdentifier, ErrCodeIntegrityMismatch:
		return CategoryIntegrity
	case ErrCodeOriginUnavailable, ErrCodeBlobNotFound, ErrCodeBlobTooLarge, ErrCodeIdentityResolution:
		return CategoryOrigin
	case ErrCodeCacheTier, ErrCodeSizeExceeded:
		return CategoryCache
	case ErrCodeCircuitOpen, ErrCodeRetryExhausted, ErrCodeOperationTimeout:
		return CategoryResilience
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether code describes a transient failure.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeOriginUnavailable, ErrCodeOperationTimeout, ErrCodeInternalError:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the HTTP status a handler layer should map code to.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:       400,
		ErrCodeMalformedIdentifier: 400,
		ErrCodeBlobNotFound:        404,
		ErrCodeBlobTooLarge:        413,
		ErrCodeIntegrityMismatch:   502,
		ErrCodeIdentityResolution:  502,
		ErrCodeOriginUnavailable:   503,
		ErrCodeCircuitOpen:         503,
		ErrCodeShutdownInProgress:  503,
		ErrCodeOperationTimeout:    504,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// CodeOf returns the code of the first *BlobError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	for err != nil {
		if be, ok := err.(*BlobError); ok {
			return be.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// IsRetryable reports whether err carries a retryable *BlobError.
func IsRetryable(err error) bool {
	for err != nil {
		if be, ok := err.(*BlobError); ok && be.Retryable {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *BlobError) WithContext(key, value string) *BlobError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *BlobError) WithDetail(key string, value interface{}) *BlobError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *BlobError) WithComponent(component string) *BlobError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *BlobError) WithOperation(operation string) *BlobError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *BlobError) WithCause(cause error) *BlobError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint.
func (e *BlobError) WithRetryable(retryable bool) *BlobError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *BlobError) WithStack() *BlobError {
	e.Stack = CaptureStack(2)
	return e
}
