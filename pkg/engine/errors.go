package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error so callers can decide how to react to it
// (report, retry, exit quietly).
type ErrorClass string

const (
	// ErrorClassValidation indicates a record or input that does not match the expected shape.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNotFound indicates a missing instance record.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassPrecondition indicates an operation that cannot run in the current instance state.
	// Examples: configuring without a host, destroying a provisioned instance.
	ErrorClassPrecondition ErrorClass = "precondition"

	// ErrorClassProvider indicates a failure reported by a provider backend.
	// The cause is always wrapped.
	ErrorClassProvider ErrorClass = "provider"

	// ErrorClassTimeout indicates a wait that did not reach its target state in time.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassUserAbort indicates the user declined a confirmation prompt.
	ErrorClassUserAbort ErrorClass = "user_abort"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Instance is the instance name the error relates to, if applicable.
	Instance string `json:"instance,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Field is the offending field or path for validation and precondition errors.
	Field string `json:"field,omitempty"`

	// Temporary marks provider errors that may succeed on retry.
	Temporary bool `json:"temporary,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field=%s)", msg, e.Field)
	}
	if e.Instance != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (instance=%s, operation=%s)", msg, e.Instance, e.Operation)
	} else if e.Instance != "" {
		msg = fmt.Sprintf("%s (instance=%s)", msg, e.Instance)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a validation error naming the first offending path.
func NewValidationError(field, message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Code:    ErrCodeValidation,
		Message: message,
		Field:   field,
	}
}

// NewNotFoundError creates an error for a missing instance.
func NewNotFoundError(instance string) *EngineError {
	return &EngineError{
		Class:    ErrorClassNotFound,
		Code:     ErrCodeNotFound,
		Message:  "instance not found",
		Instance: instance,
	}
}

// NewPreconditionError creates a precondition error naming the missing requirement.
func NewPreconditionError(field, message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPrecondition,
		Code:    ErrCodePrecondition,
		Message: message,
		Field:   field,
	}
}

// NewProviderError wraps a backend failure.
func NewProviderError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassProvider,
		Code:    ErrCodeProviderFailed,
		Message: message,
		Err:     err,
	}
}

// NewTimeoutError creates an error for a wait that expired.
func NewTimeoutError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTimeout,
		Code:    ErrCodeTimeout,
		Message: message,
		Err:     err,
	}
}

// NewUserAbortError creates an error for a declined confirmation.
func NewUserAbortError(message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassUserAbort,
		Code:    ErrCodeUserAbort,
		Message: message,
	}
}

// WithInstance adds instance context to an error.
func (e *EngineError) WithInstance(name string) *EngineError {
	e.Instance = name
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithTemporary marks the error as retryable.
func (e *EngineError) WithTemporary() *EngineError {
	e.Temporary = true
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool { return hasClass(err, ErrorClassValidation) }

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool { return hasClass(err, ErrorClassNotFound) }

// IsPrecondition returns true if the error is classified as a failed precondition.
func IsPrecondition(err error) bool { return hasClass(err, ErrorClassPrecondition) }

// IsProvider returns true if the error is classified as a provider failure.
func IsProvider(err error) bool { return hasClass(err, ErrorClassProvider) }

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool { return hasClass(err, ErrorClassTimeout) }

// IsUserAbort returns true if the user declined a confirmation.
func IsUserAbort(err error) bool { return hasClass(err, ErrorClassUserAbort) }

// IsRetryable returns true if the error chain carries a temporary failure.
// Validation, precondition and abort errors are never retried.
func IsRetryable(err error) bool {
	if err == nil || IsValidation(err) || IsPrecondition(err) || IsUserAbort(err) || IsNotFound(err) {
		return false
	}
	var e *EngineError
	if errors.As(err, &e) && e.Temporary {
		return true
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePrecondition     = "PRECONDITION_FAILED"
	ErrCodeStillProvisioned = "STILL_PROVISIONED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeUnsupported      = "UNSUPPORTED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeUserAbort        = "USER_ABORT"
)
