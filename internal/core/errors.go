package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors for retry and propagation decisions.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"        // Missing or malformed deliverable
	KindPrerequisites    ErrorKind = "prerequisites"     // Unit ordering violated
	KindFileSystem       ErrorKind = "filesystem"        // Disk or path failure
	KindSecurity         ErrorKind = "security"          // Sandbox or path violation
	KindLockContention   ErrorKind = "lock_contention"   // VCS or file lock busy
	KindRuntime          ErrorKind = "runtime"           // Task runtime failure
	KindNotFound         ErrorKind = "not_found"         // Unknown unit, session, checkpoint
	KindState            ErrorKind = "state"             // Session record conflict or corruption
	KindTimeout          ErrorKind = "timeout"           // Operation timed out
	KindInternal         ErrorKind = "internal"          // Unexpected internal error
	KindRetriesExhausted ErrorKind = "retries_exhausted" // Fail-fast after the retry budget
)

// DomainError is the uniform error wrapper carrying kind, retryability and context.
type DomainError struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError with the same kind and code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a deliverable validation error. Validation failures are
// retried with a workspace rollback in between.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Kind:      KindValidation,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrConfig creates a non-retryable configuration error.
func ErrConfig(message string) *DomainError {
	return &DomainError{
		Kind:      KindValidation,
		Code:      CodeInvalidConfig,
		Message:   message,
		Retryable: false,
	}
}

// ErrPrerequisitesNotMet reports a unit started before its prerequisites completed.
func ErrPrerequisitesNotMet(unit string, missing []string) *DomainError {
	return &DomainError{
		Kind:      KindPrerequisites,
		Code:      CodePrerequisitesNotMet,
		Message:   fmt.Sprintf("unit %s requires %v to complete first", unit, missing),
		Retryable: false,
		Details: map[string]interface{}{
			"unit":    unit,
			"missing": missing,
		},
	}
}

// ErrFileSystem creates a non-retryable file system error.
func ErrFileSystem(message string, cause error) *DomainError {
	return &DomainError{
		Kind:      KindFileSystem,
		Code:      "FILESYSTEM",
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// ErrSecurity creates a non-retryable sandbox/path violation error.
func ErrSecurity(message string) *DomainError {
	return &DomainError{
		Kind:      KindSecurity,
		Code:      "PATH_VIOLATION",
		Message:   message,
		Retryable: false,
	}
}

// ErrLockContention creates a retryable lock contention error.
func ErrLockContention(message string) *DomainError {
	return &DomainError{
		Kind:      KindLockContention,
		Code:      CodeLockContention,
		Message:   message,
		Retryable: true,
	}
}

// ErrLockTimeout reports that a lock could not be acquired within its budget.
func ErrLockTimeout(message string) *DomainError {
	return &DomainError{
		Kind:      KindLockContention,
		Code:      CodeLockTimeout,
		Message:   message,
		Retryable: false,
	}
}

// ErrRuntime wraps a task runtime failure. Fatal failures (billing, session
// limits) are never retried.
func ErrRuntime(code, message string, fatal bool) *DomainError {
	return &DomainError{
		Kind:      KindRuntime,
		Code:      code,
		Message:   message,
		Retryable: !fatal,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Kind:      KindNotFound,
		Code:      CodeNotFound,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrState creates a session state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Kind:      KindState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Kind:      KindTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// KindOf extracts the error kind.
func KindOf(err error) ErrorKind {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Kind
	}
	return KindInternal
}

// IsKind checks if an error belongs to a kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Predefined error codes
const (
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodePrerequisitesNotMet = "PREREQUISITES_NOT_MET"
	CodeLockContention      = "LOCK_CONTENTION"
	CodeLockTimeout         = "LOCK_TIMEOUT"
	CodeStateCorrupted      = "STATE_CORRUPTED"
	CodeStaleVersion        = "STALE_VERSION"
	CodeGraphCycle          = "GRAPH_CYCLE"

	// Deliverable validation codes
	CodeDeliverableMissing = "DELIVERABLE_MISSING"
	CodeDeliverableInvalid = "DELIVERABLE_INVALID"
	CodeEvidenceMissing    = "EVIDENCE_FILE_MISSING"

	// Runtime codes
	CodeRuntimeFailed   = "RUNTIME_FAILED"
	CodeRuntimeFatal    = "RUNTIME_FATAL"
	CodeRuntimeNoResult = "RUNTIME_NO_RESULT"
)
