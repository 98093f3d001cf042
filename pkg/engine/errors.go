package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a dependency that is not ready yet, an elapsed deadline.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict.
	// Examples: assembling an experiment that is already running.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid attributes, unknown resources, cyclic dependencies.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when they share class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(id ResourceID) *EngineError {
	e.Resource = id.String()
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

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// ErrorCode extracts the code of the first EngineError in the chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidAttribute  = "INVALID_ATTRIBUTE"
	ErrCodeUnknownAttribute  = "UNKNOWN_ATTRIBUTE"
	ErrCodeReadOnlyAttribute = "READ_ONLY_ATTRIBUTE"
	ErrCodeUnknownResource   = "UNKNOWN_RESOURCE"
	ErrCodeUnknownType       = "UNKNOWN_RESOURCE_TYPE"
	ErrCodeCyclicConnection  = "CYCLIC_CONNECTION"
	ErrCodeAlreadyStarted    = "ALREADY_STARTED"
	ErrCodeExperimentTimeout = "EXPERIMENT_TIMEOUT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeResourceTimeout   = "RESOURCE_TIMEOUT"
	ErrCodeDeployFailed      = "DEPLOY_FAILED"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeNotReady          = "NOT_READY"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Sentinel errors for errors.Is checks. Returned errors carry more context
// but match these by class and code.
var (
	ErrInvalidAttribute         = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidAttribute}
	ErrUnknownAttribute         = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownAttribute}
	ErrReadOnlyAttribute        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeReadOnlyAttribute}
	ErrUnknownResource          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownResource}
	ErrUnknownResourceType      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownType}
	ErrCyclicConnection         = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCyclicConnection}
	ErrExperimentAlreadyStarted = &EngineError{Class: ErrorClassConflict, Code: ErrCodeAlreadyStarted}
	ErrExperimentTimeout        = &EngineError{Class: ErrorClassTransient, Code: ErrCodeExperimentTimeout}

	// ErrNotReady is returned by a plugin step whose preconditions are not
	// met yet. The resource keeps its state and the step is retried after
	// the reschedule delay.
	ErrNotReady = &EngineError{Class: ErrorClassTransient, Code: ErrCodeNotReady, Message: "resource not ready"}
)
