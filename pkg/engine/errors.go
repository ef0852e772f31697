// Package engine provides the core run types, the error taxonomy, the step tracker
// and the orchestrator that drives compiled install procedures.
package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

// ErrorClass represents the classification of an error for propagation and retry logic.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed or inconsistent manifest.
	// Fatal at load time; nothing is partially applied.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassContract indicates the execution context is missing required bindings.
	// Aborts the whole run before (or at) the first module that needs the binding.
	ErrorClassContract ErrorClass = "contract"

	// ErrorClassIntegrity indicates a checksum mismatch on a verified installer.
	// Fatal for the module and never retried.
	ErrorClassIntegrity ErrorClass = "integrity"

	// ErrorClassStep indicates a command exited non-zero.
	// Retryable per policy, downgradable to a warning for optional modules.
	ErrorClassStep ErrorClass = "step"

	// ErrorClassTransient indicates a temporary failure such as a timeout or a network error.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassDependency indicates a module was not attempted because an upstream dependency failed.
	ErrorClassDependency ErrorClass = "dependency"
)

// Error represents a classified error with the context it occurred in.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Module is the module ID that caused the error, if applicable.
	Module string `json:"module,omitempty"`

	// Step is the step description being executed when the error occurred.
	Step string `json:"step,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Class, e.Message))
	if e.Module != "" && e.Step != "" {
		sb.WriteString(fmt.Sprintf(" (module=%s, step=%q)", e.Module, e.Step))
	} else if e.Module != "" {
		sb.WriteString(fmt.Sprintf(" (module=%s)", e.Module))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

func newError(class ErrorClass, message string, err error) *Error {
	return &Error{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *Error {
	return newError(ErrorClassValidation, message, err).WithCode(ErrCodeValidation)
}

// NewContractViolation creates a new contract violation listing every missing binding.
func NewContractViolation(missing []string) *Error {
	return newError(ErrorClassContract,
		fmt.Sprintf("execution context is missing required bindings: %s", strings.Join(missing, ", ")),
		nil).
		WithCode(ErrCodeContract).
		WithDetail("missing", missing)
}

// NewIntegrityViolation creates a new integrity violation for a pinned tool.
func NewIntegrityViolation(tool, expected, actual string) *Error {
	return newError(ErrorClassIntegrity,
		fmt.Sprintf("content hash mismatch for %s: expected %s, got %s", tool, expected, actual),
		nil).
		WithCode(ErrCodeIntegrity).
		WithDetail("tool", tool).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

// NewStepFailure creates a new step failure.
func NewStepFailure(message string, err error) *Error {
	return newError(ErrorClassStep, message, err).WithCode(ErrCodeStepFailed)
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return newError(ErrorClassTransient, message, err)
}

// NewDependencySkipped creates the informational error attached to skipped dependents.
func NewDependencySkipped(module string, upstream []string) *Error {
	return newError(ErrorClassDependency,
		fmt.Sprintf("not attempted: dependency %s did not succeed", strings.Join(upstream, ", ")),
		nil).
		WithCode(ErrCodeDependencyFailed).
		WithModule(module)
}

// WithModule adds module context to an error.
func (e *Error) WithModule(moduleID string) *Error {
	e.Module = moduleID
	return e
}

// WithStep adds step context to an error.
func (e *Error) WithStep(step string) *Error {
	e.Step = step
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first classified error in the chain, or "" if none.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsValidation returns true if the error is a manifest validation error.
func IsValidation(err error) bool {
	var ve manifest.ValidationErrors
	return ClassOf(err) == ErrorClassValidation || errors.As(err, &ve)
}

// IsContractViolation returns true if the error is a contract violation.
func IsContractViolation(err error) bool {
	return ClassOf(err) == ErrorClassContract
}

// IsIntegrityViolation returns true if the error is an integrity violation.
func IsIntegrityViolation(err error) bool {
	return ClassOf(err) == ErrorClassIntegrity
}

// IsRetryable returns true if the error can be retried.
// Step failures and transient errors are retryable; integrity, contract and
// validation errors never are. Unclassified errors are treated as step failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch ClassOf(err) {
	case ErrorClassStep, ErrorClassTransient, "":
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error must stop the whole run immediately.
func IsFatal(err error) bool {
	return IsValidation(err) || IsContractViolation(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeContract         = "CONTRACT_VIOLATION"
	ErrCodeIntegrity        = "INTEGRITY_VIOLATION"
	ErrCodeStepFailed       = "STEP_FAILURE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeDependencyFailed = "DEPENDENCY_SKIPPED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
