// Package errors provides a lightweight structured error type (OrchestratorError)
// for category-based classification and retry semantics across the orchestrator CLI
// and tick loops.
package errors

import (
	"fmt"
)

// ErrorCategory represents the category of an orchestrator error for classification
type ErrorCategory string

const (
	// User-facing configuration and input errors
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"

	// External system integration errors
	CategoryTransient ErrorCategory = "transient"
	CategoryGitHost   ErrorCategory = "githost"
	CategoryRunner    ErrorCategory = "runner"

	// Gate and record errors
	CategoryIntegrity     ErrorCategory = "integrity"
	CategoryBudget        ErrorCategory = "budget"
	CategoryCorruptRecord ErrorCategory = "corrupt_record"

	// Runtime and infrastructure errors
	CategoryDaemon   ErrorCategory = "daemon"
	CategoryInternal ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Error, but not fatal
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// OrchestratorError is a structured error with category, retryability, and context
type OrchestratorError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// ContextFields carries structured context for OrchestratorError
type ContextFields map[string]any

// Error implements the error interface
func (e *OrchestratorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *OrchestratorError) WithContext(key string, value any) *OrchestratorError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new OrchestratorError
func New(category ErrorCategory, severity ErrorSeverity, message string) *OrchestratorError {
	return &OrchestratorError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Retryable: false,
	}
}

// Wrap creates a new OrchestratorError that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *OrchestratorError {
	return &OrchestratorError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}

// WrapRetryable creates a new retryable OrchestratorError that wraps an existing error
func WrapRetryable(err error, category ErrorCategory, severity ErrorSeverity, message string) *OrchestratorError {
	return &OrchestratorError{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Cause:     err,
		Retryable: true,
	}
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category ErrorCategory) bool {
	if oe, ok := err.(*OrchestratorError); ok {
		return oe.Category == category
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if oe, ok := err.(*OrchestratorError); ok {
		return oe.Retryable
	}
	return false
}

// GetCategory extracts the category from an error, or returns CategoryInternal if not an OrchestratorError
func GetCategory(err error) ErrorCategory {
	if oe, ok := err.(*OrchestratorError); ok {
		return oe.Category
	}
	return CategoryInternal
}

// ValidationError creates a new validation error
func ValidationError(message string) *OrchestratorError {
	return &OrchestratorError{
		Category:  CategoryValidation,
		Severity:  SeverityWarning,
		Message:   message,
		Retryable: false,
	}
}

// TransientError creates a new retryable transient I/O error
func TransientError(message string) *OrchestratorError {
	return &OrchestratorError{
		Category:  CategoryTransient,
		Severity:  SeverityError,
		Message:   message,
		Retryable: true,
	}
}

// IntegrityError creates a new integrity-violation error
func IntegrityError(message string) *OrchestratorError {
	return &OrchestratorError{
		Category:  CategoryIntegrity,
		Severity:  SeverityError,
		Message:   message,
		Retryable: false,
	}
}

// DaemonError creates a new daemon error
func DaemonError(message string) *OrchestratorError {
	return &OrchestratorError{
		Category:  CategoryDaemon,
		Severity:  SeverityError,
		Message:   message,
		Retryable: false,
	}
}

// WrapError wraps an existing error with a new OrchestratorError
func WrapError(err error, category ErrorCategory, message string) *OrchestratorError {
	return &OrchestratorError{
		Category:  category,
		Severity:  SeverityError,
		Message:   message,
		Cause:     err,
		Retryable: false,
	}
}
