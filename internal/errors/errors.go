// Package errors provides structured error types for the intake service.
// All errors include a category, code, message, and retryable flag so the
// HTTP layer and the upload client can map them consistently.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory classifies errors by the kind of failure.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryNotFound   ErrorCategory = "NOT_FOUND"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryAuth       ErrorCategory = "AUTH"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeInvalidRole       = "INVALID_ROLE"
	CodeInvalidType       = "INVALID_TYPE"
	CodeInvalidSize       = "INVALID_SIZE"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeInvalidParts      = "INVALID_PARTS"
	CodeInvalidPartNumber = "INVALID_PART_NUMBER"
	CodeInvalidKey        = "INVALID_KEY"
	CodeIncidentExists    = "INCIDENT_EXISTS"

	// Not-found codes
	CodeIncidentNotFound = "INCIDENT_NOT_FOUND"
	CodeReportNotFound   = "REPORT_NOT_FOUND"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"

	// Storage codes
	CodeObjectNotFound     = "OBJECT_NOT_FOUND"
	CodeUploadNotFound     = "UPLOAD_NOT_FOUND"
	CodeIncompletePartSet  = "INCOMPLETE_PART_SET"
	CodePreconditionFailed = "PRECONDITION_FAILED"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"

	// Auth codes
	CodeUnauthorized = "UNAUTHORIZED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// IntakeError is the structured error type used throughout the service.
type IntakeError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *IntakeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *IntakeError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *IntakeError) Is(target error) bool {
	var t *IntakeError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new IntakeError.
func New(category ErrorCategory, code, message string) *IntakeError {
	return &IntakeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new IntakeError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *IntakeError {
	return &IntakeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *IntakeError) WithDetails(details map[string]interface{}) *IntakeError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ie *IntakeError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an IntakeError.
func GetCategory(err error) ErrorCategory {
	var ie *IntakeError
	if errors.As(err, &ie) {
		return ie.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an IntakeError.
func GetCode(err error) string {
	var ie *IntakeError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// HTTPStatus maps an error chain to the status code the API answers with.
// Errors outside the taxonomy are internal failures.
func HTTPStatus(err error) int {
	var ie *IntakeError
	if !errors.As(err, &ie) {
		return http.StatusInternalServerError
	}

	switch ie.Category {
	case ErrCategoryValidation:
		return http.StatusBadRequest
	case ErrCategoryNotFound:
		return http.StatusNotFound
	case ErrCategoryAuth:
		return http.StatusUnauthorized
	case ErrCategoryStorage:
		switch ie.Code {
		case CodeStoreUnavailable:
			return http.StatusServiceUnavailable
		case CodeIncompletePartSet, CodeUploadNotFound:
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the message safe to expose to API callers.
// Internal and storage failures are reported generically.
func PublicMessage(err error) string {
	var ie *IntakeError
	if !errors.As(err, &ie) {
		return "internal error"
	}
	if HTTPStatus(err) >= http.StatusInternalServerError {
		return "internal error"
	}
	return ie.Message
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeStoreUnavailable:
		return true
	case category == ErrCategoryStorage && code == CodePreconditionFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *IntakeError {
	return New(ErrCategoryValidation, code, message)
}

func NewNotFoundError(code, message string) *IntakeError {
	return New(ErrCategoryNotFound, code, message)
}

func NewStorageError(code, message string, cause error) *IntakeError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewAuthError(message string) *IntakeError {
	return New(ErrCategoryAuth, CodeUnauthorized, message)
}

func NewInternalError(message string, cause error) *IntakeError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
