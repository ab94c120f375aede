// Package errors provides structured error types for Rangekeeper.
// All errors include a category, code, message, and retryable flag so the
// controller, migrator and scheduler can decide how to react without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryRegistry   ErrorCategory = "REGISTRY"
	ErrCategoryLifecycle  ErrorCategory = "LIFECYCLE"
	ErrCategoryMigration  ErrorCategory = "MIGRATION"
	ErrCategoryArchive    ErrorCategory = "ARCHIVE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeBoundaryNotAscending = "BOUNDARY_NOT_ASCENDING"
	CodeCursorRegressed      = "CURSOR_REGRESSED"
	CodeInvalidJob           = "INVALID_JOB"
	CodeInvalidInterval      = "INVALID_INTERVAL"
	CodeBoundaryOutOfRange   = "BOUNDARY_OUT_OF_RANGE"

	// Registry codes
	CodeTableNotPartitioned = "TABLE_NOT_PARTITIONED"
	CodePartitionNotFound   = "PARTITION_NOT_FOUND"
	CodeNoBoundaries        = "NO_BOUNDARIES"

	// Lifecycle codes
	CodeConcurrentSplit = "CONCURRENT_SPLIT"
	CodeLeaseHeld       = "LEASE_HELD"

	// Migration codes
	CodeTransient      = "TRANSIENT"
	CodeFatal          = "FATAL"
	CodeCursorNotFound = "CURSOR_NOT_FOUND"
	CodeJobNotFound    = "JOB_NOT_FOUND"

	// Archive codes
	CodeSchemaMismatch = "SCHEMA_MISMATCH"
	CodeExportFailed   = "EXPORT_FAILED"
	CodeObjectExists   = "OBJECT_EXISTS"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Detail keys carrying last-known-good state.
const (
	DetailBoundaries = "boundaries"
	DetailLastCursor = "last_cursor"
	DetailTable      = "table"
	DetailAttempts   = "attempts"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details merged in.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	merged := make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	cp.Details = merged
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetDetail returns a detail value from the first *Error in the chain that has it.
func GetDetail(err error, key string) (interface{}, bool) {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return nil, false
		}
		if v, ok := e.Details[key]; ok {
			return v, true
		}
		err = e.Cause
	}
	return nil, false
}

func isRetryable(category ErrorCategory, code string) bool {
	return category == ErrCategoryMigration && code == CodeTransient
}

// IsNotFound reports whether err means a table, partition, boundary anchor
// cursor or configured job is missing.
func IsNotFound(err error) bool {
	switch GetCode(err) {
	case CodeTableNotPartitioned, CodePartitionNotFound, CodeNoBoundaries, CodeCursorNotFound, CodeJobNotFound:
		return true
	}
	return false
}

// IsConflict reports whether err is a concurrent boundary mutation or a held lease.
func IsConflict(err error) bool {
	c := GetCategory(err)
	code := GetCode(err)
	return c == ErrCategoryLifecycle && (code == CodeConcurrentSplit || code == CodeLeaseHeld)
}

// IsTransient reports whether err is a timeout or deadlock worth retrying.
func IsTransient(err error) bool {
	return GetCategory(err) == ErrCategoryMigration && GetCode(err) == CodeTransient
}

// IsFatalMigration reports whether err aborted a migration run.
func IsFatalMigration(err error) bool {
	return GetCategory(err) == ErrCategoryMigration && GetCode(err) == CodeFatal
}

// IsSchemaMismatch reports whether a switch-out precondition was violated.
func IsSchemaMismatch(err error) bool {
	return GetCategory(err) == ErrCategoryArchive && GetCode(err) == CodeSchemaMismatch
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewNotFound(code, message string) *Error {
	return New(ErrCategoryRegistry, code, message)
}

func NewConflict(code, message string, cause error) *Error {
	return Wrap(ErrCategoryLifecycle, code, message, cause)
}

func NewTransient(message string, cause error) *Error {
	return Wrap(ErrCategoryMigration, CodeTransient, message, cause)
}

func NewFatalMigration(message string, cause error) *Error {
	return Wrap(ErrCategoryMigration, CodeFatal, message, cause)
}

func NewSchemaMismatch(message string) *Error {
	return New(ErrCategoryArchive, CodeSchemaMismatch, message)
}

func NewArchiveError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryArchive, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
