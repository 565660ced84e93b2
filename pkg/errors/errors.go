package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeValidation indicates a malformed event or service record
	ErrorTypeValidation ErrorType = "VALIDATION"
	// ErrorTypeConflict indicates an optimistic concurrency conflict
	ErrorTypeConflict ErrorType = "CONFLICT"
	// ErrorTypeConnectivity indicates the log substrate could not be reached
	ErrorTypeConnectivity ErrorType = "CONNECTIVITY"
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	// ErrorTypeHandler indicates a subscribed handler failed
	ErrorTypeHandler ErrorType = "HANDLER"
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error returns the error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new application error
func New(errorType ErrorType, message string) error {
	return &AppError{
		Type:    errorType,
		Message: message,
	}
}

// Wrap wraps an error with an application error
func Wrap(errorType ErrorType, message string, err error) error {
	return &AppError{
		Type:    errorType,
		Message: message,
		Err:     err,
	}
}

// Validation creates a validation error
func Validation(message string) error {
	return New(ErrorTypeValidation, message)
}

// Validationf creates a validation error with a formatted message
func Validationf(format string, args ...interface{}) error {
	return New(ErrorTypeValidation, fmt.Sprintf(format, args...))
}

// Conflict creates a conflict error
func Conflict(message string, err error) error {
	return Wrap(ErrorTypeConflict, message, err)
}

// Connectivity wraps a substrate failure
func Connectivity(message string, err error) error {
	return Wrap(ErrorTypeConnectivity, message, err)
}

// NotFound creates a not found error
func NotFound(message string) error {
	return New(ErrorTypeNotFound, message)
}

// Handler wraps an error returned by an event handler
func Handler(message string, err error) error {
	return Wrap(ErrorTypeHandler, message, err)
}

// Internal creates an internal error
func Internal(message string, err error) error {
	return Wrap(ErrorTypeInternal, message, err)
}

func isType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsConflict checks if an error is a concurrency conflict
func IsConflict(err error) bool {
	return isType(err, ErrorTypeConflict)
}

// IsConnectivity checks if an error is a connectivity error
func IsConnectivity(err error) bool {
	return isType(err, ErrorTypeConnectivity)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsHandler checks if an error came from an event handler
func IsHandler(err error) bool {
	return isType(err, ErrorTypeHandler)
}

// IsInternal checks if an error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrorTypeInternal)
}
