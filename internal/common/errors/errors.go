// Package errors provides the supervisor's error taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeAlreadyExists          = "ALREADY_EXISTS"
	ErrCodeSpawnFailure           = "SPAWN_FAILURE"
	ErrCodeClosed                 = "CLOSED"
	ErrCodeAnalysisTimeout        = "ANALYSIS_TIMEOUT"
	ErrCodeActionTimeout          = "ACTION_TIMEOUT"
	ErrCodeIterationLimitExceeded = "ITERATION_LIMIT_EXCEEDED"
	ErrCodeInternalError          = "INTERNAL_ERROR"
)

// AppError represents a supervisor error with a machine-readable code
// and an optional wrapped cause.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource, name string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, name),
	}
}

// AlreadyExists creates a new duplicate-resource error.
func AlreadyExists(resource, name string) *AppError {
	return &AppError{
		Code:    ErrCodeAlreadyExists,
		Message: fmt.Sprintf("%s '%s' already exists", resource, name),
	}
}

// SpawnFailure creates a new process-creation error wrapping the OS error.
func SpawnFailure(sessionName string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeSpawnFailure,
		Message: fmt.Sprintf("failed to spawn session '%s'", sessionName),
		Err:     err,
	}
}

// Closed creates a new error for an operation against an exited session.
func Closed(sessionName string) *AppError {
	return &AppError{
		Code:    ErrCodeClosed,
		Message: fmt.Sprintf("session '%s' has exited", sessionName),
	}
}

// AnalysisTimeout creates a new error for an analysis that exceeded its deadline.
func AnalysisTimeout(sessionName string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeAnalysisTimeout,
		Message: fmt.Sprintf("analysis timed out for session '%s'", sessionName),
		Err:     err,
	}
}

// ActionTimeout creates a new error for a continuation action that exceeded its deadline.
func ActionTimeout(sessionName string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeActionTimeout,
		Message: fmt.Sprintf("action timed out for session '%s'", sessionName),
		Err:     err,
	}
}

// IterationLimitExceeded creates a new error for a task that reached its iteration bound.
func IterationLimitExceeded(taskID string, iterations, maxIterations int) *AppError {
	return &AppError{
		Code:    ErrCodeIterationLimitExceeded,
		Message: fmt.Sprintf("task '%s' reached iteration limit (%d/%d)", taskID, iterations, maxIterations),
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Err:     err,
	}
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsAlreadyExists checks if the error is a duplicate-resource error.
func IsAlreadyExists(err error) bool { return hasCode(err, ErrCodeAlreadyExists) }

// IsSpawnFailure checks if the error is a process-creation error.
func IsSpawnFailure(err error) bool { return hasCode(err, ErrCodeSpawnFailure) }

// IsClosed checks if the error is a closed-session error.
func IsClosed(err error) bool { return hasCode(err, ErrCodeClosed) }

// IsIterationLimitExceeded checks if the error is an iteration-bound error.
func IsIterationLimitExceeded(err error) bool {
	return hasCode(err, ErrCodeIterationLimitExceeded)
}
