// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidState  = errors.New("invalid state")
	ErrStepExecution = errors.New("step execution failed")
	ErrInternal      = errors.New("internal error")
)

// NoStep marks an Error that is not tied to a step.
const NoStep = -1

// Error provides structured error with context.
type Error struct {
	Sentinel  error  // Wrapped sentinel for errors.Is() classification
	Message   string // Human-readable message
	Field     string // For validation errors (e.g., "id", "target_path")
	Resource  string // For not found/already exists (e.g., "job")
	State     string // Current state for invalid state errors
	StepIndex int    // Failing step for step execution errors, NoStep otherwise
	Op        string // Operation that failed (e.g., "fs.rename")
	Cause     error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel:  ErrValidation,
		Message:   message,
		Field:     field,
		StepIndex: NoStep,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel:  ErrNotFound,
		Message:   fmt.Sprintf("%s %s not found", resource, id),
		Resource:  resource,
		StepIndex: NoStep,
	}
}

// AlreadyExists creates an error for an identifier collision.
func AlreadyExists(resource, id string) error {
	return &Error{
		Sentinel:  ErrAlreadyExists,
		Message:   fmt.Sprintf("%s %s already exists", resource, id),
		Resource:  resource,
		StepIndex: NoStep,
	}
}

// InvalidState creates an error for an operation attempted outside its legal state.
func InvalidState(resource, id, state, reason string) error {
	return &Error{
		Sentinel:  ErrInvalidState,
		Message:   fmt.Sprintf("%s %s is %s: %s", resource, id, state, reason),
		Resource:  resource,
		State:     state,
		StepIndex: NoStep,
	}
}

// StepExecution creates an error for a step the processor could not complete.
func StepExecution(jobID string, index int, cause error) error {
	return &Error{
		Sentinel:  ErrStepExecution,
		Message:   fmt.Sprintf("job %s step %d failed: %v", jobID, index, cause),
		Resource:  "job",
		StepIndex: index,
		Cause:     cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel:  ErrInternal,
		Message:   fmt.Sprintf("%s: %v", op, cause),
		Op:        op,
		Cause:     cause,
		StepIndex: NoStep,
	}
}

// FailedStep returns the step index carried by a step execution error.
func FailedStep(err error) (int, bool) {
	var appErr *Error
	if errors.As(err, &appErr) && errors.Is(appErr.Sentinel, ErrStepExecution) {
		return appErr.StepIndex, true
	}
	return NoStep, false
}
