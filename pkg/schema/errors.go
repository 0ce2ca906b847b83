package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodePlanning          = "PLANNING_ERROR"
	ErrCodeActionNotFound    = "ACTION_NOT_FOUND"
	ErrCodeActionExecution   = "ACTION_EXECUTION_ERROR"
	ErrCodeActionTimeout     = "ACTION_TIMEOUT"
	ErrCodeProcessing        = "PROCESSING_ERROR"
	ErrCodeInconsistentState = "INCONSISTENT_STATE"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeCancelled         = "CANCELLED"
)

// ConductorError is the structured error type for all engine operations.
type ConductorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConductorError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConductorError.
func NewError(code, message string) *ConductorError {
	return &ConductorError{Code: code, Message: message}
}

// NewErrorf creates a new ConductorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductorError {
	return &ConductorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the originating step (action name or description).
func (e *ConductorError) WithStep(step string) *ConductorError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductorError) WithCause(err error) *ConductorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductorError) WithDetails(details map[string]any) *ConductorError {
	e.Details = details
	return e
}

// KindOf returns the code of the first ConductorError in err's chain, or ""
// when err carries none.
func KindOf(err error) string {
	var ce *ConductorError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// AsConductorError returns err as a ConductorError, wrapping foreign errors
// under the given fallback code.
func AsConductorError(err error, fallback string) *ConductorError {
	var ce *ConductorError
	if errors.As(err, &ce) {
		return ce
	}
	return NewError(fallback, err.Error()).WithCause(err)
}

// MaxErrorMessage bounds caller-facing error messages.
const MaxErrorMessage = 240

// Truncate shortens s to at most max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
