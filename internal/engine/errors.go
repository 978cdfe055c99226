package engine

import (
	"errors"
	"fmt"
)

// CalcError represents a failure of a single row calculation.
//
// Calculation errors include:
//   - Validation failed: a required input is missing or has the wrong shape
//   - Constraint violated: a value is outside its declared min/max/pattern/enum
//   - Artifact missing: the formula has not been compiled (or was evicted)
//   - Invocation failed: the formula body returned an error or panicked
//   - Invocation timeout: the formula body did not return in time
//
// CalcErrors never escape the row boundary. The pipeline converts them into
// the row's error field and returns them inside an Outcome.
type CalcError struct {
	// Code identifies the error category.
	Code CalcErrorCode

	// Message is the human-readable text shown in the row.
	Message string

	// FormulaID identifies the active formula.
	FormulaID string

	// RowID identifies the affected row.
	RowID string

	// Path is the offending input path for validation errors.
	Path string

	// Err is the underlying cause, if any.
	Err error
}

// CalcErrorCode categorizes calculation errors.
type CalcErrorCode string

const (
	// ErrCodeValidationFailed indicates a required input is missing or malformed.
	ErrCodeValidationFailed CalcErrorCode = "VALIDATION_FAILED"

	// ErrCodeConstraintViolated indicates a value breaks a declared constraint.
	ErrCodeConstraintViolated CalcErrorCode = "CONSTRAINT_VIOLATED"

	// ErrCodeArtifactMissing indicates no compiled artifact is available.
	ErrCodeArtifactMissing CalcErrorCode = "ARTIFACT_MISSING"

	// ErrCodeInvocationFailed indicates the formula body raised an error.
	ErrCodeInvocationFailed CalcErrorCode = "INVOCATION_FAILED"

	// ErrCodeInvocationTimeout indicates the formula body exceeded its deadline.
	ErrCodeInvocationTimeout CalcErrorCode = "INVOCATION_TIMEOUT"
)

// Error implements the error interface.
func (e *CalcError) Error() string {
	if e.RowID != "" {
		return fmt.Sprintf("%s: %s (row=%s)", e.Code, e.Message, e.RowID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *CalcError) Unwrap() error {
	return e.Err
}

// IsValidationError returns true if the error is a validation or constraint
// failure. Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var ce *CalcError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeValidationFailed || ce.Code == ErrCodeConstraintViolated
	}
	return false
}

// IsArtifactMissing returns true if the formula was not compiled.
func IsArtifactMissing(err error) bool {
	var ce *CalcError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeArtifactMissing
	}
	return false
}

// IsInvocationError returns true if the formula body failed or timed out.
func IsInvocationError(err error) bool {
	var ce *CalcError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeInvocationFailed || ce.Code == ErrCodeInvocationTimeout
	}
	return false
}

// NewArtifactMissingError creates a CalcError for an uncompiled formula.
func NewArtifactMissingError(formulaID, rowID string) *CalcError {
	return &CalcError{
		Code:      ErrCodeArtifactMissing,
		Message:   "formula not compiled",
		FormulaID: formulaID,
		RowID:     rowID,
	}
}
