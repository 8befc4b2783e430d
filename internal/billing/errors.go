package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Domain errors for billing documents.
var (
	ErrNotFound          = errors.New("billing document not found")
	ErrDuplicateNumber   = errors.New("document number already used")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation failed")
	ErrResourceLocked    = errors.New("document is locked")
	ErrCapExceeded       = errors.New("contract total exceeded")
	ErrInvalidScope      = errors.New("invalid numbering scope")
)

// Code is the machine-checkable error kind exposed to transports.
type Code string

const (
	CodeDuplicateNumber   Code = "DUPLICATE_NUMBER"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeResourceLocked    Code = "RESOURCE_LOCKED"
	CodeCapExceeded       Code = "CAP_EXCEEDED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidScope      Code = "INVALID_SCOPE"
	CodeInternal          Code = "INTERNAL"
)

// CodeOf maps an error onto its Code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateNumber):
		return CodeDuplicateNumber
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrResourceLocked):
		return CodeResourceLocked
	case errors.Is(err, ErrCapExceeded):
		return CodeCapExceeded
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidScope):
		return CodeInvalidScope
	default:
		return CodeInternal
	}
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move document from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError carries field-keyed messages.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// Add records a message for field, keeping the first one reported.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = message
	}
}

// OrNil returns nil when no field failed.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// CapExceededError reports a situation document billing past its contract.
type CapExceededError struct {
	Contract  float64
	Billed    float64
	Candidate float64
	Remaining float64
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("contract total %.2f exceeded: already billed %.2f, requested %.2f, remaining %.2f",
		e.Contract, e.Billed, e.Candidate, e.Remaining)
}

func (e *CapExceededError) Unwrap() error { return ErrCapExceeded }

// DuplicateNumberError reports a number already finalized in its scope.
type DuplicateNumberError struct {
	Scope  Scope
	Number string
}

func (e *DuplicateNumberError) Error() string {
	return fmt.Sprintf("number %s already used in %s", e.Number, e.Scope)
}

func (e *DuplicateNumberError) Unwrap() error { return ErrDuplicateNumber }

// LockedError reports a mutation attempted on a terminal document.
type LockedError struct {
	ID     string
	Status Status
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("document %s is %s and cannot be modified", e.ID, e.Status)
}

func (e *LockedError) Unwrap() error { return ErrResourceLocked }
