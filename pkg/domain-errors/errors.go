// Package domainerrors defines coded errors shared by services and transport.
//
// Stores return pkg/platform/sentinel errors; services translate them into
// coded errors from this package; the HTTP layer maps codes onto statuses.
// Codes are stable and part of the API surface — callers branch on them.
package domainerrors

import (
	"errors"
	"fmt"
	"strings"
)

type Code string

const (
	// CodeInvalidInput marks structurally malformed caller input (bad UUID,
	// unparseable body). Distinct from CodeValidation, which covers
	// well-formed input missing required fields.
	CodeInvalidInput Code = "invalid_input"

	// CodeValidation carries the names of missing or invalid fields.
	CodeValidation Code = "validation_failed"

	CodeNotFound     Code = "not_found"
	CodeInvalidState Code = "invalid_state"

	// CodeUnitOccupied is raised when a storage unit already carries a
	// different body's active allocation. Meta holds unit_code and
	// occupying_body_id.
	CodeUnitOccupied Code = "unit_occupied"

	// CodeAllocationConflict is raised when an allocation precondition fails
	// for reasons other than a foreign occupant (e.g. the body already holds
	// an active allocation).
	CodeAllocationConflict Code = "allocation_conflict"

	// CodeUnavailable surfaces persistence failures (timeout, connection
	// loss) unchanged. State-mutating operations are never retried
	// internally.
	CodeUnavailable Code = "storage_unavailable"

	CodeTimeout  Code = "timeout"
	CodeInternal Code = "internal"
)

// DomainError is the one error type services return to the boundary layer.
type DomainError struct {
	Code    Code
	Message string
	// Fields names the missing or invalid fields for CodeValidation.
	Fields []string
	// Meta carries structured detail, e.g. the conflicting unit and occupant.
	Meta  map[string]string
	cause error
}

func (e *DomainError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s (fields: %s)", e.Code, e.Message, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.cause }

func New(code Code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message while preserving the original error chain.
func Wrap(err error, code Code, message string) *DomainError {
	return &DomainError{Code: code, Message: message, cause: err}
}

// WithFields records field names on a validation error.
func (e *DomainError) WithFields(fields ...string) *DomainError {
	e.Fields = append(e.Fields, fields...)
	return e
}

// WithMeta attaches one structured detail entry.
func (e *DomainError) WithMeta(key, value string) *DomainError {
	if e.Meta == nil {
		e.Meta = make(map[string]string)
	}
	e.Meta[key] = value
	return e
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// FieldsOf returns the field names attached to a validation error, if any.
func FieldsOf(err error) []string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Fields
	}
	return nil
}

// MetaOf returns the structured detail attached to err, if any.
func MetaOf(err error) map[string]string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Meta
	}
	return nil
}
