// Package errors defines the sentinel errors shared by benchkeeper packages,
// constructors that attach context to them, and their HTTP status mapping.
//
// It re-exports Is, As, Join and New so callers can import it in place of
// the standard errors package.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	ErrNotFound     = errors.New("not found")
	ErrUnknownSuite = errors.New("unknown suite")

	// Entries and stored records
	ErrMalformedRecord = errors.New("malformed record")
	ErrUnitMismatch    = errors.New("unit mismatch")
	ErrInvalidEntry    = errors.New("invalid entry")

	// Configuration and input
	ErrInvalidName   = errors.New("invalid name")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Persistence
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrTimeout                = errors.New("timeout")
	ErrStoreClosed            = errors.New("store is closed")
	ErrSequenceGap            = errors.New("sequence gap")

	// Access
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrRateLimited      = errors.New("too many failed attempts")

	ErrInternal = errors.New("internal error")
)

var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
	New  = errors.New
)

// isAny reports whether err matches one of targets.
func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func IsNotFound(err error) bool {
	return isAny(err, ErrNotFound, ErrUnknownSuite)
}

// IsValidation reports errors caused by bad input rather than by the store.
func IsValidation(err error) bool {
	return isAny(err, ErrInvalidEntry, ErrInvalidName, ErrInvalidConfig, ErrMissingField, ErrMalformedRecord)
}

// IsRetriable reports errors that may clear up on their own.
func IsRetriable(err error) bool {
	return isAny(err, ErrTimeout, ErrPersistenceUnavailable)
}

// ============================================================================
// HTTP status mapping
// ============================================================================

// statuses is checked in order. Unit mismatches are validation failures
// too, but report as conflicts.
var statuses = []struct {
	match  func(error) bool
	status int
}{
	{IsNotFound, http.StatusNotFound},
	{matcher(ErrNotAuthenticated), http.StatusUnauthorized},
	{matcher(ErrNotAuthorized), http.StatusForbidden},
	{matcher(ErrRateLimited), http.StatusTooManyRequests},
	{matcher(ErrUnitMismatch), http.StatusConflict},
	{IsValidation, http.StatusBadRequest},
	{matcher(ErrStoreClosed, ErrPersistenceUnavailable), http.StatusServiceUnavailable},
	{matcher(ErrTimeout), http.StatusGatewayTimeout},
}

func matcher(targets ...error) func(error) bool {
	return func(err error) bool { return isAny(err, targets...) }
}

// ErrorToStatus maps err to an HTTP status code. Unknown errors are 500.
func ErrorToStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, s := range statuses {
		if s.match(err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// ============================================================================
// Constructors
// ============================================================================

func NewNotFound(kind, id string) error {
	return fmt.Errorf("%s '%s': %w", kind, id, ErrNotFound)
}

// NewValidation reports a configuration field that failed validation.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue reports a rejected value of a configuration field or
// option.
func NewInvalidValue(field string, value any, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

func NewInvalidEntry(field, reason string) error {
	return fmt.Errorf("%s: %s: %w", field, reason, ErrInvalidEntry)
}

// NewUnitMismatch reports a measurement recorded with a unit that differs
// from the one already on record for the same name in a suite.
func NewUnitMismatch(suite, name, recorded, got string) error {
	return fmt.Errorf("suite %q measurement %q: recorded in %q, got %q: %w",
		suite, name, recorded, got, ErrUnitMismatch)
}

// NewMalformed wraps a decode failure as a malformed record. The cause is
// kept in the message only.
func NewMalformed(where string, err error) error {
	return fmt.Errorf("%s: %w: %v", where, ErrMalformedRecord, err)
}

// ============================================================================
// ValidationErrors
// ============================================================================

// ValidationErrors collects every problem found while validating, so one
// pass reports them all.
type ValidationErrors struct {
	Errors []error
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add records err. Nil is ignored.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

func (v *ValidationErrors) AddField(field, reason string) {
	v.Add(NewValidation(field, reason))
}

func (v *ValidationErrors) AddMissing(field string) {
	v.Add(NewMissingField(field))
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	switch len(v.Errors) {
	case 0:
		return ""
	case 1:
		return v.Errors[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Err returns v, or nil when nothing was collected.
func (v *ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}

func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
