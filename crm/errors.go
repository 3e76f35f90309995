/*
errors.go - Centralized error types for the CRM engine

ERROR CATEGORIES:
  1. Not found    - Referenced quote or customer does not exist
  2. Validation   - Malformed input (negative price, unknown status)
  3. Persistence  - The store rejected a read or write
  4. Matching     - Name-based resolution was ambiguous

USAGE:
  if errors.Is(err, crm.ErrQuoteNotFound) {
      // 404
  }

  var vErr *crm.ValidationError
  if errors.As(err, &vErr) {
      // vErr.Field names the offending input
  }

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP status codes
*/
package crm

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrQuoteNotFound is returned when a referenced quote doesn't exist.
	ErrQuoteNotFound = errors.New("quote not found")

	// ErrCustomerNotFound is returned when a referenced customer doesn't exist.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrInvalidQuote is returned when quote input violates a field rule.
	ErrInvalidQuote = errors.New("invalid quote")

	// ErrInvalidStatus is returned for status values outside the known set.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrPersistence is returned when the backing store rejects an operation.
	ErrPersistence = errors.New("persistence failure")

	// ErrAmbiguousMatch is reported when a name resolves to several customers.
	ErrAmbiguousMatch = errors.New("ambiguous customer name match")

	// ErrForbidden is returned when the caller may not touch a record.
	ErrForbidden = errors.New("forbidden")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Field == "status" {
		return ErrInvalidStatus
	}
	return ErrInvalidQuote
}

// PersistenceError wraps a store failure with the operation that caused it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrPersistence and the underlying store error.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// AmbiguousMatchError lists the customers a name resolved to.
type AmbiguousMatchError struct {
	Name       string
	Candidates []CustomerID
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("name %q matches %d customers", e.Name, len(e.Candidates))
}

func (e *AmbiguousMatchError) Unwrap() error {
	return ErrAmbiguousMatch
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrQuoteNotFound) || errors.Is(err, ErrCustomerNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuote) || errors.Is(err, ErrInvalidStatus)
}
