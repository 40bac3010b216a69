/*
errors.go - Centralized error types for the lending engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers should match with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation errors - malformed input (negative principal, bad terms)
  2. Consistency errors - installment/ledger totals diverging
  3. Reversal errors - attempts to reverse non-reversible entries
  4. Agreement errors - illegal state transitions
  5. Persistence errors - surfaced, never swallowed

SEE ALSO:
  - ledger.go: reversal rules
  - agreement.go: state machine transitions
*/
package lending

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned on malformed input. Calculators never
	// silently clamp bad values.
	ErrValidation = errors.New("validation failed")

	// ErrConsistency is returned when installment and ledger totals
	// diverge. The operation must abort rather than coerce values.
	ErrConsistency = errors.New("loan state inconsistent")

	// ErrReversalNotAllowed is returned when attempting to reverse an
	// audit/system entry or one already reversed.
	ErrReversalNotAllowed = errors.New("entry is not reversible")

	// ErrAgreementState is returned on illegal agreement transitions
	// (paying a BROKEN plan, breaking a PAID one).
	ErrAgreementState = errors.New("invalid agreement state for operation")

	// ErrNotFound is returned when a referenced loan, entry, agreement
	// or capital source does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with
	// the same idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrLedgerAppend and ErrSourceAdjust tag which half of a cash
	// posting failed, so callers can tell "nothing happened" from
	// "partially happened".
	ErrLedgerAppend = errors.New("ledger append failed")
	ErrSourceAdjust = errors.New("capital source adjustment failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports which field of the input was malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AgreementStateError reports an illegal operation for the agreement's
// current status.
type AgreementStateError struct {
	AgreementID AgreementID
	Status      AgreementStatus
	Op          string
}

func (e *AgreementStateError) Error() string {
	return fmt.Sprintf("cannot %s agreement %s in status %s", e.Op, e.AgreementID, e.Status)
}

func (e *AgreementStateError) Unwrap() error { return ErrAgreementState }

// ReversalError reports why a ledger entry cannot be reversed.
type ReversalError struct {
	EntryID EntryID
	Type    EntryType
	Reason  string
}

func (e *ReversalError) Error() string {
	return fmt.Sprintf("cannot reverse entry %s (%s): %s", e.EntryID, e.Type, e.Reason)
}

func (e *ReversalError) Unwrap() error { return ErrReversalNotAllowed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrReversalNotAllowed) ||
		errors.Is(err, ErrAgreementState) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
