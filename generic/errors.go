/*
errors.go - Centralized error types for the commission ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  The referral package and the stores wrap these with context.

ERROR CATEGORIES:
  1. Association - the lead has no referral (not a failure, callers skip)
  2. Integrity   - referral points at a missing referrer or holds an unknown
                   status; fatal, never repaired silently
  3. Balance     - a delta would drive a pool negative; the whole unit rolls back
  4. Concurrency - lock or serialization failure; retry the whole dispatch

USAGE:
    if errors.Is(err, generic.ErrNoReferralAssociation) {
        return nil // lead created manually, nothing to do
    }
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoReferralAssociation is returned when a lead has no referral.
	// This is the common case for manually created leads.
	ErrNoReferralAssociation = errors.New("lead has no referral")

	// ErrInconsistentReferralState is returned when a referral references a
	// missing referrer or carries a status outside the defined set.
	ErrInconsistentReferralState = errors.New("inconsistent referral state")

	// ErrInsufficientBalance is returned when a delta would make a pool negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrencyConflict is returned when a lock cannot be acquired or a
	// serializable transaction must be retried.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrReferrerNotFound = errors.New("referrer not found")
	ErrReferralNotFound = errors.New("referral not found")

	// ErrDuplicateReferral is returned when the lead already has a referral.
	ErrDuplicateReferral = errors.New("lead already has a referral")

	// ErrDuplicateReferrer is returned when the referrer id is taken.
	ErrDuplicateReferrer = errors.New("referrer already exists")

	// ErrInvalidAmount is returned for negative commission settings.
	ErrInvalidAmount = errors.New("invalid amount")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a pool shortage.
type InsufficientBalanceError struct {
	ReferrerID ReferrerID
	Pool       Pool
	Available  Amount
	Requested  Amount
	Shortfall  Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for referrer %q: available %s, requested %s, shortfall %s",
		e.Pool, e.ReferrerID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// InconsistentStateError describes an integrity violation.
type InconsistentStateError struct {
	ReferralID ReferralID
	Reason     string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent referral %q: %s", e.ReferralID, e.Reason)
}

func (e *InconsistentStateError) Unwrap() error {
	return ErrInconsistentReferralState
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicateReferral) ||
		errors.Is(err, ErrDuplicateReferrer) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReferrerNotFound) ||
		errors.Is(err, ErrReferralNotFound) ||
		errors.Is(err, ErrNoReferralAssociation)
}
