// Package core defines the error taxonomy shared by the settlement engines.
// Engines wrap these sentinels with contextual detail; callers classify
// failures with errors.Is.
package core

import "errors"

var (
	// ErrInvalidAmount marks monetary inputs that are zero, negative or
	// otherwise outside the accepted range.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInsufficientFunds marks debits or reservations that exceed the
	// available balance of a ledger account.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidState marks transitions attempted from a state that does not
	// permit them.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotAuthorized marks party-restricted actions attempted by the wrong
	// party.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrUnbalancedInstallments marks installment schedules whose amounts do
	// not sum to the contract total.
	ErrUnbalancedInstallments = errors.New("unbalanced installments")
	// ErrStaleRequest marks actions against a hold or dispute that has
	// already reached a terminal state.
	ErrStaleRequest = errors.New("stale request")
	// ErrNotFound marks lookups for records that do not exist.
	ErrNotFound = errors.New("not found")
)
