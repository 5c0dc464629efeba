/*
errors.go - Centralized error types for the grant ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  The HTTP layer maps these to status codes via the helpers below.

ERROR CATEGORIES:
  1. Not-found errors  - Cart or account missing / not owned by the user
  2. Storage errors    - Transaction, lock, or commit failures (retryable)
  3. State errors      - Cart not yet eligible for granting
  4. Invariant errors  - Post-commit checks that should never fire

USAGE:
  if errors.Is(err, ledger.ErrCartNotFound) { ... }

SEE ALSO:
  - service.go: Produces these errors
  - store/sqlite, store/postgres: Wrap driver failures into ErrStorage
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCartNotFound is returned when no cart matches (cartID, userID).
	// The caller likely has a stale or forged identifier; not retryable.
	ErrCartNotFound = errors.New("cart not found")

	// ErrAccountNotFound is returned when the cart's owner has no account
	// row to credit.
	ErrAccountNotFound = errors.New("account not found")

	// ErrStorage is returned when a transaction could not be acquired,
	// committed, or a lock timed out. Retryable; retry policy belongs to
	// the caller (webhook redelivery, client re-poll).
	ErrStorage = errors.New("storage failure")

	// ErrCartNotCheckedOut is returned when granting is attempted on a cart
	// that is still open for modification.
	ErrCartNotCheckedOut = errors.New("cart not checked out")

	// ErrInvariantViolation is returned when a committed grant is observed
	// with the fulfillment flag still unset. It means the transactional
	// guarantee itself is broken (e.g. isolation misconfigured).
	ErrInvariantViolation = errors.New("grant invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CartNotFoundError identifies which (cart, user) pair had no match.
type CartNotFoundError struct {
	CartID CartID
	UserID UserID
}

func (e *CartNotFoundError) Error() string {
	return fmt.Sprintf("cart %s not found for user %s", e.CartID, e.UserID)
}

func (e *CartNotFoundError) Unwrap() error {
	return ErrCartNotFound
}

// AccountNotFoundError identifies the missing account.
type AccountNotFoundError struct {
	UserID UserID
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account %s not found", e.UserID)
}

func (e *AccountNotFoundError) Unwrap() error {
	return ErrAccountNotFound
}

// StorageError wraps a driver-level failure with the operation that hit it.
// The underlying cause stays in the message; errors.Is matches ErrStorage.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return ErrStorage
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing cart or account.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCartNotFound) ||
		errors.Is(err, ErrAccountNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCartNotCheckedOut)
}
