/*
store.go - Persistence interfaces for the grant ledger

PURPOSE:
  Defines what the grant service needs from storage, without binding to a
  backend. Two implementations exist: store/sqlite (default) and
  store/postgres.

TRANSACTION MODEL:
  WithGrantTx runs fn inside a single storage transaction. Everything fn
  does through the GrantTx it receives is committed atomically when fn
  returns nil and rolled back when it returns an error. The lock taken by
  LockCartForUpdate is held until the transaction ends.

SEE ALSO:
  - service.go: The only consumer of GrantTx
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Implementations
*/
package ledger

import "context"

// GrantTx is the transaction-scoped view of storage used by a single grant.
// All three operations share one transaction; the cart lock serializes
// concurrent grants for the same cart.
type GrantTx interface {
	// LockCartForUpdate acquires an exclusive, blocking lock on the cart
	// identified by (cartID, userID) and returns it with its line items.
	// Fails with ErrCartNotFound if no matching, owned cart exists.
	LockCartForUpdate(ctx context.Context, cartID CartID, userID UserID) (*Cart, error)

	// MarkSessionsGranted sets the cart's fulfillment flag. The flag is
	// monotonic; it is never reset.
	MarkSessionsGranted(ctx context.Context, cartID CartID) error

	// IncrementAvailableSessions credits the account with delta sessions as
	// a single atomic arithmetic update, never a read-modify-write.
	// Fails with ErrAccountNotFound if the account does not exist.
	IncrementAvailableSessions(ctx context.Context, userID UserID, delta int) error
}

// Store is the backend-agnostic persistence surface. The read operations
// exist for the API layer and the service's post-commit invariant check;
// only WithGrantTx mutates state.
type Store interface {
	// WithGrantTx executes fn within a storage transaction. A nil return
	// from fn commits; any error rolls back. Transaction and commit
	// failures surface as ErrStorage.
	WithGrantTx(ctx context.Context, fn func(tx GrantTx) error) error

	// GetCart returns the cart owned by userID, or ErrCartNotFound.
	GetCart(ctx context.Context, cartID CartID, userID UserID) (*Cart, error)

	// GetAccount returns the account, or ErrAccountNotFound.
	GetAccount(ctx context.Context, userID UserID) (*Account, error)
}
