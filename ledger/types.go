/*
Package ledger implements the session grant ledger: crediting a user's
account with purchased training sessions after a commerce transaction
completes.

KEY CONCEPTS IN THIS FILE (types.go):
  - Cart: A completed purchase with line items and a one-way fulfillment flag
  - LineItem: A purchased session package (sessions per unit x quantity)
  - Account: The user's available-session balance
  - GrantResult: The observable outcome of a grant call, redundant or not
  - Source: Which external trigger invoked the grant (logging only)

DESIGN PRINCIPLES:
  1. Monotonic fulfillment: SessionsGranted transitions false->true exactly
     once and never resets.
  2. Precision: Uses decimal.Decimal for line-item prices; session counts
     are discrete credits and stay integers.
  3. Type Safety: Strong typing for cart and user IDs.

SEE ALSO:
  - service.go: The grant algorithm
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CartID identifies a purchase cart. Opaque and immutable.
type CartID string

// UserID identifies an account. A cart belongs to exactly one user.
type UserID string

// =============================================================================
// SOURCE - Which trigger invoked the grant
// =============================================================================

// Source identifies the external trigger behind a grant call. It is carried
// for logging and audit only; the outcome must never depend on which caller
// wins the race.
type Source string

const (
	// SourceWebhook is the payment provider's asynchronous callback.
	SourceWebhook Source = "webhook"

	// SourceClientVerify is the client's post-checkout verification poll.
	SourceClientVerify Source = "client-verify"
)

// Valid reports whether s is a known trigger source.
func (s Source) Valid() bool {
	return s == SourceWebhook || s == SourceClientVerify
}

// =============================================================================
// CART
// =============================================================================

// LineItem is one purchased session package inside a cart. Read-only at
// grant time.
type LineItem struct {
	PackageID       string
	SessionsPerUnit int
	Quantity        int
	UnitPrice       decimal.Decimal
}

// Sessions returns the session credits this line contributes.
func (li LineItem) Sessions() int {
	return li.SessionsPerUnit * li.Quantity
}

// LineTotal returns the price of this line (unit price x quantity).
func (li LineItem) LineTotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Cart is a persisted purchase. IsActive is true while the cart is open for
// modification and false once checked out; only checked-out carts are
// eligible for granting. SessionsGranted is the sole fulfillment gate.
type Cart struct {
	ID              CartID
	UserID          UserID
	IsActive        bool
	SessionsGranted bool
	LineItems       []LineItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SessionTotal returns the derived session total across all line items.
func (c *Cart) SessionTotal() int {
	total := 0
	for _, li := range c.LineItems {
		total += li.Sessions()
	}
	return total
}

// PriceTotal returns the summed line totals, for receipt display only.
func (c *Cart) PriceTotal() decimal.Decimal {
	total := decimal.Zero
	for _, li := range c.LineItems {
		total = total.Add(li.LineTotal())
	}
	return total
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Account holds a user's session-credit balance. The balance only moves
// through atomic storage-level increments, never a read-then-overwrite.
type Account struct {
	ID                UserID
	AvailableSessions int
	CreatedAt         time.Time
}

// =============================================================================
// GRANT RESULT
// =============================================================================

// GrantResult is returned to every caller, including redundant ones, so the
// idempotent outcome is observable without inspecting storage.
//
// Exactly one of Granted/AlreadyProcessed is true on success:
//   - Granted:          this call performed the credit; SessionsAdded is the
//     cart's session total.
//   - AlreadyProcessed: a prior call already fulfilled the cart;
//     SessionsAdded is zero.
type GrantResult struct {
	Granted          bool
	SessionsAdded    int
	AlreadyProcessed bool
}
