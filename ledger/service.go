/*
service.go - The session grant service

PURPOSE:
  Single entry point for crediting purchased sessions: GrantSessionsForCart.
  Both external triggers (the payment provider's webhook and the client's
  post-checkout verify poll) call this function and nothing else; it is the
  only writer of the fulfillment flag and the only initiator of balance
  increments.

DELIVERY MODEL:
  Both triggers are at-least-once and unordered. They may race, retry, or
  arrive out of order, and every combination must produce exactly one
  session credit per cart.

WHY A ROW LOCK, NOT A FLAG CHECK?
  A bare "check flag, then increment, then set flag" sequence has a
  time-of-check/time-of-use race: two concurrent callers can both observe
  sessions_granted=false before either writes, double-crediting the
  account. The exclusive lock turns check-then-act into a single atomic
  critical section per cart. Callers for different carts never contend.

WHY AN ATOMIC INCREMENT, NOT READ-THEN-WRITE?
  Even inside the cart's critical section, the account row can be touched
  by unrelated operations (session consumption by booking). A storage-level
  "available_sessions = available_sessions + n" avoids a second,
  independent race on the account row.

SEE ALSO:
  - store.go: GrantTx contract the algorithm runs against
  - api/handlers.go: The two thin trigger adapters
*/
package ledger

import (
	"context"
	"log/slog"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service is the session grant service. Safe for concurrent use; it holds
// no mutable state, correctness rests on the store's transactional
// isolation and locking.
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService creates a grant service on top of a store. A nil logger falls
// back to slog.Default().
func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log}
}

// =============================================================================
// GRANT
// =============================================================================

// GrantSessionsForCart credits the cart owner's account with the cart's
// session total, exactly once per cart regardless of how many times either
// trigger fires.
//
// The whole operation runs in one storage transaction:
//  1. Lock the cart row exclusively (concurrent callers for the same cart
//     block here until the winner commits or rolls back).
//  2. If the cart is already fulfilled, report alreadyProcessed.
//  3. Otherwise atomically increment the account balance and set the
//     fulfillment flag, then commit. A failed commit leaves no partial
//     state, so the operation is safely retryable.
//
// source identifies the trigger for logging only; it never affects the
// outcome. Errors: ErrCartNotFound, ErrCartNotCheckedOut, ErrAccountNotFound,
// ErrStorage (retryable).
func (s *Service) GrantSessionsForCart(ctx context.Context, cartID CartID, userID UserID, source Source) (GrantResult, error) {
	var result GrantResult

	err := s.store.WithGrantTx(ctx, func(tx GrantTx) error {
		cart, err := tx.LockCartForUpdate(ctx, cartID, userID)
		if err != nil {
			return err
		}

		if cart.SessionsGranted {
			// A previous call won the race. Read-only outcome, identical
			// whether the transaction commits or rolls back.
			result = GrantResult{AlreadyProcessed: true}
			return nil
		}

		if cart.IsActive {
			return ErrCartNotCheckedOut
		}

		total := cart.SessionTotal()
		if err := tx.IncrementAvailableSessions(ctx, cart.UserID, total); err != nil {
			return err
		}
		if err := tx.MarkSessionsGranted(ctx, cart.ID); err != nil {
			return err
		}

		result = GrantResult{Granted: true, SessionsAdded: total}
		return nil
	})
	if err != nil {
		s.log.Warn("grant failed",
			"cart_id", string(cartID),
			"user_id", string(userID),
			"source", string(source),
			"error", err)
		return GrantResult{}, err
	}

	if result.Granted {
		if err := s.checkFulfilled(ctx, cartID, userID, source); err != nil {
			return GrantResult{}, err
		}
		s.log.Info("sessions granted",
			"cart_id", string(cartID),
			"user_id", string(userID),
			"source", string(source),
			"sessions_added", result.SessionsAdded)
	} else {
		s.log.Info("cart already processed",
			"cart_id", string(cartID),
			"user_id", string(userID),
			"source", string(source))
	}

	return result, nil
}

// checkFulfilled is a defensive post-condition: after a committed grant the
// fulfillment flag must read back true. A false read means the
// transactional guarantee itself is broken (e.g. isolation level
// misconfigured) and is surfaced as ErrInvariantViolation.
func (s *Service) checkFulfilled(ctx context.Context, cartID CartID, userID UserID, source Source) error {
	cart, err := s.store.GetCart(ctx, cartID, userID)
	if err != nil {
		// The grant itself is durable; a failed verification read is not
		// worth failing the caller over.
		s.log.Warn("post-grant verification read failed",
			"cart_id", string(cartID),
			"error", err)
		return nil
	}
	if !cart.SessionsGranted {
		s.log.Error("fulfillment flag unset after committed grant",
			"invariant_violation", true,
			"cart_id", string(cartID),
			"user_id", string(userID),
			"source", string(source))
		return ErrInvariantViolation
	}
	return nil
}
