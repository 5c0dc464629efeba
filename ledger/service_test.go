package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T) (*ledger.Service, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return ledger.NewService(store, nil), store
}

// seedCheckedOutCart creates an account with the given starting balance and
// a checked-out cart worth 20 sessions: {10x1} + {5x2}.
func seedCheckedOutCart(t *testing.T, store *sqlite.Store, cartID, userID string, balance int) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, ledger.Account{
		ID:                ledger.UserID(userID),
		AvailableSessions: balance,
	}))
	require.NoError(t, store.SaveCart(ctx, ledger.Cart{
		ID:       ledger.CartID(cartID),
		UserID:   ledger.UserID(userID),
		IsActive: false,
		LineItems: []ledger.LineItem{
			{PackageID: "pack-10", SessionsPerUnit: 10, Quantity: 1, UnitPrice: decimal.NewFromInt(100)},
			{PackageID: "pack-5", SessionsPerUnit: 5, Quantity: 2, UnitPrice: decimal.RequireFromString("55.25")},
		},
	}))
}

func balanceOf(t *testing.T, store *sqlite.Store, userID string) int {
	t.Helper()
	acc, err := store.GetAccount(context.Background(), ledger.UserID(userID))
	require.NoError(t, err)
	return acc.AvailableSessions
}

// =============================================================================
// BASIC GRANT BEHAVIOR
// =============================================================================

func TestGrant_FirstCall_CreditsSessionTotal(t *testing.T) {
	// GIVEN: A checked-out cart with {10x1, 5x2} and a zero balance
	// WHEN: The first grant call arrives
	// THEN: 20 sessions are credited and the result reflects the grant

	svc, store := newTestService(t)
	seedCheckedOutCart(t, store, "cart-1", "user-1", 0)

	result, err := svc.GrantSessionsForCart(context.Background(), "cart-1", "user-1", ledger.SourceWebhook)
	require.NoError(t, err)

	assert.True(t, result.Granted)
	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, 20, result.SessionsAdded)
	assert.Equal(t, 20, balanceOf(t, store, "user-1"))

	cart, err := store.GetCart(context.Background(), "cart-1", "user-1")
	require.NoError(t, err)
	assert.True(t, cart.SessionsGranted, "fulfillment flag must be set")
}

func TestGrant_RepeatCalls_CreditExactlyOnce(t *testing.T) {
	// GIVEN: A cart that has already been granted
	// WHEN: The grant is called repeatedly (page refresh, webhook redelivery)
	// THEN: Every later call reports alreadyProcessed and the balance stays put

	svc, store := newTestService(t)
	seedCheckedOutCart(t, store, "cart-1", "user-1", 0)
	ctx := context.Background()

	first, err := svc.GrantSessionsForCart(ctx, "cart-1", "user-1", ledger.SourceClientVerify)
	require.NoError(t, err)
	require.True(t, first.Granted)

	for i := 0; i < 5; i++ {
		result, err := svc.GrantSessionsForCart(ctx, "cart-1", "user-1", ledger.SourceClientVerify)
		require.NoError(t, err)
		assert.False(t, result.Granted)
		assert.True(t, result.AlreadyProcessed)
		assert.Equal(t, 0, result.SessionsAdded)
	}

	assert.Equal(t, 20, balanceOf(t, store, "user-1"))
}

func TestGrant_SourceDoesNotAffectOutcome(t *testing.T) {
	// Webhook first then verify, and the reverse, land on the same state.

	svc, store := newTestService(t)
	seedCheckedOutCart(t, store, "cart-a", "user-1", 0)
	seedCheckedOutCart(t, store, "cart-b", "user-2", 0)
	ctx := context.Background()

	ra, err := svc.GrantSessionsForCart(ctx, "cart-a", "user-1", ledger.SourceWebhook)
	require.NoError(t, err)
	rb, err := svc.GrantSessionsForCart(ctx, "cart-b", "user-2", ledger.SourceClientVerify)
	require.NoError(t, err)

	assert.Equal(t, ra, rb)
	assert.Equal(t, 20, balanceOf(t, store, "user-1"))
	assert.Equal(t, 20, balanceOf(t, store, "user-2"))
}

func TestGrant_EmptyCart_MarksFlagWithZeroCredit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, ledger.Account{ID: "user-1"}))
	require.NoError(t, store.SaveCart(ctx, ledger.Cart{ID: "cart-empty", UserID: "user-1", IsActive: false}))

	result, err := svc.GrantSessionsForCart(ctx, "cart-empty", "user-1", ledger.SourceWebhook)
	require.NoError(t, err)

	assert.True(t, result.Granted)
	assert.Equal(t, 0, result.SessionsAdded)
	assert.Equal(t, 0, balanceOf(t, store, "user-1"))

	// Still fulfilled: retries are no-ops.
	again, err := svc.GrantSessionsForCart(ctx, "cart-empty", "user-1", ledger.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
}

// =============================================================================
// ERROR PATHS
// =============================================================================

func TestGrant_UnknownCart_NotFound(t *testing.T) {
	// GIVEN: No such cart
	// WHEN: A grant is attempted
	// THEN: ErrCartNotFound, and no balance change

	svc, store := newTestService(t)
	seedCheckedOutCart(t, store, "cart-1", "user-1", 0)

	_, err := svc.GrantSessionsForCart(context.Background(), "cart-missing", "user-1", ledger.SourceWebhook)
	assert.ErrorIs(t, err, ledger.ErrCartNotFound)
	assert.True(t, ledger.IsNotFound(err))
	assert.Equal(t, 0, balanceOf(t, store, "user-1"))
}

func TestGrant_WrongOwner_NotFound(t *testing.T) {
	// A cart owned by someone else must be invisible to the caller.

	svc, store := newTestService(t)
	seedCheckedOutCart(t, store, "cart-1", "user-1", 0)
	require.NoError(t, store.SaveAccount(context.Background(), ledger.Account{ID: "user-2"}))

	_, err := svc.GrantSessionsForCart(context.Background(), "cart-1", "user-2", ledger.SourceClientVerify)
	assert.ErrorIs(t, err, ledger.ErrCartNotFound)
	assert.Equal(t, 0, balanceOf(t, store, "user-1"))
	assert.Equal(t, 0, balanceOf(t, store, "user-2"))

	// The rightful owner can still be granted afterwards.
	result, err := svc.GrantSessionsForCart(context.Background(), "cart-1", "user-1", ledger.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, result.Granted)
}

func TestGrant_ActiveCart_Rejected(t *testing.T) {
	// A cart still open for modification is not grant-eligible.

	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, ledger.Account{ID: "user-1"}))
	require.NoError(t, store.SaveCart(ctx, ledger.Cart{
		ID:       "cart-open",
		UserID:   "user-1",
		IsActive: true,
		LineItems: []ledger.LineItem{
			{PackageID: "pack-10", SessionsPerUnit: 10, Quantity: 1, UnitPrice: decimal.NewFromInt(100)},
		},
	}))

	_, err := svc.GrantSessionsForCart(ctx, "cart-open", "user-1", ledger.SourceWebhook)
	assert.ErrorIs(t, err, ledger.ErrCartNotCheckedOut)
	assert.True(t, ledger.IsClientError(err))
	assert.Equal(t, 0, balanceOf(t, store, "user-1"))

	// After checkout the same cart grants normally.
	require.NoError(t, store.Checkout(ctx, "cart-open"))
	result, err := svc.GrantSessionsForCart(ctx, "cart-open", "user-1", ledger.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, result.Granted)
	assert.Equal(t, 10, result.SessionsAdded)
}

func TestGrant_MissingAccount_NotFound(t *testing.T) {
	// The cart exists but its owner has no account row to credit.

	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.SaveCart(ctx, ledger.Cart{
		ID:       "cart-1",
		UserID:   "ghost",
		IsActive: false,
		LineItems: []ledger.LineItem{
			{PackageID: "pack-10", SessionsPerUnit: 10, Quantity: 1, UnitPrice: decimal.NewFromInt(100)},
		},
	}))

	_, err := svc.GrantSessionsForCart(ctx, "cart-1", "ghost", ledger.SourceWebhook)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	// The rollback must leave the cart unfulfilled and retryable.
	cart, err := store.GetCart(ctx, "cart-1", "ghost")
	require.NoError(t, err)
	assert.False(t, cart.SessionsGranted)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestGrant_ConcurrentSameCart_ExactlyOneWinner(t *testing.T) {
	// GIVEN: A fresh cart and several concurrent callers (webhook + polls)
	// WHEN: All fire at once
	// THEN: Exactly one granted=true, the rest alreadyProcessed, balance 20

	svc, store := newTestService(t)
	seedCheckedOutCart(t, store, "cart-1", "user-1", 0)

	const callers = 8
	results := make([]ledger.GrantResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := ledger.SourceClientVerify
			if i%2 == 0 {
				source = ledger.SourceWebhook
			}
			results[i], errs[i] = svc.GrantSessionsForCart(context.Background(), "cart-1", "user-1", source)
		}(i)
	}
	wg.Wait()

	granted, processed := 0, 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if results[i].Granted {
			granted++
			assert.Equal(t, 20, results[i].SessionsAdded)
		}
		if results[i].AlreadyProcessed {
			processed++
			assert.Equal(t, 0, results[i].SessionsAdded)
		}
	}

	assert.Equal(t, 1, granted, "exactly one caller may perform the credit")
	assert.Equal(t, callers-1, processed)
	assert.Equal(t, 20, balanceOf(t, store, "user-1"))
}

func TestGrant_ConcurrentDistinctCarts_AdditiveTotals(t *testing.T) {
	// Two carts for the same user, granted concurrently, must both succeed
	// and sum their credits.

	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, ledger.Account{ID: "user-1"}))
	for _, c := range []struct {
		id       string
		sessions int
	}{{"cart-a", 10}, {"cart-b", 5}} {
		require.NoError(t, store.SaveCart(ctx, ledger.Cart{
			ID:       ledger.CartID(c.id),
			UserID:   "user-1",
			IsActive: false,
			LineItems: []ledger.LineItem{
				{PackageID: "pack", SessionsPerUnit: c.sessions, Quantity: 1, UnitPrice: decimal.NewFromInt(50)},
			},
		}))
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	results := make([]ledger.GrantResult, 2)
	for i, cartID := range []ledger.CartID{"cart-a", "cart-b"} {
		wg.Add(1)
		go func(i int, cartID ledger.CartID) {
			defer wg.Done()
			results[i], errs[i] = svc.GrantSessionsForCart(ctx, cartID, "user-1", ledger.SourceWebhook)
		}(i, cartID)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, results[0].Granted)
	assert.True(t, results[1].Granted)
	assert.Equal(t, 15, balanceOf(t, store, "user-1"))
}

func TestGrant_AtomicIncrement_SurvivesUnrelatedBalanceWrites(t *testing.T) {
	// GIVEN: An unrelated operation crediting the same account concurrently
	// WHEN: It interleaves with the grant
	// THEN: The final balance reflects both writes (true atomic increment,
	//       not a stale-read overwrite)

	svc, store := newTestService(t)
	seedCheckedOutCart(t, store, "cart-1", "user-1", 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	var grantErr, otherErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, grantErr = svc.GrantSessionsForCart(ctx, "cart-1", "user-1", ledger.SourceWebhook)
	}()
	go func() {
		defer wg.Done()
		otherErr = store.WithGrantTx(ctx, func(tx ledger.GrantTx) error {
			return tx.IncrementAvailableSessions(ctx, "user-1", 3)
		})
	}()
	wg.Wait()

	require.NoError(t, grantErr)
	require.NoError(t, otherErr)
	assert.Equal(t, 5+20+3, balanceOf(t, store, "user-1"))
}
