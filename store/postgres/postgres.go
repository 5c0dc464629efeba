/*
Package postgres provides the PostgreSQL-backed implementation of the
grant ledger's storage interfaces.

LOCKING:
  LockCartForUpdate issues a literal SELECT ... FOR UPDATE on the cart
  row. Concurrent grants for the same cart block on that row until the
  winner's transaction ends; grants for different carts never contend,
  so there is no global serialization the way the SQLite backend has.

SCHEMA:
  Mirrors store/sqlite: carts, cart_items, accounts. Prices use NUMERIC,
  timestamps TIMESTAMPTZ. Auto-created on New(), same caveat as the
  SQLite store regarding real migration tooling.

USAGE:
  store, err := postgres.New(os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite/sqlite.go: Default backend
*/
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/warp/session-ledger/ledger"
)

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new Postgres store from a connection string.
func New(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	store := &Store{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS carts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		sessions_granted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_carts_user ON carts(user_id);

	CREATE TABLE IF NOT EXISTS cart_items (
		cart_id TEXT NOT NULL REFERENCES carts(id),
		position INTEGER NOT NULL,
		package_id TEXT NOT NULL,
		sessions_per_unit INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price NUMERIC(12,2) NOT NULL DEFAULT 0,
		PRIMARY KEY (cart_id, position)
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		available_sessions INTEGER NOT NULL DEFAULT 0
			CHECK (available_sessions >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// =============================================================================
// GRANT TRANSACTION (ledger.Store / ledger.GrantTx)
// =============================================================================

// WithGrantTx executes fn within a single database transaction.
func (s *Store) WithGrantTx(ctx context.Context, fn func(tx ledger.GrantTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ledger.StorageError{Op: "begin", Err: err}
	}
	defer sqlTx.Rollback()

	if err := fn(&grantTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &ledger.StorageError{Op: "commit", Err: err}
	}
	return nil
}

type grantTx struct {
	tx *sql.Tx
}

func (t *grantTx) LockCartForUpdate(ctx context.Context, cartID ledger.CartID, userID ledger.UserID) (*ledger.Cart, error) {
	return queryCart(ctx, t.tx, cartID, userID, " FOR UPDATE")
}

func (t *grantTx) MarkSessionsGranted(ctx context.Context, cartID ledger.CartID) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE carts SET sessions_granted = TRUE, updated_at = now() WHERE id = $1`,
		cartID,
	)
	if err != nil {
		return &ledger.StorageError{Op: "mark sessions granted", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &ledger.StorageError{Op: "mark sessions granted", Err: err}
	}
	if n == 0 {
		return &ledger.CartNotFoundError{CartID: cartID}
	}
	return nil
}

func (t *grantTx) IncrementAvailableSessions(ctx context.Context, userID ledger.UserID, delta int) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET available_sessions = available_sessions + $1 WHERE id = $2`,
		delta, userID,
	)
	if err != nil {
		return &ledger.StorageError{Op: "increment available sessions", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &ledger.StorageError{Op: "increment available sessions", Err: err}
	}
	if n == 0 {
		return &ledger.AccountNotFoundError{UserID: userID}
	}
	return nil
}

// =============================================================================
// READS (ledger.Store)
// =============================================================================

// GetCart returns the cart owned by userID with its line items.
func (s *Store) GetCart(ctx context.Context, cartID ledger.CartID, userID ledger.UserID) (*ledger.Cart, error) {
	return queryCart(ctx, s.db, cartID, userID, "")
}

// GetAccount returns the account balance record.
func (s *Store) GetAccount(ctx context.Context, userID ledger.UserID) (*ledger.Account, error) {
	var acc ledger.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, available_sessions, created_at FROM accounts WHERE id = $1`,
		userID,
	).Scan(&acc.ID, &acc.AvailableSessions, &acc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &ledger.AccountNotFoundError{UserID: userID}
	}
	if err != nil {
		return nil, &ledger.StorageError{Op: "get account", Err: err}
	}
	return &acc, nil
}

// queryCart loads a cart and its line items. lockSuffix is either empty or
// " FOR UPDATE"; with the latter the caller's transaction holds the row
// lock until it ends.
func queryCart(ctx context.Context, q queryer, cartID ledger.CartID, userID ledger.UserID, lockSuffix string) (*ledger.Cart, error) {
	var cart ledger.Cart

	query := `SELECT id, user_id, is_active, sessions_granted, created_at, updated_at
		FROM carts WHERE id = $1 AND user_id = $2` + lockSuffix

	err := q.QueryRowContext(ctx, query, cartID, userID).Scan(
		&cart.ID, &cart.UserID, &cart.IsActive, &cart.SessionsGranted,
		&cart.CreatedAt, &cart.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &ledger.CartNotFoundError{CartID: cartID, UserID: userID}
	}
	if err != nil {
		return nil, &ledger.StorageError{Op: "load cart", Err: err}
	}

	rows, err := q.QueryContext(ctx,
		`SELECT package_id, sessions_per_unit, quantity, unit_price
		 FROM cart_items WHERE cart_id = $1 ORDER BY position ASC`,
		cartID,
	)
	if err != nil {
		return nil, &ledger.StorageError{Op: "load cart items", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var li ledger.LineItem
		var price string
		if err := rows.Scan(&li.PackageID, &li.SessionsPerUnit, &li.Quantity, &price); err != nil {
			return nil, &ledger.StorageError{Op: "scan cart item", Err: err}
		}
		li.UnitPrice, err = decimal.NewFromString(price)
		if err != nil {
			return nil, &ledger.StorageError{Op: "parse unit price", Err: err}
		}
		cart.LineItems = append(cart.LineItems, li)
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.StorageError{Op: "load cart items", Err: err}
	}

	return &cart, nil
}
