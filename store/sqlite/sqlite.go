/*
Package sqlite provides the SQLite-backed implementation of the grant
ledger's storage interfaces.

INTERFACES IMPLEMENTED:
  ledger.Store:   Transactional grant runner + read access
  ledger.GrantTx: Transaction-scoped lock / mark / increment

KEY TABLES:
  carts:       Purchase carts with the one-way sessions_granted flag
  cart_items:  Line items (package, sessions per unit, quantity, price)
  accounts:    available_sessions counters, mutated only by atomic UPDATE

LOCKING:
  SQLite has no row-level locks, so the exclusive critical section comes
  from the transaction itself: connections open with _txlock=immediate so
  every grant transaction takes the database write lock up front, and
  write transactions are additionally serialized behind a mutex. Coarser
  than Postgres row locking but the same guarantee: one grant per cart
  wins, the rest observe the committed flag. See store/postgres for the
  SELECT ... FOR UPDATE variant.

WAL MODE:
  Opened with WAL so readers don't block behind the writer, plus a busy
  timeout so a contended write surfaces as a storage error instead of an
  immediate SQLITE_BUSY.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  svc := ledger.NewService(store, nil)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/postgres/postgres.go: Postgres implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/session-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single pooled connection keeps :memory: databases coherent and
	// matches SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Purchase carts. sessions_granted is monotonic: false -> true, never back.
	CREATE TABLE IF NOT EXISTS carts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		sessions_granted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_carts_user
		ON carts(user_id);

	-- Line items, ordered by position within the cart.
	CREATE TABLE IF NOT EXISTS cart_items (
		cart_id TEXT NOT NULL REFERENCES carts(id),
		position INTEGER NOT NULL,
		package_id TEXT NOT NULL,
		sessions_per_unit INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL DEFAULT '0',
		PRIMARY KEY (cart_id, position)
	);

	-- Account balances. Mutated only via atomic increments.
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		available_sessions INTEGER NOT NULL DEFAULT 0
			CHECK (available_sessions >= 0),
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx so cart reads can run
// inside or outside a grant transaction.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// =============================================================================
// GRANT TRANSACTION (ledger.Store / ledger.GrantTx)
// =============================================================================

// WithGrantTx executes fn within a single immediate-mode transaction.
// The write lock taken at BEGIN is SQLite's stand-in for the exclusive
// cart row lock; it is held until commit or rollback.
func (s *Store) WithGrantTx(ctx context.Context, fn func(tx ledger.GrantTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	// The transaction already holds the write lock (immediate mode), so a
	// plain read inside it is exclusive.
	return queryCart(ctx, t.tx, cartID, userID)
}

func (t *grantTx) MarkSessionsGranted(ctx context.Context, cartID ledger.CartID) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE carts SET sessions_granted = TRUE, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), cartID,
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
	// Single arithmetic UPDATE; the balance never round-trips through
	// application memory.
	res, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET available_sessions = available_sessions + ? WHERE id = ?`,
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryCart(ctx, s.db, cartID, userID)
}

// GetAccount returns the account balance record.
func (s *Store) GetAccount(ctx context.Context, userID ledger.UserID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var acc ledger.Account
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, available_sessions, created_at FROM accounts WHERE id = ?`,
		userID,
	).Scan(&acc.ID, &acc.AvailableSessions, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &ledger.AccountNotFoundError{UserID: userID}
	}
	if err != nil {
		return nil, &ledger.StorageError{Op: "get account", Err: err}
	}
	acc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &acc, nil
}

// queryCart loads a cart and its line items, inside or outside a grant
// transaction.
func queryCart(ctx context.Context, q queryer, cartID ledger.CartID, userID ledger.UserID) (*ledger.Cart, error) {
	var cart ledger.Cart
	var createdAt, updatedAt string

	query := `SELECT id, user_id, is_active, sessions_granted, created_at, updated_at
		FROM carts WHERE id = ? AND user_id = ?`

	err := q.QueryRowContext(ctx, query, cartID, userID).Scan(
		&cart.ID, &cart.UserID, &cart.IsActive, &cart.SessionsGranted,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &ledger.CartNotFoundError{CartID: cartID, UserID: userID}
	}
	if err != nil {
		return nil, &ledger.StorageError{Op: "load cart", Err: err}
	}

	cart.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	cart.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	rows, err := q.QueryContext(ctx,
		`SELECT package_id, sessions_per_unit, quantity, unit_price
		 FROM cart_items WHERE cart_id = ? ORDER BY position ASC`,
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

// =============================================================================
// SEED / FIXTURE HELPERS
// =============================================================================
// Cart and account creation belong to the surrounding commerce system, not
// the grant ledger. These writers exist for tests and dev tooling only.

// SaveAccount inserts or updates an account record.
func (s *Store) SaveAccount(ctx context.Context, acc ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, available_sessions, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			available_sessions = excluded.available_sessions`,
		acc.ID, acc.AvailableSessions, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return &ledger.StorageError{Op: "save account", Err: err}
	}
	return nil
}

// SaveCart inserts a cart and its line items, replacing any previous items.
func (s *Store) SaveCart(ctx context.Context, cart ledger.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ledger.StorageError{Op: "begin", Err: err}
	}
	defer sqlTx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = sqlTx.ExecContext(ctx,
		`INSERT INTO carts (id, user_id, is_active, sessions_granted, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			is_active = excluded.is_active,
			sessions_granted = excluded.sessions_granted,
			updated_at = excluded.updated_at`,
		cart.ID, cart.UserID, cart.IsActive, cart.SessionsGranted, now, now,
	)
	if err != nil {
		return &ledger.StorageError{Op: "save cart", Err: err}
	}

	if _, err := sqlTx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = ?`, cart.ID); err != nil {
		return &ledger.StorageError{Op: "save cart items", Err: err}
	}
	for i, li := range cart.LineItems {
		_, err := sqlTx.ExecContext(ctx,
			`INSERT INTO cart_items (cart_id, position, package_id, sessions_per_unit, quantity, unit_price)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			cart.ID, i, li.PackageID, li.SessionsPerUnit, li.Quantity, li.UnitPrice.String(),
		)
		if err != nil {
			return &ledger.StorageError{Op: "save cart items", Err: err}
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return &ledger.StorageError{Op: "commit", Err: err}
	}
	return nil
}

// Checkout closes a cart for modification, making it grant-eligible.
func (s *Store) Checkout(ctx context.Context, cartID ledger.CartID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET is_active = FALSE, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), cartID,
	)
	if err != nil {
		return &ledger.StorageError{Op: "checkout", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &ledger.StorageError{Op: "checkout", Err: err}
	}
	if n == 0 {
		return &ledger.CartNotFoundError{CartID: cartID}
	}
	return nil
}
