package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-sagas/internal/pkg/sqlitedb"
)

// Reservation statuses.
const (
	ReservationReserved = "RESERVED"
	ReservationReleased = "RELEASED"
)

var (
	// ErrProductNotFound is returned when a line item names an unknown product.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock is returned when available stock cannot cover a
	// requested quantity.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Product is one stocked item.
type Product struct {
	ID        string
	Name      string
	Price     float64
	Available int
}

// Reservation is stock held for one order line.
type Reservation struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	UnitPrice float64
	Status    string
	CreatedAt time.Time
}

const inventorySchema = `
CREATE TABLE IF NOT EXISTS products (
	product_id   TEXT PRIMARY KEY,
	product_name TEXT NOT NULL,
	price        REAL NOT NULL,
	available    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS reservations (
	id         TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	product_id TEXT NOT NULL,
	quantity   INTEGER NOT NULL,
	unit_price REAL NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (order_id, product_id)
);
CREATE INDEX IF NOT EXISTS idx_reservations_order ON reservations (order_id);
`

// Store persists products and reservations. All writes run on the single
// pooled connection, which serialises the check-then-decrement sequence the
// way a per-product row lock would.
type Store struct {
	db *sql.DB
}

// OpenStore opens the inventory database at path.
func OpenStore(path string) (*Store, *sql.DB, error) {
	db, err := sqlitedb.Open(path, inventorySchema)
	if err != nil {
		return nil, nil, err
	}
	return &Store{db: db}, db, nil
}

// NewStore binds a store to an already opened database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(inventorySchema); err != nil {
		return nil, fmt.Errorf("inventory: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// UpsertProduct creates or replaces a product row. Used for seeding stock.
func (s *Store) UpsertProduct(ctx context.Context, p Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (product_id, product_name, price, available)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (product_id) DO UPDATE SET
			product_name = excluded.product_name,
			price = excluded.price,
			available = excluded.available`,
		p.ID, p.Name, p.Price, p.Available)
	if err != nil {
		return fmt.Errorf("inventory: upsert product %s: %w", p.ID, err)
	}
	return nil
}

// ProductTx loads one product inside the caller's transaction.
func (s *Store) ProductTx(ctx context.Context, tx *sql.Tx, productID string) (Product, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT product_id, product_name, price, available
		FROM products WHERE product_id = ?`, productID)

	var p Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Available)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if err != nil {
		return Product{}, fmt.Errorf("inventory: load product %s: %w", productID, err)
	}
	return p, nil
}

// ReserveTx decrements stock for one line and records the reservation. A
// zero-row update means the remaining stock cannot cover the quantity.
func (s *Store) ReserveTx(ctx context.Context, tx *sql.Tx, orderID string, productID string, quantity int, unitPrice float64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE products SET available = available - ?
		WHERE product_id = ? AND available >= ?`,
		quantity, productID, quantity)
	if err != nil {
		return fmt.Errorf("inventory: decrement %s: %w", productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inventory: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: product %s quantity %d", ErrInsufficientStock, productID, quantity)
	}

	now := sqlitedb.FormatTime(time.Now().UTC())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (id, order_id, product_id, quantity, unit_price, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), orderID, productID, quantity, unitPrice, ReservationReserved, now, now)
	if err != nil {
		return fmt.Errorf("inventory: record reservation %s/%s: %w", orderID, productID, err)
	}
	return nil
}

// HasReservations reports whether any reservation rows exist for the order,
// regardless of status. This is the replay guard for ORDER_CREATED.
func (s *Store) HasReservations(ctx context.Context, orderID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservations WHERE order_id = ?`, orderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inventory: count reservations for %s: %w", orderID, err)
	}
	return n > 0, nil
}

// ReservedTx returns the order's reservations still holding stock.
func (s *Store) ReservedTx(ctx context.Context, tx *sql.Tx, orderID string) ([]Reservation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price, status
		FROM reservations WHERE order_id = ? AND status = ?`,
		orderID, ReservationReserved)
	if err != nil {
		return nil, fmt.Errorf("inventory: load reservations for %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.OrderID, &r.ProductID, &r.Quantity, &r.UnitPrice, &r.Status); err != nil {
			return nil, fmt.Errorf("inventory: scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RestoreTx returns a reservation's stock to the pool and marks it restored.
func (s *Store) RestoreTx(ctx context.Context, tx *sql.Tx, r Reservation) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE products SET available = available + ? WHERE product_id = ?`,
		r.Quantity, r.ProductID); err != nil {
		return fmt.Errorf("inventory: restock %s: %w", r.ProductID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?`,
		ReservationReleased, sqlitedb.FormatTime(time.Now().UTC()), r.ID); err != nil {
		return fmt.Errorf("inventory: mark restored %s: %w", r.ID, err)
	}
	return nil
}

// Availability lists current stock per product, for the cache snapshot.
func (s *Store) Availability(ctx context.Context) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, product_name, price, available FROM products`)
	if err != nil {
		return nil, fmt.Errorf("inventory: list availability: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Available); err != nil {
			return nil, fmt.Errorf("inventory: scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle for transactions spanning the outbox.
func (s *Store) DB() *sql.DB {
	return s.db
}
