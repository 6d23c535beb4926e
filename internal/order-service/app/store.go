package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/pkg/sqlitedb"
)

// ErrNotFound is returned when no order exists for the queried id.
var ErrNotFound = errors.New("order not found")

// Order is the aggregate owned by this service.
type Order struct {
	ID            string
	UserID        string
	Status        string
	TotalAmount   float64
	PaymentMethod string
	FailureReason string
	Items         []event.Item
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	status         TEXT NOT NULL,
	total_amount   REAL NOT NULL,
	payment_method TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS order_items (
	order_id     TEXT NOT NULL,
	product_id   TEXT NOT NULL,
	product_name TEXT NOT NULL,
	quantity     INTEGER NOT NULL,
	unit_price   REAL NOT NULL,
	subtotal     REAL NOT NULL,
	PRIMARY KEY (order_id, product_id)
);
`

// Store persists orders and their line items.
type Store struct {
	db *sql.DB
}

// OpenStore opens the order database at path.
func OpenStore(path string) (*Store, *sql.DB, error) {
	db, err := sqlitedb.Open(path, ordersSchema)
	if err != nil {
		return nil, nil, err
	}
	return &Store{db: db}, db, nil
}

// NewStore binds a store to an already opened database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(ordersSchema); err != nil {
		return nil, fmt.Errorf("orders: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateTx inserts the order and its items inside the caller's transaction.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, o Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, status, total_amount, payment_method, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Status, o.TotalAmount, o.PaymentMethod,
		sqlitedb.FormatTime(o.CreatedAt), sqlitedb.FormatTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("orders: create %s: %w", o.ID, err)
	}
	for _, item := range o.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price, subtotal)
			VALUES (?, ?, ?, ?, ?, ?)`,
			o.ID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return fmt.Errorf("orders: create item %s/%s: %w", o.ID, item.ProductID, err)
		}
	}
	return nil
}

// ByID loads one order with its items.
func (s *Store) ByID(ctx context.Context, id string) (Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, total_amount, payment_method, failure_reason, created_at, updated_at
		FROM orders WHERE id = ?`, id)

	var (
		o                  Order
		createdAt, updated string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.Status, &o.TotalAmount, &o.PaymentMethod, &o.FailureReason, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("orders: load %s: %w", id, err)
	}
	if o.CreatedAt, err = sqlitedb.ParseTime(createdAt); err != nil {
		return Order{}, err
	}
	if o.UpdatedAt, err = sqlitedb.ParseTime(updated); err != nil {
		return Order{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, quantity, unit_price, subtotal
		FROM order_items WHERE order_id = ?`, id)
	if err != nil {
		return Order{}, fmt.Errorf("orders: load items %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var item event.Item
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return Order{}, fmt.Errorf("orders: scan item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

// UpdateStatusTx moves the order to status, recording the failure reason on
// cancellations. The expected guard keeps re-delivered events from moving an
// order twice; zero rows affected means the order was not in that status.
func (s *Store) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id, expected, status, failureReason string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, failureReason, sqlitedb.FormatTime(time.Now().UTC()), id, expected)
	if err != nil {
		return false, fmt.Errorf("orders: update status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("orders: rows affected: %w", err)
	}
	return n > 0, nil
}

// DB exposes the underlying handle for transactions spanning the outbox.
func (s *Store) DB() *sql.DB {
	return s.db
}
