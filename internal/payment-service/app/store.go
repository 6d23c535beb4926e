package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/order-sagas/internal/pkg/sqlitedb"
)

// Payment statuses.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusRefunded  = "REFUNDED"
)

var (
	// ErrNotFound is returned when no payment exists for the queried order.
	ErrNotFound = errors.New("payment not found")
	// ErrVersionConflict is returned when an optimistic update lost the race.
	ErrVersionConflict = errors.New("payment version conflict")
)

// Payment is one charge attempt for an order. order_id is unique so a
// replayed INVENTORY_RESERVED event can never charge twice.
type Payment struct {
	ID                  string
	OrderID             string
	UserID              string
	Amount              float64
	Method              string
	Status              string
	TransactionID       string
	FailureReason       string
	RefundTransactionID string
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const paymentsSchema = `
CREATE TABLE IF NOT EXISTS payments (
	id                    TEXT PRIMARY KEY,
	order_id              TEXT NOT NULL UNIQUE,
	user_id               TEXT NOT NULL,
	amount                REAL NOT NULL,
	method                TEXT NOT NULL,
	status                TEXT NOT NULL,
	transaction_id        TEXT NOT NULL DEFAULT '',
	failure_reason        TEXT NOT NULL DEFAULT '',
	refund_transaction_id TEXT NOT NULL DEFAULT '',
	version               INTEGER NOT NULL DEFAULT 0,
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);
`

// Store persists payments in the payment service database.
type Store struct {
	db *sql.DB
}

// OpenStore opens the payment database at path.
func OpenStore(path string) (*Store, *sql.DB, error) {
	db, err := sqlitedb.Open(path, paymentsSchema)
	if err != nil {
		return nil, nil, err
	}
	return &Store{db: db}, db, nil
}

// NewStore binds a store to an already opened database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(paymentsSchema); err != nil {
		return nil, fmt.Errorf("payments: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateTx inserts p inside the caller's transaction.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, p Payment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, user_id, amount, method, status, transaction_id, failure_reason, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Method, p.Status, p.TransactionID, p.FailureReason,
		sqlitedb.FormatTime(p.CreatedAt), sqlitedb.FormatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("payments: create for order %s: %w", p.OrderID, err)
	}
	return nil
}

// ByOrderID loads the payment for an order.
func (s *Store) ByOrderID(ctx context.Context, orderID string) (Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, amount, method, status, transaction_id, failure_reason, refund_transaction_id, version, created_at, updated_at
		FROM payments WHERE order_id = ?`, orderID)

	var (
		p                  Payment
		createdAt, updated string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Method, &p.Status,
		&p.TransactionID, &p.FailureReason, &p.RefundTransactionID, &p.Version, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("payments: load for order %s: %w", orderID, err)
	}
	if p.CreatedAt, err = sqlitedb.ParseTime(createdAt); err != nil {
		return Payment{}, err
	}
	if p.UpdatedAt, err = sqlitedb.ParseTime(updated); err != nil {
		return Payment{}, err
	}
	return p, nil
}

// MarkRefundedTx flips the payment to REFUNDED guarded by the version read
// earlier. Zero rows updated means another writer got there first.
func (s *Store) MarkRefundedTx(ctx context.Context, tx *sql.Tx, id, refundTxnID string, version int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE payments
		SET status = ?, refund_transaction_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		StatusRefunded, refundTxnID, sqlitedb.FormatTime(time.Now().UTC()), id, version)
	if err != nil {
		return fmt.Errorf("payments: mark refunded %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("payments: rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// DB exposes the underlying handle so the service can span payment and
// outbox writes with one transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}
