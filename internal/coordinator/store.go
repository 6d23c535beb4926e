package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/order-sagas/internal/pkg/sqlitedb"
)

// Return saga statuses.
const (
	SagaInitiated         = "INITIATED"
	SagaRefundPending     = "REFUND_PENDING"
	SagaRefundCompleted   = "REFUND_COMPLETED"
	SagaInventoryRestored = "INVENTORY_RESTORED"
	SagaCompleted         = "COMPLETED"
	SagaFailed            = "FAILED"
)

// Step names stored in current_step.
const (
	StepRefund           = "REFUND"
	StepInventoryRestore = "INVENTORY_RESTORE"
	StepNotification     = "NOTIFICATION"
)

var (
	// ErrSagaNotFound is returned when no saga exists for the queried id.
	ErrSagaNotFound = errors.New("return saga not found")
	// ErrVersionConflict is returned when an optimistic update lost the race.
	ErrVersionConflict = errors.New("return saga version conflict")
)

// Saga is one return/refund run for an order.
type Saga struct {
	ID                  string
	OrderID             string
	UserID              string
	Status              string
	Reason              string
	CurrentStep         string
	Amount              float64
	RefundTransactionID string
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

const sagaSchema = `
CREATE TABLE IF NOT EXISTS return_sagas (
	id                    TEXT PRIMARY KEY,
	order_id              TEXT NOT NULL,
	user_id               TEXT NOT NULL,
	status                TEXT NOT NULL,
	reason                TEXT NOT NULL DEFAULT '',
	current_step          TEXT NOT NULL DEFAULT '',
	amount                REAL NOT NULL DEFAULT 0,
	refund_transaction_id TEXT NOT NULL DEFAULT '',
	version               INTEGER NOT NULL DEFAULT 0,
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_return_sagas_order ON return_sagas (order_id);
`

// Store persists return sagas. It shares the order service database, the
// saga record belongs to the order side of the system.
type Store struct {
	db *sql.DB
}

// NewStore binds a store to the order database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(sagaSchema); err != nil {
		return nil, fmt.Errorf("sagas: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a freshly initiated saga.
func (s *Store) Create(ctx context.Context, sg Saga) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO return_sagas (id, order_id, user_id, status, reason, current_step, amount, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		sg.ID, sg.OrderID, sg.UserID, sg.Status, sg.Reason, sg.CurrentStep, sg.Amount,
		sqlitedb.FormatTime(sg.CreatedAt), sqlitedb.FormatTime(sg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sagas: create %s: %w", sg.ID, err)
	}
	return nil
}

// ByID loads one saga.
func (s *Store) ByID(ctx context.Context, id string) (Saga, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, status, reason, current_step, amount, refund_transaction_id, version, created_at, updated_at
		FROM return_sagas WHERE id = ?`, id)
	return scanSaga(row)
}

// HasActive reports whether the order already has a saga that is not FAILED.
// COMPLETED counts as active on purpose: an order is returned once.
func (s *Store) HasActive(ctx context.Context, orderID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM return_sagas WHERE order_id = ? AND status != ?`,
		orderID, SagaFailed).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sagas: count active for %s: %w", orderID, err)
	}
	return n > 0, nil
}

// Advance moves the saga to a new status and step, guarded by the version
// the caller read. Zero rows updated means a concurrent writer won.
func (s *Store) Advance(ctx context.Context, id string, version int64, status, step, refundTxnID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE return_sagas
		SET status = ?, current_step = ?,
			refund_transaction_id = CASE WHEN ? != '' THEN ? ELSE refund_transaction_id END,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		status, step, refundTxnID, refundTxnID,
		sqlitedb.FormatTime(time.Now().UTC()), id, version)
	if err != nil {
		return fmt.Errorf("sagas: advance %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sagas: rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func scanSaga(row *sql.Row) (Saga, error) {
	var (
		sg                 Saga
		createdAt, updated string
	)
	err := row.Scan(&sg.ID, &sg.OrderID, &sg.UserID, &sg.Status, &sg.Reason, &sg.CurrentStep,
		&sg.Amount, &sg.RefundTransactionID, &sg.Version, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Saga{}, ErrSagaNotFound
	}
	if err != nil {
		return Saga{}, fmt.Errorf("sagas: scan: %w", err)
	}
	if sg.CreatedAt, err = sqlitedb.ParseTime(createdAt); err != nil {
		return Saga{}, err
	}
	if sg.UpdatedAt, err = sqlitedb.ParseTime(updated); err != nil {
		return Saga{}, err
	}
	return sg, nil
}
