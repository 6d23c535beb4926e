package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jcmexdev/order-sagas/internal/pkg/sqlitedb"
)

// ErrNotFound is returned when no view row exists for the queried order.
var ErrNotFound = errors.New("order view not found")

const viewSchema = `
CREATE TABLE IF NOT EXISTS order_saga_view (
	order_id       TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	current_status TEXT NOT NULL,
	total_amount   REAL NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	transaction_id TEXT NOT NULL DEFAULT '',
	event_history  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
`

// Store is the database copy of the projection, the fallback for queries
// when the stream processor is not running. It is upserted by the same
// reducer output the live view holds.
type Store struct {
	db *sql.DB
}

// NewStore binds the view store to db and ensures its table exists.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(viewSchema); err != nil {
		return nil, fmt.Errorf("projection: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert writes one reduced state, replacing any previous row for the order.
func (s *Store) Upsert(ctx context.Context, st State) error {
	history, err := json.Marshal(st.EventHistory)
	if err != nil {
		return fmt.Errorf("projection: encode history for %s: %w", st.OrderID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_saga_view (order_id, user_id, current_status, total_amount, failure_reason, transaction_id, event_history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			user_id = excluded.user_id,
			current_status = excluded.current_status,
			total_amount = excluded.total_amount,
			failure_reason = excluded.failure_reason,
			transaction_id = excluded.transaction_id,
			event_history = excluded.event_history,
			updated_at = excluded.updated_at`,
		st.OrderID, st.UserID, st.CurrentStatus, st.TotalAmount, st.FailureReason, st.TransactionID,
		string(history), sqlitedb.FormatTime(st.CreatedAt), sqlitedb.FormatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("projection: upsert %s: %w", st.OrderID, err)
	}
	return nil
}

// ByOrderID loads one view row.
func (s *Store) ByOrderID(ctx context.Context, orderID string) (State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, user_id, current_status, total_amount, failure_reason, transaction_id, event_history, created_at, updated_at
		FROM order_saga_view WHERE order_id = ?`, orderID)

	var (
		st                 State
		history            string
		createdAt, updated string
	)
	err := row.Scan(&st.OrderID, &st.UserID, &st.CurrentStatus, &st.TotalAmount,
		&st.FailureReason, &st.TransactionID, &history, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("projection: load %s: %w", orderID, err)
	}
	if err := json.Unmarshal([]byte(history), &st.EventHistory); err != nil {
		return State{}, fmt.Errorf("projection: decode history for %s: %w", orderID, err)
	}
	if st.CreatedAt, err = sqlitedb.ParseTime(createdAt); err != nil {
		return State{}, err
	}
	if st.UpdatedAt, err = sqlitedb.ParseTime(updated); err != nil {
		return State{}, err
	}
	return st, nil
}
