// Package outbox implements the transactional outbox each service writes to.
//
// A business write and its outbox row are inserted in the same SQLite
// transaction, so an event exists if and only if the state change it
// describes was committed. A background publisher drains unprocessed rows
// to the message log, in insertion order, and marks them processed only
// after the broker acknowledges the publish. Delivery is therefore
// at-least-once: a crash between ack and mark replays the event on restart.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-sagas/internal/pkg/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id             TEXT PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        TEXT NOT NULL,
	processed      INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	processed_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed
	ON outbox_events (processed, created_at);
`

// Event is one row of the outbox table.
type Event struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Processed     bool
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// NewEvent builds an unprocessed outbox event ready for AppendTx. The
// aggregate id becomes the partition key when the event is published.
func NewEvent(aggregateType, aggregateID, eventType string, payload []byte) Event {
	return Event{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}
}

// Store persists outbox events in the owning service's database.
type Store struct {
	db *sql.DB
}

// NewStore binds the store to db and ensures the outbox table exists.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("outbox: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// AppendTx inserts e inside the caller's transaction. The caller commits or
// rolls back the business write and the event together.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, e Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, processed, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, string(e.Payload),
		sqlitedb.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("outbox: append event %s: %w", e.ID, err)
	}
	return nil
}

// Unprocessed returns up to limit unprocessed events, oldest first.
func (s *Store) Unprocessed(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox_events
		WHERE processed = 0
		ORDER BY created_at, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: query unprocessed: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload string
			created string
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &created); err != nil {
			return nil, fmt.Errorf("outbox: scan event: %w", err)
		}
		e.Payload = []byte(payload)
		if e.CreatedAt, err = sqlitedb.ParseTime(created); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkProcessed flips the processed flag after the broker acknowledged the
// publish. Crashing before this point replays the event, never loses it.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET processed = 1, processed_at = ?
		WHERE id = ?`,
		sqlitedb.FormatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("outbox: mark processed %s: %w", id, err)
	}
	return nil
}
