package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-sagas/internal/pkg/sqlitedb"
)

// Notification is one message delivered (or attempted) to a user.
type Notification struct {
	ID        string
	UserID    string
	OrderID   string
	EventType string
	Message   string
	Channels  int
	CreatedAt time.Time
}

const notificationsSchema = `
CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL,
	channels   INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id);
`

// Store persists the notification history.
type Store struct {
	db *sql.DB
}

// OpenStore opens the notification database at path.
func OpenStore(path string) (*Store, *sql.DB, error) {
	db, err := sqlitedb.Open(path, notificationsSchema)
	if err != nil {
		return nil, nil, err
	}
	return &Store{db: db}, db, nil
}

// NewStore binds a store to an already opened database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(notificationsSchema); err != nil {
		return nil, fmt.Errorf("notifications: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record persists one delivered notification and returns it with its id set.
func (s *Store) Record(ctx context.Context, n Notification) (Notification, error) {
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, order_id, event_type, message, channels, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.OrderID, n.EventType, n.Message, n.Channels,
		sqlitedb.FormatTime(n.CreatedAt))
	if err != nil {
		return Notification{}, fmt.Errorf("notifications: record for user %s: %w", n.UserID, err)
	}
	return n, nil
}

// ByUserID lists a user's notifications, newest first.
func (s *Store) ByUserID(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, order_id, event_type, message, channels, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("notifications: list for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n       Notification
			created string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.OrderID, &n.EventType, &n.Message, &n.Channels, &created); err != nil {
			return nil, fmt.Errorf("notifications: scan: %w", err)
		}
		if n.CreatedAt, err = sqlitedb.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle so the projection's database copy can
// share this service's database.
func (s *Store) DB() *sql.DB {
	return s.db
}
