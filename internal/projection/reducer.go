// Package projection materialises the current fulfillment state of every
// order by folding the order, inventory and payment event streams into one
// keyed aggregate. The fold is a pure reducer so the same logic serves both
// the live in-memory view and the database copy kept as its fallback.
package projection

import (
	"fmt"
	"time"

	"github.com/jcmexdev/order-sagas/internal/event"
)

// Projected statuses mirror the order aggregate's.
const (
	StatusPending           = "PENDING"
	StatusInventoryReserved = "INVENTORY_RESERVED"
	StatusConfirmed         = "CONFIRMED"
	StatusCancelled         = "CANCELLED"
	StatusReturned          = "RETURNED"
)

// State is the materialised view of one order's saga.
type State struct {
	OrderID       string    `json:"orderId"`
	UserID        string    `json:"userId"`
	CurrentStatus string    `json:"currentStatus"`
	TotalAmount   float64   `json:"totalAmount"`
	FailureReason string    `json:"failureReason,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	EventHistory  []string  `json:"eventHistory"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Terminal reports whether the fulfillment flow is finished for this state.
func (s State) Terminal() bool {
	return s.CurrentStatus == StatusConfirmed || s.CurrentStatus == StatusCancelled
}

// Initial seeds the aggregate for an order seen for the first time. The seed
// itself is the first history entry, so a fully confirmed order carries
// initial + ORDER_CREATED + INVENTORY_RESERVED + PAYMENT_COMPLETED.
func Initial(orderID string, at time.Time) State {
	return State{
		OrderID:       orderID,
		CurrentStatus: StatusPending,
		EventHistory:  []string{historyEntry("INITIALIZED", at)},
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

// Reduce folds one event into the state. Events that carry no new
// information (the order service's own CONFIRMED/CANCELLED echoes, unknown
// types) leave the state untouched, which keeps the fold idempotent-ish
// under the re-deliveries an at-least-once log produces.
func Reduce(s State, env event.Envelope) State {
	if s.OrderID == "" {
		s = Initial(env.OrderID, env.Timestamp)
	}

	switch env.EventType {
	case event.TypeOrderCreated:
		s.UserID = env.UserID
		s.TotalAmount = env.TotalAmount
		s.CurrentStatus = StatusPending

	case event.TypeInventoryReserved:
		s.CurrentStatus = StatusInventoryReserved
		if env.TotalAmount > 0 {
			s.TotalAmount = env.TotalAmount
		}

	case event.TypeInventoryReserveFailed:
		s.CurrentStatus = StatusCancelled
		s.FailureReason = env.Reason

	case event.TypePaymentCompleted:
		s.CurrentStatus = StatusConfirmed
		s.TransactionID = env.TransactionID

	case event.TypePaymentFailed:
		s.CurrentStatus = StatusCancelled
		s.FailureReason = env.Reason

	case event.TypeReturnCompleted:
		s.CurrentStatus = StatusReturned

	default:
		// ORDER_CONFIRMED and ORDER_CANCELLED restate what the payment and
		// inventory events already said; folding them again would pad the
		// history with duplicates.
		return s
	}

	if env.UserID != "" {
		s.UserID = env.UserID
	}
	s.EventHistory = append(s.EventHistory, historyEntry(env.EventType, env.Timestamp))
	s.UpdatedAt = env.Timestamp
	return s
}

func historyEntry(eventType string, at time.Time) string {
	return fmt.Sprintf("%s at %s", eventType, at.UTC().Format(time.RFC3339))
}
