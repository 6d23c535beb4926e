package app

import (
	"time"

	"github.com/jcmexdev/order-sagas/internal/event"
)

// Order statuses.
const (
	StatusPending           = "PENDING"
	StatusInventoryReserved = "INVENTORY_RESERVED"
	StatusConfirmed         = "CONFIRMED"
	StatusCancelled         = "CANCELLED"
	StatusReturned          = "RETURNED"
)

type transitionKey struct {
	status    string
	eventType string
}

// transitions is the order side of the fulfillment flow as an explicit
// table. Pairs not listed here do not move the order; that is what absorbs
// re-delivered and out-of-order events.
var transitions = map[transitionKey]string{
	{StatusPending, event.TypeInventoryReserved}:			StatusInventoryReserved,
	{StatusPending, event.TypeInventoryReserveFailed}:		StatusCancelled,
	{StatusInventoryReserved, event.TypePaymentCompleted}:		StatusConfirmed,
	{StatusInventoryReserved, event.TypePaymentFailed}:		StatusCancelled,
	{StatusInventoryReserved, event.TypeInventoryReserveFailed}:	StatusCancelled,
	// Payment outcomes can overtake the reservation event on replay.
	{StatusPending, event.TypePaymentCompleted}:	StatusConfirmed,
	{StatusPending, event.TypePaymentFailed}:	StatusCancelled,
}

// Transition folds one incoming event into the order's status. It is a pure
// function: next status, the events the order itself must publish, and
// whether the event moved the order at all.
func Transition(order Order, env event.Envelope) (next string, outgoing []event.Envelope, ok bool) {
	next, ok = transitions[transitionKey{order.Status, env.EventType}]
	if !ok {
		return order.Status, nil, false
	}

	now := time.Now().UTC()
	switch next {
	case StatusConfirmed:
		outgoing = append(outgoing, event.Envelope{
			EventType:     event.TypeOrderConfirmed,
			OrderID:       order.ID,
			UserID:        order.UserID,
			Status:        StatusConfirmed,
			TotalAmount:   order.TotalAmount,
			TransactionID: env.TransactionID,
			CorrelationID: env.CorrelationID,
			Timestamp:     now,
		})
	case StatusCancelled:
		outgoing = append(outgoing, event.Envelope{
			EventType:     event.TypeOrderCancelled,
			OrderID:       order.ID,
			UserID:        order.UserID,
			Status:        StatusCancelled,
			Reason:        env.Reason,
			CorrelationID: env.CorrelationID,
			Timestamp:     now,
		})
	}
	return next, outgoing, true
}
