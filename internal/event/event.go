// Package event defines the wire-level payloads shared by every service:
// domain events on the per-aggregate topics, and the command/reply pairs
// used by the return saga orchestrator.
//
// All payloads are JSON. Events for one order are always produced with the
// order id as the message key so a single partition sees them in order.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Topic names. Key = orderId unless stated otherwise.
const (
	TopicOrderEvents        = "order-events"
	TopicInventoryEvents    = "inventory-events"
	TopicPaymentEvents      = "payment-events"
	TopicNotificationEvents = "notification-events" // key = userId
	TopicSagaCommands       = "return-saga-commands"
	TopicSagaReplies        = "return-saga-replies"
)

// Domain event types carried in Envelope.EventType.
const (
	TypeOrderCreated           = "ORDER_CREATED"
	TypeInventoryReserved      = "INVENTORY_RESERVED"
	TypeInventoryReserveFailed = "INVENTORY_RESERVATION_FAILED"
	TypePaymentCompleted       = "PAYMENT_COMPLETED"
	TypePaymentFailed          = "PAYMENT_FAILED"
	TypeOrderConfirmed         = "ORDER_CONFIRMED"
	TypeOrderCancelled         = "ORDER_CANCELLED"
	TypeReturnCompleted        = "RETURN_COMPLETED"
)

// DeadLetter returns the dead-letter variant for a topic. Messages land there
// after their consumer retry budget is exhausted.
func DeadLetter(topic string) string { return topic + ".DLT" }

// TopicForAggregate maps an outbox aggregate type to its event topic.
func TopicForAggregate(aggregateType string) string {
	switch t := strings.ToLower(aggregateType); t {
	case "order":
		return TopicOrderEvents
	case "inventory":
		return TopicInventoryEvents
	case "payment":
		return TopicPaymentEvents
	default:
		return t + "-events"
	}
}

// Item is a single order line as it travels inside events and saga commands.
type Item struct {
	ProductID   string  `json:"productId"`
	ProductName string  `json:"productName,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice,omitempty"`
	Subtotal    float64 `json:"subtotal,omitempty"`
}

// Envelope is the common shape of every domain event:
// {eventType, orderId, userId, timestamp, ...type-specific fields}.
// Fields not meaningful for a given event type stay zero and are omitted.
type Envelope struct {
	EventType     string    `json:"eventType"`
	EventID       string    `json:"eventId,omitempty"`
	OrderID       string    `json:"orderId"`
	UserID        string    `json:"userId,omitempty"`
	Status        string    `json:"status,omitempty"`
	TotalAmount   float64   `json:"totalAmount,omitempty"`
	PaymentMethod string    `json:"paymentMethod,omitempty"`
	Items         []Item    `json:"items,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	Message       string    `json:"message,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Encode serialises the envelope for publication.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", e.EventType, err)
	}
	return b, nil
}

// Decode parses an envelope off the wire. A payload without eventType or
// orderId is malformed; callers log and drop those rather than retrying.
func Decode(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, fmt.Errorf("event: decode: %w", err)
	}
	return e, nil
}
