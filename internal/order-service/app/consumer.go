package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jcmexdev/order-sagas/internal/broker"
	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/pkg/correlate"
)

const consumerGroup = "order-service"

// fulfillment event types the order consumer reacts to.
var consumed = map[string]struct{}{
	event.TypeInventoryReserved:      {},
	event.TypeInventoryReserveFailed: {},
	event.TypePaymentCompleted:       {},
	event.TypePaymentFailed:          {},
}

// Consumer folds inventory and payment events back into order status.
type Consumer struct {
	service *Service
	bus     broker.Subscriber
}

// NewConsumer wires a consumer around the service.
func NewConsumer(service *Service, bus broker.Subscriber) *Consumer {
	return &Consumer{service: service, bus: bus}
}

// Start registers the subscriptions.
func (c *Consumer) Start() error {
	if err := c.bus.Subscribe(event.TopicInventoryEvents, consumerGroup, c.handle); err != nil {
		return err
	}
	return c.bus.Subscribe(event.TopicPaymentEvents, consumerGroup, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg broker.Message) error {
	env, err := event.Decode(msg.Value)
	if err != nil || env.OrderID == "" {
		slog.Error("dropping malformed fulfillment event", "error", err, "payload", string(msg.Value))
		return nil
	}
	if _, ok := consumed[env.EventType]; !ok {
		return nil
	}

	err = c.service.ApplyEvent(correlate.WithID(ctx, env.CorrelationID), env)
	if errors.Is(err, ErrNotFound) {
		slog.Error("fulfillment event for unknown order, dropping", "orderId", env.OrderID, "eventType", env.EventType)
		return nil
	}
	return err
}
