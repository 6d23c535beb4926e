// Package app implements the notification service: it delivers user-facing
// messages for terminal orders, answers the return saga's SEND_NOTIFICATION
// step, and maintains the database copy of the order projection that backs
// queries while the stream processor is down.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jcmexdev/order-sagas/internal/broker"
	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/pkg/correlate"
	"github.com/jcmexdev/order-sagas/internal/projection"
)

const consumerGroup = "notification-service"

// Consumer runs the notification service's subscriptions.
type Consumer struct {
	store    *Store
	channels *ChannelRegistry
	view     *projection.Store
	bus      broker.Bus
}

// NewConsumer wires the consumer. view may be nil to skip the projection
// copy.
func NewConsumer(store *Store, view *projection.Store, bus broker.Bus) *Consumer {
	return &Consumer{
		store:    store,
		channels: NewChannelRegistry(),
		view:     view,
		bus:      bus,
	}
}

// Start registers all subscriptions: the user notification feed, the three
// fulfillment topics for the view copy, and the saga command topic.
func (c *Consumer) Start() error {
	if err := c.bus.Subscribe(event.TopicNotificationEvents, consumerGroup, c.handleNotificationEvent); err != nil {
		return err
	}
	for _, topic := range []string{
		event.TopicOrderEvents,
		event.TopicInventoryEvents,
		event.TopicPaymentEvents,
	} {
		if err := c.bus.Subscribe(topic, consumerGroup, c.handleFulfillmentEvent); err != nil {
			return err
		}
	}
	return c.bus.Subscribe(event.TopicSagaCommands, consumerGroup, c.handleSagaCommand)
}

func (c *Consumer) handleNotificationEvent(ctx context.Context, msg broker.Message) error {
	env, err := event.Decode(msg.Value)
	if err != nil || env.UserID == "" {
		slog.Error("dropping malformed notification event", "error", err, "payload", string(msg.Value))
		return nil
	}

	ctx = correlate.WithID(ctx, env.CorrelationID)
	n := Notification{
		UserID:    env.UserID,
		OrderID:   env.OrderID,
		EventType: env.EventType,
		Message:   env.Message,
	}
	if n.Message == "" {
		n.Message = fmt.Sprintf("Order %s is now %s", env.OrderID, env.Status)
	}
	n.Channels = c.channels.Dispatch(ctx, n)

	if _, err := c.store.Record(ctx, n); err != nil {
		return err
	}
	return nil
}

// handleFulfillmentEvent keeps the database copy of the projection current
// by folding the event with the same reducer the stream processor uses.
func (c *Consumer) handleFulfillmentEvent(ctx context.Context, msg broker.Message) error {
	if c.view == nil {
		return nil
	}
	env, err := event.Decode(msg.Value)
	if err != nil || env.OrderID == "" {
		slog.Error("dropping malformed fulfillment event", "error", err, "topic", msg.Topic)
		return nil
	}

	prev, err := c.view.ByOrderID(ctx, env.OrderID)
	if err != nil && !errors.Is(err, projection.ErrNotFound) {
		return err
	}
	next := projection.Reduce(prev, env)
	return c.view.Upsert(ctx, next)
}

// handleSagaCommand answers the return saga's notification step. The reply
// is NOTIFICATION_SENT even when every channel failed: the business decided
// a stuck provider must not block completing a refund, so failures surface
// in the logs and the saga moves on.
func (c *Consumer) handleSagaCommand(ctx context.Context, msg broker.Message) error {
	cmd, err := event.DecodeCommand(msg.Value)
	if err != nil || cmd.SagaID == "" {
		slog.Error("dropping malformed saga command", "error", err, "payload", string(msg.Value))
		return nil
	}
	if cmd.Step != event.StepSendNotification {
		return nil
	}
	ctx = correlate.WithID(ctx, cmd.CorrelationID)

	n := Notification{
		UserID:    cmd.UserID,
		OrderID:   cmd.OrderID,
		EventType: event.TypeReturnCompleted,
		Message:   fmt.Sprintf("Your return for order %s is complete, the refund is on its way", cmd.OrderID),
	}
	n.Channels = c.channels.Dispatch(ctx, n)
	if n.Channels == 0 {
		slog.Warn("return notification failed on every channel, replying sent anyway",
			"sagaId", cmd.SagaID, "orderId", cmd.OrderID)
	}
	if _, err := c.store.Record(ctx, n); err != nil {
		return err
	}

	reply := event.SagaReply{
		SagaID:        cmd.SagaID,
		OrderID:       cmd.OrderID,
		ReplyType:     event.ReplyNotificationSent,
		CorrelationID: cmd.CorrelationID,
	}
	payload, err := reply.Encode()
	if err != nil {
		return err
	}
	if _, err := c.bus.Publish(ctx, event.TopicSagaReplies, cmd.OrderID, payload); err != nil {
		return err
	}
	slog.Info("saga reply published",
		"sagaId", cmd.SagaID, "orderId", cmd.OrderID, "replyType", reply.ReplyType)
	return nil
}
