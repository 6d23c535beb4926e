package app

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/order-sagas/internal/broker"
	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/pkg/correlate"
)

const consumerGroup = "inventory-service"

// Consumer subscribes the inventory service to order events and return saga
// commands.
type Consumer struct {
	service *Service
	bus     broker.Bus
}

// NewConsumer wires a consumer around the service.
func NewConsumer(service *Service, bus broker.Bus) *Consumer {
	return &Consumer{service: service, bus: bus}
}

// Start registers the subscriptions.
func (c *Consumer) Start() error {
	if err := c.bus.Subscribe(event.TopicOrderEvents, consumerGroup, c.handleOrderEvent); err != nil {
		return err
	}
	return c.bus.Subscribe(event.TopicSagaCommands, consumerGroup, c.handleSagaCommand)
}

func (c *Consumer) handleOrderEvent(ctx context.Context, msg broker.Message) error {
	env, err := event.Decode(msg.Value)
	if err != nil || env.OrderID == "" {
		slog.Error("dropping malformed order event", "error", err, "payload", string(msg.Value))
		return nil
	}
	if env.EventType != event.TypeOrderCreated {
		return nil
	}
	return c.service.Reserve(correlate.WithID(ctx, env.CorrelationID), env)
}

func (c *Consumer) handleSagaCommand(ctx context.Context, msg broker.Message) error {
	cmd, err := event.DecodeCommand(msg.Value)
	if err != nil || cmd.SagaID == "" || cmd.OrderID == "" {
		slog.Error("dropping malformed saga command", "error", err, "payload", string(msg.Value))
		return nil
	}
	if cmd.Step != event.StepRestoreInventory {
		return nil
	}
	ctx = correlate.WithID(ctx, cmd.CorrelationID)

	if err := c.service.Restore(ctx, cmd.OrderID); err != nil {
		return err
	}

	reply := event.SagaReply{
		SagaID:        cmd.SagaID,
		OrderID:       cmd.OrderID,
		ReplyType:     event.ReplyInventoryRestored,
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
