package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jcmexdev/order-sagas/internal/broker"
	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/pkg/correlate"
)

const consumerGroup = "payment-service"

// Consumer subscribes the payment service to inventory events and return
// saga commands.
type Consumer struct {
	service *Service
	bus     broker.Bus
}

// NewConsumer wires a consumer around the service.
func NewConsumer(service *Service, bus broker.Bus) *Consumer {
	return &Consumer{service: service, bus: bus}
}

// Start registers the subscriptions. Handlers run until the bus is closed.
func (c *Consumer) Start() error {
	if err := c.bus.Subscribe(event.TopicInventoryEvents, consumerGroup, c.handleInventoryEvent); err != nil {
		return err
	}
	return c.bus.Subscribe(event.TopicSagaCommands, consumerGroup, c.handleSagaCommand)
}

func (c *Consumer) handleInventoryEvent(ctx context.Context, msg broker.Message) error {
	env, err := event.Decode(msg.Value)
	if err != nil || env.OrderID == "" {
		slog.Error("dropping malformed inventory event", "error", err, "payload", string(msg.Value))
		return nil
	}
	if env.EventType != event.TypeInventoryReserved {
		return nil
	}
	_, err = c.service.ProcessPayment(correlate.WithID(ctx, env.CorrelationID), env)
	return err
}

func (c *Consumer) handleSagaCommand(ctx context.Context, msg broker.Message) error {
	cmd, err := event.DecodeCommand(msg.Value)
	if err != nil || cmd.SagaID == "" || cmd.OrderID == "" {
		slog.Error("dropping malformed saga command", "error", err, "payload", string(msg.Value))
		return nil
	}

	ctx = correlate.WithID(ctx, cmd.CorrelationID)

	switch cmd.Step {
	case event.StepInitiateRefund:
		return c.initiateRefund(ctx, cmd)
	case event.StepCompensateRefund:
		// Money already left on the failure path; there is nothing local to
		// undo, but the command is worth seeing in the logs.
		slog.Warn("compensate refund requested, nothing to undo",
			"sagaId", cmd.SagaID, "orderId", cmd.OrderID)
		return nil
	default:
		return nil
	}
}

func (c *Consumer) initiateRefund(ctx context.Context, cmd event.SagaCommand) error {
	reply := event.SagaReply{
		SagaID:        cmd.SagaID,
		OrderID:       cmd.OrderID,
		CorrelationID: cmd.CorrelationID,
	}

	refundTxnID, err := c.service.ProcessRefund(ctx, cmd.OrderID)
	switch {
	case err == nil:
		reply.ReplyType = event.ReplyRefundCompleted
		reply.RefundTransactionID = refundTxnID
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotRefundable):
		slog.Warn("refund rejected", "orderId", cmd.OrderID, "error", err)
		reply.ReplyType = event.ReplyRefundFailed
	default:
		// Transient failure: let the broker retry the command.
		return err
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
