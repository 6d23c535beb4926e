// Package coordinator drives the return/refund saga. Unlike the fulfillment
// flow, returns have a single authority: the orchestrator owns the saga
// record, publishes one command per step, and advances an explicit state
// machine on each reply.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-sagas/internal/broker"
	"github.com/jcmexdev/order-sagas/internal/event"
	orderapp "github.com/jcmexdev/order-sagas/internal/order-service/app"
	"github.com/jcmexdev/order-sagas/internal/pkg/correlate"
)

const consumerGroup = "return-saga-orchestrator"

const advanceRetries = 3

var (
	// ErrOrderNotReturnable is returned when the order is not CONFIRMED.
	ErrOrderNotReturnable = errors.New("order is not returnable")
	// ErrSagaConflict is returned when the order already has an active saga.
	ErrSagaConflict = errors.New("return already in progress for order")
)

// Orders is the slice of the order service the orchestrator needs.
type Orders interface {
	Get(ctx context.Context, orderID string) (orderapp.Order, error)
	MarkReturned(ctx context.Context, orderID string) error
}

// Orchestrator runs return sagas.
type Orchestrator struct {
	store  *Store
	orders Orders
	steps  *StepRegistry
	bus    broker.Bus
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(store *Store, orders Orders, bus broker.Bus) *Orchestrator {
	return &Orchestrator{
		store:  store,
		orders: orders,
		steps:  NewStepRegistry(bus),
		bus:    bus,
	}
}

// Start subscribes the orchestrator to the reply topic.
func (o *Orchestrator) Start() error {
	return o.bus.Subscribe(event.TopicSagaReplies, consumerGroup, o.handleReplyMessage)
}

// StartSaga opens a return for a confirmed order. It persists the saga as
// INITIATED, fires the refund step, and leaves it REFUND_PENDING. A
// non-confirmed order or an order with a saga already running is rejected.
func (o *Orchestrator) StartSaga(ctx context.Context, orderID, userID, reason string) (Saga, error) {
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return Saga{}, err
	}
	if ord.Status != orderapp.StatusConfirmed {
		return Saga{}, fmt.Errorf("%w: order %s has status %s", ErrOrderNotReturnable, orderID, ord.Status)
	}
	active, err := o.store.HasActive(ctx, orderID)
	if err != nil {
		return Saga{}, err
	}
	if active {
		return Saga{}, fmt.Errorf("%w: order %s", ErrSagaConflict, orderID)
	}

	now := time.Now().UTC()
	sg := Saga{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		UserID:      userID,
		Status:      SagaInitiated,
		Reason:      reason,
		CurrentStep: StepRefund,
		Amount:      ord.TotalAmount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.Create(ctx, sg); err != nil {
		return Saga{}, err
	}
	slog.Info("return saga started", "sagaId", sg.ID, "orderId", orderID, "reason", reason)

	if err := o.steps.Resolve(StepRefund).Execute(ctx, sg); err != nil {
		return Saga{}, err
	}
	if err := o.advance(ctx, sg.ID, SagaRefundPending, StepRefund, ""); err != nil {
		return Saga{}, err
	}
	return o.store.ByID(ctx, sg.ID)
}

func (o *Orchestrator) handleReplyMessage(ctx context.Context, msg broker.Message) error {
	reply, err := event.DecodeReply(msg.Value)
	if err != nil || reply.SagaID == "" || reply.ReplyType == "" {
		slog.Error("dropping malformed saga reply", "error", err, "payload", string(msg.Value))
		return nil
	}
	err = o.HandleReply(correlate.WithID(ctx, reply.CorrelationID), reply)
	if errors.Is(err, ErrSagaNotFound) {
		slog.Error("saga reply for unknown saga, dropping", "sagaId", reply.SagaID, "replyType", reply.ReplyType)
		return nil
	}
	return err
}

// HandleReply advances the state machine by one reply. Replies arrive at
// least once; a reply that does not match the saga's current status is a
// re-delivery and is dropped.
func (o *Orchestrator) HandleReply(ctx context.Context, reply event.SagaReply) error {
	sg, err := o.store.ByID(ctx, reply.SagaID)
	if err != nil {
		return err
	}

	switch reply.ReplyType {
	case event.ReplyRefundCompleted:
		if sg.Status != SagaRefundPending {
			return o.dropStale(sg, reply)
		}
		if err := o.advance(ctx, sg.ID, SagaRefundCompleted, StepInventoryRestore, reply.RefundTransactionID); err != nil {
			return err
		}
		sg.Status = SagaRefundCompleted
		return o.steps.Resolve(StepInventoryRestore).Execute(ctx, sg)

	case event.ReplyRefundFailed:
		if sg.Status != SagaRefundPending {
			return o.dropStale(sg, reply)
		}
		slog.Warn("refund failed, halting return saga", "sagaId", sg.ID, "orderId", sg.OrderID)
		return o.advance(ctx, sg.ID, SagaFailed, "", "")

	case event.ReplyInventoryRestored:
		if sg.Status != SagaRefundCompleted {
			return o.dropStale(sg, reply)
		}
		if err := o.advance(ctx, sg.ID, SagaInventoryRestored, StepNotification, ""); err != nil {
			return err
		}
		if err := o.orders.MarkReturned(ctx, sg.OrderID); err != nil {
			return err
		}
		sg.Status = SagaInventoryRestored
		return o.steps.Resolve(StepNotification).Execute(ctx, sg)

	case event.ReplyNotificationSent:
		if sg.Status != SagaInventoryRestored {
			return o.dropStale(sg, reply)
		}
		if err := o.advance(ctx, sg.ID, SagaCompleted, "", ""); err != nil {
			return err
		}
		slog.Info("return saga completed", "sagaId", sg.ID, "orderId", sg.OrderID)
		return nil

	default:
		slog.Error("unknown saga reply type, dropping", "sagaId", sg.ID, "replyType", reply.ReplyType)
		return nil
	}
}

// Saga returns the saga record so the HTTP surface can expose it.
func (o *Orchestrator) Saga(ctx context.Context, sagaID string) (Saga, error) {
	return o.store.ByID(ctx, sagaID)
}

func (o *Orchestrator) dropStale(sg Saga, reply event.SagaReply) error {
	slog.Info("stale saga reply, dropping",
		"sagaId", sg.ID, "status", sg.Status, "replyType", reply.ReplyType)
	return nil
}

// advance applies a version-guarded status update, re-reading and retrying
// a bounded number of times when a concurrent writer got there first.
func (o *Orchestrator) advance(ctx context.Context, sagaID, status, step, refundTxnID string) error {
	var lastErr error
	for attempt := 0; attempt < advanceRetries; attempt++ {
		sg, err := o.store.ByID(ctx, sagaID)
		if err != nil {
			return err
		}
		err = o.store.Advance(ctx, sagaID, sg.Version, status, step, refundTxnID)
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("advance saga %s to %s: %w", sagaID, status, lastErr)
}
