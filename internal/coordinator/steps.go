package coordinator

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/order-sagas/internal/broker"
	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/pkg/correlate"
)

// Step is one unit of the return saga. Execute publishes the step's forward
// command; Compensate undoes it where an undo exists.
type Step interface {
	Name() string
	Execute(ctx context.Context, sg Saga) error
	Compensate(ctx context.Context, sg Saga) error
}

// StepRegistry resolves steps by name so the orchestrator never branches on
// step identity.
type StepRegistry struct {
	steps map[string]Step
}

// NewStepRegistry builds a registry with the three return saga steps.
func NewStepRegistry(bus broker.Publisher) *StepRegistry {
	r := &StepRegistry{steps: make(map[string]Step)}
	r.Register(refundStep{bus: bus})
	r.Register(inventoryRestoreStep{bus: bus})
	r.Register(notificationStep{bus: bus})
	return r
}

// Register adds or replaces a step.
func (r *StepRegistry) Register(s Step) {
	r.steps[s.Name()] = s
}

// Resolve returns the step registered under name, or nil.
func (r *StepRegistry) Resolve(name string) Step {
	return r.steps[name]
}

func publishCommand(ctx context.Context, bus broker.Publisher, sg Saga, step string, extra func(*event.SagaCommand)) error {
	cmd := event.SagaCommand{
		SagaID:        sg.ID,
		OrderID:       sg.OrderID,
		UserID:        sg.UserID,
		Step:          step,
		CorrelationID: correlate.FromContext(ctx),
	}
	if extra != nil {
		extra(&cmd)
	}
	payload, err := cmd.Encode()
	if err != nil {
		return err
	}
	if _, err := bus.Publish(ctx, event.TopicSagaCommands, sg.OrderID, payload); err != nil {
		return err
	}
	slog.Info("saga command published", "sagaId", sg.ID, "orderId", sg.OrderID, "step", step)
	return nil
}

type refundStep struct {
	bus broker.Publisher
}

func (refundStep) Name() string { return StepRefund }

func (s refundStep) Execute(ctx context.Context, sg Saga) error {
	return publishCommand(ctx, s.bus, sg, event.StepInitiateRefund, func(cmd *event.SagaCommand) {
		cmd.Amount = sg.Amount
	})
}

func (s refundStep) Compensate(ctx context.Context, sg Saga) error {
	return publishCommand(ctx, s.bus, sg, event.StepCompensateRefund, func(cmd *event.SagaCommand) {
		cmd.TransactionID = sg.RefundTransactionID
	})
}

type inventoryRestoreStep struct {
	bus broker.Publisher
}

func (inventoryRestoreStep) Name() string { return StepInventoryRestore }

func (s inventoryRestoreStep) Execute(ctx context.Context, sg Saga) error {
	return publishCommand(ctx, s.bus, sg, event.StepRestoreInventory, nil)
}

// Restocking is idempotent; there is nothing to undo.
func (inventoryRestoreStep) Compensate(context.Context, Saga) error { return nil }

type notificationStep struct {
	bus broker.Publisher
}

func (notificationStep) Name() string { return StepNotification }

func (s notificationStep) Execute(ctx context.Context, sg Saga) error {
	return publishCommand(ctx, s.bus, sg, event.StepSendNotification, nil)
}

// A sent notification cannot be unsent.
func (notificationStep) Compensate(context.Context, Saga) error { return nil }
