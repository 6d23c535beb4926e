package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-sagas/internal/broker"
	"github.com/jcmexdev/order-sagas/internal/event"
	orderapp "github.com/jcmexdev/order-sagas/internal/order-service/app"
	"github.com/jcmexdev/order-sagas/internal/pkg/sqlitedb"
)

type fakeOrders struct {
	orders   map[string]orderapp.Order
	returned []string
}

func (f *fakeOrders) Get(_ context.Context, orderID string) (orderapp.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return orderapp.Order{}, orderapp.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrders) MarkReturned(_ context.Context, orderID string) error {
	f.returned = append(f.returned, orderID)
	return nil
}

type fakeBus struct {
	commands []event.SagaCommand
}

func (f *fakeBus) Publish(_ context.Context, topic, _ string, value []byte) (broker.Receipt, error) {
	if topic == event.TopicSagaCommands {
		cmd, err := event.DecodeCommand(value)
		if err != nil {
			return broker.Receipt{}, err
		}
		f.commands = append(f.commands, cmd)
	}
	return broker.Receipt{}, nil
}

func (f *fakeBus) Subscribe(string, string, broker.Handler) error { return nil }

func newTestOrchestrator(t *testing.T, orders *fakeOrders) (*Orchestrator, *fakeBus) {
	t.Helper()
	db, err := sqlitedb.Open(t.TempDir()+"/sagas.db", sagaSchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)

	bus := &fakeBus{}
	return NewOrchestrator(store, orders, bus), bus
}

func confirmedOrder(orderID string) *fakeOrders {
	return &fakeOrders{orders: map[string]orderapp.Order{
		orderID: {ID: orderID, UserID: "user-1", Status: orderapp.StatusConfirmed, TotalAmount: 120},
	}}
}

func TestStartSagaPublishesRefundCommand(t *testing.T) {
	orch, bus := newTestOrchestrator(t, confirmedOrder("order-1"))

	sg, err := orch.StartSaga(context.Background(), "order-1", "user-1", "damaged")
	require.NoError(t, err)
	assert.Equal(t, SagaRefundPending, sg.Status)
	assert.Equal(t, StepRefund, sg.CurrentStep)

	require.Len(t, bus.commands, 1)
	assert.Equal(t, event.StepInitiateRefund, bus.commands[0].Step)
	assert.Equal(t, "order-1", bus.commands[0].OrderID)
	assert.Equal(t, float64(120), bus.commands[0].Amount)
}

func TestStartSagaRejectsNonConfirmedOrder(t *testing.T) {
	orders := &fakeOrders{orders: map[string]orderapp.Order{
		"order-2": {ID: "order-2", Status: orderapp.StatusPending},
	}}
	orch, bus := newTestOrchestrator(t, orders)

	_, err := orch.StartSaga(context.Background(), "order-2", "user-1", "changed mind")
	assert.ErrorIs(t, err, ErrOrderNotReturnable)
	assert.Empty(t, bus.commands)
}

func TestStartSagaRejectsSecondActiveSaga(t *testing.T) {
	orch, _ := newTestOrchestrator(t, confirmedOrder("order-3"))
	ctx := context.Background()

	_, err := orch.StartSaga(ctx, "order-3", "user-1", "damaged")
	require.NoError(t, err)

	_, err = orch.StartSaga(ctx, "order-3", "user-1", "damaged")
	assert.ErrorIs(t, err, ErrSagaConflict)
}

func TestReplySequenceDrivesSagaToCompleted(t *testing.T) {
	orders := confirmedOrder("order-4")
	orch, bus := newTestOrchestrator(t, orders)
	ctx := context.Background()

	sg, err := orch.StartSaga(ctx, "order-4", "user-1", "damaged")
	require.NoError(t, err)

	require.NoError(t, orch.HandleReply(ctx, event.SagaReply{
		SagaID: sg.ID, OrderID: "order-4",
		ReplyType: event.ReplyRefundCompleted, RefundTransactionID: "REFUND-abc",
	}))
	mid, err := orch.Saga(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, SagaRefundCompleted, mid.Status)
	assert.Equal(t, "REFUND-abc", mid.RefundTransactionID)

	require.NoError(t, orch.HandleReply(ctx, event.SagaReply{
		SagaID: sg.ID, OrderID: "order-4", ReplyType: event.ReplyInventoryRestored,
	}))
	assert.Equal(t, []string{"order-4"}, orders.returned, "order flips to RETURNED exactly once")

	require.NoError(t, orch.HandleReply(ctx, event.SagaReply{
		SagaID: sg.ID, OrderID: "order-4", ReplyType: event.ReplyNotificationSent,
	}))

	final, err := orch.Saga(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, SagaCompleted, final.Status)
	assert.Empty(t, final.CurrentStep)

	steps := make([]string, 0, len(bus.commands))
	for _, cmd := range bus.commands {
		steps = append(steps, cmd.Step)
	}
	assert.Equal(t, []string{
		event.StepInitiateRefund,
		event.StepRestoreInventory,
		event.StepSendNotification,
	}, steps)
}

func TestRedeliveredReplyIsDropped(t *testing.T) {
	orders := confirmedOrder("order-5")
	orch, bus := newTestOrchestrator(t, orders)
	ctx := context.Background()

	sg, err := orch.StartSaga(ctx, "order-5", "user-1", "damaged")
	require.NoError(t, err)

	reply := event.SagaReply{SagaID: sg.ID, OrderID: "order-5", ReplyType: event.ReplyRefundCompleted}
	require.NoError(t, orch.HandleReply(ctx, reply))
	require.NoError(t, orch.HandleReply(ctx, reply))

	restores := 0
	for _, cmd := range bus.commands {
		if cmd.Step == event.StepRestoreInventory {
			restores++
		}
	}
	assert.Equal(t, 1, restores, "re-delivered reply must not re-fire the step")
}

func TestRefundFailedHaltsSaga(t *testing.T) {
	orch, bus := newTestOrchestrator(t, confirmedOrder("order-6"))
	ctx := context.Background()

	sg, err := orch.StartSaga(ctx, "order-6", "user-1", "damaged")
	require.NoError(t, err)

	require.NoError(t, orch.HandleReply(ctx, event.SagaReply{
		SagaID: sg.ID, OrderID: "order-6", ReplyType: event.ReplyRefundFailed,
	}))

	final, err := orch.Saga(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, SagaFailed, final.Status)
	assert.Empty(t, final.CurrentStep)
	require.Len(t, bus.commands, 1, "no further commands after a failed refund")

	// A late success reply for the failed saga stays dropped.
	require.NoError(t, orch.HandleReply(ctx, event.SagaReply{
		SagaID: sg.ID, OrderID: "order-6", ReplyType: event.ReplyRefundCompleted,
	}))
	still, err := orch.Saga(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, SagaFailed, still.Status)
}

func TestUnknownSagaReplyIsDropped(t *testing.T) {
	orch, _ := newTestOrchestrator(t, confirmedOrder("order-7"))

	err := orch.HandleReply(context.Background(), event.SagaReply{
		SagaID: "missing", ReplyType: event.ReplyRefundCompleted,
	})
	assert.ErrorIs(t, err, ErrSagaNotFound)
}
