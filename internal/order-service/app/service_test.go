package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/outbox"
)

type fakeProducts struct {
	known map[string]ProductInfo
	err   error
}

func (f *fakeProducts) Lookup(_ context.Context, productID string) (ProductInfo, error) {
	if f.err != nil {
		return ProductInfo{}, f.err
	}
	info, ok := f.known[productID]
	if !ok {
		return ProductInfo{}, errors.New("unknown product")
	}
	return info, nil
}

func newTestService(t *testing.T, products ProductClient) (*Service, *outbox.Store) {
	t.Helper()
	store, db, err := OpenStore(t.TempDir() + "/orders.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ob, err := outbox.NewStore(db)
	require.NoError(t, err)
	return NewService(store, ob, products, nil), ob
}

func TestCreateOrderUsesCatalogPrices(t *testing.T) {
	products := &fakeProducts{known: map[string]ProductInfo{
		"sku-a": {ID: "sku-a", Name: "Keyboard", Price: 10},
		"sku-b": {ID: "sku-b", Name: "Monitor", Price: 100},
	}}
	svc, ob := newTestService(t, products)

	order, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID:        "user-1",
		PaymentMethod: "CREDIT_CARD",
		Items: []RequestItem{
			{ProductID: "sku-a", ProductName: "wrong name", Quantity: 2, UnitPrice: 999},
			{ProductID: "sku-b", Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, float64(120), order.TotalAmount, "catalog prices win over caller-supplied ones")
	assert.Equal(t, "Keyboard", order.Items[0].ProductName)

	pending, err := ob.Unprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, event.TypeOrderCreated, pending[0].EventType)
	assert.Equal(t, order.ID, pending[0].AggregateID)
}

func TestCreateOrderDegradesWhenCatalogDown(t *testing.T) {
	svc, _ := newTestService(t, &fakeProducts{err: errors.New("catalog down")})

	order, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Items: []RequestItem{
			{ProductID: "sku-a", ProductName: "Keyboard", Quantity: 2, UnitPrice: 10},
		},
	})
	require.NoError(t, err, "catalog outage must not block order creation")
	assert.Equal(t, float64(20), order.TotalAmount)
	assert.Equal(t, "Keyboard", order.Items[0].ProductName)
}

func TestCreateOrderRejectsEmptyItems(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{UserID: "user-1"})
	assert.Error(t, err)
}

func createPendingOrder(t *testing.T, svc *Service) Order {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: "user-1",
		Items:  []RequestItem{{ProductID: "sku-a", ProductName: "Keyboard", Quantity: 2, UnitPrice: 10}},
	})
	require.NoError(t, err)
	return order
}

func TestApplyEventDrivesOrderToConfirmed(t *testing.T) {
	svc, ob := newTestService(t, nil)
	ctx := context.Background()
	order := createPendingOrder(t, svc)

	require.NoError(t, svc.ApplyEvent(ctx, event.Envelope{
		EventType: event.TypeInventoryReserved, OrderID: order.ID, Timestamp: time.Now().UTC(),
	}))
	mid, err := svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInventoryReserved, mid.Status)

	require.NoError(t, svc.ApplyEvent(ctx, event.Envelope{
		EventType: event.TypePaymentCompleted, OrderID: order.ID,
		TransactionID: "CC-TXN-1", Timestamp: time.Now().UTC(),
	}))
	final, err := svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, final.Status)

	pending, err := ob.Unprocessed(ctx, 10)
	require.NoError(t, err)
	types := make([]string, 0, len(pending))
	for _, e := range pending {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{event.TypeOrderCreated, event.TypeOrderConfirmed}, types)
}

func TestApplyEventCancelsOnPaymentFailure(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	order := createPendingOrder(t, svc)

	require.NoError(t, svc.ApplyEvent(ctx, event.Envelope{
		EventType: event.TypeInventoryReserved, OrderID: order.ID, Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, svc.ApplyEvent(ctx, event.Envelope{
		EventType: event.TypePaymentFailed, OrderID: order.ID,
		Reason: "Insufficient wallet balance", Timestamp: time.Now().UTC(),
	}))

	final, err := svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, "Insufficient wallet balance", final.FailureReason)
}

func TestApplyEventAbsorbsReplaysAndLateArrivals(t *testing.T) {
	svc, ob := newTestService(t, nil)
	ctx := context.Background()
	order := createPendingOrder(t, svc)

	completed := event.Envelope{
		EventType: event.TypePaymentCompleted, OrderID: order.ID, Timestamp: time.Now().UTC(),
	}
	require.NoError(t, svc.ApplyEvent(ctx, completed))
	require.NoError(t, svc.ApplyEvent(ctx, completed))

	// A reservation event arriving after the terminal state changes nothing.
	require.NoError(t, svc.ApplyEvent(ctx, event.Envelope{
		EventType: event.TypeInventoryReserved, OrderID: order.ID, Timestamp: time.Now().UTC(),
	}))

	final, err := svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, final.Status)

	pending, err := ob.Unprocessed(ctx, 10)
	require.NoError(t, err)
	confirmations := 0
	for _, e := range pending {
		if e.EventType == event.TypeOrderConfirmed {
			confirmations++
		}
	}
	assert.Equal(t, 1, confirmations, "replay must not stage a second confirmation")
}

func TestMarkReturnedFlipsExactlyOnce(t *testing.T) {
	svc, ob := newTestService(t, nil)
	ctx := context.Background()
	order := createPendingOrder(t, svc)

	require.NoError(t, svc.ApplyEvent(ctx, event.Envelope{
		EventType: event.TypePaymentCompleted, OrderID: order.ID, Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, svc.MarkReturned(ctx, order.ID))
	require.NoError(t, svc.MarkReturned(ctx, order.ID))

	final, err := svc.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, final.Status)

	pending, err := ob.Unprocessed(ctx, 10)
	require.NoError(t, err)
	returns := 0
	for _, e := range pending {
		if e.EventType == event.TypeReturnCompleted {
			returns++
		}
	}
	assert.Equal(t, 1, returns)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name      string
		status    string
		eventType string
		want      string
		moves     bool
	}{
		{"reserved from pending", StatusPending, event.TypeInventoryReserved, StatusInventoryReserved, true},
		{"cancelled on reservation failure", StatusPending, event.TypeInventoryReserveFailed, StatusCancelled, true},
		{"confirmed on payment", StatusInventoryReserved, event.TypePaymentCompleted, StatusConfirmed, true},
		{"cancelled on payment failure", StatusInventoryReserved, event.TypePaymentFailed, StatusCancelled, true},
		{"terminal state absorbs", StatusConfirmed, event.TypePaymentCompleted, StatusConfirmed, false},
		{"cancelled absorbs late reservation", StatusCancelled, event.TypeInventoryReserved, StatusCancelled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, _, ok := Transition(Order{ID: "o", Status: tc.status}, event.Envelope{EventType: tc.eventType})
			assert.Equal(t, tc.moves, ok)
			assert.Equal(t, tc.want, next)
		})
	}
}
