package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-sagas/internal/event"
	"github.com/jcmexdev/order-sagas/internal/outbox"
)

func newTestService(t *testing.T) (*Service, *Store, *outbox.Store) {
	t.Helper()
	store, db, err := OpenStore(t.TempDir() + "/inventory.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ob, err := outbox.NewStore(db)
	require.NoError(t, err)
	return NewService(store, ob, nil), store, ob
}

func seed(t *testing.T, store *Store, products ...Product) {
	t.Helper()
	for _, p := range products {
		require.NoError(t, store.UpsertProduct(context.Background(), p))
	}
}

func availableOf(t *testing.T, store *Store, productID string) int {
	t.Helper()
	products, err := store.Availability(context.Background())
	require.NoError(t, err)
	for _, p := range products {
		if p.ID == productID {
			return p.Available
		}
	}
	t.Fatalf("product %s not found", productID)
	return 0
}

func orderCreated(orderID string, items ...event.Item) event.Envelope {
	return event.Envelope{
		EventType: event.TypeOrderCreated,
		OrderID:   orderID,
		UserID:    "user-1",
		Items:     items,
		Timestamp: time.Now().UTC(),
	}
}

func TestReserveHoldsStockAndStagesEvent(t *testing.T) {
	svc, store, ob := newTestService(t)
	seed(t, store,
		Product{ID: "sku-a", Name: "Keyboard", Price: 10, Available: 5},
		Product{ID: "sku-b", Name: "Monitor", Price: 100, Available: 3},
	)

	env := orderCreated("order-1",
		event.Item{ProductID: "sku-a", Quantity: 2},
		event.Item{ProductID: "sku-b", Quantity: 1},
	)
	require.NoError(t, svc.Reserve(context.Background(), env))

	assert.Equal(t, 3, availableOf(t, store, "sku-a"))
	assert.Equal(t, 2, availableOf(t, store, "sku-b"))

	pending, err := ob.Unprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, event.TypeInventoryReserved, pending[0].EventType)

	reserved, err := event.Decode(pending[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, float64(120), reserved.TotalAmount)
	require.Len(t, reserved.Items, 2)
	assert.Equal(t, "Keyboard", reserved.Items[0].ProductName)
	assert.Equal(t, float64(20), reserved.Items[0].Subtotal)
}

func TestReserveIsAllOrNothing(t *testing.T) {
	svc, store, ob := newTestService(t)
	seed(t, store,
		Product{ID: "sku-a", Name: "Keyboard", Price: 10, Available: 5},
		Product{ID: "sku-b", Name: "Monitor", Price: 100, Available: 0},
	)

	env := orderCreated("order-2",
		event.Item{ProductID: "sku-a", Quantity: 2},
		event.Item{ProductID: "sku-b", Quantity: 1},
	)
	require.NoError(t, svc.Reserve(context.Background(), env))

	assert.Equal(t, 5, availableOf(t, store, "sku-a"), "first line must be rolled back")

	pending, err := ob.Unprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, event.TypeInventoryReserveFailed, pending[0].EventType)

	failed, err := event.Decode(pending[0].Payload)
	require.NoError(t, err)
	assert.Contains(t, failed.Reason, "insufficient stock")
}

func TestReserveSkipsReplayedOrder(t *testing.T) {
	svc, store, ob := newTestService(t)
	seed(t, store, Product{ID: "sku-a", Name: "Keyboard", Price: 10, Available: 5})

	env := orderCreated("order-3", event.Item{ProductID: "sku-a", Quantity: 2})
	require.NoError(t, svc.Reserve(context.Background(), env))
	require.NoError(t, svc.Reserve(context.Background(), env))

	assert.Equal(t, 3, availableOf(t, store, "sku-a"), "replay must not decrement twice")

	pending, err := ob.Unprocessed(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRestoreReturnsStock(t *testing.T) {
	svc, store, _ := newTestService(t)
	seed(t, store, Product{ID: "sku-a", Name: "Keyboard", Price: 10, Available: 5})

	require.NoError(t, svc.Reserve(context.Background(),
		orderCreated("order-4", event.Item{ProductID: "sku-a", Quantity: 3})))
	assert.Equal(t, 2, availableOf(t, store, "sku-a"))

	require.NoError(t, svc.Restore(context.Background(), "order-4"))
	assert.Equal(t, 5, availableOf(t, store, "sku-a"))

	var status string
	require.NoError(t, store.DB().QueryRow(
		`SELECT status FROM reservations WHERE order_id = ? AND product_id = ?`,
		"order-4", "sku-a").Scan(&status))
	assert.Equal(t, ReservationReleased, status)

	// Re-delivered RESTORE_INVENTORY must not restock twice.
	require.NoError(t, svc.Restore(context.Background(), "order-4"))
	assert.Equal(t, 5, availableOf(t, store, "sku-a"))
}

func TestRestoreUnknownOrderIsNoop(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.Restore(context.Background(), "order-missing"))
}
