package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-sagas/internal/broker"
	"github.com/jcmexdev/order-sagas/internal/pkg/sqlitedb"
)

type fakePublisher struct {
	published []broker.Message
	failFirst bool
	calls     int
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) (broker.Receipt, error) {
	f.calls++
	if f.failFirst && f.calls == 1 {
		return broker.Receipt{}, errors.New("broker unavailable")
	}
	f.published = append(f.published, broker.Message{Topic: topic, Key: key, Value: value})
	return broker.Receipt{Partition: 0, Offset: int64(len(f.published) - 1)}, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedb.Open(t.TempDir()+"/outbox.db", schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func appendEvent(t *testing.T, store *Store, e Event) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.AppendTx(ctx, tx, e))
	require.NoError(t, tx.Commit())
}

func TestTickPublishesInOrderAndMarksProcessed(t *testing.T) {
	store := newTestStore(t)
	first := NewEvent("order", "order-1", "ORDER_CREATED", []byte(`{"eventType":"ORDER_CREATED"}`))
	second := NewEvent("order", "order-1", "ORDER_CONFIRMED", []byte(`{"eventType":"ORDER_CONFIRMED"}`))
	appendEvent(t, store, first)
	appendEvent(t, store, second)

	bus := &fakePublisher{}
	pub := NewPublisher(store, bus)
	require.NoError(t, pub.Tick(context.Background()))

	require.Len(t, bus.published, 2)
	assert.Equal(t, "order-events", bus.published[0].Topic)
	assert.Equal(t, "order-1", bus.published[0].Key)
	assert.JSONEq(t, `{"eventType":"ORDER_CREATED"}`, string(bus.published[0].Value))
	assert.JSONEq(t, `{"eventType":"ORDER_CONFIRMED"}`, string(bus.published[1].Value))

	remaining, err := store.Unprocessed(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestTickStopsBatchOnFirstFailure(t *testing.T) {
	store := newTestStore(t)
	appendEvent(t, store, NewEvent("order", "order-1", "ORDER_CREATED", []byte(`{}`)))
	appendEvent(t, store, NewEvent("order", "order-1", "ORDER_CONFIRMED", []byte(`{}`)))

	bus := &fakePublisher{failFirst: true}
	pub := NewPublisher(store, bus)

	err := pub.Tick(context.Background())
	require.Error(t, err)
	assert.Empty(t, bus.published)

	remaining, err := store.Unprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 2, "failed publish must leave all rows for the next tick")

	require.NoError(t, pub.Tick(context.Background()))
	require.Len(t, bus.published, 2)
	assert.Equal(t, "ORDER_CREATED", remaining[0].EventType)
}

func TestTopicDerivedFromAggregateType(t *testing.T) {
	store := newTestStore(t)
	appendEvent(t, store, NewEvent("payment", "order-9", "PAYMENT_COMPLETED", []byte(`{}`)))

	bus := &fakePublisher{}
	require.NoError(t, NewPublisher(store, bus).Tick(context.Background()))

	require.Len(t, bus.published, 1)
	assert.Equal(t, "payment-events", bus.published[0].Topic)
}
