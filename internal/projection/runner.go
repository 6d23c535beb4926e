package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jcmexdev/order-sagas/internal/broker"
	"github.com/jcmexdev/order-sagas/internal/event"
)

const consumerGroup = "saga-projection"

// Runner is the stream processor side of the projection: it merges the
// three fulfillment topics, folds every event into the keyed live view, and
// re-emits rows entering a terminal status as notification events keyed by
// userId.
type Runner struct {
	bus     broker.Bus
	mu      sync.RWMutex
	states  map[string]State
	running atomic.Bool
}

// NewRunner builds a runner over bus.
func NewRunner(bus broker.Bus) *Runner {
	return &Runner{bus: bus, states: make(map[string]State)}
}

// Start subscribes to the three source topics and marks the runner live.
func (r *Runner) Start() error {
	for _, topic := range []string{
		event.TopicOrderEvents,
		event.TopicInventoryEvents,
		event.TopicPaymentEvents,
	} {
		if err := r.bus.Subscribe(topic, consumerGroup, r.handle); err != nil {
			return fmt.Errorf("projection: subscribe %s: %w", topic, err)
		}
	}
	r.running.Store(true)
	slog.Info("projection runner started")
	return nil
}

// Stop marks the runner not live; queries fall back to the database copy.
func (r *Runner) Stop() {
	r.running.Store(false)
}

// Running reports whether the live view is serving.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Lookup reads one order's live state.
func (r *Runner) Lookup(orderID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[orderID]
	return st, ok
}

func (r *Runner) handle(ctx context.Context, msg broker.Message) error {
	env, err := event.Decode(msg.Value)
	if err != nil || env.OrderID == "" {
		slog.Error("dropping malformed projection input", "error", err, "topic", msg.Topic)
		return nil
	}

	r.mu.RLock()
	prev := r.states[env.OrderID]
	r.mu.RUnlock()
	next := Reduce(prev, env)

	// Publish before committing to the map: a redelivery after a failed
	// publish must still see the pre-terminal state and emit again.
	if next.Terminal() && !prev.Terminal() {
		if err := r.emitNotification(ctx, next); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.states[env.OrderID] = next
	r.mu.Unlock()
	return nil
}

// emitNotification maps a terminal row to an outbound notification event,
// re-keyed by userId so all of one user's notifications share a partition.
func (r *Runner) emitNotification(ctx context.Context, st State) error {
	out := event.Envelope{
		OrderID:       st.OrderID,
		UserID:        st.UserID,
		Status:        st.CurrentStatus,
		TotalAmount:   st.TotalAmount,
		TransactionID: st.TransactionID,
		Reason:        st.FailureReason,
		Timestamp:     time.Now().UTC(),
	}
	switch st.CurrentStatus {
	case StatusConfirmed:
		out.EventType = event.TypeOrderConfirmed
		out.Message = fmt.Sprintf("Your order %s has been confirmed", st.OrderID)
	case StatusCancelled:
		out.EventType = event.TypeOrderCancelled
		out.Message = fmt.Sprintf("Your order %s was cancelled: %s", st.OrderID, st.FailureReason)
	}

	payload, err := out.Encode()
	if err != nil {
		return err
	}
	if _, err := r.bus.Publish(ctx, event.TopicNotificationEvents, st.UserID, payload); err != nil {
		return err
	}
	slog.Info("terminal order notified", "orderId", st.OrderID, "userId", st.UserID, "status", st.CurrentStatus)
	return nil
}

// Query answers point lookups: the live view when the runner is up, the
// database copy otherwise.
type Query struct {
	runner *Runner
	store  *Store
}

// NewQuery wires the query path. Either side may be nil.
func NewQuery(runner *Runner, store *Store) *Query {
	return &Query{runner: runner, store: store}
}

// Get returns the projected state for an order.
func (q *Query) Get(ctx context.Context, orderID string) (State, error) {
	if q.runner != nil && q.runner.Running() {
		if st, ok := q.runner.Lookup(orderID); ok {
			return st, nil
		}
		return State{}, ErrNotFound
	}
	if q.store == nil {
		return State{}, ErrNotFound
	}
	return q.store.ByOrderID(ctx, orderID)
}
