package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jcmexdev/order-sagas/internal/broker"
	"github.com/jcmexdev/order-sagas/internal/event"
)

const (
	defaultInterval  = time.Second
	defaultBatchSize = 50
)

// Publisher drains the outbox on a fixed interval. Publishes go through a
// circuit breaker so a broker outage stops the polling loop from hammering
// the connection; rows stay unprocessed and are retried once the breaker
// lets a probe through.
type Publisher struct {
	store    *Store
	bus      broker.Publisher
	interval time.Duration
	batch    int
	breaker  *gobreaker.CircuitBreaker
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.interval = d }
}

// WithBatchSize overrides how many rows one tick drains at most.
func WithBatchSize(n int) PublisherOption {
	return func(p *Publisher) { p.batch = n }
}

// NewPublisher builds a publisher for store that publishes through bus.
func NewPublisher(store *Store, bus broker.Publisher, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:    store,
		bus:      bus,
		interval: defaultInterval,
		batch:    defaultBatchSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-publisher",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("outbox breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p
}

// Start polls until ctx is cancelled. It blocks; run it in a goroutine.
func (p *Publisher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("outbox publisher started", "interval", p.interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				slog.Warn("outbox tick incomplete", "error", err)
			}
		}
	}
}

// Tick drains one batch. On the first failed publish it stops and leaves the
// remaining rows unprocessed: publishing past a failed event would reorder
// events of the same aggregate.
func (p *Publisher) Tick(ctx context.Context) error {
	events, err := p.store.Unprocessed(ctx, p.batch)
	if err != nil {
		return err
	}
	for _, e := range events {
		topic := event.TopicForAggregate(e.AggregateType)
		res, err := p.breaker.Execute(func() (interface{}, error) {
			return p.bus.Publish(ctx, topic, e.AggregateID, e.Payload)
		})
		if err != nil {
			return err
		}
		receipt := res.(broker.Receipt)
		if err := p.store.MarkProcessed(ctx, e.ID); err != nil {
			return err
		}
		slog.Info("outbox event published",
			"id", e.ID,
			"eventType", e.EventType,
			"topic", topic,
			"key", e.AggregateID,
			"partition", receipt.Partition,
			"offset", receipt.Offset,
		)
	}
	return nil
}
