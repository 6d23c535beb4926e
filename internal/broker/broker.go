// Package broker abstracts the event log the services communicate through:
// an ordered, partitioned append log keyed by aggregate id, with at-least-once
// delivery to consumer groups and a dead-letter topic per source topic.
//
// Two implementations exist: MemLog, an in-process log used by tests and
// single-binary runs, and AMQP, a RabbitMQ transport for deployed services.
// Ordering is guaranteed only within a partition, which is why every producer
// keys messages by order id.
package broker

import "context"

// Message is a single log entry as seen by a consumer handler.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int
	Offset    int64
	// Attempt counts deliveries of this message to the current group,
	// starting at 1.
	Attempt int
	Headers map[string]string
}

// Receipt identifies where a published message landed. Transports without
// partition semantics report zero values.
type Receipt struct {
	Partition int
	Offset    int64
}

// Publisher appends a message to a topic. The key selects the partition, so
// all messages sharing a key are totally ordered.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) (Receipt, error)
}

// Handler processes one delivered message. Returning an error makes the
// message a redelivery candidate; after the retry budget is spent it is
// routed to the topic's dead-letter variant instead.
type Handler func(ctx context.Context, msg Message) error

// Subscriber registers a handler for a (topic, group) pair. Each group
// receives every message on the topic independently.
type Subscriber interface {
	Subscribe(topic, group string, h Handler) error
}

// Bus is what a service wires against: it both publishes and consumes.
type Bus interface {
	Publisher
	Subscriber
}

const (
	// headerLastError carries the final handler error on dead-lettered
	// messages, for inspection and replay.
	headerLastError = "x-last-error"

	// defaultAttempts is the per-message delivery budget before
	// dead-lettering: first delivery plus two retries.
	defaultAttempts = 3
)

func deadLetter(topic string) string { return topic + ".DLT" }
