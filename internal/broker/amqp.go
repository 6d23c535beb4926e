package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	amqpExchange     = "domain-events"
	headerMessageKey = "x-message-key"
	headerAttempt    = "x-attempt"
	amqpDialAttempts = 10
	amqpDialBackoff  = 2 * time.Second
)

// AMQP is the RabbitMQ-backed Bus used by deployed services. Topics map to
// routing keys on a durable topic exchange; each (topic, group) pair gets its
// own durable queue so groups consume independently.
//
// RabbitMQ has no partition/offset metadata, so receipts are zero-valued.
// Per-key ordering holds as long as a group runs a single consumer per queue,
// which is how the service mains wire it.
type AMQP struct {
	conn *amqp.Connection

	// Channels are not safe for concurrent use; pubMu serialises publishes.
	pubMu sync.Mutex
	pubCh *amqp.Channel

	attempts  int
	baseDelay time.Duration

	// Indirection over the republish paths so delivery handling is testable
	// without a live broker.
	republishFn func(topic, key string, value []byte, headers amqp.Table) error
	requeueFn   func(queue string, value []byte, headers amqp.Table) error
}

// DialAMQP connects to RabbitMQ, retrying while the broker starts up, and
// declares the shared topic exchange.
func DialAMQP(url string) (*AMQP, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < amqpDialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		slog.Warn("rabbitmq not reachable, retrying", "attempt", i+1, "error", err)
		time.Sleep(amqpDialBackoff)
	}
	if err != nil {
		return nil, fmt.Errorf("broker: connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(amqpExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("broker: declare exchange: %w", err)
	}

	b := &AMQP{
		conn:      conn,
		pubCh:     ch,
		attempts:  defaultAttempts,
		baseDelay: time.Second,
	}
	b.republishFn = b.republish
	b.requeueFn = b.republishToQueue
	return b, nil
}

// Close shuts down the connection and all consumer channels with it.
func (a *AMQP) Close() error {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	_ = a.pubCh.Close()
	return a.conn.Close()
}

// Publish sends a persistent message to the topic's routing key. The message
// key travels as a header since AMQP routing does not use it.
func (a *AMQP) Publish(ctx context.Context, topic, key string, value []byte) (Receipt, error) {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	err := a.pubCh.PublishWithContext(ctx, amqpExchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         value,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{headerMessageKey: key},
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("broker: publish to %s: %w", topic, err)
	}
	return Receipt{}, nil
}

func (a *AMQP) republish(topic, key string, value []byte, headers amqp.Table) error {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	return a.pubCh.PublishWithContext(context.Background(), amqpExchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         value,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
	})
}

// Subscribe binds a durable queue named "<group>.<topic>" to the topic's
// routing key and consumes it with manual acks. A failed handler gets the
// message redelivered after an exponential delay via republish; once the
// attempt budget is spent the message goes to "<topic>.DLT".
func (a *AMQP) Subscribe(topic, group string, h Handler) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: open consumer channel: %w", err)
	}

	queue := group + "." + topic
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, amqpExchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind queue %s: %w", queue, err)
	}

	// Dead-letter queue shared by all groups of the topic.
	dlt := deadLetter(topic)
	if _, err := ch.QueueDeclare(dlt, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlt %s: %w", dlt, err)
	}
	if err := ch.QueueBind(dlt, dlt, amqpExchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind dlt %s: %w", dlt, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume %s: %w", queue, err)
	}

	go func() {
		for d := range deliveries {
			a.handleDelivery(topic, group, queue, d, h)
		}
	}()
	return nil
}

func (a *AMQP) handleDelivery(topic, group, queue string, d amqp.Delivery, h Handler) {
	attempt := 1
	if v, ok := d.Headers[headerAttempt].(int32); ok {
		attempt = int(v)
	}
	key, _ := d.Headers[headerMessageKey].(string)

	err := h(context.Background(), Message{
		Topic:   topic,
		Key:     key,
		Value:   d.Body,
		Attempt: attempt,
	})
	if err == nil {
		_ = d.Ack(false)
		return
	}

	if attempt >= a.attempts {
		slog.Warn("message exhausted retry budget, dead-lettering",
			"topic", topic, "group", group, "error", err)
		if pubErr := a.republishFn(deadLetter(topic), key, d.Body, amqp.Table{
			headerMessageKey: key,
			headerLastError:  err.Error(),
		}); pubErr != nil {
			// The original must not be acked until it landed on the DLT.
			slog.Error("dead-letter publish failed, requeueing original",
				"topic", topic, "group", group, "error", pubErr)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	// Exponential redelivery: 1s, 2s, ... Blocking the consumer goroutine
	// here also preserves per-queue ordering during the retry. The retry is
	// requeued through the default exchange so only this group sees it again.
	time.Sleep(a.baseDelay << (attempt - 1))
	if pubErr := a.requeueFn(queue, d.Body, amqp.Table{
		headerMessageKey: key,
		headerAttempt:    int32(attempt + 1),
	}); pubErr != nil {
		slog.Error("retry republish failed, requeueing original",
			"topic", topic, "group", group, "error", pubErr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (a *AMQP) republishToQueue(queue string, value []byte, headers amqp.Table) error {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	return a.pubCh.PublishWithContext(context.Background(), "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         value,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
	})
}
