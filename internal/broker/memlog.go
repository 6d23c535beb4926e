package broker

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MemLog is an in-process partitioned append log. It keeps full message
// history per partition, so a group that subscribes late still reads from the
// beginning — the same exhaustive-read contract the real log gives us.
//
// One delivery goroutine runs per (subscription, partition), processing
// messages in partition order. There is no ordering across partitions.
type MemLog struct {
	mu         sync.Mutex
	partitions int
	attempts   int
	baseDelay  time.Duration
	topics     map[string][]*memPartition
	closed     chan struct{}
	wg         sync.WaitGroup
}

type memPartition struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []memEntry
}

type memEntry struct {
	key     string
	value   []byte
	headers map[string]string
}

// MemLogOption tweaks a MemLog. Tests shrink the retry delay.
type MemLogOption func(*MemLog)

// WithRetryDelay sets the initial redelivery backoff (doubles per attempt).
func WithRetryDelay(d time.Duration) MemLogOption {
	return func(l *MemLog) { l.baseDelay = d }
}

// NewMemLog creates a log with the given partition count per topic.
func NewMemLog(partitions int, opts ...MemLogOption) *MemLog {
	if partitions <= 0 {
		partitions = 4
	}
	l := &MemLog{
		partitions: partitions,
		attempts:   defaultAttempts,
		baseDelay:  time.Second,
		topics:     make(map[string][]*memPartition),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Close stops all delivery goroutines after they drain in-flight messages.
func (l *MemLog) Close() {
	l.mu.Lock()
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	topics := l.topics
	l.mu.Unlock()

	for _, parts := range topics {
		for _, p := range parts {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		}
	}
	l.wg.Wait()
}

func (l *MemLog) topic(name string) []*memPartition {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts, ok := l.topics[name]
	if !ok {
		parts = make([]*memPartition, l.partitions)
		for i := range parts {
			p := &memPartition{}
			p.cond = sync.NewCond(&p.mu)
			parts[i] = p
		}
		l.topics[name] = parts
	}
	return parts
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Publish appends to the partition selected by key and wakes its consumers.
func (l *MemLog) Publish(ctx context.Context, topic, key string, value []byte) (Receipt, error) {
	return l.publish(topic, key, value, nil)
}

func (l *MemLog) publish(topic, key string, value []byte, headers map[string]string) (Receipt, error) {
	parts := l.topic(topic)
	pi := partitionFor(key, len(parts))
	p := parts[pi]

	p.mu.Lock()
	p.entries = append(p.entries, memEntry{key: key, value: value, headers: headers})
	offset := int64(len(p.entries) - 1)
	p.cond.Broadcast()
	p.mu.Unlock()

	return Receipt{Partition: pi, Offset: offset}, nil
}

// Subscribe starts one consumer goroutine per partition for the group,
// reading from offset zero. Handler failures are retried with exponential
// backoff; exhausted messages are republished to "<topic>.DLT" and the
// consumer moves on.
func (l *MemLog) Subscribe(topic, group string, h Handler) error {
	parts := l.topic(topic)
	for pi, p := range parts {
		l.wg.Add(1)
		go l.consume(topic, group, pi, p, h)
	}
	return nil
}

func (l *MemLog) consume(topic, group string, pi int, p *memPartition, h Handler) {
	defer l.wg.Done()
	var offset int64
	for {
		p.mu.Lock()
		for int(offset) >= len(p.entries) {
			if l.isClosed() {
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
		}
		e := p.entries[offset]
		p.mu.Unlock()

		l.deliver(topic, group, pi, offset, e, h)
		offset++
	}
}

func (l *MemLog) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *MemLog) deliver(topic, group string, pi int, offset int64, e memEntry, h Handler) {
	attempt := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	op := func() error {
		attempt++
		return h(context.Background(), Message{
			Topic:     topic,
			Key:       e.key,
			Value:     e.value,
			Partition: pi,
			Offset:    offset,
			Attempt:   attempt,
			Headers:   e.headers,
		})
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(bo, uint64(l.attempts-1)))
	if err == nil {
		return
	}

	slog.Warn("message exhausted retry budget, dead-lettering",
		"topic", topic, "group", group, "partition", pi, "offset", offset, "error", err)
	_, _ = l.publish(deadLetter(topic), e.key, e.value, map[string]string{headerLastError: err.Error()})
}
