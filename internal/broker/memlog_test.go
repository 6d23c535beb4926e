package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSameKeyDeliveredInOrder(t *testing.T) {
	log := NewMemLog(4, WithRetryDelay(time.Millisecond))
	defer log.Close()

	var mu sync.Mutex
	var got []string
	require.NoError(t, log.Subscribe("order-events", "g1", func(_ context.Context, msg Message) error {
		mu.Lock()
		got = append(got, string(msg.Value))
		mu.Unlock()
		return nil
	}))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := log.Publish(ctx, "order-events", "order-1", []byte(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	})
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, fmt.Sprintf("e%d", i), v, "one key maps to one partition, so order holds")
	}
}

func TestEachGroupSeesEveryMessage(t *testing.T) {
	log := NewMemLog(2, WithRetryDelay(time.Millisecond))
	defer log.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	handler := func(group string) Handler {
		return func(_ context.Context, _ Message) error {
			mu.Lock()
			counts[group]++
			mu.Unlock()
			return nil
		}
	}
	require.NoError(t, log.Subscribe("order-events", "g1", handler("g1")))
	require.NoError(t, log.Subscribe("order-events", "g2", handler("g2")))

	_, err := log.Publish(context.Background(), "order-events", "order-1", []byte("e"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["g1"] == 1 && counts["g2"] == 1
	})
}

func TestLateSubscriberReadsFromBeginning(t *testing.T) {
	log := NewMemLog(1, WithRetryDelay(time.Millisecond))
	defer log.Close()

	_, err := log.Publish(context.Background(), "order-events", "order-1", []byte("early"))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	require.NoError(t, log.Subscribe("order-events", "late", func(_ context.Context, msg Message) error {
		mu.Lock()
		got = append(got, string(msg.Value))
		mu.Unlock()
		return nil
	}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "early"
	})
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	log := NewMemLog(1, WithRetryDelay(time.Millisecond))
	defer log.Close()

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, log.Subscribe("payment-events", "g1", func(_ context.Context, msg Message) error {
		mu.Lock()
		attempts = msg.Attempt
		mu.Unlock()
		return errors.New("handler broken")
	}))

	var dlt []Message
	require.NoError(t, log.Subscribe("payment-events.DLT", "g1", func(_ context.Context, msg Message) error {
		mu.Lock()
		dlt = append(dlt, msg)
		mu.Unlock()
		return nil
	}))

	_, err := log.Publish(context.Background(), "payment-events", "order-1", []byte("poison"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dlt) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts, "three attempts before dead-lettering")
	assert.Equal(t, []byte("poison"), dlt[0].Value)
	assert.Contains(t, dlt[0].Headers[headerLastError], "handler broken")
}

func TestRetrySucceedsBeforeBudgetExhausted(t *testing.T) {
	log := NewMemLog(1, WithRetryDelay(time.Millisecond))
	defer log.Close()

	var mu sync.Mutex
	succeededOn := 0
	require.NoError(t, log.Subscribe("inventory-events", "g1", func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		if msg.Attempt < 2 {
			return errors.New("transient")
		}
		succeededOn = msg.Attempt
		return nil
	}))

	var dlt int
	require.NoError(t, log.Subscribe("inventory-events.DLT", "g1", func(_ context.Context, _ Message) error {
		mu.Lock()
		dlt++
		mu.Unlock()
		return nil
	}))

	_, err := log.Publish(context.Background(), "inventory-events", "order-1", []byte("e"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return succeededOn == 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, dlt)
}
