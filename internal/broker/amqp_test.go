package broker

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcker struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcker) Ack(uint64, bool) error { f.acked = true; return nil }

func (f *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcker) Reject(uint64, bool) error { return nil }

func failingHandler(context.Context, Message) error { return errors.New("handler failed") }

func TestHandleDeliveryRequeuesOriginalWhenRetryPublishFails(t *testing.T) {
	a := &AMQP{attempts: defaultAttempts}
	a.requeueFn = func(string, []byte, amqp.Table) error {
		return errors.New("channel closed")
	}

	acker := &fakeAcker{}
	a.handleDelivery("orders", "group", "group.orders", amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(`{}`),
	}, failingHandler)

	assert.False(t, acker.acked, "a lost republish must not ack the original")
	assert.True(t, acker.nacked)
	assert.True(t, acker.requeue)
}

func TestHandleDeliveryRequeuesOriginalWhenDeadLetterPublishFails(t *testing.T) {
	a := &AMQP{attempts: defaultAttempts}
	a.republishFn = func(string, string, []byte, amqp.Table) error {
		return errors.New("channel closed")
	}

	acker := &fakeAcker{}
	a.handleDelivery("orders", "group", "group.orders", amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(`{}`),
		Headers:      amqp.Table{headerAttempt: int32(defaultAttempts)},
	}, failingHandler)

	assert.False(t, acker.acked)
	assert.True(t, acker.nacked)
	assert.True(t, acker.requeue)
}

func TestHandleDeliveryAcksAfterSuccessfulRetryPublish(t *testing.T) {
	a := &AMQP{attempts: defaultAttempts}
	var republished amqp.Table
	a.requeueFn = func(_ string, _ []byte, headers amqp.Table) error {
		republished = headers
		return nil
	}

	acker := &fakeAcker{}
	a.handleDelivery("orders", "group", "group.orders", amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(`{}`),
	}, failingHandler)

	assert.True(t, acker.acked)
	assert.False(t, acker.nacked)
	require.NotNil(t, republished)
	assert.Equal(t, int32(2), republished[headerAttempt])
}
