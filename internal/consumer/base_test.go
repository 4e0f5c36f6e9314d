package consumer

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/protobus/internal/logging"
)

// fakeAcknowledger records every Ack/Nack/Reject call a dispatch under
// test makes, standing in for the AMQP broker's delivery-tag bookkeeping
// the way base_test.go's literal amqp.Delivery values already stand in
// for a real delivery.
type fakeAcknowledger struct {
	acked    []uint64
	rejected []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.rejected = append(f.rejected, tag)
	return nil
}

// fakePublishChannel records every message published through it, so a
// test can assert which queue a failed delivery was routed to and with
// which headers, without a live broker connection.
type fakePublishChannel struct {
	published []publishedMessage
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (f *fakePublishChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakePublishChannel) Close() error { return nil }

func newTestBaseConsumer() (*baseConsumer, *fakePublishChannel) {
	fc := &fakePublishChannel{}
	b := newBaseConsumer(nil, logging.Noop{})
	b.ch = fc
	return b, fc
}

func testTopology() retryTopology {
	return retryTopology{
		exchange:   "orders.exchange",
		queueName:  "orders",
		retryQueue: "orders.retry",
		dlqName:    "orders.dlq",
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	b, fc := newTestBaseConsumer()
	opts := RetryOptions{MaxRetries: 3, MessageTTLMs: 100}
	topo := testTopology()

	failing := func(ctx context.Context, msg amqp.Delivery) error { return errors.New("still failing") }
	succeeding := func(ctx context.Context, msg amqp.Delivery) error { return nil }

	msg := amqp.Delivery{Acknowledger: &fakeAcknowledger{}, RoutingKey: "REQUEST.Orders.Place"}
	b.dispatch(context.Background(), msg, topo, opts, failing)
	require.Len(t, fc.published, 1)
	retryHeaders := fc.published[0].msg.Headers

	redelivered := amqp.Delivery{Acknowledger: &fakeAcknowledger{}, RoutingKey: "REQUEST.Orders.Place", Headers: retryHeaders}
	b.dispatch(context.Background(), redelivered, topo, opts, failing)
	require.Len(t, fc.published, 2)
	assert.Equal(t, int64(2), fc.published[1].msg.Headers["x-retry-count"])

	final := amqp.Delivery{Acknowledger: &fakeAcknowledger{}, RoutingKey: "REQUEST.Orders.Place", Headers: fc.published[1].msg.Headers}
	ack := final.Acknowledger.(*fakeAcknowledger)
	b.dispatch(context.Background(), final, topo, opts, succeeding)
	require.Len(t, fc.published, 2, "a successful attempt must not publish anywhere")
	assert.NotEmpty(t, ack.acked)
}

func TestDispatchDeadLettersAfterMaxRetries(t *testing.T) {
	b, fc := newTestBaseConsumer()
	opts := RetryOptions{MaxRetries: 3, MessageTTLMs: 100}
	topo := testTopology()

	alwaysFails := func(ctx context.Context, msg amqp.Delivery) error { return errors.New("permanent-looking failure") }

	msg := amqp.Delivery{
		Acknowledger: &fakeAcknowledger{},
		RoutingKey:   "REQUEST.Orders.Place",
		Headers: amqp.Table{
			"x-retry-count":          int64(3),
			"x-original-routing-key": "REQUEST.Orders.Place",
		},
	}
	b.dispatch(context.Background(), msg, topo, opts, alwaysFails)

	require.Len(t, fc.published, 1)
	sent := fc.published[0]
	assert.Equal(t, "orders.dlq", sent.key)
	assert.Equal(t, int64(3), sent.msg.Headers["x-retry-count"])
	assert.Equal(t, "REQUEST.Orders.Place", sent.msg.Headers["x-original-routing-key"])
	assert.Equal(t, "orders", sent.msg.Headers["x-original-queue"])
	assert.NotNil(t, sent.msg.Headers["x-dlq-time"])
}

func TestDispatchSendsPermanentErrorStraightToDLQ(t *testing.T) {
	b, fc := newTestBaseConsumer()
	opts := RetryOptions{MaxRetries: 3, MessageTTLMs: 100}
	topo := testTopology()

	invalid := func(ctx context.Context, msg amqp.Delivery) error {
		return &PermanentError{Err: errors.New("malformed body")}
	}

	ack := &fakeAcknowledger{}
	msg := amqp.Delivery{Acknowledger: ack, RoutingKey: "REQUEST.Orders.Place"}
	b.dispatch(context.Background(), msg, topo, opts, invalid)

	require.Len(t, fc.published, 1, "a permanent error skips the retry queue entirely")
	assert.Equal(t, "orders.dlq", fc.published[0].key)
	assert.Empty(t, ack.rejected)
	assert.NotEmpty(t, ack.acked)
}

func TestDispatchRejectsWithoutPublishingWhenRetriesDisabled(t *testing.T) {
	b, fc := newTestBaseConsumer()
	opts := RetryOptions{MaxRetries: 0}

	ack := &fakeAcknowledger{}
	msg := amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, RoutingKey: "REQUEST.Orders.Place"}
	b.dispatch(context.Background(), msg, testTopology(), opts, func(ctx context.Context, msg amqp.Delivery) error {
		return errors.New("fails")
	})

	assert.Empty(t, fc.published)
	assert.Equal(t, []uint64{7}, ack.rejected)
}

func TestRetryCountReadsXRetryCountHeader(t *testing.T) {
	msg := amqp.Delivery{Headers: amqp.Table{"x-retry-count": int64(2)}}
	assert.Equal(t, 2, retryCount(msg))
}

func TestRetryCountZeroWithoutHeader(t *testing.T) {
	msg := amqp.Delivery{Headers: amqp.Table{}}
	assert.Equal(t, 0, retryCount(msg))
}

func TestSafeHandleRecoversPanic(t *testing.T) {
	err := safeHandle(context.Background(), amqp.Delivery{}, func(ctx context.Context, msg amqp.Delivery) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestSafeHandlePassesThroughError(t *testing.T) {
	sentinel := errors.New("handler failed")
	err := safeHandle(context.Background(), amqp.Delivery{}, func(ctx context.Context, msg amqp.Delivery) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestDefaultRetryOptions(t *testing.T) {
	opts := DefaultRetryOptions()
	assert.Equal(t, 3, opts.MaxRetries)
	assert.Equal(t, 30000, opts.MessageTTLMs)
}
