package consumer

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/protobus/internal/codec"
	"github.com/nfrund/protobus/internal/config"
	"github.com/nfrund/protobus/internal/logging"
)

const eventTestSchema = `
syntax = "proto3";
package demo.math;

message ComputationLogged {
  int32 sum = 1;
}
`

func newTestEventConsumer(t *testing.T) *EventConsumer {
	t.Helper()
	schema, err := codec.NewSchemaRegistry(logging.Noop{})
	require.NoError(t, err)
	require.NoError(t, schema.Parse(eventTestSchema))
	cdc := codec.New(schema, logging.Noop{})
	cfg := &config.Config{EventsExchangeName: "proto.bus.events"}
	return NewEventConsumer(nil, cdc, cfg, "test.queue", logging.Noop{})
}

func encodeComputationLogged(t *testing.T, c *EventConsumer, topic string) []byte {
	t.Helper()
	wire, err := c.codec.EncodeEvent("demo.math.ComputationLogged", topic, codec.Record{"sum": int32(5)})
	require.NoError(t, err)
	return wire
}

// TestEventHandleDeliveryDispatchesToMatchingHandler is scenario S5's
// consumer-level precondition: a decoded event reaches every handler
// whose pattern matches its topic, decoded exactly once.
func TestEventHandleDeliveryDispatchesToMatchingHandler(t *testing.T) {
	c := newTestEventConsumer(t)
	var gotTopic string
	var gotSum int32
	c.Subscribe("demo.math.*", func(ctx context.Context, topic string, payload codec.Record) error {
		gotTopic = topic
		gotSum = payload["sum"].(int32)
		return nil
	})

	msg := amqp.Delivery{Body: encodeComputationLogged(t, c, "demo.math.computed")}
	err := c.handleDelivery(context.Background(), msg)

	require.NoError(t, err)
	assert.Equal(t, "demo.math.computed", gotTopic)
	assert.Equal(t, int32(5), gotSum)
}

// TestEventHandleDeliveryPropagatesHandlerError covers spec.md §4.5's
// stated rule that "event handlers have no reply channel; their errors
// drive the retry/DLQ decision" — a failing handler must surface as a
// non-nil handleDelivery error so dispatch retries the delivery.
func TestEventHandleDeliveryPropagatesHandlerError(t *testing.T) {
	c := newTestEventConsumer(t)
	sentinel := errors.New("downstream write failed")
	c.Subscribe("demo.math.*", func(ctx context.Context, topic string, payload codec.Record) error {
		return sentinel
	})

	msg := amqp.Delivery{Body: encodeComputationLogged(t, c, "demo.math.computed")}
	err := c.handleDelivery(context.Background(), msg)

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

// TestEventHandleDeliveryTreatsDecodeFailureAsPermanent covers spec.md
// §4.9's invalid-message case for events: malformed bytes never retry.
func TestEventHandleDeliveryTreatsDecodeFailureAsPermanent(t *testing.T) {
	c := newTestEventConsumer(t)
	msg := amqp.Delivery{Body: []byte("not a valid envelope")}

	err := c.handleDelivery(context.Background(), msg)
	require.Error(t, err)
	var perm *PermanentError
	assert.ErrorAs(t, err, &perm)
}

func TestEventHandleDeliveryRunsEveryMatchingHandler(t *testing.T) {
	c := newTestEventConsumer(t)
	var calls int
	c.Subscribe("demo.math.*", func(ctx context.Context, topic string, payload codec.Record) error {
		calls++
		return nil
	})
	c.Subscribe("demo.#", func(ctx context.Context, topic string, payload codec.Record) error {
		calls++
		return nil
	})

	msg := amqp.Delivery{Body: encodeComputationLogged(t, c, "demo.math.computed")}
	require.NoError(t, c.handleDelivery(context.Background(), msg))
	assert.Equal(t, 2, calls)
}
