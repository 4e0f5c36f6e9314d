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

const rpcTestSchema = `
syntax = "proto3";
package demo.math;

message AddRequest {
  int32 a = 1;
  int32 b = 2;
}

message AddResult {
  int32 sum = 1;
}

service Calculator {
  rpc Add(AddRequest) returns (AddResult);
}
`

func newTestRPCConsumer(t *testing.T) *RPCConsumer {
	t.Helper()
	schema, err := codec.NewSchemaRegistry(logging.Noop{})
	require.NoError(t, err)
	require.NoError(t, schema.Parse(rpcTestSchema))
	cdc := codec.New(schema, logging.Noop{})
	cfg := &config.Config{BusExchangeName: "proto.bus", CallbacksExchangeName: "proto.bus.callback"}
	return NewRPCConsumer(nil, cdc, cfg, logging.Noop{})
}

func encodeAddRequest(t *testing.T, c *RPCConsumer) []byte {
	t.Helper()
	wire, err := c.codec.EncodeRequest("demo.math.Calculator.Add", "test-actor", codec.Record{
		"a": int32(2), "b": int32(3),
	})
	require.NoError(t, err)
	return wire
}

// TestHandleDeliveryInvokesRegisteredHandler exercises the RPCConsumer
// half of scenario S1: a decoded request reaches the registered
// handler with its actual payload values, and a nil handler error
// leaves handleDelivery's own return nil (ack, no retry).
func TestHandleDeliveryInvokesRegisteredHandler(t *testing.T) {
	c := newTestRPCConsumer(t)
	var gotA, gotB int32
	c.Register("demo.math.Calculator.Add", func(ctx context.Context, actor string, payload codec.Record) (codec.Record, error) {
		gotA = payload["a"].(int32)
		gotB = payload["b"].(int32)
		return codec.Record{"sum": gotA + gotB}, nil
	})

	msg := amqp.Delivery{Body: encodeAddRequest(t, c)}
	err := c.handleDelivery(context.Background(), msg)

	require.NoError(t, err)
	assert.Equal(t, int32(2), gotA)
	assert.Equal(t, int32(3), gotB)
}

// TestHandleDeliveryDoesNotPropagateHandledError is scenario S2 from
// spec.md §8: a handler's *codec.HandledError is a business outcome, not
// a runtime failure, so it must not drive the base consumer's
// retry/DLQ decision. ReplyTo is left empty so publishReply short-
// circuits without needing a live channel.
func TestHandleDeliveryDoesNotPropagateHandledError(t *testing.T) {
	c := newTestRPCConsumer(t)
	calls := 0
	c.Register("demo.math.Calculator.Add", func(ctx context.Context, actor string, payload codec.Record) (codec.Record, error) {
		calls++
		return nil, &codec.HandledError{Code: codec.CodeInvalidMessage, Message: "bad input"}
	})

	msg := amqp.Delivery{Body: encodeAddRequest(t, c)}
	err := c.handleDelivery(context.Background(), msg)

	assert.NoError(t, err, "a handled error must not propagate to dispatch's retry/DLQ machinery")
	assert.Equal(t, 1, calls, "the handler runs exactly once")
}

// TestHandleDeliveryPropagatesUnhandledError is scenarios S3/S4's
// precondition: an unhandled handler error must reach dispatch as a
// non-nil error so it drives retry-then-DLQ.
func TestHandleDeliveryPropagatesUnhandledError(t *testing.T) {
	c := newTestRPCConsumer(t)
	sentinel := errors.New("downstream dependency unavailable")
	c.Register("demo.math.Calculator.Add", func(ctx context.Context, actor string, payload codec.Record) (codec.Record, error) {
		return nil, sentinel
	})

	msg := amqp.Delivery{Body: encodeAddRequest(t, c)}
	err := c.handleDelivery(context.Background(), msg)

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

// TestHandleDeliveryTreatsDecodeFailureAsPermanent covers the "invalid
// message" case from spec.md §4.9: malformed bytes never retry.
func TestHandleDeliveryTreatsDecodeFailureAsPermanent(t *testing.T) {
	c := newTestRPCConsumer(t)
	msg := amqp.Delivery{Body: []byte("not a valid envelope")}

	err := c.handleDelivery(context.Background(), msg)
	assert.NoError(t, err, "decode failures reply immediately and are never retried")
}

func TestHandleDeliveryRejectsUnknownMethod(t *testing.T) {
	c := newTestRPCConsumer(t)
	wire, err := c.codec.EncodeRequest("demo.math.Calculator.Add", "actor", codec.Record{"a": int32(1), "b": int32(1)})
	require.NoError(t, err)

	err = c.handleDelivery(context.Background(), amqp.Delivery{Body: wire})
	assert.NoError(t, err, "no handler registered still replies rather than retrying")
}

func TestMethodNamesReflectsRegistrations(t *testing.T) {
	c := newTestRPCConsumer(t)
	assert.Empty(t, c.MethodNames())

	c.Register("demo.math.Calculator.Add", func(ctx context.Context, actor string, payload codec.Record) (codec.Record, error) {
		return nil, nil
	})
	assert.Equal(t, []string{"demo.math.Calculator.Add"}, c.MethodNames())
}
