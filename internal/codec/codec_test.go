package codec

import (
	"math/big"
	"testing"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/protobus/internal/logging"
)

func mustUnmarshal(t *testing.T, md *desc.MessageDescriptor, wire []byte) *dynamic.Message {
	t.Helper()
	msg := dynamic.NewMessage(md)
	require.NoError(t, msg.Unmarshal(wire))
	return msg
}

const demoSchema = `
syntax = "proto3";
package demo.math;

import "protobus/scalars/bigint.proto";

message AddRequest {
  int32 a = 1;
  int32 b = 2;
}

message AddResult {
  int32 sum = 1;
}

message Account {
  string owner = 1;
  protobus.scalars.bigint balance = 2;
}

service Calculator {
  rpc Add(AddRequest) returns (AddResult);
}
`

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	schema, err := NewSchemaRegistry(logging.Noop{})
	require.NoError(t, err)
	require.NoError(t, schema.Parse(demoSchema))
	return New(schema, logging.Noop{})
}

// TestRequestResponseRoundTrip is scenario S1 from spec.md §8: a typed
// call is encoded, decoded, handled, and its result decoded back.
func TestRequestResponseRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	wire, err := c.EncodeRequest("demo.math.Calculator.Add", "test-actor", Record{
		"a": int32(2),
		"b": int32(3),
	})
	require.NoError(t, err)

	decoded, err := c.DecodeRequest(wire)
	require.NoError(t, err)
	require.Equal(t, "demo.math.Calculator.Add", decoded.Method)
	require.Equal(t, "test-actor", decoded.Actor)
	require.EqualValues(t, 2, decoded.Payload["a"])
	require.EqualValues(t, 3, decoded.Payload["b"])

	sum := decoded.Payload["a"].(int32) + decoded.Payload["b"].(int32)
	respWire, err := c.EncodeResponse("demo.math.Calculator.Add", Record{"sum": sum})
	require.NoError(t, err)

	resp, err := c.DecodeResponse("demo.math.Calculator.Add", respWire)
	require.NoError(t, err)
	require.Nil(t, resp.Err)
	require.EqualValues(t, 5, resp.Result["sum"])
}

func TestErrorResponseCarriesHandledFlag(t *testing.T) {
	c := newTestCodec(t)

	wire, err := c.EncodeError(CodeInvalidMessage, "division by zero", true)
	require.NoError(t, err)

	resp, err := c.DecodeResponse("demo.math.Calculator.Add", wire)
	require.NoError(t, err)
	require.Error(t, resp.Err)
	require.Equal(t, CodeInvalidMessage, resp.Code)
	require.True(t, resp.Handled)
}

func TestUnknownMethodIsInvalidMessage(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.EncodeRequest("demo.math.Calculator.Subtract", "actor", Record{})
	require.Error(t, err)
	var invalid *InvalidMessageError
	require.ErrorAs(t, err, &invalid)
}

func TestEventRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	wire, err := c.EncodeEvent("demo.math.AddResult", "math.results.computed", Record{"sum": int32(7)})
	require.NoError(t, err)

	evt, err := c.DecodeEvent(wire)
	require.NoError(t, err)
	require.Equal(t, "demo.math.AddResult", evt.Type)
	require.Equal(t, "math.results.computed", evt.Topic)
	require.EqualValues(t, 7, evt.Payload["sum"])
}

// TestScalarFieldRoundTripsThroughRecord exercises invariant 2 from
// spec.md §8: a message field typed as a registered custom scalar
// unwraps to the scalar's native Go value on decode and re-wraps on
// encode without the caller touching the wrapper message directly.
func TestScalarFieldRoundTripsThroughRecord(t *testing.T) {
	c := newTestCodec(t)
	md, ok := c.Schema().LookupMessage("demo.math.Account")
	require.True(t, ok)

	balance, ok := new(big.Int).SetString("1000000000000000000", 10)
	require.True(t, ok)

	msg, err := c.Schema().fromRecord(md, Record{
		"owner":   "alice",
		"balance": balance,
	})
	require.NoError(t, err)

	wire, err := msg.Marshal()
	require.NoError(t, err)

	roundTripped, err := c.Schema().toRecord(mustUnmarshal(t, md, wire))
	require.NoError(t, err)
	require.Equal(t, "alice", roundTripped["owner"])
	require.Equal(t, 0, balance.Cmp(roundTripped["balance"].(*big.Int)))
}
