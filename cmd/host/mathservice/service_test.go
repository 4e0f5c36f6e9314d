package mathservice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/protobus/internal/codec"
)

func TestSumPayloadAddsBothFields(t *testing.T) {
	sum, err := sumPayload(codec.Record{"a": int32(2), "b": int32(3)})
	require.NoError(t, err)
	assert.Equal(t, int32(5), sum)
}

func TestSumPayloadRejectsWrongType(t *testing.T) {
	_, err := sumPayload(codec.Record{"a": "two", "b": int32(3)})
	require.Error(t, err)
	var handled *codec.HandledError
	require.ErrorAs(t, err, &handled)
	assert.Equal(t, codec.CodeInvalidMessage, handled.Code)
}

func TestSumPayloadRejectsMissingField(t *testing.T) {
	_, err := sumPayload(codec.Record{"a": int32(2)})
	require.Error(t, err)
}

func TestNewServiceName(t *testing.T) {
	assert.Equal(t, "mathservice", New().Name())
}
