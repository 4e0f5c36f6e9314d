package codec

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBigintRoundTrip is scenario S7 from spec.md §8: a 256-bit value
// round-trips through the bigint scalar without precision loss.
func TestBigintRoundTrip(t *testing.T) {
	sc := bigintCodec()

	huge, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10) // 2^256 - 1
	require.True(t, ok)

	wire, err := sc.Encode(huge)
	require.NoError(t, err)
	buf, ok := wire.([]byte)
	require.True(t, ok)
	assert.Len(t, buf, 32)
	assert.Equal(t, "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", hexString(buf))

	decoded, err := sc.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, 0, huge.Cmp(decoded.(*big.Int)))
}

func TestBigintEncodesFromVariousInputs(t *testing.T) {
	sc := bigintCodec()

	cases := []any{
		42,
		int64(42),
		uint64(42),
		"42",
		"0x2a",
	}
	for _, in := range cases {
		wire, err := sc.Encode(in)
		require.NoErrorf(t, err, "input %v (%T)", in, in)
		decoded, err := sc.Decode(wire)
		require.NoError(t, err)
		assert.Equal(t, int64(42), decoded.(*big.Int).Int64(), "input %v (%T)", in, in)
	}
}

func TestBigintRejectsNegativeAndOversized(t *testing.T) {
	sc := bigintCodec()

	_, err := sc.Encode(-1)
	assert.Error(t, err)

	tooBig := new(big.Int).Lsh(big.NewInt(1), 300)
	_, err = sc.Encode(tooBig)
	assert.Error(t, err)
}

func TestTimestampRoundTrip(t *testing.T) {
	sc := timestampCodec()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wire, err := sc.Encode(now)
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), wire.(int64))

	decoded, err := sc.Decode(wire)
	require.NoError(t, err)
	assert.True(t, now.Equal(decoded.(time.Time)))
}

func TestTimestampParsesRFC3339String(t *testing.T) {
	sc := timestampCodec()

	wire, err := sc.Encode("2026-03-01T12:00:00Z")
	require.NoError(t, err)

	decoded, err := sc.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, 2026, decoded.(time.Time).Year())
}

// TestScalarRegistryRejectsBadNames is invariant 1 from spec.md §8: scalar
// names must be lowercase per §3's naming rule.
func TestScalarRegistryRejectsBadNames(t *testing.T) {
	r := NewScalarRegistry()

	err := r.Register(ScalarCodec{
		Name:   "BadName",
		Kind:   WireString,
		Encode: func(v any) (any, error) { return v, nil },
		Decode: func(v any) (any, error) { return v, nil },
	})
	assert.Error(t, err)

	_, ok := r.Get("BadName")
	assert.False(t, ok)
}

func TestScalarRegistrySeedsBuiltins(t *testing.T) {
	r := NewScalarRegistry()

	_, ok := r.Get("bigint")
	assert.True(t, ok)
	_, ok = r.Get("timestamp")
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{"bigint", "timestamp"}, r.Names())
}
