package codec

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// WireKind is one of the seven wire representations a custom scalar's
// single-field wrapper message may use (spec.md §3, Custom Scalar
// Registry invariants).
type WireKind int

const (
	WireBytes WireKind = iota
	WireInt64
	WireUint64
	WireString
	WireInt32
	WireUint32
	WireDouble
)

// protoType is the field type used in the synthesized wrapper message
// for each WireKind (see synthesizeScalarProto in schema.go).
func (k WireKind) protoType() string {
	switch k {
	case WireBytes:
		return "bytes"
	case WireInt64:
		return "int64"
	case WireUint64:
		return "uint64"
	case WireString:
		return "string"
	case WireInt32:
		return "int32"
	case WireUint32:
		return "uint32"
	case WireDouble:
		return "double"
	default:
		return "bytes"
	}
}

// ScalarCodec is a registered custom scalar: a name, its wire-kind, and
// the encode/decode pair the Codec invokes transparently around that
// wire-kind (spec.md §4.2).
type ScalarCodec struct {
	Name    string
	Kind    WireKind
	Encode  func(value any) (any, error)
	Decode  func(wire any) (any, error)
}

// bigintCodec implements the built-in "bigint" scalar: a 32-byte
// big-endian unsigned integer accepting arbitrary-precision integers,
// decimal strings, 0x-hex strings, or native Go integers (spec.md §4.2,
// tested by invariant 2 and scenario S7).
func bigintCodec() ScalarCodec {
	return ScalarCodec{
		Name: "bigint",
		Kind: WireBytes,
		Encode: func(value any) (any, error) {
			n, err := toBigInt(value)
			if err != nil {
				return nil, err
			}
			if n.Sign() < 0 {
				return nil, fmt.Errorf("bigint: negative value %s not representable", n.String())
			}
			buf := make([]byte, 32)
			b := n.Bytes()
			if len(b) > 32 {
				return nil, fmt.Errorf("bigint: value %s exceeds 256 bits", n.String())
			}
			copy(buf[32-len(b):], b)
			return buf, nil
		},
		Decode: func(wire any) (any, error) {
			b, ok := wire.([]byte)
			if !ok {
				return nil, fmt.Errorf("bigint: expected bytes, got %T", wire)
			}
			return new(big.Int).SetBytes(b), nil
		},
	}
}

func toBigInt(value any) (*big.Int, error) {
	switch v := value.(type) {
	case nil:
		return big.NewInt(0), nil
	case *big.Int:
		return v, nil
	case big.Int:
		return &v, nil
	case int:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return big.NewInt(0), nil
		}
		n := new(big.Int)
		var ok bool
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			_, ok = n.SetString(s[2:], 16)
		} else {
			_, ok = n.SetString(s, 10)
		}
		if !ok {
			return nil, fmt.Errorf("bigint: cannot parse %q", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("bigint: unsupported input type %T", value)
	}
}

// timestampCodec implements the built-in "timestamp" scalar: signed
// 64-bit milliseconds since Unix epoch, accepting a time.Time, an
// ISO-8601 string, or numeric milliseconds (spec.md §4.2).
func timestampCodec() ScalarCodec {
	return ScalarCodec{
		Name: "timestamp",
		Kind: WireInt64,
		Encode: func(value any) (any, error) {
			switch v := value.(type) {
			case time.Time:
				return v.UnixMilli(), nil
			case string:
				t, err := time.Parse(time.RFC3339Nano, v)
				if err != nil {
					return nil, fmt.Errorf("timestamp: cannot parse %q: %w", v, err)
				}
				return t.UnixMilli(), nil
			case int64:
				return v, nil
			case int:
				return int64(v), nil
			case float64:
				return int64(v), nil
			default:
				return nil, fmt.Errorf("timestamp: unsupported input type %T", value)
			}
		},
		Decode: func(wire any) (any, error) {
			ms, ok := wire.(int64)
			if !ok {
				return nil, fmt.Errorf("timestamp: expected int64, got %T", wire)
			}
			return time.UnixMilli(ms).UTC(), nil
		},
	}
}

// hexString is a tiny helper used by tests to assert on encoded bigint
// bytes without importing encoding/hex in every test file.
func hexString(b []byte) string { return hex.EncodeToString(b) }
