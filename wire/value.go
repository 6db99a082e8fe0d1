// Package wire implements the framing and binary serialization of driver
// requests and results exchanged over a local socket. Frames are self
// delimiting (a fixed magic word followed by a little-endian length), and
// payloads are a compact tag/length/value encoding which round-trips all
// scalar parameter types, timestamps, and binary blobs without loss.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Kind enumerates the scalar types which may appear as operation parameters
// or row column values.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTime
	KindMap
	KindList
)

// String returns a human-readable name of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTime:
		return "time"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Value is a tagged scalar, or a map or list composing further Values.
// The zero Value is KindNull.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	Time  time.Time
	Map   map[string]Value
	List  []Value
}

// Null returns a KindNull Value.
func Null() Value { return Value{} }

// BoolValue returns a KindBool Value of |v|.
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// IntValue returns a KindInt Value of |v|.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }

// FloatValue returns a KindFloat Value of |v|.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// StringValue returns a KindString Value of |v|.
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// BytesValue returns a KindBytes Value of |v|.
func BytesValue(v []byte) Value { return Value{Kind: KindBytes, Bytes: v} }

// TimeValue returns a KindTime Value of |v|, normalized to UTC.
func TimeValue(v time.Time) Value { return Value{Kind: KindTime, Time: v.UTC()} }

// MapValue returns a KindMap Value of |v|.
func MapValue(v map[string]Value) Value { return Value{Kind: KindMap, Map: v} }

// ListValue returns a KindList Value of |v|.
func ListValue(v ...Value) Value { return Value{Kind: KindList, List: v} }

// StringListValue returns a KindList Value of string Values.
func StringListValue(v ...string) Value {
	var l = make([]Value, len(v))
	for i, s := range v {
		l[i] = StringValue(s)
	}
	return Value{Kind: KindList, List: l}
}

// FromInterface maps a dynamically-typed scalar, such as one scanned from a
// database row, into a Value. It returns an error for unsupported types.
func FromInterface(v interface{}) (Value, error) {
	switch vv := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return BoolValue(vv), nil
	case int:
		return IntValue(int64(vv)), nil
	case int64:
		return IntValue(vv), nil
	case float64:
		return FloatValue(vv), nil
	case string:
		return StringValue(vv), nil
	case []byte:
		// Copy: drivers may reuse the scan buffer.
		return BytesValue(append([]byte(nil), vv...)), nil
	case time.Time:
		return TimeValue(vv), nil
	default:
		return Value{}, errors.Errorf("unsupported value type %T", v)
	}
}

// Interface returns the dynamically-typed representation of the Value,
// suitable for passing as a database statement argument.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bytes
	case KindTime:
		return v.Time
	case KindMap:
		var m = make(map[string]interface{}, len(v.Map))
		for k, vv := range v.Map {
			m[k] = vv.Interface()
		}
		return m
	case KindList:
		var l = make([]interface{}, len(v.List))
		for i, vv := range v.List {
			l[i] = vv.Interface()
		}
		return l
	default:
		panic(v.Kind.String())
	}
}

// Equal returns whether two Values are of equal kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindTime:
		return v.Time.Equal(o.Time)
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, vv := range v.Map {
			if ov, ok := o.Map[k]; !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i, vv := range v.List {
			if !vv.Equal(o.List[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// appendValue appends the binary encoding of |v| to |b|: a Kind tag byte
// followed by a kind-specific payload.
func appendValue(b []byte, v Value) []byte {
	b = append(b, byte(v.Kind))

	switch v.Kind {
	case KindNull:
		// No payload.
	case KindBool:
		if v.Bool {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case KindInt:
		b = binary.AppendVarint(b, v.Int)
	case KindFloat:
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v.Float))
	case KindString:
		b = binary.AppendUvarint(b, uint64(len(v.Str)))
		b = append(b, v.Str...)
	case KindBytes:
		b = binary.AppendUvarint(b, uint64(len(v.Bytes)))
		b = append(b, v.Bytes...)
	case KindTime:
		var t = v.Time.UTC()
		b = binary.AppendVarint(b, t.Unix())
		b = binary.AppendUvarint(b, uint64(t.Nanosecond()))
	case KindMap:
		b = appendValueMap(b, v.Map)
	case KindList:
		b = binary.AppendUvarint(b, uint64(len(v.List)))
		for _, vv := range v.List {
			b = appendValue(b, vv)
		}
	default:
		panic(v.Kind.String())
	}
	return b
}

// consumeValue decodes a Value from the head of |b|, returning it along with
// the remainder of |b|.
func consumeValue(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, errors.New("truncated value: missing kind tag")
	}
	var kind, rest = Kind(b[0]), b[1:]

	switch kind {
	case KindNull:
		return Null(), rest, nil

	case KindBool:
		if len(rest) < 1 {
			return Value{}, nil, errors.New("truncated bool value")
		}
		return BoolValue(rest[0] != 0), rest[1:], nil

	case KindInt:
		var v, n = binary.Varint(rest)
		if n <= 0 {
			return Value{}, nil, errors.New("malformed int value")
		}
		return IntValue(v), rest[n:], nil

	case KindFloat:
		if len(rest) < 8 {
			return Value{}, nil, errors.New("truncated float value")
		}
		return FloatValue(math.Float64frombits(binary.LittleEndian.Uint64(rest))), rest[8:], nil

	case KindString:
		var s, rr, err = consumeBytes(rest)
		if err != nil {
			return Value{}, nil, errors.WithMessage(err, "string value")
		}
		return StringValue(string(s)), rr, nil

	case KindBytes:
		var s, rr, err = consumeBytes(rest)
		if err != nil {
			return Value{}, nil, errors.WithMessage(err, "bytes value")
		}
		return BytesValue(append([]byte(nil), s...)), rr, nil

	case KindTime:
		var sec, n = binary.Varint(rest)
		if n <= 0 {
			return Value{}, nil, errors.New("malformed time seconds")
		}
		rest = rest[n:]
		var nsec, m = binary.Uvarint(rest)
		if m <= 0 || nsec >= 1e9 {
			return Value{}, nil, errors.New("malformed time nanoseconds")
		}
		return TimeValue(time.Unix(sec, int64(nsec))), rest[m:], nil

	case KindMap:
		var m, rr, err = consumeValueMap(rest)
		if err != nil {
			return Value{}, nil, errors.WithMessage(err, "map value")
		}
		return MapValue(m), rr, nil

	case KindList:
		var n, c = binary.Uvarint(rest)
		if c <= 0 {
			return Value{}, nil, errors.New("malformed list count")
		}
		rest = rest[c:]

		// Each element is at least its tag byte. A count beyond the remaining
		// payload is malformed, and must not drive an allocation.
		if n > uint64(len(rest)) {
			return Value{}, nil, errors.Errorf("list count %d exceeds remaining payload (%d bytes)", n, len(rest))
		}
		var l = make([]Value, n)
		for i := range l {
			var err error
			if l[i], rest, err = consumeValue(rest); err != nil {
				return Value{}, nil, errors.WithMessagef(err, "list element %d", i)
			}
		}
		return Value{Kind: KindList, List: l}, rest, nil

	default:
		return Value{}, nil, errors.Errorf("unknown value kind tag 0x%02x", b[0])
	}
}

// consumeBytes decodes a uvarint length-prefixed byte run from the head of |b|.
func consumeBytes(b []byte) ([]byte, []byte, error) {
	var l, n = binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, errors.New("malformed length prefix")
	}
	b = b[n:]
	if uint64(len(b)) < l {
		return nil, nil, errors.Errorf("truncated content (have %d, want %d)", len(b), l)
	}
	return b[:l], b[l:], nil
}

// appendString appends a uvarint length-prefixed string.
func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// consumeString decodes a uvarint length-prefixed string.
func consumeString(b []byte) (string, []byte, error) {
	var s, rest, err = consumeBytes(b)
	return string(s), rest, err
}

// appendValueMap appends a uvarint count followed by sorted (key, Value)
// pairs. Map iteration order is not stable in Go, so keys are sorted to keep
// encodings deterministic.
func appendValueMap(b []byte, m map[string]Value) []byte {
	b = binary.AppendUvarint(b, uint64(len(m)))
	for _, k := range sortedKeys(m) {
		b = appendString(b, k)
		b = appendValue(b, m[k])
	}
	return b
}

// consumeValueMap decodes a value map from the head of |b|.
func consumeValueMap(b []byte) (map[string]Value, []byte, error) {
	var n, c = binary.Uvarint(b)
	if c <= 0 {
		return nil, nil, errors.New("malformed map count")
	}
	b = b[c:]

	// Each entry is at least a key length prefix and a value tag.
	if n > uint64(len(b)) {
		return nil, nil, errors.Errorf("map count %d exceeds remaining payload (%d bytes)", n, len(b))
	}
	var m = make(map[string]Value, n)
	for i := uint64(0); i != n; i++ {
		var k string
		var v Value
		var err error

		if k, b, err = consumeString(b); err != nil {
			return nil, nil, errors.WithMessagef(err, "map key %d", i)
		}
		if v, b, err = consumeValue(b); err != nil {
			return nil, nil, errors.WithMessagef(err, "map value %q", k)
		}
		m[k] = v
	}
	return m, b, nil
}

func sortedKeys(m map[string]Value) []string {
	var keys = make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
