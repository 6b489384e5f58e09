package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

/*
Value encoding
┌──────────────────────────────────────────┐
│ uint8       kind                         │
├──────────────────────────────────────────┤
│ missing:    nothing follows              │
│ float:      uint8 width, uint64 bits (BE)│
│ int:        uint8 width|0x80 if unsigned,│
│             uint64 (BE)                  │
│ opaque:     uvarint length, bytes        │
└──────────────────────────────────────────┘
The encoding is prefix free, so a concatenation of encoded values decodes to a
single sequence. GroupKey equality and hashing are defined on it. Every NaN is
written with the same bits.
*/

const unsignedFlag = 0x80

var canonicalNaN = math.Float64bits(math.NaN())

var (
	ErrShortBuffer = errors.New("value: buffer too short")
	ErrUnknownKind = func(k byte) error {
		return fmt.Errorf("value: unknown kind tag %d", k)
	}
)

// AppendEncoded appends the binary form of v to buf.
func AppendEncoded(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindFloat:
		bits := math.Float64bits(v.f)
		if math.IsNaN(v.f) {
			bits = canonicalNaN
		}
		buf = append(buf, v.width)
		buf = binary.BigEndian.AppendUint64(buf, bits)
	case KindInt:
		w := v.width
		if v.unsigned {
			w |= unsignedFlag
		}
		buf = append(buf, w)
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.i))
	case KindOpaque:
		buf = binary.AppendUvarint(buf, uint64(len(v.s)))
		buf = append(buf, v.s...)
	}
	return buf
}

// Decode reads one value from the front of buf and reports how many bytes it used.
func Decode(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, ErrShortBuffer
	}
	switch Kind(buf[0]) {
	case KindMissing:
		return Missing(), 1, nil
	case KindFloat, KindInt:
		if len(buf) < 10 {
			return Value{}, 0, ErrShortBuffer
		}
		bits := binary.BigEndian.Uint64(buf[2:10])
		if Kind(buf[0]) == KindFloat {
			return Value{kind: KindFloat, width: buf[1], f: math.Float64frombits(bits)}, 10, nil
		}
		return Value{
			kind:     KindInt,
			width:    buf[1] &^ unsignedFlag,
			unsigned: buf[1]&unsignedFlag != 0,
			i:        int64(bits),
		}, 10, nil
	case KindOpaque:
		n, read := binary.Uvarint(buf[1:])
		if read <= 0 {
			return Value{}, 0, ErrShortBuffer
		}
		start := 1 + read
		end := start + int(n)
		if end > len(buf) {
			return Value{}, 0, ErrShortBuffer
		}
		return NewOpaque(string(buf[start:end])), end, nil
	default:
		return Value{}, 0, ErrUnknownKind(buf[0])
	}
}

// DecodeAll decodes a concatenation of values.
func DecodeAll(buf []byte) ([]Value, error) {
	var out []Value
	for len(buf) > 0 {
		v, n, err := Decode(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		buf = buf[n:]
	}
	return out, nil
}

// GroupKey is the ordered tuple of grouping column values of a row.
type GroupKey struct {
	values []Value
	enc    string
}

func NewGroupKey(values ...Value) GroupKey {
	buf := make([]byte, 0, len(values)*10)
	for _, v := range values {
		buf = AppendEncoded(buf, v)
	}
	vals := make([]Value, len(values))
	copy(vals, values)
	return GroupKey{values: vals, enc: string(buf)}
}

// DecodeGroupKey rebuilds a key from its Encoded form.
func DecodeGroupKey(buf []byte) (GroupKey, error) {
	vals, err := DecodeAll(buf)
	if err != nil {
		return GroupKey{}, err
	}
	return GroupKey{values: vals, enc: string(buf)}, nil
}

func (k GroupKey) Len() int              { return len(k.values) }
func (k GroupKey) At(i int) Value        { return k.values[i] }
func (k GroupKey) Equal(o GroupKey) bool { return k.enc == o.enc }

// Encoded is the canonical byte form; use it as a map key.
func (k GroupKey) Encoded() string { return k.enc }

func (k GroupKey) Values() []Value {
	out := make([]Value, len(k.values))
	copy(out, k.values)
	return out
}

// String joins the key values, "none" for the empty (global) key.
func (k GroupKey) String() string {
	if len(k.values) == 0 {
		return "none"
	}
	parts := make([]string, len(k.values))
	for i, v := range k.values {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}
