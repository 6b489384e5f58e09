package value

import (
	"fmt"
	"math"
	"strconv"
)

// Kind tags the payload held by a Value.
type Kind uint8

const (
	KindMissing Kind = iota
	KindFloat
	KindInt
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindMissing:
		return "missing"
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Value is a single immutable cell: a float, a fixed width integer, an opaque
// comparable value or the missing marker. Values are comparable with == and can
// be used as map keys; two values are equal only if kind, width and payload match.
// NaN floats never compare equal with ==, key them by their encoding instead.
type Value struct {
	kind     Kind
	width    uint8 // bit width for floats and ints, 0 otherwise
	unsigned bool  // i holds the bits of a uint64
	f        float64
	i        int64
	s        string
}

func Missing() Value {
	return Value{kind: KindMissing}
}

// NewFloat returns a 64 bit float value.
func NewFloat(f float64) Value {
	return Value{kind: KindFloat, width: 64, f: f}
}

// NewFloat32 keeps the column width so clamping can narrow correctly.
func NewFloat32(f float32) Value {
	return Value{kind: KindFloat, width: 32, f: float64(f)}
}

// NewInt returns an integer value with the declared bit width (8, 16, 32 or 64).
func NewInt(i int64, width uint8) Value {
	return Value{kind: KindInt, width: width, i: i}
}

// NewUint returns an integer value from an unsigned column of the given width.
func NewUint(u uint64, width uint8) Value {
	return Value{kind: KindInt, width: width, unsigned: true, i: int64(u)}
}

func NewOpaque(s string) Value {
	return Value{kind: KindOpaque, s: s}
}

func NewBool(b bool) Value {
	return Value{kind: KindOpaque, s: strconv.FormatBool(b)}
}

func (v Value) Kind() Kind         { return v.kind }
func (v Value) Width() uint8       { return v.width }
func (v Value) IsMissing() bool    { return v.kind == KindMissing }
func (v Value) IsNumeric() bool    { return v.kind == KindFloat || v.kind == KindInt }
func (v Value) IsInteger() bool    { return v.kind == KindInt }
func (v Value) IsUnsigned() bool   { return v.kind == KindInt && v.unsigned }
func (v Value) Equal(o Value) bool { return v == o }

// AsFloat converts numeric values to float64. Non numeric values yield NaN.
func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		if v.unsigned {
			return float64(uint64(v.i))
		}
		return float64(v.i)
	default:
		return math.NaN()
	}
}

// AsInt truncates floats and saturates out of range values; non numeric
// values yield 0.
func (v Value) AsInt() int64 {
	switch v.kind {
	case KindInt:
		if v.unsigned && v.i < 0 {
			return math.MaxInt64
		}
		return v.i
	case KindFloat:
		return SaturateInt(v.f)
	default:
		return 0
	}
}

// AsUint is AsInt for unsigned targets: negative values become 0.
func (v Value) AsUint() uint64 {
	switch v.kind {
	case KindInt:
		if !v.unsigned && v.i < 0 {
			return 0
		}
		return uint64(v.i)
	case KindFloat:
		return SaturateUint(v.f)
	default:
		return 0
	}
}

// 2^63 and 2^64 are exact in float64
const (
	twoTo63 = float64(1 << 63)
	twoTo64 = twoTo63 * 2
)

// SaturateInt truncates f toward zero, clamping to the int64 range. NaN is 0.
func SaturateInt(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= twoTo63:
		return math.MaxInt64
	case f < -twoTo63:
		return math.MinInt64
	}
	return int64(f)
}

// SaturateUint truncates f toward zero, clamping to the uint64 range. NaN is 0.
func SaturateUint(f float64) uint64 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= twoTo64:
		return math.MaxUint64
	}
	return uint64(f)
}

// AsString returns the opaque payload, or a printable form for other kinds.
func (v Value) AsString() string {
	if v.kind == KindOpaque {
		return v.s
	}
	return v.String()
}

func (v Value) String() string {
	switch v.kind {
	case KindMissing:
		return "?"
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindInt:
		if v.unsigned {
			return strconv.FormatUint(uint64(v.i), 10)
		}
		return strconv.FormatInt(v.i, 10)
	case KindOpaque:
		return v.s
	default:
		return fmt.Sprintf("Value(%d)", v.kind)
	}
}

// Compare orders values: missing first, then numbers by magnitude, then opaque
// values lexicographically.
func Compare(a, b Value) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		if a.kind == KindInt && b.kind == KindInt {
			return compareInts(a, b)
		}
		fa, fb := a.AsFloat(), b.AsFloat()
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	default:
		switch {
		case a.s < b.s:
			return -1
		case a.s > b.s:
			return 1
		}
		return 0
	}
}

func rank(v Value) int {
	switch v.kind {
	case KindMissing:
		return 0
	case KindFloat, KindInt:
		return 1
	default:
		return 2
	}
}

// compareInts orders integers exactly, across signed and unsigned origins.
func compareInts(a, b Value) int {
	if a.unsigned != b.unsigned {
		// a signed negative is below every unsigned value
		if !a.unsigned && a.i < 0 {
			return -1
		}
		if !b.unsigned && b.i < 0 {
			return 1
		}
	}
	if a.unsigned || b.unsigned {
		ua, ub := uint64(a.i), uint64(b.i)
		switch {
		case ua < ub:
			return -1
		case ua > ub:
			return 1
		}
		return 0
	}
	switch {
	case a.i < b.i:
		return -1
	case a.i > b.i:
		return 1
	}
	return 0
}
