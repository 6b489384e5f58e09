package value

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

var (
	ErrUnsupportedArrowType = func(dt arrow.DataType) error {
		return fmt.Errorf("value: arrow type %s is not supported", dt)
	}
	ErrBuilderMismatch = func(b array.Builder, v Value) error {
		return fmt.Errorf("value: cannot append %s value %q to %T", v.Kind(), v.String(), b)
	}
)

// IsNumericType reports whether values of dt are numeric Values.
func IsNumericType(dt arrow.DataType) bool {
	return IsIntegerType(dt) || IsFloatType(dt)
}

func IsIntegerType(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	default:
		return false
	}
}

func IsFloatType(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.FLOAT32, arrow.FLOAT64:
		return true
	default:
		return false
	}
}

// Supported reports whether FromArray and Append understand dt.
func Supported(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.STRING, arrow.LARGE_STRING, arrow.BOOL, arrow.BINARY:
		return true
	default:
		return IsNumericType(dt)
	}
}

// FromArray extracts row i of arr. Nulls become Missing.
func FromArray(arr arrow.Array, i int) Value {
	if arr.IsNull(i) {
		return Missing()
	}
	switch a := arr.(type) {
	case *array.Int8:
		return NewInt(int64(a.Value(i)), 8)
	case *array.Int16:
		return NewInt(int64(a.Value(i)), 16)
	case *array.Int32:
		return NewInt(int64(a.Value(i)), 32)
	case *array.Int64:
		return NewInt(a.Value(i), 64)
	case *array.Uint8:
		return NewUint(uint64(a.Value(i)), 8)
	case *array.Uint16:
		return NewUint(uint64(a.Value(i)), 16)
	case *array.Uint32:
		return NewUint(uint64(a.Value(i)), 32)
	case *array.Uint64:
		return NewUint(a.Value(i), 64)
	case *array.Float32:
		return NewFloat32(a.Value(i))
	case *array.Float64:
		return NewFloat(a.Value(i))
	case *array.String:
		return NewOpaque(a.Value(i))
	case *array.LargeString:
		return NewOpaque(a.Value(i))
	case *array.Binary:
		return NewOpaque(string(a.Value(i)))
	case *array.Boolean:
		return NewBool(a.Value(i))
	default:
		return NewOpaque(arr.ValueStr(i))
	}
}

// Append writes v into b, converting numeric values to the builder's type.
// Missing always appends a null.
func Append(b array.Builder, v Value) error {
	if v.IsMissing() {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.Int8Builder:
		if !v.IsNumeric() {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(int8(v.AsInt()))
	case *array.Int16Builder:
		if !v.IsNumeric() {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(int16(v.AsInt()))
	case *array.Int32Builder:
		if !v.IsNumeric() {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(int32(v.AsInt()))
	case *array.Int64Builder:
		if !v.IsNumeric() {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(v.AsInt())
	case *array.Uint8Builder:
		if !v.IsNumeric() {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(uint8(v.AsUint()))
	case *array.Uint16Builder:
		if !v.IsNumeric() {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(uint16(v.AsUint()))
	case *array.Uint32Builder:
		if !v.IsNumeric() {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(uint32(v.AsUint()))
	case *array.Uint64Builder:
		if !v.IsNumeric() {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(v.AsUint())
	case *array.Float32Builder:
		if !v.IsNumeric() {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(float32(v.AsFloat()))
	case *array.Float64Builder:
		if !v.IsNumeric() {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(v.AsFloat())
	case *array.StringBuilder:
		bb.Append(v.AsString())
	case *array.LargeStringBuilder:
		bb.Append(v.AsString())
	case *array.BinaryBuilder:
		bb.Append([]byte(v.AsString()))
	case *array.BooleanBuilder:
		bv, err := strconv.ParseBool(v.AsString())
		if err != nil {
			return ErrBuilderMismatch(b, v)
		}
		bb.Append(bv)
	default:
		return ErrBuilderMismatch(b, v)
	}
	return nil
}
