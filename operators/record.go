package operators

import (
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// Operator is a pull based row source. Next returns io.EOF once exhausted.
type Operator interface {
	Next(uint16) (*RecordBatch, error)
	Schema() *arrow.Schema
	// Call Operator.Close() after Next returns an io.EOF to clean up resources
	Close() error
}

// Opener starts a fresh scan over the same rows. Pipelines that read their
// input twice (bounds, then treatment) take an Opener instead of an Operator.
type Opener func() (Operator, error)

// RowCounter is implemented by sources that know their size up front; it makes
// progress reporting row based.
type RowCounter interface {
	NumRows() int64
}

// ProgressFunc receives a monotonically non-decreasing fraction in [0,1].
type ProgressFunc func(fraction float64, message string)

type RecordBatch struct {
	Schema   *arrow.Schema
	Columns  []arrow.Array
	RowCount uint64
}

// ColumnIndex returns the position of name in the batch, or -1.
func (rb *RecordBatch) ColumnIndex(name string) int {
	idx := rb.Schema.FieldIndices(name)
	if len(idx) == 0 {
		return -1
	}
	return idx[0]
}

func (rb *RecordBatch) Column(name string) (arrow.Array, error) {
	i := rb.ColumnIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("column %s not found", name)
	}
	return rb.Columns[i], nil
}

// NumRows prefers the column length over RowCount, which some sources leave unset.
func (rb *RecordBatch) NumRows() int {
	if len(rb.Columns) > 0 {
		return rb.Columns[0].Len()
	}
	return int(rb.RowCount)
}

// ToRecord wraps the batch as an arrow.Record for arrow writers. The record
// retains the columns; release it independently.
func (rb *RecordBatch) ToRecord() arrow.Record {
	return array.NewRecord(rb.Schema, rb.Columns, int64(rb.NumRows()))
}

func (rb *RecordBatch) Release() {
	ReleaseArrays(rb.Columns)
}

func ReleaseArrays(cols []arrow.Array) {
	for _, c := range cols {
		if c != nil {
			c.Release()
		}
	}
}

type SchemaBuilder struct {
	fields []arrow.Field
}

type RecordBatchBuilder struct {
	SchemaBuilder *SchemaBuilder
}

func NewRecordBatchBuilder() *RecordBatchBuilder {
	return &RecordBatchBuilder{
		SchemaBuilder: &SchemaBuilder{
			fields: make([]arrow.Field, 0, 10),
		},
	}
}

func (sb *SchemaBuilder) WithField(name string, dtype arrow.DataType, nullable bool) *SchemaBuilder {
	sb.fields = append(sb.fields, arrow.Field{
		Name:     name,
		Type:     dtype,
		Nullable: nullable,
	})
	return sb
}

func (sb *SchemaBuilder) WithoutField(names ...string) *SchemaBuilder {
	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}
	newFields := make([]arrow.Field, 0, len(sb.fields))
	for _, field := range sb.fields {
		if _, found := nameSet[field.Name]; !found {
			newFields = append(newFields, field)
		}
	}
	sb.fields = newFields
	return sb
}

func (sb *SchemaBuilder) Build() *arrow.Schema {
	return arrow.NewSchema(sb.fields, nil)
}

func (rbb *RecordBatchBuilder) Schema() *arrow.Schema {
	return arrow.NewSchema(rbb.SchemaBuilder.fields, nil)
}

// schema is always right in case of type mismatches
func (rbb *RecordBatchBuilder) validate(schema *arrow.Schema, columns []arrow.Array) error {
	if len(schema.Fields()) != len(columns) {
		return ErrInvalidSchema("schema fields and column count do not match")
	}
	var errs []string
	rows := -1
	for i := 0; i < len(columns); i++ {
		field := schema.Field(i)
		colType := columns[i].DataType()
		if !arrow.TypeEqual(colType, field.Type) {
			errs = append(errs,
				fmt.Sprintf("Type mismatch at position %d: column '%s' has type '%s', but schema expects '%s'.",
					i, field.Name, colType, field.Type))
		}
		if rows >= 0 && columns[i].Len() != rows {
			errs = append(errs, fmt.Sprintf("Column '%s' has %d rows, expected %d.", field.Name, columns[i].Len(), rows))
		}
		rows = columns[i].Len()
	}
	if len(errs) > 0 {
		return ErrInvalidSchema(strings.Join(errs, " "))
	}
	return nil
}

func (rbb *RecordBatchBuilder) NewRecordBatch(schema *arrow.Schema, columns []arrow.Array) (*RecordBatch, error) {
	if err := rbb.validate(schema, columns); err != nil {
		return nil, err
	}
	var rows uint64
	if len(columns) > 0 {
		rows = uint64(columns[0].Len())
	}
	return &RecordBatch{
		Schema:   schema,
		Columns:  columns,
		RowCount: rows,
	}, nil
}

func (rb *RecordBatch) DeepEqual(other *RecordBatch) bool {
	if !rb.Schema.Equal(other.Schema) {
		return false
	}
	if len(rb.Columns) != len(other.Columns) {
		return false
	}
	for i := 0; i < len(rb.Columns); i++ {
		if !array.Equal(rb.Columns[i], other.Columns[i]) {
			return false
		}
	}
	return true
}

func (rbb *RecordBatchBuilder) GenIntArray(values ...int) arrow.Array {
	builder := array.NewInt32Builder(memory.NewGoAllocator())
	defer builder.Release()
	for _, v := range values {
		builder.Append(int32(v))
	}
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenInt64Array(values ...int64) arrow.Array {
	builder := array.NewInt64Builder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, nil)
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenFloatArray(values ...float64) arrow.Array {
	builder := array.NewFloat64Builder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, nil)
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenStringArray(values ...string) arrow.Array {
	builder := array.NewStringBuilder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, nil)
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenBoolArray(values ...bool) arrow.Array {
	builder := array.NewBooleanBuilder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, nil)
	return builder.NewArray()
}

// GenNullableFloatArray marks position i null when valid[i] is false.
func (rbb *RecordBatchBuilder) GenNullableFloatArray(values []float64, valid []bool) arrow.Array {
	builder := array.NewFloat64Builder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, valid)
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenNullableInt64Array(values []int64, valid []bool) arrow.Array {
	builder := array.NewInt64Builder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, valid)
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenNullableStringArray(values []string, valid []bool) arrow.Array {
	builder := array.NewStringBuilder(memory.NewGoAllocator())
	defer builder.Release()
	builder.AppendValues(values, valid)
	return builder.NewArray()
}
