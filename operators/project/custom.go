package project

import (
	"errors"
	"fmt"
	"io"

	"groupstat-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	_ = (operators.Operator)(&InMemorySource{})
	_ = (operators.RowCounter)(&InMemorySource{})
)

// in memory source, mostly for tests and for holding already materialized results

var (
	ErrInvalidInMemoryDataType = func(Type any) error {
		return fmt.Errorf("%T is not a supported in memory dataType for InMemorySource", Type)
	}
	ErrEmptyColumnsToProject = errors.New("no columns were requested")
	ErrProjectColumnNotFound = func(name string) error {
		return fmt.Errorf("column %s does not exist in the schema", name)
	}
)

// Nullable pairs a Go slice with a validity mask so tests can describe missing
// cells. Valid[i] == false makes row i null.
type Nullable struct {
	Values any
	Valid  []bool
}

type InMemorySource struct {
	schema        *arrow.Schema
	columns       []arrow.Array
	pos           int
	fieldToColIDx map[string]int
}

// NewInMemorySource builds a source from Go slices ([]int64, []float64, []string, ...)
// or Nullable wrappers around them.
func NewInMemorySource(names []string, columns []any) (*InMemorySource, error) {
	if len(names) != len(columns) {
		return nil, operators.ErrInvalidSchema("number of column names and columns do not match")
	}
	fields := make([]arrow.Field, 0, len(names))
	arrays := make([]arrow.Array, 0, len(names))
	for i, col := range columns {
		field, arr, err := unpackColumn(names[i], col)
		if err != nil {
			operators.ReleaseArrays(arrays)
			return nil, err
		}
		fields = append(fields, field)
		arrays = append(arrays, arr)
	}
	return NewInMemorySourceFromArrays(arrow.NewSchema(fields, nil), arrays)
}

// NewInMemorySourceFromArrays takes ownership of arrays.
func NewInMemorySourceFromArrays(schema *arrow.Schema, arrays []arrow.Array) (*InMemorySource, error) {
	if _, err := operators.NewRecordBatchBuilder().NewRecordBatch(schema, arrays); err != nil {
		return nil, err
	}
	fieldToColIDx := make(map[string]int, len(arrays))
	for i, f := range schema.Fields() {
		fieldToColIDx[f.Name] = i
	}
	return &InMemorySource{
		schema:        schema,
		columns:       arrays,
		fieldToColIDx: fieldToColIDx,
	}, nil
}

// NewInMemorySourceFromBatches concatenates batches into a single source.
func NewInMemorySourceFromBatches(schema *arrow.Schema, batches []*operators.RecordBatch) (*InMemorySource, error) {
	mem := memory.NewGoAllocator()
	arrays := make([]arrow.Array, schema.NumFields())
	for i := range arrays {
		parts := make([]arrow.Array, 0, len(batches))
		for _, b := range batches {
			parts = append(parts, b.Columns[i])
		}
		if len(parts) == 0 {
			arrays[i] = array.MakeArrayOfNull(mem, schema.Field(i).Type, 0)
			continue
		}
		arr, err := array.Concatenate(parts, mem)
		if err != nil {
			operators.ReleaseArrays(arrays[:i])
			return nil, err
		}
		arrays[i] = arr
	}
	return NewInMemorySourceFromArrays(schema, arrays)
}

// Opener hands out independent scans over the same columns. Every scan retains
// the arrays, so the returned sources can be closed independently.
func (ms *InMemorySource) Opener() operators.Opener {
	return func() (operators.Operator, error) {
		for _, c := range ms.columns {
			c.Retain()
		}
		return &InMemorySource{
			schema:        ms.schema,
			columns:       ms.columns,
			fieldToColIDx: ms.fieldToColIDx,
		}, nil
	}
}

func (ms *InMemorySource) NumRows() int64 {
	if len(ms.columns) == 0 {
		return 0
	}
	return int64(ms.columns[0].Len())
}

// Select narrows the source to names, in that order. Call it before the first Next.
func (ms *InMemorySource) Select(names ...string) error {
	newSchema, cols, err := ProjectSchemaFilterDown(ms.schema, ms.columns, names...)
	if err != nil {
		return err
	}
	newMap := make(map[string]int)
	for i, f := range newSchema.Fields() {
		newMap[f.Name] = i
	}
	operators.ReleaseArrays(ms.columns)
	ms.schema = newSchema
	ms.fieldToColIDx = newMap
	ms.columns = cols
	return nil
}

func (ms *InMemorySource) Next(n uint16) (*operators.RecordBatch, error) {
	total := int(ms.NumRows())
	if len(ms.columns) == 0 || ms.pos >= total {
		return nil, io.EOF
	}
	toRead := int(n)
	if remaining := total - ms.pos; remaining < toRead {
		toRead = remaining
	}
	outPutCols := make([]arrow.Array, len(ms.schema.Fields()))
	for i, field := range ms.schema.Fields() {
		col := ms.columns[ms.fieldToColIDx[field.Name]]
		outPutCols[i] = array.NewSlice(col, int64(ms.pos), int64(ms.pos+toRead))
	}
	ms.pos += toRead

	return &operators.RecordBatch{
		Schema:   ms.schema,
		Columns:  outPutCols,
		RowCount: uint64(toRead),
	}, nil
}

func (ms *InMemorySource) Close() error {
	operators.ReleaseArrays(ms.columns)
	ms.columns = nil
	return nil
}

func (ms *InMemorySource) Schema() *arrow.Schema {
	return ms.schema
}

func unpackColumn(name string, col any) (arrow.Field, arrow.Array, error) {
	var valid []bool
	if nc, ok := col.(Nullable); ok {
		col, valid = nc.Values, nc.Valid
	}
	field := arrow.Field{Name: name, Nullable: true}
	mem := memory.DefaultAllocator
	switch data := col.(type) {
	case []int:
		conv := make([]int64, len(data))
		for i, v := range data {
			conv[i] = int64(v)
		}
		field.Type = arrow.PrimitiveTypes.Int64
		return field, build(array.NewInt64Builder(mem), conv, valid), nil
	case []int8:
		field.Type = arrow.PrimitiveTypes.Int8
		return field, build(array.NewInt8Builder(mem), data, valid), nil
	case []int16:
		field.Type = arrow.PrimitiveTypes.Int16
		return field, build(array.NewInt16Builder(mem), data, valid), nil
	case []int32:
		field.Type = arrow.PrimitiveTypes.Int32
		return field, build(array.NewInt32Builder(mem), data, valid), nil
	case []int64:
		field.Type = arrow.PrimitiveTypes.Int64
		return field, build(array.NewInt64Builder(mem), data, valid), nil
	case []uint8:
		field.Type = arrow.PrimitiveTypes.Uint8
		return field, build(array.NewUint8Builder(mem), data, valid), nil
	case []uint16:
		field.Type = arrow.PrimitiveTypes.Uint16
		return field, build(array.NewUint16Builder(mem), data, valid), nil
	case []uint32:
		field.Type = arrow.PrimitiveTypes.Uint32
		return field, build(array.NewUint32Builder(mem), data, valid), nil
	case []uint64:
		field.Type = arrow.PrimitiveTypes.Uint64
		return field, build(array.NewUint64Builder(mem), data, valid), nil
	case []float32:
		field.Type = arrow.PrimitiveTypes.Float32
		return field, build(array.NewFloat32Builder(mem), data, valid), nil
	case []float64:
		field.Type = arrow.PrimitiveTypes.Float64
		return field, build(array.NewFloat64Builder(mem), data, valid), nil
	case []string:
		field.Type = arrow.BinaryTypes.String
		return field, build(array.NewStringBuilder(mem), data, valid), nil
	case []bool:
		field.Type = arrow.FixedWidthTypes.Boolean
		return field, build(array.NewBooleanBuilder(mem), data, valid), nil
	}
	return arrow.Field{}, nil, ErrInvalidInMemoryDataType(col)
}

type valuesBuilder[T any] interface {
	array.Builder
	AppendValues([]T, []bool)
}

func build[T any](b valuesBuilder[T], data []T, valid []bool) arrow.Array {
	defer b.Release()
	b.AppendValues(data, valid)
	return b.NewArray()
}

// ProjectSchemaFilterDown keeps only the requested columns, in request order.
// The returned columns are retained.
func ProjectSchemaFilterDown(schema *arrow.Schema, cols []arrow.Array, keepCols ...string) (*arrow.Schema, []arrow.Array, error) {
	if len(keepCols) == 0 {
		return arrow.NewSchema([]arrow.Field{}, nil), nil, ErrEmptyColumnsToProject
	}
	fieldIndex := make(map[string]int)
	for i, f := range schema.Fields() {
		fieldIndex[f.Name] = i
	}
	newFields := make([]arrow.Field, 0, len(keepCols))
	newCols := make([]arrow.Array, 0, len(keepCols))
	for _, name := range keepCols {
		idx, exists := fieldIndex[name]
		if !exists {
			operators.ReleaseArrays(newCols)
			return arrow.NewSchema([]arrow.Field{}, nil), []arrow.Array{}, ErrProjectColumnNotFound(name)
		}
		newFields = append(newFields, schema.Field(idx))
		col := cols[idx]
		col.Retain()
		newCols = append(newCols, col)
	}
	return arrow.NewSchema(newFields, nil), newCols, nil
}
