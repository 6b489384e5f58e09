package project

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"groupstat-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	_ = (operators.Operator)(&CSVSource{})
)

// rows buffered to infer column types when no schema is given
const inferSampleRows = 100

type CSVOption func(*CSVSource)

// WithCSVSchema skips inference; columns are looked up by header name.
func WithCSVSchema(schema *arrow.Schema) CSVOption {
	return func(c *CSVSource) { c.schema = schema }
}

// WithNullValues replaces the default null markers ("" and "NULL").
func WithNullValues(values ...string) CSVOption {
	return func(c *CSVSource) { c.nullValues = values }
}

type CSVSource struct {
	r           *csv.Reader
	closer      io.Closer
	schema      *arrow.Schema // columns to project as well as types to cast to
	colPosition map[string]int
	buffered    [][]string // rows read ahead during inference
	nullValues  []string
	done        bool // if this is set in Next, we have reached EOF
}

func NewCSVSource(source io.Reader, opts ...CSVOption) (*CSVSource, error) {
	proj := &CSVSource{
		r:           csv.NewReader(source),
		colPosition: make(map[string]int),
		nullValues:  []string{"", "NULL"},
	}
	for _, opt := range opts {
		opt(proj)
	}
	if err := proj.parseHeader(); err != nil {
		return nil, err
	}
	return proj, nil
}

// CSVFileOpener opens path on every call, so the same file can be scanned twice.
func CSVFileOpener(path string, opts ...CSVOption) operators.Opener {
	return func() (operators.Operator, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		src, err := NewCSVSource(f, opts...)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv source %s: %w", path, err)
		}
		src.closer = f
		return src, nil
	}
}

func (csvS *CSVSource) Next(n uint16) (*operators.RecordBatch, error) {
	if csvS.done {
		return nil, io.EOF
	}
	builders := csvS.initBuilders()
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	rowsRead := uint16(0)
	for rowsRead < n && len(csvS.buffered) > 0 {
		if err := csvS.processRow(csvS.buffered[0], builders); err != nil {
			return nil, err
		}
		csvS.buffered = csvS.buffered[1:]
		rowsRead++
	}
	for rowsRead < n {
		row, err := csvS.r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := csvS.processRow(row, builders); err != nil {
			return nil, err
		}
		rowsRead++
	}
	if rowsRead == 0 {
		csvS.done = true
		return nil, io.EOF
	}

	columns := make([]arrow.Array, len(builders))
	for i, b := range builders {
		columns[i] = b.NewArray()
	}
	return &operators.RecordBatch{
		Schema:   csvS.schema,
		Columns:  columns,
		RowCount: uint64(rowsRead),
	}, nil
}

func (csvS *CSVSource) Close() error {
	csvS.r = nil
	csvS.done = true
	if csvS.closer != nil {
		return csvS.closer.Close()
	}
	return nil
}

func (csvS *CSVSource) Schema() *arrow.Schema {
	return csvS.schema
}

func (csvS *CSVSource) initBuilders() []array.Builder {
	fields := csvS.schema.Fields()
	builders := make([]array.Builder, len(fields))
	for i, f := range fields {
		builders[i] = array.NewBuilder(memory.DefaultAllocator, f.Type)
	}
	return builders
}

func (csvS *CSVSource) isNull(cell string) bool {
	for _, nv := range csvS.nullValues {
		if cell == nv {
			return true
		}
	}
	return false
}

// unparsable cells become nulls
func (csvS *CSVSource) processRow(content []string, builders []array.Builder) error {
	for i, f := range csvS.schema.Fields() {
		colIdx := csvS.colPosition[f.Name]
		if colIdx >= len(content) {
			return fmt.Errorf("csv row has %d fields, column %s expects position %d", len(content), f.Name, colIdx)
		}
		cell := strings.TrimSpace(content[colIdx])
		if csvS.isNull(cell) {
			builders[i].AppendNull()
			continue
		}
		switch b := builders[i].(type) {
		case *array.Int64Builder:
			v, err := strconv.ParseInt(cell, 10, 64)
			if err != nil {
				b.AppendNull()
			} else {
				b.Append(v)
			}
		case *array.Float64Builder:
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				b.AppendNull()
			} else {
				b.Append(v)
			}
		case *array.StringBuilder:
			b.Append(cell)
		case *array.BooleanBuilder:
			b.Append(cell == "true")
		default:
			if err := b.AppendValueFromString(cell); err != nil {
				b.AppendNull()
			}
		}
	}
	return nil
}

// first call to csv.Reader
func (csvS *CSVSource) parseHeader() error {
	header, err := csvS.r.Read()
	if err != nil {
		return err
	}
	for i, colName := range header {
		csvS.colPosition[strings.TrimSpace(colName)] = i
	}
	if csvS.schema != nil {
		for _, f := range csvS.schema.Fields() {
			if _, ok := csvS.colPosition[f.Name]; !ok {
				return operators.ErrConfig("csv header has no column %s", f.Name)
			}
		}
		return nil
	}
	for len(csvS.buffered) < inferSampleRows {
		row, err := csvS.r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		csvS.buffered = append(csvS.buffered, row)
	}
	newFields := make([]arrow.Field, 0, len(header))
	for i, colName := range header {
		var dt arrow.DataType
		for _, row := range csvS.buffered {
			if i < len(row) {
				dt = widenType(dt, csvS.parseDataType(row[i]))
			}
		}
		if dt == nil {
			dt = arrow.BinaryTypes.String
		}
		newFields = append(newFields, arrow.Field{
			Name:     strings.TrimSpace(colName),
			Type:     dt,
			Nullable: true,
		})
	}
	csvS.schema = arrow.NewSchema(newFields, nil)
	return nil
}

// nil means the sample was null and tells us nothing
func (csvS *CSVSource) parseDataType(sample string) arrow.DataType {
	sample = strings.TrimSpace(sample)
	if csvS.isNull(sample) {
		return nil
	}
	if sample == "true" || sample == "false" {
		return arrow.FixedWidthTypes.Boolean
	}
	if _, err := strconv.ParseInt(sample, 10, 64); err == nil {
		return arrow.PrimitiveTypes.Int64
	}
	if _, err := strconv.ParseFloat(sample, 64); err == nil {
		return arrow.PrimitiveTypes.Float64
	}
	return arrow.BinaryTypes.String
}

// int64 widens to float64; any other disagreement falls back to string
func widenType(a, b arrow.DataType) arrow.DataType {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case arrow.TypeEqual(a, b):
		return a
	}
	isNum := func(dt arrow.DataType) bool {
		return dt.ID() == arrow.INT64 || dt.ID() == arrow.FLOAT64
	}
	if isNum(a) && isNum(b) {
		return arrow.PrimitiveTypes.Float64
	}
	return arrow.BinaryTypes.String
}
