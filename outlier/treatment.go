package outlier

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"groupstat-go/logging"
	"groupstat-go/operators"
	"groupstat-go/operators/aggr"
	"groupstat-go/operators/filter"
	"groupstat-go/value"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	_ = (operators.Operator)(&TreatmentExec{})
)

const emptyResultWarning = "result table is empty"

// TreatmentExec applies the configured treatment to a fresh scan of the input.
// Filter keeps a row only if every outlier column is present and inside its
// group's interval; Replace rewrites offending cells and keeps every row.
type TreatmentExec struct {
	child    operators.Operator
	inner    operators.Operator // child, or a FilterExec over it
	schema   *arrow.Schema
	bounds   BoundsMap
	settings Settings
	groupIdx []int
	colIdx   []int
	log      *slog.Logger

	rowsIn   int64
	rowsOut  int64
	replaced int64
	warned   map[string]struct{}
	warnings []string
	done     bool
}

func NewTreatmentExec(child operators.Operator, bounds BoundsMap, s Settings) (*TreatmentExec, error) {
	schema := child.Schema()
	if err := s.ValidateSchema(schema); err != nil {
		return nil, err
	}
	t := &TreatmentExec{
		child:    child,
		schema:   schema,
		bounds:   bounds,
		settings: s,
		log:      logging.WithOperator("outlier-treatment"),
		warned:   make(map[string]struct{}),
	}
	for _, g := range s.GroupColumns {
		t.groupIdx = append(t.groupIdx, schema.FieldIndices(g)[0])
	}
	for _, c := range s.Columns {
		t.colIdx = append(t.colIdx, schema.FieldIndices(c)[0])
	}
	t.inner = child
	if s.Treatment == Filter {
		f, err := filter.NewFilterExec(countingOperator{child, &t.rowsIn}, filter.RowPredicate(t.keep))
		if err != nil {
			return nil, err
		}
		t.inner = f
	}
	return t, nil
}

// countingOperator counts the rows the filter reads.
type countingOperator struct {
	operators.Operator
	rows *int64
}

func (c countingOperator) Next(n uint16) (*operators.RecordBatch, error) {
	rb, err := c.Operator.Next(n)
	if err == nil {
		*c.rows += int64(rb.NumRows())
	}
	return rb, err
}

func (t *TreatmentExec) Next(n uint16) (*operators.RecordBatch, error) {
	if t.done {
		return nil, io.EOF
	}
	rb, err := t.inner.Next(n)
	if errors.Is(err, io.EOF) {
		t.finish()
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	if t.settings.Treatment == Replace {
		t.rowsIn += int64(rb.NumRows())
		out, err := t.replace(rb)
		rb.Release()
		if err != nil {
			return nil, err
		}
		rb = out
	}
	t.rowsOut += int64(rb.NumRows())
	return rb, nil
}

func (t *TreatmentExec) finish() {
	t.done = true
	if t.rowsOut == 0 {
		t.warn(emptyResultWarning, emptyResultWarning)
	}
	t.log.Info("treatment finished",
		"treatment", t.settings.Treatment.String(),
		"rows_in", t.rowsIn, "rows_out", t.rowsOut, "cells_replaced", t.replaced)
}

// warn records msg once per id.
func (t *TreatmentExec) warn(id, msg string) {
	if _, seen := t.warned[id]; seen {
		return
	}
	t.warned[id] = struct{}{}
	t.warnings = append(t.warnings, msg)
	t.log.Warn(msg)
}

// Warnings is complete once Next has returned io.EOF.
func (t *TreatmentExec) Warnings() []string {
	return t.warnings
}

func (t *TreatmentExec) Schema() *arrow.Schema {
	return t.schema
}

func (t *TreatmentExec) Close() error {
	return t.inner.Close()
}

func (t *TreatmentExec) keep(batch *operators.RecordBatch, row int) (bool, error) {
	key := aggr.ProjectGroupKey(batch, t.groupIdx, row)
	for j, idx := range t.colIdx {
		v := value.FromArray(batch.Columns[idx], row)
		if v.IsMissing() {
			return false, nil
		}
		iv, ok, err := t.bounds.Get(key, t.settings.Columns[j])
		if err != nil {
			return false, err
		}
		if ok && !iv.Contains(v.AsFloat()) {
			return false, nil
		}
	}
	return true, nil
}

func (t *TreatmentExec) replace(batch *operators.RecordBatch) (*operators.RecordBatch, error) {
	n := batch.NumRows()
	keys := make([]value.GroupKey, n)
	for i := range keys {
		keys[i] = aggr.ProjectGroupKey(batch, t.groupIdx, i)
	}
	cols := make([]arrow.Array, len(batch.Columns))
	for i, c := range batch.Columns {
		c.Retain()
		cols[i] = c
	}
	mem := memory.NewGoAllocator()
	for j, idx := range t.colIdx {
		arr, err := t.replaceColumn(mem, batch.Columns[idx], t.settings.Columns[j], keys)
		if err != nil {
			operators.ReleaseArrays(cols)
			return nil, err
		}
		cols[idx].Release()
		cols[idx] = arr
	}
	return &operators.RecordBatch{Schema: batch.Schema, Columns: cols, RowCount: uint64(n)}, nil
}

func (t *TreatmentExec) replaceColumn(mem memory.Allocator, col arrow.Array, name string, keys []value.GroupKey) (arrow.Array, error) {
	b := array.NewBuilder(mem, col.DataType())
	defer b.Release()
	b.Reserve(col.Len())
	isInt := value.IsIntegerType(col.DataType())
	isFloat32 := col.DataType().ID() == arrow.FLOAT32
	for i := 0; i < col.Len(); i++ {
		v := value.FromArray(col, i)
		out := v
		if !v.IsMissing() {
			iv, ok, err := t.bounds.Get(keys[i], name)
			if err != nil {
				return nil, err
			}
			if ok && !iv.Contains(v.AsFloat()) {
				out = t.replacement(v, iv, keys[i], name, isInt, isFloat32)
				t.replaced++
			}
		}
		if err := value.Append(b, out); err != nil {
			return nil, err
		}
	}
	return b.NewArray(), nil
}

func (t *TreatmentExec) replacement(v value.Value, iv Interval, key value.GroupKey, name string, isInt, isFloat32 bool) value.Value {
	if t.settings.Replacement == SetMissing {
		return value.Missing()
	}
	x := v.AsFloat()
	switch {
	case isInt:
		lo, hi := math.Ceil(iv.Lower), math.Floor(iv.Upper)
		if lo > hi {
			t.warn("empty:"+key.Encoded()+"\x00"+name, fmt.Sprintf(
				"Group <%s> has no integer inside [%v, %v] in column %s, outliers set to missing",
				key, iv.Lower, iv.Upper, name))
			return value.Missing()
		}
		c := math.Min(math.Max(x, lo), hi)
		if v.IsUnsigned() {
			return value.NewUint(value.SaturateUint(c), v.Width())
		}
		return value.NewInt(value.SaturateInt(c), v.Width())
	case isFloat32:
		return value.NewFloat32(clampFloat32(x, iv))
	default:
		return value.NewFloat(math.Min(math.Max(x, iv.Lower), iv.Upper))
	}
}

// clampFloat32 clamps in float64 and steps one ulp inward when narrowing
// rounds the boundary outside the interval.
func clampFloat32(x float64, iv Interval) float32 {
	c := math.Min(math.Max(x, iv.Lower), iv.Upper)
	f := float32(c)
	if float64(f) > iv.Upper {
		f = math.Nextafter32(f, float32(math.Inf(-1)))
	}
	if float64(f) < iv.Lower {
		f = math.Nextafter32(f, float32(math.Inf(1)))
	}
	return f
}
