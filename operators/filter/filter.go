package filter

import (
	"context"
	"errors"
	"io"

	"groupstat-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	_ = (operators.Operator)(&FilterExec{})
)

var (
	ErrNilPredicate = errors.New("filter: predicate is nil")
	ErrMaskLength   = errors.New("filter: mask length does not match the batch")
)

// Predicate returns a keep mask for batch, one entry per row. Null entries drop
// the row.
type Predicate func(batch *operators.RecordBatch) (*array.Boolean, error)

// RowPredicate builds a Predicate from a per row test.
func RowPredicate(keep func(batch *operators.RecordBatch, row int) (bool, error)) Predicate {
	return func(batch *operators.RecordBatch) (*array.Boolean, error) {
		b := array.NewBooleanBuilder(memory.NewGoAllocator())
		defer b.Release()
		n := batch.NumRows()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			ok, err := keep(batch, i)
			if err != nil {
				return nil, err
			}
			b.UnsafeAppend(ok)
		}
		return b.NewBooleanArray(), nil
	}
}

// FilterExec is an operator that filters input records according to a predicate.
// Batches that filter down to nothing are skipped, so every batch it returns
// holds at least one row.
type FilterExec struct {
	input     operators.Operator
	schema    *arrow.Schema
	predicate Predicate
	done      bool
}

func NewFilterExec(input operators.Operator, pred Predicate) (*FilterExec, error) {
	if pred == nil {
		return nil, ErrNilPredicate
	}
	return &FilterExec{
		input:     input,
		predicate: pred,
		schema:    input.Schema(),
	}, nil
}

func (f *FilterExec) Next(n uint16) (*operators.RecordBatch, error) {
	if n == 0 {
		return nil, errors.New("must pass in wanted batch size > 0")
	}
	for !f.done {
		childBatch, err := f.input.Next(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.done = true
				return nil, io.EOF
			}
			return nil, err
		}
		out, err := f.apply(childBatch)
		childBatch.Release()
		if err != nil {
			return nil, err
		}
		if out.NumRows() == 0 {
			out.Release()
			continue
		}
		return out, nil
	}
	return nil, io.EOF
}

func (f *FilterExec) apply(childBatch *operators.RecordBatch) (*operators.RecordBatch, error) {
	mask, err := f.predicate(childBatch)
	if err != nil {
		return nil, err
	}
	defer mask.Release()
	if mask.Len() != childBatch.NumRows() {
		return nil, ErrMaskLength
	}
	filteredCol := make([]arrow.Array, len(childBatch.Columns))
	for i, col := range childBatch.Columns {
		filteredCol[i], err = ApplyBooleanMask(col, mask)
		if err != nil {
			operators.ReleaseArrays(filteredCol[:i])
			return nil, err
		}
	}
	var size uint64
	if len(filteredCol) > 0 {
		size = uint64(filteredCol[0].Len())
	}
	return &operators.RecordBatch{
		Schema:   childBatch.Schema,
		Columns:  filteredCol,
		RowCount: size,
	}, nil
}

func (f *FilterExec) Schema() *arrow.Schema {
	return f.schema
}

func (f *FilterExec) Close() error {
	return f.input.Close()
}

func ApplyBooleanMask(col arrow.Array, mask *array.Boolean) (arrow.Array, error) {
	datum, err := compute.Filter(
		context.TODO(),
		compute.NewDatum(col),
		compute.NewDatum(mask),
		*compute.DefaultFilterOptions(),
	)
	if err != nil {
		return nil, err
	}
	defer datum.Release()
	return datum.(*compute.ArrayDatum).MakeArray(), nil
}
