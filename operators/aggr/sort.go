package aggr

import (
	"context"
	"fmt"
	"sort"

	"groupstat-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// SortKey orders by one column of a batch.
type SortKey struct {
	Column    int
	Ascending bool // false sorts descending
	NullFirst bool // false puts nulls last
}

// SortBatch returns a new batch holding the rows of batch reordered by keys,
// compared lexicographically. The sort is stable. batch is not released.
func SortBatch(ctx context.Context, batch *operators.RecordBatch, keys []SortKey) (*operators.RecordBatch, error) {
	keyColumns := make([]arrow.Array, len(keys))
	for i, sk := range keys {
		if sk.Column < 0 || sk.Column >= len(batch.Columns) {
			return nil, fmt.Errorf("sort key column %d out of range", sk.Column)
		}
		col := batch.Columns[sk.Column]
		if !sortable(col) {
			return nil, fmt.Errorf("cannot sort on column of type %s", col.DataType())
		}
		keyColumns[i] = col
	}
	idVector := make([]uint64, batch.NumRows())
	for i := range idVector {
		idVector[i] = uint64(i)
	}
	sortIndexVector(idVector, keyColumns, keys)

	mem := memory.NewGoAllocator()
	indices := idxToArrowArray(idVector, mem)
	defer indices.Release()
	cols := make([]arrow.Array, len(batch.Columns))
	for i, c := range batch.Columns {
		arr, err := compute.TakeArray(ctx, c, indices)
		if err != nil {
			operators.ReleaseArrays(cols[:i])
			return nil, err
		}
		cols[i] = arr
	}
	return &operators.RecordBatch{Schema: batch.Schema, Columns: cols, RowCount: uint64(len(idVector))}, nil
}

// sortIndexVector sorts idVec based on keyColumns + sortKeys.
// keyColumns[i] corresponds to sortKeys[i].
func sortIndexVector(idVec []uint64, keyColumns []arrow.Array, sortKeys []SortKey) {
	sort.SliceStable(idVec, func(a, b int) bool {
		i := int(idVec[a])
		j := int(idVec[b])

		for k, col := range keyColumns {
			sk := sortKeys[k]
			ni, nj := col.IsNull(i), col.IsNull(j)
			switch {
			case ni && nj:
				continue
			case ni:
				return sk.NullFirst
			case nj:
				return !sk.NullFirst
			}
			cmp := compareArrowValues(col, i, j)
			if cmp == 0 {
				continue
			}
			if sk.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
}

func sortable(col arrow.Array) bool {
	switch col.(type) {
	case *array.String, *array.LargeString, *array.Binary, *array.Boolean,
		*array.Int8, *array.Int16, *array.Int32, *array.Int64,
		*array.Uint8, *array.Uint16, *array.Uint32, *array.Uint64,
		*array.Float32, *array.Float64:
		return true
	}
	return false
}

// compareArrowValues compares two non null entries of col.
func compareArrowValues(col arrow.Array, i, j int) int {
	switch arr := col.(type) {
	case *array.String:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.LargeString:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Binary:
		return compareOrdered(string(arr.Value(i)), string(arr.Value(j)))
	case *array.Int8:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Int16:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Int32:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Int64:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Uint8:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Uint16:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Uint32:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Uint64:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Float32:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Float64:
		return compareOrdered(arr.Value(i), arr.Value(j))
	case *array.Boolean:
		vi, vj := arr.Value(i), arr.Value(j)
		if vi == vj {
			return 0
		}
		if !vi && vj {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func compareOrdered[T ~string | int64 | int32 | int16 | int8 | uint64 | uint32 | uint16 | uint8 | float32 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func idxToArrowArray(v []uint64, mem memory.Allocator) arrow.Array {
	b := array.NewUint64Builder(mem)
	defer b.Release()
	b.AppendValues(v, nil)
	return b.NewArray()
}
