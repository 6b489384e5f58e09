package aggr

import (
	"context"
	"testing"

	"groupstat-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

func sortFixture() *operators.RecordBatch {
	rbb := operators.NewRecordBatchBuilder()
	rbb.SchemaBuilder.
		WithField("name", arrow.BinaryTypes.String, true).
		WithField("score", arrow.PrimitiveTypes.Float64, true)
	cols := []arrow.Array{
		rbb.GenNullableStringArray([]string{"b", "", "a", "b", "a"}, []bool{true, false, true, true, true}),
		rbb.GenFloatArray(3, 1, 2, 1, 5),
	}
	batch, err := rbb.NewRecordBatch(rbb.Schema(), cols)
	if err != nil {
		panic(err)
	}
	return batch
}

func TestSortBatch(t *testing.T) {
	t.Run("ascending nulls first then descending", func(t *testing.T) {
		batch := sortFixture()
		defer batch.Release()
		sorted, err := SortBatch(context.Background(), batch, []SortKey{
			{Column: 0, Ascending: true, NullFirst: true},
			{Column: 1, Ascending: false},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer sorted.Release()
		names := sorted.Columns[0].(*array.String)
		scores := sorted.Columns[1].(*array.Float64)
		if !names.IsNull(0) {
			t.Fatalf("expected the null name first, got %v", names)
		}
		wantNames := []string{"", "a", "a", "b", "b"}
		wantScores := []float64{1, 5, 2, 3, 1}
		for i := range wantScores {
			if i > 0 && names.Value(i) != wantNames[i] {
				t.Fatalf("row %d: expected name %s, got %s", i, wantNames[i], names.Value(i))
			}
			if scores.Value(i) != wantScores[i] {
				t.Fatalf("row %d: expected score %v, got %v", i, wantScores[i], scores.Value(i))
			}
		}
	})
	t.Run("nulls last and stable ties", func(t *testing.T) {
		batch := sortFixture()
		defer batch.Release()
		sorted, err := SortBatch(context.Background(), batch, []SortKey{{Column: 1, Ascending: true}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer sorted.Release()
		names := sorted.Columns[0].(*array.String)
		// the two score 1 rows keep their input order: null name, then b
		if !names.IsNull(0) || names.Value(1) != "b" {
			t.Fatalf("expected stable order for ties, got %v", names)
		}
	})
	t.Run("bad column", func(t *testing.T) {
		batch := sortFixture()
		defer batch.Release()
		if _, err := SortBatch(context.Background(), batch, []SortKey{{Column: 7}}); err == nil {
			t.Fatalf("expected an error for an out of range column")
		}
	})
}
