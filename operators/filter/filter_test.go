package filter

import (
	"errors"
	"io"
	"testing"

	"groupstat-go/operators"
	"groupstat-go/operators/project"
	"groupstat-go/value"

	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

func basicProject(t *testing.T) *project.InMemorySource {
	t.Helper()
	src, err := project.NewInMemorySource(
		[]string{"id", "name", "age"},
		[]any{
			[]int32{1, 2, 3, 4, 5, 6},
			[]string{"ann", "bob", "cy", "dee", "ed", "flo"},
			project.Nullable{Values: []int64{25, 41, 33, 0, 19, 52}, Valid: []bool{true, true, true, false, true, true}},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return src
}

func olderThan(limit int64) Predicate {
	return RowPredicate(func(batch *operators.RecordBatch, row int) (bool, error) {
		col, err := batch.Column("age")
		if err != nil {
			return false, err
		}
		v := value.FromArray(col, row)
		return !v.IsMissing() && v.AsInt() > limit, nil
	})
}

func drain(t *testing.T, op operators.Operator, n uint16) []*operators.RecordBatch {
	t.Helper()
	var out []*operators.RecordBatch
	for {
		rb, err := op.Next(n)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out = append(out, rb)
	}
}

func TestFilterInit(t *testing.T) {
	t.Run("nil predicate should fail", func(t *testing.T) {
		if _, err := NewFilterExec(basicProject(t), nil); !errors.Is(err, ErrNilPredicate) {
			t.Fatalf("expected ErrNilPredicate, got %v", err)
		}
	})
	t.Run("schema passes through", func(t *testing.T) {
		proj := basicProject(t)
		f, err := NewFilterExec(proj, olderThan(30))
		if err != nil {
			t.Fatalf("failed to create filter exec: %v", err)
		}
		if !f.Schema().Equal(proj.Schema()) {
			t.Fatalf("expected schema %v, got %v", proj.Schema(), f.Schema())
		}
	})
	t.Run("zero batch size", func(t *testing.T) {
		f, _ := NewFilterExec(basicProject(t), olderThan(30))
		if _, err := f.Next(0); err == nil {
			t.Fatalf("expected an error for n == 0")
		}
	})
}

func TestFilterExecPredicates(t *testing.T) {
	t.Run("age > 30 returns correct rows", func(t *testing.T) {
		f, _ := NewFilterExec(basicProject(t), olderThan(30))
		defer func() { _ = f.Close() }()
		var ids []int32
		for _, rb := range drain(t, f, 2) {
			if rb.NumRows() == 0 {
				t.Fatalf("empty batches should be skipped")
			}
			col := rb.Columns[0].(*array.Int32)
			for i := 0; i < col.Len(); i++ {
				ids = append(ids, col.Value(i))
			}
			rb.Release()
		}
		want := []int32{2, 3, 6}
		if len(ids) != len(want) {
			t.Fatalf("expected ids %v, got %v", want, ids)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("expected ids %v, got %v", want, ids)
			}
		}
	})
	t.Run("nothing matches", func(t *testing.T) {
		f, _ := NewFilterExec(basicProject(t), olderThan(100))
		if got := drain(t, f, 4); len(got) != 0 {
			t.Fatalf("expected no batches, got %d", len(got))
		}
		if _, err := f.Next(4); !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF after exhaustion, got %v", err)
		}
	})
	t.Run("predicate errors surface", func(t *testing.T) {
		boom := errors.New("boom")
		f, _ := NewFilterExec(basicProject(t), func(*operators.RecordBatch) (*array.Boolean, error) {
			return nil, boom
		})
		if _, err := f.Next(3); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	})
	t.Run("short mask is rejected", func(t *testing.T) {
		f, _ := NewFilterExec(basicProject(t), func(*operators.RecordBatch) (*array.Boolean, error) {
			b := array.NewBooleanBuilder(memory.NewGoAllocator())
			defer b.Release()
			b.Append(true)
			return b.NewBooleanArray(), nil
		})
		if _, err := f.Next(3); !errors.Is(err, ErrMaskLength) {
			t.Fatalf("expected ErrMaskLength, got %v", err)
		}
	})
}

func TestApplyBooleanMask(t *testing.T) {
	rbb := operators.NewRecordBatchBuilder()
	col := rbb.GenFloatArray(1, 2, 3, 4)
	defer col.Release()
	b := array.NewBooleanBuilder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues([]bool{true, false, false, true}, nil)
	mask := b.NewBooleanArray()
	defer mask.Release()

	out, err := ApplyBooleanMask(col, mask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer out.Release()
	got := out.(*array.Float64)
	if got.Len() != 2 || got.Value(0) != 1 || got.Value(1) != 4 {
		t.Fatalf("expected [1 4], got %v", got)
	}
}
