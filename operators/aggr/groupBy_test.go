package aggr

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"groupstat-go/operators"
	"groupstat-go/operators/project"
	"groupstat-go/value"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

func salesSource(t *testing.T) *project.InMemorySource {
	t.Helper()
	src, err := project.NewInMemorySource(
		[]string{"region", "product", "amount", "qty"},
		[]any{
			[]string{"north", "south", "north", "east", "south", "north", "east", "south"},
			project.Nullable{
				Values: []string{"a", "b", "a", "a", "", "b", "a", "b"},
				Valid:  []bool{true, true, true, true, false, true, true, true},
			},
			project.Nullable{
				Values: []float64{10, 4.5, 30, 7, 0, 20, 3, 1.5},
				Valid:  []bool{true, true, true, true, false, true, true, true},
			},
			[]int32{1, 2, 3, 4, 5, 6, 7, 8},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error building source: %v", err)
	}
	return src
}

func runGroupBy(t *testing.T, cfg GroupByConfig, src operators.Operator) *GroupByResult {
	t.Helper()
	table, err := NewGroupByTable(cfg, src.Schema())
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}
	res, err := table.Aggregate(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected aggregate error: %v", err)
	}
	t.Cleanup(func() { res.Batch.Release() })
	return res
}

// rowsByKey indexes result rows by the string form of their group columns.
func rowsByKey(t *testing.T, res *GroupByResult, groupCols int) map[string][]value.Value {
	t.Helper()
	out := make(map[string][]value.Value)
	for r := 0; r < res.NumGroups(); r++ {
		key := make([]value.Value, groupCols)
		row := make([]value.Value, len(res.Batch.Columns))
		for c, col := range res.Batch.Columns {
			row[c] = value.FromArray(col, r)
			if c < groupCols {
				key[c] = row[c]
			}
		}
		k := value.NewGroupKey(key...).String()
		if _, dup := out[k]; dup {
			t.Fatalf("group %s appears twice", k)
		}
		out[k] = row
	}
	return out
}

var policies = []MemoryPolicy{InMemory, OutOfCore}

func TestGroupByStrategies(t *testing.T) {
	aggs := []AggregateFunctions{
		NewAggregateFunctions(Count, "amount"),
		NewAggregateFunctions(Sum, "amount"),
		NewAggregateFunctions(Mean, "amount"),
		NewAggregateFunctions(Max, "qty"),
		NewAggregateFunctions(Mode, "product"),
	}
	want := map[string][]float64{
		// count, sum, mean, max
		"north": {3, 60, 20, 6},
		"south": {3, 6, 3, 8},
		"east":  {2, 10, 5, 7},
	}
	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			cfg := GroupByConfig{GroupColumns: []string{"region"}, Aggregates: aggs, Policy: policy, BatchSize: 3}
			res := runGroupBy(t, cfg, salesSource(t))
			if res.NumGroups() != 3 {
				t.Fatalf("expected 3 groups, got %d", res.NumGroups())
			}
			got := rowsByKey(t, res, 1)
			for region, w := range want {
				row, ok := got[region]
				if !ok {
					t.Fatalf("group %s missing from result", region)
				}
				for i, wv := range w {
					if math.Abs(row[1+i].AsFloat()-wv) > 1e-9 {
						t.Fatalf("group %s column %s: expected %v, got %v",
							region, res.Batch.Schema.Field(1+i).Name, wv, row[1+i])
					}
				}
			}
			if got["north"][5] != value.NewOpaque("a") {
				t.Fatalf("expected mode a for north, got %v", got["north"][5])
			}
			if len(res.Skipped) != 0 {
				t.Fatalf("expected nothing skipped, got %v", res.Skipped)
			}
		})
	}
}

func TestGroupBySchema(t *testing.T) {
	src := salesSource(t)
	defer func() { _ = src.Close() }()
	cfg := GroupByConfig{
		GroupColumns: []string{"region"},
		Aggregates: []AggregateFunctions{
			NewAggregateFunctions(Count, "product"),
			NewAggregateFunctions(First, "qty"),
			NewQuantileFunction(Quantile, "amount", 0.25),
			{AggrFunc: Variance, Column: "qty", Alias: "spread"},
		},
	}
	table, err := NewGroupByTable(cfg, src.Schema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []arrow.Field{
		{Name: "region", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "count_product", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "first_qty", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "quantile_0.25_amount", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "spread", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}
	if !table.Schema().Equal(arrow.NewSchema(want, nil)) {
		t.Fatalf("unexpected schema %v", table.Schema())
	}
}

func TestGroupByMissingKeysFormOneGroup(t *testing.T) {
	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			cfg := GroupByConfig{
				GroupColumns: []string{"product"},
				Aggregates:   []AggregateFunctions{NewAggregateFunctions(Count, "qty")},
				Policy:       policy,
			}
			res := runGroupBy(t, cfg, salesSource(t))
			got := rowsByKey(t, res, 1)
			if len(got) != 3 {
				t.Fatalf("expected groups a, b and missing, got %d", len(got))
			}
			if row := got["?"]; row == nil || row[1] != value.NewInt(1, 64) {
				t.Fatalf("expected one row in the missing group, got %v", row)
			}
		})
	}
}

func TestGroupByGlobalGroup(t *testing.T) {
	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			cfg := GroupByConfig{
				Aggregates: []AggregateFunctions{
					NewAggregateFunctions(Count, "qty"),
					NewAggregateFunctions(Sum, "qty"),
				},
				Policy: policy,
			}
			res := runGroupBy(t, cfg, salesSource(t))
			if res.NumGroups() != 1 {
				t.Fatalf("expected exactly one group, got %d", res.NumGroups())
			}
			if got := value.FromArray(res.Batch.Columns[0], 0); got != value.NewInt(8, 64) {
				t.Fatalf("expected count 8, got %v", got)
			}
			if got := value.FromArray(res.Batch.Columns[1], 0).AsFloat(); got != 36 {
				t.Fatalf("expected sum 36, got %v", got)
			}
		})
	}
	t.Run("empty input has no groups", func(t *testing.T) {
		src, err := project.NewInMemorySource([]string{"x"}, []any{[]float64{}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		cfg := GroupByConfig{Aggregates: []AggregateFunctions{NewAggregateFunctions(Count, "x")}}
		res := runGroupBy(t, cfg, src)
		if res.NumGroups() != 0 {
			t.Fatalf("expected no groups, got %d", res.NumGroups())
		}
	})
}

func TestGroupByAllMissingColumn(t *testing.T) {
	src, err := project.NewInMemorySource(
		[]string{"g", "x"},
		[]any{
			[]string{"a", "a", "b"},
			project.Nullable{Values: []float64{0, 0, 1}, Valid: []bool{false, false, true}},
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	funcs := []AggrFunc{Min, Max, Sum, Mean, Variance, First, Last, Mode}
	aggs := []AggregateFunctions{NewAggregateFunctions(Count, "x")}
	for _, f := range funcs {
		aggs = append(aggs, NewAggregateFunctions(f, "x"))
	}
	aggs = append(aggs, NewQuantileFunction(Quantile, "x", 0.5), NewQuantileFunction(ApproxQuantile, "x", 0.5))

	res := runGroupBy(t, GroupByConfig{GroupColumns: []string{"g"}, Aggregates: aggs}, src)
	row := rowsByKey(t, res, 1)["a"]
	if row[1] != value.NewInt(2, 64) {
		t.Fatalf("expected count 2, got %v", row[1])
	}
	for i := 2; i < len(row); i++ {
		if !row[i].IsMissing() {
			t.Fatalf("column %s: expected missing, got %v", res.Batch.Schema.Field(i).Name, row[i])
		}
	}
}

func TestGroupByOverflowSkipsCell(t *testing.T) {
	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			src, err := project.NewInMemorySource(
				[]string{"g", "s", "x"},
				[]any{
					[]string{"k", "k", "k", "k", "z"},
					[]string{"a", "a", "b", "c", "a"},
					[]float64{1, 2, 3, 4, 5},
				},
			)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			cfg := GroupByConfig{
				GroupColumns: []string{"g"},
				Aggregates: []AggregateFunctions{
					NewAggregateFunctions(Mode, "s"),
					NewAggregateFunctions(Sum, "x"),
				},
				MaxUniqueValues: 2,
				Policy:          policy,
			}
			res := runGroupBy(t, cfg, src)
			if len(res.Skipped) != 1 {
				t.Fatalf("expected one skipped cell, got %v", res.Skipped)
			}
			sk := res.Skipped[0]
			if sk.Group.String() != "k" || sk.Column != "s" || sk.Aggregate != "mode_s" {
				t.Fatalf("unexpected skipped cell %+v", sk)
			}
			rows := rowsByKey(t, res, 1)
			if !rows["k"][1].IsMissing() {
				t.Fatalf("skipped cell should be null, got %v", rows["k"][1])
			}
			if rows["k"][2].AsFloat() != 10 {
				t.Fatalf("other aggregates of the group are kept, got %v", rows["k"][2])
			}
			if rows["z"][1] != value.NewOpaque("a") {
				t.Fatalf("other groups are unaffected, got %v", rows["z"][1])
			}
		})
	}
}

func TestGroupBySortGroups(t *testing.T) {
	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			cfg := GroupByConfig{
				GroupColumns: []string{"product"},
				Aggregates:   []AggregateFunctions{NewAggregateFunctions(Count, "qty")},
				Policy:       policy,
				SortGroups:   true,
			}
			res := runGroupBy(t, cfg, salesSource(t))
			col := res.Batch.Columns[0].(*array.String)
			if !col.IsNull(0) || col.Value(1) != "a" || col.Value(2) != "b" {
				t.Fatalf("expected null, a, b; got %v", col)
			}
		})
	}
}

func TestGroupByMemoryFirstSeenOrder(t *testing.T) {
	cfg := GroupByConfig{
		GroupColumns: []string{"region"},
		Aggregates:   []AggregateFunctions{NewAggregateFunctions(Count, "qty")},
	}
	res := runGroupBy(t, cfg, salesSource(t))
	col := res.Batch.Columns[0].(*array.String)
	for i, want := range []string{"north", "south", "east"} {
		if col.Value(i) != want {
			t.Fatalf("row %d: expected %s, got %s", i, want, col.Value(i))
		}
	}
}

func TestGroupByConfigErrors(t *testing.T) {
	src := salesSource(t)
	defer func() { _ = src.Close() }()
	cases := map[string]GroupByConfig{
		"unknown group column": {
			GroupColumns: []string{"nope"},
			Aggregates:   []AggregateFunctions{NewAggregateFunctions(Count, "qty")},
		},
		"unknown target column": {
			Aggregates: []AggregateFunctions{NewAggregateFunctions(Sum, "nope")},
		},
		"arithmetic on strings": {
			Aggregates: []AggregateFunctions{NewAggregateFunctions(Mean, "region")},
		},
		"percentile out of range": {
			Aggregates: []AggregateFunctions{NewQuantileFunction(Quantile, "amount", 1.5)},
		},
		"duplicate output": {
			Aggregates: []AggregateFunctions{
				NewAggregateFunctions(Sum, "qty"),
				NewAggregateFunctions(Sum, "qty"),
			},
		},
		"alias collides with a group column": {
			GroupColumns: []string{"region"},
			Aggregates:   []AggregateFunctions{{AggrFunc: Sum, Column: "qty", Alias: "region"}},
		},
		"negative epsilon": {
			Aggregates:      []AggregateFunctions{NewAggregateFunctions(Variance, "qty")},
			VarianceEpsilon: -1,
		},
		"unknown policy": {
			Aggregates: []AggregateFunctions{NewAggregateFunctions(Sum, "qty")},
			Policy:     MemoryPolicy(9),
		},
		"unknown estimation": {
			Aggregates: []AggregateFunctions{NewAggregateFunctions(Sum, "qty")},
			Estimation: EstimationType(42),
		},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewGroupByTable(cfg, src.Schema())
			if !errors.Is(err, operators.ErrInvalidConfiguration) {
				t.Fatalf("expected an invalid configuration error, got %v", err)
			}
		})
	}
}

func TestGroupByCancellation(t *testing.T) {
	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			src := salesSource(t)
			cfg := GroupByConfig{
				GroupColumns: []string{"region"},
				Aggregates:   []AggregateFunctions{NewAggregateFunctions(Count, "qty")},
				Policy:       policy,
			}
			table, err := NewGroupByTable(cfg, src.Schema())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			res, err := table.Aggregate(ctx, src)
			if res != nil {
				t.Fatalf("expected no partial result")
			}
			if !errors.Is(err, operators.ErrCanceled) || !errors.Is(err, context.Canceled) {
				t.Fatalf("expected a cancellation error, got %v", err)
			}
		})
	}
}

func TestGroupByMaxGroups(t *testing.T) {
	src := salesSource(t)
	cfg := GroupByConfig{
		GroupColumns: []string{"region"},
		Aggregates:   []AggregateFunctions{NewAggregateFunctions(Count, "qty")},
		MaxGroups:    2,
	}
	table, err := NewGroupByTable(cfg, src.Schema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = table.Aggregate(context.Background(), src)
	if !errors.Is(err, operators.ErrInsufficientResources) {
		t.Fatalf("expected insufficient resources, got %v", err)
	}

	// the out-of-core strategy is not bound by MaxGroups
	cfg.Policy = OutOfCore
	res := runGroupBy(t, cfg, salesSource(t))
	if res.NumGroups() != 3 {
		t.Fatalf("expected 3 groups, got %d", res.NumGroups())
	}
}

func TestGroupByProgress(t *testing.T) {
	for _, policy := range policies {
		t.Run(policy.String(), func(t *testing.T) {
			var seen []float64
			cfg := GroupByConfig{
				GroupColumns: []string{"region"},
				Aggregates:   []AggregateFunctions{NewAggregateFunctions(Sum, "qty")},
				Policy:       policy,
				BatchSize:    2,
				Progress:     func(f float64, _ string) { seen = append(seen, f) },
			}
			runGroupBy(t, cfg, salesSource(t))
			if len(seen) == 0 {
				t.Fatalf("expected progress reports")
			}
			for i := 1; i < len(seen); i++ {
				if seen[i] < seen[i-1] {
					t.Fatalf("progress went backwards: %v", seen)
				}
			}
			if last := seen[len(seen)-1]; last != 1 {
				t.Fatalf("expected to finish at 1, got %v", last)
			}
		})
	}
}

func TestGroupByExec(t *testing.T) {
	src := salesSource(t)
	cfg := GroupByConfig{
		GroupColumns: []string{"region", "product"},
		Aggregates:   []AggregateFunctions{NewAggregateFunctions(Sum, "amount")},
		SortGroups:   true,
	}
	exec, err := NewGroupByExec(context.Background(), src, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := exec.Next(0); !errors.Is(err, ErrZeroBatchSize) {
		t.Fatalf("expected ErrZeroBatchSize for n == 0, got %v", err)
	}
	var rows int
	var batches int
	for {
		rb, err := exec.Next(2)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rb.NumRows() > 2 {
			t.Fatalf("batch larger than requested: %d", rb.NumRows())
		}
		if !rb.Schema.Equal(exec.Schema()) {
			t.Fatalf("batch schema differs from operator schema")
		}
		rows += rb.NumRows()
		batches++
		rb.Release()
	}
	// (east,a) (north,a) (north,b) (south,b) (south,missing)
	if rows != 5 || batches != 3 {
		t.Fatalf("expected 5 rows in 3 batches, got %d rows in %d batches", rows, batches)
	}
	if _, err := exec.Next(2); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after exhaustion, got %v", err)
	}
	if len(exec.Skipped()) != 0 {
		t.Fatalf("expected nothing skipped")
	}
	if err := exec.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}
