package aggr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"groupstat-go/operators"
	"groupstat-go/value"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

/*
rules for group by:
1. rows with equal values in every group column share one group; missing is a value of its own
2. no group columns means one global group (and no group at all for an empty input)
3. one output row per group: the group columns followed by one column per aggregate
*/
var (
	_ = (operators.Operator)(&GroupByExec{})
	_ = (GroupByTable)(&MemoryGroupByTable{})
	_ = (GroupByTable)(&SpillGroupByTable{})
)

// cancellation is checked this often, in rows
const checkEvery = 1024

const defaultBatchSize = 1024

type MemoryPolicy int

const (
	// InMemory keeps one accumulator set per group in a hash table.
	InMemory MemoryPolicy = iota
	// OutOfCore spills rows to an ordered store and aggregates one group at a time.
	OutOfCore
)

func (m MemoryPolicy) String() string {
	switch m {
	case InMemory:
		return "in_memory"
	case OutOfCore:
		return "out_of_core"
	default:
		return fmt.Sprintf("MemoryPolicy(%d)", int(m))
	}
}

func ParseMemoryPolicy(s string) (MemoryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "in_memory", "inmemory", "memory":
		return InMemory, nil
	case "out_of_core", "outofcore", "spill", "disk":
		return OutOfCore, nil
	}
	return 0, operators.ErrConfig("unknown memory policy %q", s)
}

type GroupByConfig struct {
	GroupColumns    []string
	Aggregates      []AggregateFunctions
	MaxUniqueValues int // <= 0 is unbounded
	Policy          MemoryPolicy
	Estimation      EstimationType
	VarianceEpsilon float64 // 0 selects DefaultVarianceEpsilon
	MaxGroups       int     // in-memory group budget, <= 0 is unbounded
	SortGroups      bool    // sort output by group columns, nulls first
	SpillDir        string  // out-of-core only, empty spills to an in-memory store
	BatchSize       uint16  // rows pulled from the child per Next
	Progress        operators.ProgressFunc
}

// SkippedCell is a (group, aggregate) pair abandoned because its accumulator
// overflowed MaxUniqueValues. Its result cell is null.
type SkippedCell struct {
	Group     value.GroupKey
	Column    string // input column
	Aggregate string // output column
}

func (s SkippedCell) String() string {
	return fmt.Sprintf("group <%s> aggregate %s", s.Group, s.Aggregate)
}

type GroupByResult struct {
	Batch   *operators.RecordBatch
	Skipped []SkippedCell
}

func (r *GroupByResult) NumGroups() int {
	if r.Batch == nil {
		return 0
	}
	return r.Batch.NumRows()
}

// GroupByTable is a grouped aggregation strategy. Aggregate drains child but
// does not close it.
type GroupByTable interface {
	Aggregate(ctx context.Context, child operators.Operator) (*GroupByResult, error)
	Schema() *arrow.Schema
}

// NewGroupByTable validates cfg against the input schema and returns the
// strategy cfg.Policy selects. Every configuration error is returned here,
// before any row is read.
func NewGroupByTable(cfg GroupByConfig, schema *arrow.Schema) (GroupByTable, error) {
	pl, err := buildPlan(cfg, schema)
	if err != nil {
		return nil, err
	}
	switch cfg.Policy {
	case InMemory:
		return &MemoryGroupByTable{plan: pl}, nil
	case OutOfCore:
		return &SpillGroupByTable{plan: pl}, nil
	default:
		return nil, operators.ErrConfig("unknown memory policy %d", int(cfg.Policy))
	}
}

// plan is the resolved, validated form of a GroupByConfig shared by both strategies.
type plan struct {
	cfg      GroupByConfig
	input    *arrow.Schema
	groupIdx []int
	aggIdx   []int
	output   *arrow.Schema
	accOpts  AccumulatorOptions
}

func buildPlan(cfg GroupByConfig, schema *arrow.Schema) (*plan, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.VarianceEpsilon < 0 {
		return nil, operators.ErrConfig("variance epsilon must be >= 0, got %v", cfg.VarianceEpsilon)
	}
	if cfg.VarianceEpsilon == 0 {
		cfg.VarianceEpsilon = DefaultVarianceEpsilon
	}
	if !cfg.Estimation.valid() {
		return nil, operators.ErrConfig("unknown estimation type %d", int(cfg.Estimation))
	}
	if cfg.Policy != InMemory && cfg.Policy != OutOfCore {
		return nil, operators.ErrConfig("unknown memory policy %d", int(cfg.Policy))
	}
	pl := &plan{
		cfg:   cfg,
		input: schema,
		accOpts: AccumulatorOptions{
			MaxUniqueValues: cfg.MaxUniqueValues,
			Estimation:      cfg.Estimation,
			VarianceEpsilon: cfg.VarianceEpsilon,
		},
	}
	fields := make([]arrow.Field, 0, len(cfg.GroupColumns)+len(cfg.Aggregates))
	names := make(map[string]struct{})

	for _, col := range cfg.GroupColumns {
		idx, err := resolveColumn(schema, col)
		if err != nil {
			return nil, err
		}
		dt := schema.Field(idx).Type
		if !value.Supported(dt) {
			return nil, operators.ErrConfig("group column %s has unsupported type %s", col, dt)
		}
		if _, dup := names[col]; dup {
			return nil, operators.ErrConfig("group column %s listed twice", col)
		}
		names[col] = struct{}{}
		pl.groupIdx = append(pl.groupIdx, idx)
		fields = append(fields, arrow.Field{Name: col, Type: dt, Nullable: true})
	}

	for _, agg := range cfg.Aggregates {
		if _, ok := aggrNames[agg.AggrFunc]; !ok {
			return nil, operators.ErrConfig("unsupported aggregate function %d", int(agg.AggrFunc))
		}
		idx, err := resolveColumn(schema, agg.Column)
		if err != nil {
			return nil, err
		}
		dt := schema.Field(idx).Type
		if !value.Supported(dt) {
			return nil, operators.ErrConfig("column %s has unsupported type %s", agg.Column, dt)
		}
		if agg.AggrFunc.numericOnly() && !value.IsNumericType(dt) {
			return nil, operators.ErrConfig("%s needs a numeric column, %s is %s", agg.AggrFunc, agg.Column, dt)
		}
		if agg.AggrFunc.isQuantile() && !validPercentile(agg.Percentile) {
			return nil, operators.ErrConfig("percentile must be within [0,1], got %v", agg.Percentile)
		}
		name := agg.OutputName()
		if _, dup := names[name]; dup {
			return nil, operators.ErrConfig("output column %s produced twice", name)
		}
		names[name] = struct{}{}
		pl.aggIdx = append(pl.aggIdx, idx)
		fields = append(fields, arrow.Field{Name: name, Type: agg.AggrFunc.resultType(dt), Nullable: true})
	}
	pl.output = arrow.NewSchema(fields, nil)
	return pl, nil
}

func resolveColumn(schema *arrow.Schema, name string) (int, error) {
	idx := schema.FieldIndices(name)
	if len(idx) == 0 {
		return -1, operators.ErrConfig("column %s not found", name)
	}
	return idx[0], nil
}

// ProjectGroupKey builds the key of row i from the columns at groupIdx. Both
// strategies and the outlier treatment derive group identity through it.
func ProjectGroupKey(batch *operators.RecordBatch, groupIdx []int, row int) value.GroupKey {
	vals := make([]value.Value, len(groupIdx))
	for j, idx := range groupIdx {
		vals[j] = value.FromArray(batch.Columns[idx], row)
	}
	return value.NewGroupKey(vals...)
}

func (pl *plan) newAccumulators() []*Accumulator {
	accs := make([]*Accumulator, len(pl.cfg.Aggregates))
	for i, agg := range pl.cfg.Aggregates {
		accs[i] = NewAccumulator(agg, pl.accOpts)
	}
	return accs
}

func (pl *plan) skipped(key value.GroupKey, aggIdx int) SkippedCell {
	agg := pl.cfg.Aggregates[aggIdx]
	return SkippedCell{Group: key, Column: agg.Column, Aggregate: agg.OutputName()}
}

func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return operators.ErrCanceledBy(err)
	}
	return nil
}

// scan pulls every batch from child and hands each row to fn. Batches are
// released once fn has seen all their rows.
func (pl *plan) scan(ctx context.Context, child operators.Operator, prog *operators.Progress,
	fn func(batch *operators.RecordBatch, row int) error) (int64, error) {
	var total int64 = -1
	if rc, ok := child.(operators.RowCounter); ok {
		total = rc.NumRows()
	}
	var rows int64
	for {
		if err := canceled(ctx); err != nil {
			return rows, err
		}
		batch, err := child.Next(pl.cfg.BatchSize)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		n := batch.NumRows()
		for i := 0; i < n; i++ {
			if rows%checkEvery == 0 {
				if err := canceled(ctx); err != nil {
					batch.Release()
					return rows, err
				}
			}
			if err := fn(batch, i); err != nil {
				batch.Release()
				return rows, err
			}
			rows++
		}
		batch.Release()
		prog.Rows(rows, total, "reading rows")
	}
}

// resultBuilder assembles the output batch one group at a time.
type resultBuilder struct {
	pl       *plan
	builders []array.Builder
	rows     int
}

func newResultBuilder(pl *plan) *resultBuilder {
	mem := memory.NewGoAllocator()
	builders := make([]array.Builder, pl.output.NumFields())
	for i, f := range pl.output.Fields() {
		builders[i] = array.NewBuilder(mem, f.Type)
	}
	return &resultBuilder{pl: pl, builders: builders}
}

// appendGroup writes one output row. A nil accumulator writes a null cell.
func (rb *resultBuilder) appendGroup(key value.GroupKey, accs []*Accumulator) error {
	for j := 0; j < key.Len(); j++ {
		if err := value.Append(rb.builders[j], key.At(j)); err != nil {
			return err
		}
	}
	off := key.Len()
	for j, acc := range accs {
		b := rb.builders[off+j]
		if acc == nil {
			b.AppendNull()
			continue
		}
		if err := value.Append(b, acc.Result()); err != nil {
			return err
		}
	}
	rb.rows++
	return nil
}

func (rb *resultBuilder) finish(ctx context.Context) (*operators.RecordBatch, error) {
	cols := make([]arrow.Array, len(rb.builders))
	for i, b := range rb.builders {
		cols[i] = b.NewArray()
		b.Release()
	}
	batch := &operators.RecordBatch{Schema: rb.pl.output, Columns: cols, RowCount: uint64(rb.rows)}
	if !rb.pl.cfg.SortGroups || len(rb.pl.groupIdx) == 0 || rb.rows < 2 {
		return batch, nil
	}
	keys := make([]SortKey, len(rb.pl.groupIdx))
	for i := range keys {
		keys[i] = SortKey{Column: i, Ascending: true, NullFirst: true}
	}
	sorted, err := SortBatch(ctx, batch, keys)
	batch.Release()
	return sorted, err
}

func (rb *resultBuilder) release() {
	for _, b := range rb.builders {
		b.Release()
	}
}

// ===================
// GroupBy Operator
// ===================
var ErrZeroBatchSize = errors.New("must pass in wanted batch size > 0")

// GroupByExec exposes a GroupByTable as a pull based operator. The first Next
// drains the child; later calls hand out the result in slices of n rows.
type GroupByExec struct {
	ctx    context.Context
	child  operators.Operator
	table  GroupByTable
	result *GroupByResult
	offset int
	done   bool
}

func NewGroupByExec(ctx context.Context, child operators.Operator, cfg GroupByConfig) (*GroupByExec, error) {
	table, err := NewGroupByTable(cfg, child.Schema())
	if err != nil {
		return nil, err
	}
	return &GroupByExec{ctx: ctx, child: child, table: table}, nil
}

func (g *GroupByExec) Next(n uint16) (*operators.RecordBatch, error) {
	if n == 0 {
		return nil, ErrZeroBatchSize
	}
	if g.done {
		return nil, io.EOF
	}
	if g.result == nil {
		res, err := g.table.Aggregate(g.ctx, g.child)
		if err != nil {
			return nil, err
		}
		g.result = res
	}
	total := g.result.NumGroups()
	if g.offset >= total {
		g.done = true
		return nil, io.EOF
	}
	end := min(g.offset+int(n), total)
	cols := make([]arrow.Array, len(g.result.Batch.Columns))
	for i, c := range g.result.Batch.Columns {
		cols[i] = array.NewSlice(c, int64(g.offset), int64(end))
	}
	rows := end - g.offset
	g.offset = end
	return &operators.RecordBatch{Schema: g.table.Schema(), Columns: cols, RowCount: uint64(rows)}, nil
}

// Skipped is available once Next has been called.
func (g *GroupByExec) Skipped() []SkippedCell {
	if g.result == nil {
		return nil
	}
	return g.result.Skipped
}

func (g *GroupByExec) Schema() *arrow.Schema {
	return g.table.Schema()
}

func (g *GroupByExec) Close() error {
	if g.result != nil && g.result.Batch != nil {
		g.result.Batch.Release()
	}
	return g.child.Close()
}
