package aggr

import (
	"context"

	"groupstat-go/logging"
	"groupstat-go/operators"
	"groupstat-go/value"

	"github.com/apache/arrow/go/v17/arrow"
)

// MemoryGroupByTable aggregates in a single pass with every group's
// accumulators resident. Output is in first seen group order.
type MemoryGroupByTable struct {
	plan *plan
}

type groupState struct {
	key  value.GroupKey
	accs []*Accumulator // nil entries were abandoned on overflow
}

func (m *MemoryGroupByTable) Schema() *arrow.Schema {
	return m.plan.output
}

func (m *MemoryGroupByTable) Aggregate(ctx context.Context, child operators.Operator) (*GroupByResult, error) {
	pl := m.plan
	log := logging.WithOperator("groupby")
	prog := operators.NewProgress(pl.cfg.Progress)

	groups := make(map[string]*groupState)
	var order []*groupState
	var skipped []SkippedCell

	rows, err := pl.scan(ctx, child, prog.Sub(0, 0.9), func(batch *operators.RecordBatch, row int) error {
		key := ProjectGroupKey(batch, pl.groupIdx, row)
		g, ok := groups[key.Encoded()]
		if !ok {
			if pl.cfg.MaxGroups > 0 && len(groups) >= pl.cfg.MaxGroups {
				return operators.ErrResources("more than %d groups, use the out-of-core policy", pl.cfg.MaxGroups)
			}
			g = &groupState{key: key, accs: pl.newAccumulators()}
			groups[key.Encoded()] = g
			order = append(order, g)
		}
		for j, acc := range g.accs {
			if acc == nil {
				continue
			}
			v := value.FromArray(batch.Columns[pl.aggIdx[j]], row)
			if v.IsMissing() {
				acc.ConsumeMissing()
				continue
			}
			if acc.Consume(v) {
				g.accs[j] = nil
				skipped = append(skipped, pl.skipped(g.key, j))
				log.Debug("accumulator overflow", "group", g.key.String(), "aggregate", pl.cfg.Aggregates[j].OutputName())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug("input consumed", "rows", rows, "groups", len(order))

	rb := newResultBuilder(pl)
	build := prog.Sub(0.9, 1)
	for i, g := range order {
		if err := canceled(ctx); err != nil {
			rb.release()
			return nil, err
		}
		if err := rb.appendGroup(g.key, g.accs); err != nil {
			rb.release()
			return nil, err
		}
		build.Rows(int64(i+1), int64(len(order)), "building result")
	}
	batch, err := rb.finish(ctx)
	if err != nil {
		return nil, err
	}
	prog.Report(1, "done")
	return &GroupByResult{Batch: batch, Skipped: skipped}, nil
}
