package outlier

import (
	"context"
	"fmt"

	"groupstat-go/logging"
	"groupstat-go/operators"
	"groupstat-go/operators/aggr"
	"groupstat-go/storage"
	"groupstat-go/value"
)

const (
	lowerQuartile = 0.25
	upperQuartile = 0.75
)

// ComputeBounds aggregates the first and third quartile of every outlier
// column per group and turns them into IQR intervals. Groups whose column
// holds only missing values get no interval and a warning. src is drained but
// not closed.
func ComputeBounds(ctx context.Context, src operators.Operator, s Settings) (BoundsMap, []string, error) {
	return computeBounds(ctx, src, s, operators.NewProgress(s.Progress))
}

func quartileAggregates(s Settings) []aggr.AggregateFunctions {
	fn := aggr.Quantile
	if s.MemoryPolicy == aggr.OutOfCore {
		fn = aggr.ApproxQuantile
	}
	aggs := make([]aggr.AggregateFunctions, 0, 2*len(s.Columns))
	for _, c := range s.Columns {
		aggs = append(aggs,
			aggr.NewQuantileFunction(fn, c, lowerQuartile),
			aggr.NewQuantileFunction(fn, c, upperQuartile),
		)
	}
	return aggs
}

func computeBounds(ctx context.Context, src operators.Operator, s Settings, prog *operators.Progress) (BoundsMap, []string, error) {
	if err := s.ValidateSchema(src.Schema()); err != nil {
		return nil, nil, err
	}
	log := logging.WithOperator("outlier-bounds")
	engine := prog.Sub(0, 0.875)
	cfg := aggr.GroupByConfig{
		GroupColumns:    s.GroupColumns,
		Aggregates:      quartileAggregates(s),
		MaxUniqueValues: s.MaxUniqueValues,
		Policy:          s.MemoryPolicy,
		Estimation:      s.Estimation,
		MaxGroups:       s.MaxGroups,
		SpillDir:        s.SpillDir,
		BatchSize:       s.BatchSize,
		Progress:        engine.Report,
	}
	table, err := aggr.NewGroupByTable(cfg, src.Schema())
	if err != nil {
		return nil, nil, err
	}
	res, err := table.Aggregate(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	defer res.Batch.Release()
	if len(res.Skipped) > 0 {
		return nil, nil, operators.ErrResources(
			"%d group/column pairs exceeded the unique value limit of %d, first: %s",
			len(res.Skipped), s.MaxUniqueValues, res.Skipped[0])
	}

	var w boundsWriter
	if s.MemoryPolicy == aggr.OutOfCore {
		backend, err := storage.OpenBadger(s.SpillDir)
		if err != nil {
			return nil, nil, operators.ErrResources("cannot open bounds store: %v", err)
		}
		sb, err := newSpilledBounds(backend)
		if err != nil {
			_ = backend.Close()
			return nil, nil, err
		}
		w = sb
	} else {
		w = newMemoryBounds()
	}

	build := prog.Sub(0.875, 1)
	var warnings []string
	groupCols := len(s.GroupColumns)
	batch := res.Batch
	for row := 0; row < res.NumGroups(); row++ {
		if err := ctx.Err(); err != nil {
			w.cancel()
			return nil, nil, operators.ErrCanceledBy(err)
		}
		vals := make([]value.Value, groupCols)
		for g := range vals {
			vals[g] = value.FromArray(batch.Columns[g], row)
		}
		key := value.NewGroupKey(vals...)
		for j, c := range s.Columns {
			q1 := value.FromArray(batch.Columns[groupCols+2*j], row)
			q3 := value.FromArray(batch.Columns[groupCols+2*j+1], row)
			if q1.IsMissing() || q3.IsMissing() {
				msg := fmt.Sprintf("Group <%s> contains only missing values in column %s", key, c)
				warnings = append(warnings, msg)
				logging.WithColumn("outlier-bounds", c).Warn(msg)
				continue
			}
			iqr := s.IQRScalar * (q3.AsFloat() - q1.AsFloat())
			iv := Interval{Lower: q1.AsFloat() - iqr, Upper: q3.AsFloat() + iqr}
			if err := w.put(key, c, iv); err != nil {
				w.cancel()
				return nil, nil, err
			}
		}
		build.Rows(int64(row+1), int64(res.NumGroups()), "computing bounds")
	}
	bounds, err := w.done()
	if err != nil {
		w.cancel()
		return nil, nil, err
	}
	log.Debug("bounds computed", "groups", res.NumGroups(), "intervals", bounds.Len())
	prog.Report(1, "bounds computed")
	return bounds, warnings, nil
}
