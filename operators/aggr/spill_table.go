package aggr

import (
	"context"
	"encoding/binary"
	"errors"

	"groupstat-go/logging"
	"groupstat-go/operators"
	"groupstat-go/storage"
	"groupstat-go/value"

	"github.com/apache/arrow/go/v17/arrow"
)

/*
Spill record layout
┌──────────────────────────────────────────────┐
│ key:   uint32 len | encoded group key | uint64 row sequence (BE)
│ value: encoded aggregate input values, one per aggregate
└──────────────────────────────────────────────┘
Iterating keys in order visits every group's rows contiguously and in input
order, so only one group's accumulators are alive at a time.
*/

// SpillGroupByTable is the out-of-core strategy. Output is in encoded group
// key order.
type SpillGroupByTable struct {
	plan *plan
	// openBackend is swapped in tests
	openBackend func(dir string) (storage.Backend, error)
}

func (s *SpillGroupByTable) Schema() *arrow.Schema {
	return s.plan.output
}

func openSpillBackend(dir string) (storage.Backend, error) {
	return storage.OpenBadger(dir)
}

func (s *SpillGroupByTable) Aggregate(ctx context.Context, child operators.Operator) (res *GroupByResult, err error) {
	pl := s.plan
	log := logging.WithOperator("groupby-spill")
	prog := operators.NewProgress(pl.cfg.Progress)

	open := s.openBackend
	if open == nil {
		open = openSpillBackend
	}
	backend, err := open(pl.cfg.SpillDir)
	if err != nil {
		return nil, operators.ErrResources("cannot open spill store: %v", err)
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	// pass 1: spill every row under its group key
	writer := backend.NewWriter()
	var key, val []byte
	var seq uint64
	rows, err := pl.scan(ctx, child, prog.Sub(0, 0.5), func(batch *operators.RecordBatch, row int) error {
		gk := ProjectGroupKey(batch, pl.groupIdx, row)
		key = storage.LengthPrefixed(key[:0], []byte(gk.Encoded()))
		key = binary.BigEndian.AppendUint64(key, seq)
		seq++
		val = val[:0]
		for _, idx := range pl.aggIdx {
			val = value.AppendEncoded(val, value.FromArray(batch.Columns[idx], row))
		}
		return writer.Put(key, val)
	})
	if err != nil {
		writer.Cancel()
		return nil, err
	}
	if err := writer.Flush(); err != nil {
		return nil, operators.ErrResources("spill flush failed: %v", err)
	}
	log.Debug("rows spilled", "rows", rows)

	// pass 2: one group at a time
	rb := newResultBuilder(pl)
	accs := pl.newAccumulators()
	live := make([]*Accumulator, len(accs))
	var skipped []SkippedCell
	var current []byte
	var currentKey value.GroupKey
	var visited int64
	groups := 0
	aggregate := prog.Sub(0.5, 1)

	flush := func() error {
		if current == nil {
			return nil
		}
		groups++
		return rb.appendGroup(currentKey, live)
	}

	err = backend.Iterate(nil, func(k, v []byte) error {
		if visited%checkEvery == 0 {
			if err := canceled(ctx); err != nil {
				return err
			}
			aggregate.Rows(visited, rows, "aggregating groups")
		}
		visited++
		enc, _, err := storage.SplitLengthPrefixed(k)
		if err != nil {
			return err
		}
		if current == nil || string(enc) != string(current) {
			if err := flush(); err != nil {
				return err
			}
			if err := canceled(ctx); err != nil {
				return err
			}
			current = append(current[:0], enc...)
			if currentKey, err = value.DecodeGroupKey(current); err != nil {
				return err
			}
			for j, acc := range accs {
				acc.Reset()
				live[j] = acc
			}
		}
		vals, err := value.DecodeAll(v)
		if err != nil {
			return err
		}
		if len(vals) != len(live) {
			return errors.New("spill record does not match the aggregate list")
		}
		for j, acc := range live {
			if acc == nil {
				continue
			}
			if vals[j].IsMissing() {
				acc.ConsumeMissing()
				continue
			}
			if acc.Consume(vals[j]) {
				live[j] = nil
				skipped = append(skipped, pl.skipped(currentKey, j))
			}
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		rb.release()
		return nil, err
	}
	batch, err := rb.finish(ctx)
	if err != nil {
		return nil, err
	}
	log.Debug("groups aggregated", "groups", groups, "skipped", len(skipped))
	prog.Report(1, "done")
	return &GroupByResult{Batch: batch, Skipped: skipped}, nil
}
