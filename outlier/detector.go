package outlier

import (
	"context"
	"errors"
	"io"

	"groupstat-go/logging"
	"groupstat-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

// Detector runs the whole pipeline: quartiles per group, intervals, then the
// treatment over a second scan of the input.
type Detector struct {
	settings Settings
}

func NewDetector(s Settings) (*Detector, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Detector{settings: s}, nil
}

// Result owns its batches and bounds; Close releases both.
type Result struct {
	Schema   *arrow.Schema
	Batches  []*operators.RecordBatch
	Bounds   BoundsMap
	Warnings []string
}

func (r *Result) NumRows() int {
	var n int
	for _, b := range r.Batches {
		n += b.NumRows()
	}
	return n
}

func (r *Result) Close() error {
	for _, b := range r.Batches {
		b.Release()
	}
	r.Batches = nil
	if r.Bounds != nil {
		return r.Bounds.Close()
	}
	return nil
}

// Run opens the input twice. Progress goes 0 to 0.7 while aggregating, up to
// 0.8 while building intervals and up to 1 during the treatment.
func (d *Detector) Run(ctx context.Context, open operators.Opener) (*Result, error) {
	log := logging.WithOperator("outlier")
	prog := operators.NewProgress(d.settings.Progress)

	src, err := open()
	if err != nil {
		return nil, err
	}
	bounds, warnings, err := computeBounds(ctx, src, d.settings, prog.Sub(0, 0.8))
	if cerr := src.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		if bounds != nil {
			_ = bounds.Close()
		}
		return nil, err
	}
	log.Debug("bounds ready", "intervals", bounds.Len(), "warnings", len(warnings))

	res := &Result{Bounds: bounds, Warnings: warnings}
	if err := d.treat(ctx, open, res, prog.Sub(0.8, 1)); err != nil {
		_ = res.Close()
		return nil, err
	}
	prog.Report(1, "done")
	return res, nil
}

func (d *Detector) treat(ctx context.Context, open operators.Opener, res *Result, prog *operators.Progress) (err error) {
	src, err := open()
	if err != nil {
		return err
	}
	var total int64 = -1
	if rc, ok := src.(operators.RowCounter); ok {
		total = rc.NumRows()
	}
	exec, err := NewTreatmentExec(src, res.Bounds, d.settings)
	if err != nil {
		_ = src.Close()
		return err
	}
	defer func() {
		if cerr := exec.Close(); err == nil {
			err = cerr
		}
	}()
	res.Schema = exec.Schema()
	batchSize := d.settings.BatchSize
	if batchSize == 0 {
		batchSize = 1024
	}
	for {
		if err := ctx.Err(); err != nil {
			return operators.ErrCanceledBy(err)
		}
		rb, err := exec.Next(batchSize)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		res.Batches = append(res.Batches, rb)
		prog.Rows(exec.rowsIn, total, "treating rows")
	}
	res.Warnings = append(res.Warnings, exec.Warnings()...)
	return nil
}
