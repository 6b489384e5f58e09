package operators

// Progress wraps a ProgressFunc so reported fractions never go backwards and
// stay inside the phase's [lo, hi] slice of [0,1]. A nil *Progress or a nil
// func makes every call a no-op.
type Progress struct {
	fn     ProgressFunc
	lo, hi float64
	last   *float64 // shared by a phase and all of its sub phases
}

func NewProgress(fn ProgressFunc) *Progress {
	var last float64
	return &Progress{fn: fn, lo: 0, hi: 1, last: &last}
}

// Sub maps [0,1] of a nested phase onto [lo,hi] of this phase.
func (p *Progress) Sub(lo, hi float64) *Progress {
	if p == nil {
		return nil
	}
	width := p.hi - p.lo
	return &Progress{fn: p.fn, lo: p.lo + lo*width, hi: p.lo + hi*width, last: p.last}
}

// Report takes a fraction of this phase.
func (p *Progress) Report(fraction float64, msg string) {
	if p == nil || p.fn == nil {
		return
	}
	fraction = min(max(fraction, 0), 1)
	v := p.lo + fraction*(p.hi-p.lo)
	if v < *p.last {
		v = *p.last
	}
	*p.last = v
	p.fn(v, msg)
}

// Rows reports done/total when the total is known.
func (p *Progress) Rows(done, total int64, msg string) {
	if total <= 0 {
		return
	}
	p.Report(float64(done)/float64(total), msg)
}
