package aggr

import (
	"fmt"
	"math"
	"strings"
)

// EstimationType picks how a percentile maps onto a position in the sorted
// sample. R_1 to R_9 are the Hyndman and Fan definitions; LEGACY is p(n+1)
// with the ends pinned. The zero value selects DefaultEstimation.
type EstimationType int

const (
	Legacy EstimationType = iota + 1
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
)

// DefaultEstimation is the spreadsheet and R default: linear interpolation
// between order statistics at 1 + (n-1)p.
const DefaultEstimation = R7

var estimationNames = [...]string{"", "LEGACY", "R_1", "R_2", "R_3", "R_4", "R_5", "R_6", "R_7", "R_8", "R_9"}

var ErrUnknownEstimation = func(s string) error {
	return fmt.Errorf("unknown estimation type %q", s)
}

func (e EstimationType) String() string {
	if !e.valid() {
		return fmt.Sprintf("EstimationType(%d)", int(e))
	}
	return estimationNames[e.orDefault()]
}

func (e EstimationType) valid() bool {
	return e >= 0 && e <= R9
}

func (e EstimationType) orDefault() EstimationType {
	if e == 0 {
		return DefaultEstimation
	}
	return e
}

// ParseEstimationType accepts LEGACY and R_1..R_9 (R1 and lowercase work too).
// An empty string selects DefaultEstimation.
func ParseEstimationType(s string) (EstimationType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "" {
		return DefaultEstimation, nil
	}
	for i, n := range estimationNames {
		if n == "" {
			continue
		}
		if n == name || strings.ReplaceAll(n, "_", "") == name {
			return EstimationType(i), nil
		}
	}
	return 0, ErrUnknownEstimation(s)
}

// position is the 1 based, possibly fractional, index of percentile p in a
// sample of length n.
func (e EstimationType) position(p float64, n int) float64 {
	l := float64(n)
	switch e {
	case R1:
		if p == 0 {
			return 0
		}
		return l*p + 0.5
	case R2:
		switch p {
		case 1:
			return l
		case 0:
			return 0
		}
		return l*p + 0.5
	case R3:
		if p <= 0.5/l {
			return 0
		}
		return math.RoundToEven(l * p)
	case R4:
		return limited(p, 1/l, 1, l, l*p)
	case R5:
		return limitedUpper(p, 0.5/l, (l-0.5)/l, l, l*p+0.5)
	case R6:
		return limitedUpper(p, 1/(l+1), l/(l+1), l, (l+1)*p)
	case R7:
		switch p {
		case 0:
			return 0
		case 1:
			return l
		}
		return 1 + (l-1)*p
	case R8:
		third := 1.0 / 3
		return limitedUpper(p, 2*third/(l+third), (l-third)/(l+third), l, (l+third)*p+third)
	case R9:
		return limitedUpper(p, 0.625/(l+0.25), (l-0.375)/(l+0.25), l, (l+0.25)*p+0.375)
	default: // Legacy
		switch p {
		case 0:
			return 0
		case 1:
			return l
		}
		return p * (l + 1)
	}
}

// below lo -> 0, exactly hi -> n
func limited(p, lo, hi, n, pos float64) float64 {
	switch {
	case p < lo:
		return 0
	case p == hi:
		return n
	}
	return pos
}

// below lo -> 0, at or above hi -> n
func limitedUpper(p, lo, hi, n, pos float64) float64 {
	switch {
	case p < lo:
		return 0
	case p >= hi:
		return n
	}
	return pos
}

// Estimate returns percentile p of sorted, which must be ascending and non
// empty.
func (e EstimationType) Estimate(sorted []float64, p float64) float64 {
	e = e.orDefault()
	n := len(sorted)
	pos := e.position(p, n)
	switch e {
	case R1:
		return interpolate(sorted, math.Ceil(pos-0.5))
	case R2:
		low := interpolate(sorted, math.Ceil(pos-0.5))
		high := interpolate(sorted, math.Floor(pos+0.5))
		return (low + high) / 2
	default:
		return interpolate(sorted, pos)
	}
}

// interpolate reads sorted at 1 based position pos, linearly between the two
// neighbouring order statistics, clamped to the sample ends.
func interpolate(sorted []float64, pos float64) float64 {
	n := len(sorted)
	if pos < 1 {
		return sorted[0]
	}
	if pos >= float64(n) {
		return sorted[n-1]
	}
	fpos := math.Floor(pos)
	i := int(fpos)
	dif := pos - fpos
	lower, upper := sorted[i-1], sorted[i]
	return lower + dif*(upper-lower)
}
