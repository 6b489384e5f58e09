package aggr

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"groupstat-go/value"

	"github.com/apache/arrow/go/v17/arrow"
)

var (
	ErrUnsupportedAggrFunc = func(name string) error {
		return fmt.Errorf("%s is an unsupported aggregate function", name)
	}
)

// AggrFunc represents the type of aggregation function to be performed.
type AggrFunc int

const (
	Min AggrFunc = iota
	Max
	Count
	Sum
	Mean
	Variance
	First
	Last
	Mode
	Quantile       // exact, buffers the group's sample
	ApproxQuantile // P², constant memory
)

var aggrNames = map[AggrFunc]string{
	Min:            "min",
	Max:            "max",
	Count:          "count",
	Sum:            "sum",
	Mean:           "mean",
	Variance:       "variance",
	First:          "first",
	Last:           "last",
	Mode:           "mode",
	Quantile:       "quantile",
	ApproxQuantile: "psquare",
}

func (f AggrFunc) String() string {
	if s, ok := aggrNames[f]; ok {
		return s
	}
	return "unknown"
}

// ParseAggrFunc accepts the names produced by String, case insensitive, plus a
// few common aliases.
func ParseAggrFunc(s string) (AggrFunc, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "avg", "average":
		return Mean, nil
	case "var":
		return Variance, nil
	case "approx_quantile", "approxquantile":
		return ApproxQuantile, nil
	}
	for f, n := range aggrNames {
		if n == name {
			return f, nil
		}
	}
	return 0, ErrUnsupportedAggrFunc(s)
}

// numericOnly functions reject non numeric target columns at configuration time.
func (f AggrFunc) numericOnly() bool {
	switch f {
	case Count, First, Last, Mode:
		return false
	default:
		return true
	}
}

func (f AggrFunc) isQuantile() bool {
	return f == Quantile || f == ApproxQuantile
}

// resultType is int64 for Count, the input type for value picking functions
// and extremes, and float64 for everything computed.
func (f AggrFunc) resultType(input arrow.DataType) arrow.DataType {
	switch f {
	case Count:
		return arrow.PrimitiveTypes.Int64
	case Min, Max, First, Last, Mode:
		return input
	default:
		return arrow.PrimitiveTypes.Float64
	}
}

type AggregateFunctions struct {
	AggrFunc   AggrFunc // switch to deal with separate aggregate functions
	Column     string
	Percentile float64 // only read by Quantile and ApproxQuantile
	Alias      string  // output column name, derived when empty
}

func NewAggregateFunctions(aggrFunc AggrFunc, column string) AggregateFunctions {
	return AggregateFunctions{
		AggrFunc: aggrFunc,
		Column:   column,
	}
}

func NewQuantileFunction(aggrFunc AggrFunc, column string, percentile float64) AggregateFunctions {
	return AggregateFunctions{
		AggrFunc:   aggrFunc,
		Column:     column,
		Percentile: percentile,
	}
}

// OutputName is min_col, quantile_0.25_col, psquare_0.75_col or the alias.
func (a AggregateFunctions) OutputName() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.AggrFunc.isQuantile() {
		return fmt.Sprintf("%s_%s_%s", a.AggrFunc, strconv.FormatFloat(a.Percentile, 'g', -1, 64), a.Column)
	}
	return fmt.Sprintf("%s_%s", a.AggrFunc, a.Column)
}

// DefaultVarianceEpsilon is the default width of the window below zero in
// which a negative variance is treated as cancellation noise and reported as 0.
const DefaultVarianceEpsilon = 1e8

type AccumulatorOptions struct {
	// MaxUniqueValues bounds Mode's distinct values and Quantile's buffered
	// sample. <= 0 means unbounded.
	MaxUniqueValues int
	Estimation      EstimationType
	VarianceEpsilon float64
}

// Accumulator is the per (group, aggregate) state. All kinds share one struct
// and dispatch on fn, so a group's accumulators live in one slice.
type Accumulator struct {
	fn   AggrFunc
	p    float64
	opts AccumulatorOptions

	rows  int64 // every row, missing included
	n     int64 // numeric values consumed
	sum   float64
	sumSq float64
	lo    float64
	hi    float64
	pick  value.Value // First / Last / Min / Max
	has   bool

	counts map[string]int64 // Mode, keyed by encoded value
	order  []value.Value    // Mode insertion order
	sample []float64        // Quantile
	ps     pSquare          // ApproxQuantile
}

func NewAccumulator(agg AggregateFunctions, opts AccumulatorOptions) *Accumulator {
	a := &Accumulator{fn: agg.AggrFunc, p: agg.Percentile, opts: opts}
	a.Reset()
	return a
}

func (a *Accumulator) Func() AggrFunc { return a.fn }

// Consume feeds one non missing value. It returns true when the value would
// push Mode or Quantile over MaxUniqueValues; the value is not recorded and the
// caller should abandon this accumulator.
func (a *Accumulator) Consume(v value.Value) bool {
	if v.IsMissing() {
		a.ConsumeMissing()
		return false
	}
	a.rows++
	switch a.fn {
	case Count:
	case First:
		if !a.has {
			a.pick, a.has = v, true
		}
	case Last:
		a.pick, a.has = v, true
	case Mode:
		k := modeKey(v)
		if _, seen := a.counts[k]; !seen {
			if a.opts.MaxUniqueValues > 0 && len(a.counts) >= a.opts.MaxUniqueValues {
				a.rows--
				return true
			}
			a.order = append(a.order, v)
		}
		a.counts[k]++
	default:
		if !v.IsNumeric() {
			return false
		}
		if a.fn == Min || a.fn == Max {
			a.extremum(v)
		}
		return a.consumeNumber(v.AsFloat())
	}
	return false
}

func modeKey(v value.Value) string {
	return string(value.AppendEncoded(nil, v))
}

// extremum keeps the exact input value so 64 bit integers survive. A NaN is
// replaced by the next number.
func (a *Accumulator) extremum(v value.Value) {
	if !a.has || math.IsNaN(a.pick.AsFloat()) {
		a.pick, a.has = v, true
		return
	}
	c := value.Compare(v, a.pick)
	if (a.fn == Min && c < 0) || (a.fn == Max && c > 0) {
		a.pick = v
	}
}

func (a *Accumulator) consumeNumber(x float64) bool {
	switch a.fn {
	case Quantile:
		if a.opts.MaxUniqueValues > 0 && len(a.sample) >= a.opts.MaxUniqueValues {
			a.rows--
			return true
		}
		a.sample = append(a.sample, x)
	case ApproxQuantile:
		a.ps.add(x)
	}
	if a.n == 0 {
		a.lo, a.hi = x, x
	} else {
		a.lo = min(a.lo, x)
		a.hi = max(a.hi, x)
	}
	a.n++
	a.sum += x
	a.sumSq += x * x
	return false
}

// ConsumeMissing records a row whose value is missing. Only Count observes it.
func (a *Accumulator) ConsumeMissing() {
	a.rows++
}

func (a *Accumulator) Result() value.Value {
	switch a.fn {
	case Count:
		return value.NewInt(a.rows, 64)
	case First, Last:
		if !a.has {
			return value.Missing()
		}
		return a.pick
	case Mode:
		return a.mode()
	}
	if a.n == 0 {
		return value.Missing()
	}
	switch a.fn {
	case Min, Max:
		return a.pick
	case Sum:
		return value.NewFloat(a.sum)
	case Mean:
		return value.NewFloat(a.sum / float64(a.n))
	case Variance:
		return a.variance()
	case Quantile:
		sorted := slices.Clone(a.sample)
		slices.Sort(sorted)
		return value.NewFloat(a.opts.Estimation.Estimate(sorted, a.p))
	case ApproxQuantile:
		return value.NewFloat(a.ps.result())
	}
	return value.Missing()
}

func (a *Accumulator) variance() value.Value {
	if a.n <= 1 {
		return value.Missing()
	}
	if a.lo == a.hi {
		return value.NewFloat(0)
	}
	n := float64(a.n)
	v := (a.sumSq - a.sum*a.sum/n) / (n - 1)
	if v < 0 && v > -a.opts.VarianceEpsilon {
		v = 0
	}
	return value.NewFloat(v)
}

// ties go to the value inserted first
func (a *Accumulator) mode() value.Value {
	best := value.Missing()
	var bestCount int64
	for _, v := range a.order {
		if c := a.counts[modeKey(v)]; c > bestCount {
			best, bestCount = v, c
		}
	}
	return best
}

// Reset restores the freshly constructed state.
func (a *Accumulator) Reset() {
	a.rows, a.n = 0, 0
	a.sum, a.sumSq = 0, 0
	a.lo, a.hi = 0, 0
	a.pick, a.has = value.Missing(), false
	a.counts, a.order, a.sample = nil, nil, nil
	a.ps = pSquare{}
	switch a.fn {
	case Mode:
		a.counts = make(map[string]int64)
	case ApproxQuantile:
		a.ps = newPSquare(a.p)
	}
}

func validPercentile(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}
