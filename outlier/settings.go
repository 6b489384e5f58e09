package outlier

import (
	"fmt"
	"math"
	"strings"

	"groupstat-go/operators"
	"groupstat-go/operators/aggr"
	"groupstat-go/value"

	"github.com/apache/arrow/go/v17/arrow"
)

// Treatment is what happens to rows with a value outside its group's interval.
type Treatment int

const (
	// Filter drops the row.
	Filter Treatment = iota
	// Replace rewrites the offending cell, see Replacement.
	Replace
)

func (t Treatment) String() string {
	switch t {
	case Filter:
		return "filter"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("Treatment(%d)", int(t))
	}
}

func ParseTreatment(s string) (Treatment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "filter":
		return Filter, nil
	case "replace":
		return Replace, nil
	}
	return 0, operators.ErrConfig("unknown treatment %q", s)
}

type Replacement int

const (
	// SetMissing turns outliers into missing cells.
	SetMissing Replacement = iota
	// ClampToBoundary moves outliers onto the nearest interval end.
	ClampToBoundary
)

func (r Replacement) String() string {
	switch r {
	case SetMissing:
		return "missing"
	case ClampToBoundary:
		return "clamp"
	default:
		return fmt.Sprintf("Replacement(%d)", int(r))
	}
}

func ParseReplacement(s string) (Replacement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "missing", "set_missing":
		return SetMissing, nil
	case "clamp", "clamp_to_boundary", "boundary":
		return ClampToBoundary, nil
	}
	return 0, operators.ErrConfig("unknown replacement %q", s)
}

// DefaultIQRScalar is Tukey's fence factor.
const DefaultIQRScalar = 1.5

type Settings struct {
	// GroupColumns may be empty: the whole table is then one group.
	GroupColumns []string
	Columns      []string
	IQRScalar    float64
	Treatment    Treatment
	Replacement  Replacement
	// InMemory computes exact quartiles, OutOfCore spills and uses P².
	MemoryPolicy    aggr.MemoryPolicy
	Estimation      aggr.EstimationType
	MaxUniqueValues int // <= 0 is unbounded
	MaxGroups       int
	SpillDir        string
	BatchSize       uint16
	Progress        operators.ProgressFunc
}

func DefaultSettings() Settings {
	return Settings{IQRScalar: DefaultIQRScalar, Estimation: aggr.DefaultEstimation}
}

// Validate checks everything that does not need the input schema.
func (s Settings) Validate() error {
	if len(s.Columns) == 0 {
		return operators.ErrConfig("no outlier columns selected")
	}
	if math.IsNaN(s.IQRScalar) || math.IsInf(s.IQRScalar, 0) || s.IQRScalar < 0 {
		return operators.ErrConfig("iqr scalar must be a finite value >= 0, got %v", s.IQRScalar)
	}
	if s.Treatment != Filter && s.Treatment != Replace {
		return operators.ErrConfig("unknown treatment %d", int(s.Treatment))
	}
	if s.Replacement != SetMissing && s.Replacement != ClampToBoundary {
		return operators.ErrConfig("unknown replacement %d", int(s.Replacement))
	}
	return nil
}

// ValidateSchema checks s against the input it will run on.
func (s Settings) ValidateSchema(schema *arrow.Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	groups := make(map[string]struct{}, len(s.GroupColumns))
	for _, g := range s.GroupColumns {
		if len(schema.FieldIndices(g)) == 0 {
			return operators.ErrConfig("group column %s not found", g)
		}
		groups[g] = struct{}{}
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for _, c := range s.Columns {
		idx := schema.FieldIndices(c)
		if len(idx) == 0 {
			return operators.ErrConfig("outlier column %s not found", c)
		}
		if dt := schema.Field(idx[0]).Type; !value.IsNumericType(dt) {
			return operators.ErrConfig("outlier column %s must be numeric, is %s", c, dt)
		}
		if _, ok := groups[c]; ok {
			return operators.ErrConfig("column %s is both a group and an outlier column", c)
		}
		if _, dup := seen[c]; dup {
			return operators.ErrConfig("outlier column %s listed twice", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}
