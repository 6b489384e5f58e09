package aggr

import (
	"math"
	"math/rand"
	"slices"
	"testing"

	"gonum.org/v1/gonum/stat"
)

func oneToTen() []float64 {
	xs := make([]float64, 10)
	for i := range xs {
		xs[i] = float64(i + 1)
	}
	return xs
}

// reference values from R's quantile(1:10, 0.25, type = k)
func TestEstimationTypesFirstQuartile(t *testing.T) {
	cases := []struct {
		est  EstimationType
		want float64
	}{
		{Legacy, 2.75},
		{R1, 3},
		{R2, 3},
		{R3, 2},
		{R4, 2.5},
		{R5, 3},
		{R6, 2.75},
		{R7, 3.25},
		{R8, 2 + 11.0/12},
		{R9, 2.9375},
	}
	xs := oneToTen()
	for _, tc := range cases {
		t.Run(tc.est.String(), func(t *testing.T) {
			got := tc.est.Estimate(xs, 0.25)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestEstimationEnds(t *testing.T) {
	xs := []float64{-3, 0, 8, 11}
	for est := Legacy; est <= R9; est++ {
		t.Run(est.String(), func(t *testing.T) {
			if got := est.Estimate(xs, 0); got != -3 {
				t.Fatalf("p=0: expected -3, got %v", got)
			}
			if got := est.Estimate(xs, 1); got != 11 {
				t.Fatalf("p=1: expected 11, got %v", got)
			}
			if got := est.Estimate([]float64{4}, 0.3); got != 4 {
				t.Fatalf("single value: expected 4, got %v", got)
			}
		})
	}
}

func TestEstimationAgainstGonum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	xs := make([]float64, 37)
	for i := range xs {
		xs[i] = rng.NormFloat64() * 10
	}
	slices.Sort(xs)
	for _, p := range []float64{0.1, 0.25, 0.5, 0.75, 0.9} {
		// gonum's Empirical is Hyndman and Fan type 1, LinInterp is type 4
		if got, want := R1.Estimate(xs, p), stat.Quantile(p, stat.Empirical, xs, nil); math.Abs(got-want) > 1e-9 {
			t.Fatalf("R_1 at %v: expected %v, got %v", p, want, got)
		}
		if got, want := R4.Estimate(xs, p), stat.Quantile(p, stat.LinInterp, xs, nil); math.Abs(got-want) > 1e-9 {
			t.Fatalf("R_4 at %v: expected %v, got %v", p, want, got)
		}
	}
}

func TestParseEstimationType(t *testing.T) {
	cases := map[string]EstimationType{
		"":       R7,
		"R_7":    R7,
		"r_7":    R7,
		"R1":     R1,
		"legacy": Legacy,
		" R_9 ":  R9,
	}
	for in, want := range cases {
		got, err := ParseEstimationType(in)
		if err != nil {
			t.Fatalf("ParseEstimationType(%q): unexpected error %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseEstimationType(%q): expected %v, got %v", in, want, got)
		}
	}
	if _, err := ParseEstimationType("R_10"); err == nil {
		t.Fatalf("expected an error for R_10")
	}
	var zero EstimationType
	if zero.String() != "R_7" {
		t.Fatalf("zero value should read as the default, got %s", zero)
	}
}

func TestPSquare(t *testing.T) {
	t.Run("exact below five observations", func(t *testing.T) {
		ps := newPSquare(0.5)
		for _, x := range []float64{4, 1, 3} {
			ps.add(x)
		}
		if got := ps.result(); got != 3 {
			t.Fatalf("expected 3, got %v", got)
		}
	})
	t.Run("extremes", func(t *testing.T) {
		lo, hi := newPSquare(0), newPSquare(1)
		for _, x := range []float64{5, 9, -1, 4, 7, 12, 3, 0.5} {
			lo.add(x)
			hi.add(x)
		}
		if got := lo.result(); got != -1 {
			t.Fatalf("p=0: expected -1, got %v", got)
		}
		if got := hi.result(); got != 12 {
			t.Fatalf("p=1: expected 12, got %v", got)
		}
	})
	t.Run("converges to the exact quantile", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		xs := make([]float64, 20000)
		for _, p := range []float64{0.25, 0.5, 0.75} {
			ps := newPSquare(p)
			for i := range xs {
				xs[i] = rng.Float64() * 100
				ps.add(xs[i])
			}
			sorted := slices.Clone(xs)
			slices.Sort(sorted)
			exact := R7.Estimate(sorted, p)
			if got := ps.result(); math.Abs(got-exact) > 1.5 {
				t.Fatalf("p=%v: estimate %v too far from exact %v", p, got, exact)
			}
		}
	})
}
