package aggr

import (
	"math"
	"slices"
)

// pSquare is the P² streaming quantile estimator (Jain and Chlamtac, 1985).
// Five markers track the min, p/2, p, (1+p)/2 and max quantiles; the middle
// marker is the estimate.
type pSquare struct {
	p     float64
	count int
	q     [5]float64 // marker heights
	n     [5]float64 // actual marker positions, 1 based
	np    [5]float64 // desired positions
	dn    [5]float64 // desired position increments
}

func newPSquare(p float64) pSquare {
	return pSquare{
		p:  p,
		n:  [5]float64{1, 2, 3, 4, 5},
		np: [5]float64{1, 1 + 2*p, 1 + 4*p, 3 + 2*p, 5},
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (s *pSquare) add(x float64) {
	if s.count < 5 {
		s.q[s.count] = x
		s.count++
		if s.count == 5 {
			slices.Sort(s.q[:])
		}
		return
	}
	s.count++

	var k int
	switch {
	case x < s.q[0]:
		s.q[0] = x
		k = 0
	case x >= s.q[4]:
		s.q[4] = x
		k = 3
	default:
		for k = 0; k < 3; k++ {
			if x < s.q[k+1] {
				break
			}
		}
	}
	for i := k + 1; i < 5; i++ {
		s.n[i]++
	}
	for i := range s.np {
		s.np[i] += s.dn[i]
	}

	for i := 1; i <= 3; i++ {
		d := s.np[i] - s.n[i]
		if (d >= 1 && s.n[i+1]-s.n[i] > 1) || (d <= -1 && s.n[i-1]-s.n[i] < -1) {
			sign := math.Copysign(1, d)
			qp := s.parabolic(i, sign)
			if s.q[i-1] < qp && qp < s.q[i+1] {
				s.q[i] = qp
			} else {
				s.q[i] = s.linear(i, sign)
			}
			s.n[i] += sign
		}
	}
}

func (s *pSquare) parabolic(i int, d float64) float64 {
	return s.q[i] + d/(s.n[i+1]-s.n[i-1])*
		((s.n[i]-s.n[i-1]+d)*(s.q[i+1]-s.q[i])/(s.n[i+1]-s.n[i])+
			(s.n[i+1]-s.n[i]-d)*(s.q[i]-s.q[i-1])/(s.n[i]-s.n[i-1]))
}

func (s *pSquare) linear(i int, d float64) float64 {
	j := i + int(d)
	return s.q[i] + d*(s.q[j]-s.q[i])/(s.n[j]-s.n[i])
}

// result is exact (R_7) until a sixth value moves the markers; with exactly
// five the middle marker is still the sample median. Callers check count > 0
// first.
func (s *pSquare) result() float64 {
	if s.count <= 5 {
		sorted := slices.Clone(s.q[:s.count])
		slices.Sort(sorted)
		return R7.Estimate(sorted, s.p)
	}
	switch s.p {
	case 0:
		return s.q[0]
	case 1:
		return s.q[4]
	}
	return s.q[2]
}
