// Package distribution provides the one-dimensional probability laws attached to uncertain
// parameters, and rules that derive a law from a parameter's nominal value.
package distribution

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// ErrInvalidArgument is returned when a law is constructed with impossible arguments.
var ErrInvalidArgument = errors.New("invalid distribution argument")

// Distribution is a univariate probability law over a scalar parameter.
type Distribution interface {
	// Name returns the family name, e.g. "uniform".
	Name() string

	// Quantile returns the inverse CDF at p in (0, 1).
	Quantile(p float64) float64

	// CDF returns the cumulative probability at x.
	CDF(x float64) float64

	// Mean returns the expected value.
	Mean() float64

	// Variance returns the variance.
	Variance() float64

	// Bounds returns the support; either end may be infinite.
	Bounds() (lo, hi float64)

	// Sample draws one value using r.
	Sample(r *rand.Rand) float64
}

// Rule derives a distribution from a nominal value. A rule returning nil is rejected
// when it is applied.
type Rule func(value float64) Distribution

// univariate is the subset of the distuv API the laws below delegate to.
type univariate interface {
	Quantile(p float64) float64
	CDF(x float64) float64
	Mean() float64
	Variance() float64
}

type law struct {
	name   string
	params []float64
	u      univariate
	lo, hi float64
}

func (l *law) Name() string               { return l.name }
func (l *law) Quantile(p float64) float64 { return l.u.Quantile(p) }
func (l *law) CDF(x float64) float64      { return l.u.CDF(x) }
func (l *law) Mean() float64              { return l.u.Mean() }
func (l *law) Variance() float64          { return l.u.Variance() }
func (l *law) Bounds() (float64, float64) { return l.lo, l.hi }

func (l *law) Sample(r *rand.Rand) float64 {
	p := r.Float64()
	for p == 0 {
		p = r.Float64()
	}
	return l.u.Quantile(p)
}

func (l *law) String() string {
	s := l.name + "("
	for i, p := range l.params {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%g", p)
	}
	return s + ")"
}

// point is the degenerate law at a single value.
type point struct{ v float64 }

func (p point) Quantile(float64) float64 { return p.v }
func (p point) Mean() float64            { return p.v }
func (p point) Variance() float64        { return 0 }

func (p point) CDF(x float64) float64 {
	if x < p.v {
		return 0
	}
	return 1
}

// scaled maps a law on [0, 1] onto [lo, hi].
type scaled struct {
	base   univariate
	lo, hi float64
}

func (s scaled) Quantile(p float64) float64 { return s.lo + (s.hi-s.lo)*s.base.Quantile(p) }
func (s scaled) Mean() float64              { return s.lo + (s.hi-s.lo)*s.base.Mean() }
func (s scaled) Variance() float64          { return (s.hi - s.lo) * (s.hi - s.lo) * s.base.Variance() }

func (s scaled) CDF(x float64) float64 {
	return s.base.CDF((x - s.lo) / (s.hi - s.lo))
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Point returns the degenerate law concentrated at v.
func Point(v float64) (Distribution, error) {
	if !finite(v) {
		return nil, fmt.Errorf("%w: point value must be finite, got %g", ErrInvalidArgument, v)
	}
	return &law{name: "point", params: []float64{v}, u: point{v}, lo: v, hi: v}, nil
}

// Uniform returns the uniform law on [lo, hi]. lo == hi yields a collapsed law.
func Uniform(lo, hi float64) (Distribution, error) {
	if !finite(lo, hi) || lo > hi {
		return nil, fmt.Errorf("%w: uniform requires finite lo <= hi, got [%g, %g]", ErrInvalidArgument, lo, hi)
	}
	var u univariate = distuv.Uniform{Min: lo, Max: hi}
	if lo == hi {
		u = point{lo}
	}
	return &law{name: "uniform", params: []float64{lo, hi}, u: u, lo: lo, hi: hi}, nil
}

// Normal returns the normal law with mean mu and standard deviation sigma.
func Normal(mu, sigma float64) (Distribution, error) {
	if !finite(mu, sigma) || sigma < 0 {
		return nil, fmt.Errorf("%w: normal requires finite mu and sigma >= 0, got (%g, %g)", ErrInvalidArgument, mu, sigma)
	}
	if sigma == 0 {
		return &law{name: "normal", params: []float64{mu, sigma}, u: point{mu}, lo: mu, hi: mu}, nil
	}
	return &law{
		name:   "normal",
		params: []float64{mu, sigma},
		u:      distuv.Normal{Mu: mu, Sigma: sigma},
		lo:     math.Inf(-1),
		hi:     math.Inf(1),
	}, nil
}

// LogNormal returns the law of exp(X) where X is normal with mean mu and standard deviation sigma.
func LogNormal(mu, sigma float64) (Distribution, error) {
	if !finite(mu, sigma) || sigma <= 0 {
		return nil, fmt.Errorf("%w: lognormal requires finite mu and sigma > 0, got (%g, %g)", ErrInvalidArgument, mu, sigma)
	}
	return &law{
		name:   "lognormal",
		params: []float64{mu, sigma},
		u:      distuv.LogNormal{Mu: mu, Sigma: sigma},
		lo:     0,
		hi:     math.Inf(1),
	}, nil
}

// Beta returns the beta law with shape parameters alpha and beta, scaled onto [lo, hi].
func Beta(alpha, beta, lo, hi float64) (Distribution, error) {
	if !finite(alpha, beta, lo, hi) || alpha <= 0 || beta <= 0 || lo >= hi {
		return nil, fmt.Errorf("%w: beta requires alpha, beta > 0 and lo < hi, got (%g, %g, %g, %g)",
			ErrInvalidArgument, alpha, beta, lo, hi)
	}
	return &law{
		name:   "beta",
		params: []float64{alpha, beta, lo, hi},
		u:      scaled{base: distuv.Beta{Alpha: alpha, Beta: beta}, lo: lo, hi: hi},
		lo:     lo,
		hi:     hi,
	}, nil
}

// Triangle returns the triangular law on [lo, hi] with the given mode.
func Triangle(lo, mode, hi float64) (Distribution, error) {
	if !finite(lo, mode, hi) || lo >= hi || mode < lo || mode > hi {
		return nil, fmt.Errorf("%w: triangle requires lo <= mode <= hi and lo < hi, got (%g, %g, %g)",
			ErrInvalidArgument, lo, mode, hi)
	}
	return &law{
		name:   "triangle",
		params: []float64{lo, mode, hi},
		u:      distuv.NewTriangle(lo, hi, mode, nil),
		lo:     lo,
		hi:     hi,
	}, nil
}

// IsDegenerate reports whether the law's support collapses to a single point.
func IsDegenerate(d Distribution) bool {
	lo, hi := d.Bounds()
	return lo == hi || d.Variance() == 0
}

// UniformRule returns a rule producing the uniform law on
// [value - |interval*value|, value + |interval*value|].
func UniformRule(interval float64) Rule {
	return func(value float64) Distribution {
		half := math.Abs(interval * value)
		d, err := Uniform(value-half, value+half)
		if err != nil {
			return nil
		}
		return d
	}
}

// NormalRule returns a rule producing the normal law centred on the nominal value with
// standard deviation |interval*value|.
func NormalRule(interval float64) Rule {
	return func(value float64) Distribution {
		d, err := Normal(value, math.Abs(interval*value))
		if err != nil {
			return nil
		}
		return d
	}
}
