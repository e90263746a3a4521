// Package parameters holds the named model inputs of an uncertainty analysis.
//
// A Parameter has a nominal value and an optional distribution. Parameters with a
// distribution are uncertain and span the analysis space; the rest are fixed and passed to
// the model at their nominal value. A Set keeps parameters in insertion order, and every
// parallel view (names, values, distributions) follows that order.
package parameters

import (
	"fmt"
	"math"

	"github.com/Chaztikov/uncertainpy/pkg/distribution"
	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
)

// Parameter is a named model input.
type Parameter struct {
	name string

	// Value is the nominal value.
	Value float64

	dist distribution.Distribution
}

// NewParameter creates a parameter. dist is classified with ClassifySource; a rule is applied
// to value immediately.
func NewParameter(name string, value float64, dist any) (*Parameter, error) {
	if name == "" {
		return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidParameters,
			"parameter name must not be empty", nil)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidParameters,
			fmt.Sprintf("nominal value must be finite, got %g", value), nil).WithParameter(name)
	}

	p := &Parameter{name: name, Value: value}
	if err := p.SetDistribution(dist); err != nil {
		return nil, err
	}
	return p, nil
}

// Name returns the parameter name. It never changes after construction.
func (p *Parameter) Name() string { return p.name }

// Distribution returns the assigned distribution, or nil if the parameter is fixed.
func (p *Parameter) Distribution() distribution.Distribution { return p.dist }

// IsUncertain reports whether a distribution is assigned.
func (p *Parameter) IsUncertain() bool { return p.dist != nil }

// SetDistribution assigns, derives or clears the distribution. On error the previous
// distribution is left unchanged.
func (p *Parameter) SetDistribution(v any) error {
	src, err := ClassifySource(v)
	if err != nil {
		return withParameter(err, p.name)
	}
	d, err := src.resolve(p.Value)
	if err != nil {
		return withParameter(err, p.name)
	}
	p.dist = d
	return nil
}

// String renders the parameter for logs and tables.
func (p *Parameter) String() string {
	if p.dist == nil {
		return fmt.Sprintf("%s=%g", p.name, p.Value)
	}
	return fmt.Sprintf("%s=%g ~ %v", p.name, p.Value, p.dist)
}

func (p *Parameter) clone() *Parameter {
	c := *p
	return &c
}

func withParameter(err error, name string) error {
	if e, ok := err.(*errdefs.Error); ok {
		return e.WithParameter(name)
	}
	return err
}
