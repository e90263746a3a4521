package parameters

import (
	"fmt"

	"github.com/Chaztikov/uncertainpy/pkg/distribution"
	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
)

// Spec is the (name, value, distribution) triple used to build a Set.
type Spec struct {
	Name         string
	Value        float64
	Distribution any
}

// Attribute selects a column of a Set view.
type Attribute string

const (
	AttrName         Attribute = "name"
	AttrValue        Attribute = "value"
	AttrDistribution Attribute = "distribution"
)

// Set is an ordered collection of uniquely named parameters.
type Set struct {
	order  []*Parameter
	byName map[string]*Parameter
}

// NewSet creates a set from parameters, in order.
func NewSet(params ...*Parameter) (*Set, error) {
	s := &Set{byName: make(map[string]*Parameter, len(params))}
	for _, p := range params {
		if err := s.AddParameter(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// FromSpecs creates a set from triples, in order.
func FromSpecs(specs []Spec) (*Set, error) {
	s := &Set{byName: make(map[string]*Parameter, len(specs))}
	for _, spec := range specs {
		if err := s.Add(spec.Name, spec.Value, spec.Distribution); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Configure classifies v into a Set. A *Set is adopted as is; a *Parameter, Spec, []Spec or
// []*Parameter is wrapped into a new set; nil yields an empty set. Anything else is an
// ErrInvalidParameters error.
func Configure(v any) (*Set, error) {
	switch src := v.(type) {
	case nil:
		return NewSet()
	case *Set:
		if src == nil {
			return NewSet()
		}
		return src, nil
	case *Parameter:
		return NewSet(src)
	case Spec:
		return FromSpecs([]Spec{src})
	case []Spec:
		return FromSpecs(src)
	case []*Parameter:
		return NewSet(src...)
	default:
		return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidParameters,
			fmt.Sprintf("parameters must be a Set, a Parameter or a list of specs, got %T", v), nil)
	}
}

// Add creates a parameter and appends it.
func (s *Set) Add(name string, value float64, dist any) error {
	p, err := NewParameter(name, value, dist)
	if err != nil {
		return err
	}
	return s.AddParameter(p)
}

// AddParameter appends p. The set takes ownership of p.
func (s *Set) AddParameter(p *Parameter) error {
	if p == nil {
		return errdefs.NewConfigurationError(errdefs.CodeInvalidParameters, "nil parameter", nil)
	}
	if _, exists := s.byName[p.name]; exists {
		return errdefs.NewConfigurationError(errdefs.CodeDuplicateName,
			"parameter already exists", nil).WithParameter(p.name)
	}
	if s.byName == nil {
		s.byName = make(map[string]*Parameter)
	}
	s.order = append(s.order, p)
	s.byName[p.name] = p
	return nil
}

// Parameter returns the parameter with the given name.
func (s *Set) Parameter(name string) (*Parameter, error) {
	p, ok := s.byName[name]
	if !ok {
		return nil, errdefs.NewConfigurationError(errdefs.CodeUnknownParameter,
			"no such parameter", nil).WithParameter(name)
	}
	return p, nil
}

// Len returns the number of parameters.
func (s *Set) Len() int { return len(s.order) }

// SetDistribution assigns, derives or clears the distribution of one parameter.
func (s *Set) SetDistribution(name string, v any) error {
	p, err := s.Parameter(name)
	if err != nil {
		return err
	}
	return p.SetDistribution(v)
}

// SetAllDistributions applies the same source to every parameter, in order. A rule is
// invoked exactly once per parameter with its nominal value. Either every parameter is
// updated or none is.
func (s *Set) SetAllDistributions(v any) error {
	src, err := ClassifySource(v)
	if err != nil {
		return err
	}

	scratch := make([]distribution.Distribution, len(s.order))
	for i, p := range s.order {
		d, err := src.resolve(p.Value)
		if err != nil {
			return withParameter(err, p.name)
		}
		scratch[i] = d
	}

	for i, p := range s.order {
		p.dist = scratch[i]
	}
	return nil
}

// Parameters returns the parameters in order.
func (s *Set) Parameters() []*Parameter {
	out := make([]*Parameter, len(s.order))
	copy(out, s.order)
	return out
}

// Uncertain returns the parameters with a distribution, in order.
func (s *Set) Uncertain() []*Parameter {
	var out []*Parameter
	for _, p := range s.order {
		if p.dist != nil {
			out = append(out, p)
		}
	}
	return out
}

// Fixed returns the parameters without a distribution, in order.
func (s *Set) Fixed() []*Parameter {
	var out []*Parameter
	for _, p := range s.order {
		if p.dist == nil {
			out = append(out, p)
		}
	}
	return out
}

// Names returns all parameter names in order.
func (s *Set) Names() []string { return names(s.order) }

// Values returns all nominal values in order.
func (s *Set) Values() []float64 { return values(s.order) }

// Distributions returns all distributions in order; fixed parameters yield nil.
func (s *Set) Distributions() []distribution.Distribution { return dists(s.order) }

// UncertainNames returns the names of the uncertain parameters in order.
func (s *Set) UncertainNames() []string { return names(s.Uncertain()) }

// UncertainValues returns the nominal values of the uncertain parameters in order.
func (s *Set) UncertainValues() []float64 { return values(s.Uncertain()) }

// UncertainDistributions returns the distributions of the uncertain parameters in order.
func (s *Set) UncertainDistributions() []distribution.Distribution { return dists(s.Uncertain()) }

// Get returns one attribute of every parameter, in order.
func (s *Set) Get(attr Attribute) ([]any, error) {
	return column(s.order, attr)
}

// GetUncertain returns one attribute of every uncertain parameter, in order.
func (s *Set) GetUncertain(attr Attribute) ([]any, error) {
	return column(s.Uncertain(), attr)
}

// Nominal returns every parameter's nominal value keyed by name.
func (s *Set) Nominal() map[string]float64 {
	out := make(map[string]float64, len(s.order))
	for _, p := range s.order {
		out[p.name] = p.Value
	}
	return out
}

// Clone returns a deep copy of the set. Distributions are shared; they are immutable.
func (s *Set) Clone() *Set {
	c := &Set{
		order:  make([]*Parameter, len(s.order)),
		byName: make(map[string]*Parameter, len(s.order)),
	}
	for i, p := range s.order {
		cp := p.clone()
		c.order[i] = cp
		c.byName[cp.name] = cp
	}
	return c
}

// Only returns a copy in which name keeps its distribution and every other parameter is fixed.
func (s *Set) Only(name string) (*Set, error) {
	if _, err := s.Parameter(name); err != nil {
		return nil, err
	}
	c := s.Clone()
	for _, p := range c.order {
		if p.name != name {
			p.dist = nil
		}
	}
	return c, nil
}

func names(ps []*Parameter) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.name
	}
	return out
}

func values(ps []*Parameter) []float64 {
	out := make([]float64, len(ps))
	for i, p := range ps {
		out[i] = p.Value
	}
	return out
}

func dists(ps []*Parameter) []distribution.Distribution {
	out := make([]distribution.Distribution, len(ps))
	for i, p := range ps {
		out[i] = p.dist
	}
	return out
}

func column(ps []*Parameter, attr Attribute) ([]any, error) {
	switch attr {
	case AttrName, AttrValue, AttrDistribution:
	default:
		return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidParameters,
			fmt.Sprintf("unknown attribute %q", attr), nil)
	}

	out := make([]any, len(ps))
	for i, p := range ps {
		switch attr {
		case AttrName:
			out[i] = p.name
		case AttrValue:
			out[i] = p.Value
		case AttrDistribution:
			out[i] = p.dist
		}
	}
	return out, nil
}
