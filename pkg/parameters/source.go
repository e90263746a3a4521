package parameters

import (
	"fmt"

	"github.com/Chaztikov/uncertainpy/pkg/distribution"
	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
)

// SourceKind identifies how a distribution is supplied to a parameter.
type SourceKind int

const (
	// SourceNone clears the distribution; the parameter becomes fixed.
	SourceNone SourceKind = iota

	// SourceDistribution assigns a distribution directly.
	SourceDistribution

	// SourceRule derives the distribution from the parameter's nominal value.
	SourceRule
)

// String returns the kind name.
func (k SourceKind) String() string {
	switch k {
	case SourceNone:
		return "none"
	case SourceDistribution:
		return "distribution"
	case SourceRule:
		return "rule"
	default:
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
}

// Source is a classified distribution source. The zero value is SourceNone.
type Source struct {
	kind SourceKind
	dist distribution.Distribution
	rule distribution.Rule
}

// None returns the source that clears a distribution.
func None() Source { return Source{} }

// FromDistribution returns a source that assigns d. A nil d is equivalent to None.
func FromDistribution(d distribution.Distribution) Source {
	if d == nil {
		return Source{}
	}
	return Source{kind: SourceDistribution, dist: d}
}

// FromRule returns a source that applies r to the nominal value. A nil r is equivalent to None.
func FromRule(r distribution.Rule) Source {
	if r == nil {
		return Source{}
	}
	return Source{kind: SourceRule, rule: r}
}

// Kind returns the source kind.
func (s Source) Kind() SourceKind { return s.kind }

// ClassifySource classifies an arbitrary value into a Source. Accepted values are nil,
// a Source, a distribution.Distribution, a distribution.Rule or a plain
// func(float64) distribution.Distribution. Anything else is rejected with an
// ErrInvalidDistribution error.
func ClassifySource(v any) (Source, error) {
	switch src := v.(type) {
	case nil:
		return None(), nil
	case Source:
		return src, nil
	case distribution.Distribution:
		return FromDistribution(src), nil
	case distribution.Rule:
		return FromRule(src), nil
	case func(float64) distribution.Distribution:
		return FromRule(src), nil
	default:
		return Source{}, errdefs.NewConfigurationError(errdefs.CodeInvalidDistribution,
			fmt.Sprintf("distribution must be a Distribution, a rule or nil, got %T", v), nil)
	}
}

// resolve produces the distribution for a parameter with the given nominal value.
// A rule that yields nil is rejected.
func (s Source) resolve(value float64) (distribution.Distribution, error) {
	switch s.kind {
	case SourceDistribution:
		return s.dist, nil
	case SourceRule:
		d := s.rule(value)
		if d == nil {
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidDistribution,
				fmt.Sprintf("rule returned no distribution for value %g", value), nil)
		}
		return d, nil
	default:
		return nil, nil
	}
}
