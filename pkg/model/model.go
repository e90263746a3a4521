// Package model adapts user simulation code to the uniform evaluation contract used by
// the estimation engine: given a full parameter assignment, produce an Output.
package model

import (
	"context"
	"fmt"
	"math"

	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
)

// Output is the result of one model evaluation.
type Output struct {
	// T is the independent variable (e.g. time). Nil when the model has none.
	T []float64 `json:"t,omitempty"`

	// U holds the values, flattened in row-major order.
	U []float64 `json:"u"`

	// Shape is the shape of U. Empty means a scalar.
	Shape []int `json:"shape,omitempty"`
}

// Len returns the number of values.
func (o Output) Len() int { return len(o.U) }

// IsScalar reports whether the output is a single value.
func (o Output) IsScalar() bool { return len(o.Shape) == 0 && len(o.U) == 1 }

// Validate checks that Shape and T are consistent with U.
func (o Output) Validate() error {
	n := 1
	for _, d := range o.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", o.Shape)
		}
		n *= d
	}
	if len(o.Shape) == 0 {
		n = 1
	}
	if n != len(o.U) {
		return fmt.Errorf("shape %v does not match %d values", o.Shape, len(o.U))
	}
	if o.T != nil && len(o.Shape) > 0 && len(o.T) != o.Shape[0] {
		return fmt.Errorf("t has %d points but the first axis of U has %d", len(o.T), o.Shape[0])
	}
	if o.T != nil && len(o.Shape) == 0 {
		return fmt.Errorf("t given for a scalar output")
	}
	return nil
}

// Finite reports whether every value is neither NaN nor infinite.
func (o Output) Finite() bool {
	for _, v := range o.U {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Scalar returns an Output holding a single value.
func Scalar(v float64) Output { return Output{U: []float64{v}} }

// Vector returns a one-dimensional Output. t may be nil.
func Vector(t, u []float64) Output {
	return Output{T: t, U: u, Shape: []int{len(u)}}
}

// Model evaluates a simulation at a full parameter assignment.
type Model interface {
	Run(ctx context.Context, params map[string]float64) (Output, error)
}

// Postprocessor is implemented by models whose direct output differs from what features
// consume. Postprocess receives the raw output and returns the output used for the
// "direct" statistics.
type Postprocessor interface {
	Postprocess(out Output) (Output, error)
}

// Labeler is implemented by models that name the axes of their output.
type Labeler interface {
	Labels() []string
}

// Namer is implemented by models that carry a display name.
type Namer interface {
	Name() string
}

// TimeFunc returns an independent variable and the values.
type TimeFunc func(params map[string]float64) (t, u []float64, err error)

// ValueFunc returns only the values.
type ValueFunc func(params map[string]float64) ([]float64, error)

// ScalarFunc returns a single value.
type ScalarFunc func(params map[string]float64) (float64, error)

// PositionalFunc receives the values in parameter-set order.
type PositionalFunc func(values []float64) (t, u []float64, err error)

// Run implements Model.
func (f TimeFunc) Run(_ context.Context, params map[string]float64) (Output, error) {
	t, u, err := f(params)
	if err != nil {
		return Output{}, err
	}
	return Vector(t, u), nil
}

// Run implements Model.
func (f ValueFunc) Run(_ context.Context, params map[string]float64) (Output, error) {
	u, err := f(params)
	if err != nil {
		return Output{}, err
	}
	return Vector(nil, u), nil
}

// Run implements Model.
func (f ScalarFunc) Run(_ context.Context, params map[string]float64) (Output, error) {
	v, err := f(params)
	if err != nil {
		return Output{}, err
	}
	return Scalar(v), nil
}

// positional binds a PositionalFunc to a parameter order.
type positional struct {
	fn    PositionalFunc
	order []string
}

func (p *positional) Run(_ context.Context, params map[string]float64) (Output, error) {
	values := make([]float64, len(p.order))
	for i, name := range p.order {
		v, ok := params[name]
		if !ok {
			return Output{}, fmt.Errorf("missing value for parameter %q", name)
		}
		values[i] = v
	}
	t, u, err := p.fn(values)
	if err != nil {
		return Output{}, err
	}
	return Vector(t, u), nil
}

// Positional binds fn to the given parameter order.
func Positional(fn PositionalFunc, order []string) Model {
	return &positional{fn: fn, order: append([]string(nil), order...)}
}

// Binder is implemented by models that need the parameter order before they can run.
type Binder interface {
	Bind(order []string) Model
}

// unbound is a PositionalFunc waiting for a parameter order.
type unbound struct {
	fn PositionalFunc
}

func (u *unbound) Run(context.Context, map[string]float64) (Output, error) {
	return Output{}, errdefs.NewConfigurationError(errdefs.CodeInvalidModel,
		"positional model is not bound to a parameter order", nil)
}

// Bind implements Binder.
func (u *unbound) Bind(order []string) Model { return Positional(u.fn, order) }

// Wrap classifies v into a Model. A Model is used unchanged; TimeFunc, ValueFunc and
// ScalarFunc (named or as plain func literals) are adapted. A PositionalFunc is returned as
// a Binder that must be bound to a parameter order before it runs. Anything else, including
// nil, is an ErrInvalidModel error.
func Wrap(v any) (Model, error) {
	switch m := v.(type) {
	case Model:
		return m, nil
	case PositionalFunc:
		return &unbound{fn: m}, nil
	case func([]float64) ([]float64, []float64, error):
		return &unbound{fn: m}, nil
	case func(map[string]float64) ([]float64, []float64, error):
		return TimeFunc(m), nil
	case func(map[string]float64) ([]float64, error):
		return ValueFunc(m), nil
	case func(map[string]float64) (float64, error):
		return ScalarFunc(m), nil
	}
	return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidModel,
		fmt.Sprintf("model must implement Model or be a model function, got %T", v), nil)
}
