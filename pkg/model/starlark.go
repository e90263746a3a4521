package model

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/Chaztikov/uncertainpy/pkg/script"
)

// DefaultFunction is the function a Starlark model script must define unless told otherwise.
const DefaultFunction = "model"

// Starlark is a model implemented by a Starlark function. The function receives every
// parameter as a keyword argument and returns either a (t, U) pair, U alone, or a number.
// t may be None.
type Starlark struct {
	prog   *script.Program
	fn     string
	labels []string
}

// NewStarlark binds the function fn of prog. An empty fn selects DefaultFunction.
func NewStarlark(prog *script.Program, fn string, labels ...string) (*Starlark, error) {
	if fn == "" {
		fn = DefaultFunction
	}
	if !prog.Has(fn) {
		return nil, fmt.Errorf("script %s does not define %s(**params)", prog.Name(), fn)
	}
	return &Starlark{prog: prog, fn: fn, labels: labels}, nil
}

// Name returns the script and function name.
func (s *Starlark) Name() string { return s.prog.Name() + ":" + s.fn }

// Labels returns the configured axis labels.
func (s *Starlark) Labels() []string { return s.labels }

// Run implements Model.
func (s *Starlark) Run(ctx context.Context, params map[string]float64) (Output, error) {
	kwargs := make(map[string]any, len(params))
	for k, v := range params {
		kwargs[k] = v
	}

	v, err := s.prog.Call(ctx, s.fn, nil, kwargs)
	if err != nil {
		return Output{}, err
	}
	return OutputFromStarlark(v)
}

// OutputFromStarlark converts a script return value into an Output. A two-element tuple is
// read as (t, U); anything else is read as U.
func OutputFromStarlark(v starlark.Value) (Output, error) {
	if tup, ok := v.(starlark.Tuple); ok && tup.Len() == 2 {
		u, shape, err := script.Floats(tup[1])
		if err != nil {
			return Output{}, fmt.Errorf("U: %w", err)
		}
		out := Output{U: u, Shape: shape}
		if tup[0] != starlark.None {
			t, _, err := script.Floats(tup[0])
			if err != nil {
				return Output{}, fmt.Errorf("t: %w", err)
			}
			out.T = t
		}
		return out, nil
	}

	u, shape, err := script.Floats(v)
	if err != nil {
		return Output{}, err
	}
	return Output{U: u, Shape: shape}, nil
}
