package model

import (
	"context"
	"fmt"

	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
	"github.com/Chaztikov/uncertainpy/pkg/parameters"
)

// Adapter runs a Model with a partial assignment, filling fixed parameters with their
// nominal values.
type Adapter struct {
	model   Model
	nominal map[string]float64
}

// NewAdapter binds m to the nominal values of set. The nominal values are copied, so later
// changes to set do not affect the adapter.
func NewAdapter(m Model, set *parameters.Set) *Adapter {
	return &Adapter{model: m, nominal: set.Nominal()}
}

// Model returns the wrapped model.
func (a *Adapter) Model() Model { return a.model }

// Merge returns the full assignment: nominal values overridden by assignment.
func (a *Adapter) Merge(assignment map[string]float64) map[string]float64 {
	full := make(map[string]float64, len(a.nominal))
	for k, v := range a.nominal {
		full[k] = v
	}
	for k, v := range assignment {
		full[k] = v
	}
	return full
}

// Run evaluates the model at assignment. Failures, including panics and malformed outputs,
// are returned as ErrModelEvaluation errors carrying the full assignment.
func (a *Adapter) Run(ctx context.Context, assignment map[string]float64) (out Output, err error) {
	full := a.Merge(assignment)

	defer func() {
		if r := recover(); r != nil {
			out, err = Output{}, modelError("model panicked", fmt.Errorf("%v", r), full)
		}
	}()

	out, err = a.model.Run(ctx, full)
	if err != nil {
		return Output{}, modelError("model evaluation failed", err, full)
	}

	out = normalize(out)
	if err := out.Validate(); err != nil {
		return Output{}, modelError("model returned a malformed output", err, full)
	}
	return out, nil
}

// Postprocess applies the model's Postprocessor, if any.
func (a *Adapter) Postprocess(out Output) (Output, error) {
	pp, ok := a.model.(Postprocessor)
	if !ok {
		return out, nil
	}
	processed, err := pp.Postprocess(out)
	if err != nil {
		return Output{}, err
	}
	processed = normalize(processed)
	if err := processed.Validate(); err != nil {
		return Output{}, fmt.Errorf("postprocess returned a malformed output: %w", err)
	}
	return processed, nil
}

// Labels returns the model's axis labels, if any.
func (a *Adapter) Labels() []string {
	if l, ok := a.model.(Labeler); ok {
		return l.Labels()
	}
	return nil
}

// Name returns the model's display name, or "model".
func (a *Adapter) Name() string {
	if n, ok := a.model.(Namer); ok && n.Name() != "" {
		return n.Name()
	}
	return "model"
}

// normalize fills a missing shape for vector outputs.
func normalize(out Output) Output {
	if len(out.Shape) == 0 && len(out.U) != 1 {
		out.Shape = []int{len(out.U)}
	}
	return out
}

func modelError(msg string, err error, full map[string]float64) error {
	e := errdefs.NewModelError(msg, err)
	e.Assignment = full
	return e
}
