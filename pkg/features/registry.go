// Package features computes derived quantities from model outputs.
//
// A feature is a named function of a model's (t, U) output. Each feature returns a scalar,
// a (t, value) series, or ErrNoResult when it is undefined for that output (for example a
// spike count on a trace without spikes). Missing results are excluded from statistics;
// any other error is recorded as a feature evaluation failure and never stops the other
// features from running.
package features

import (
	"context"
	"errors"
	"fmt"

	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
	"github.com/Chaztikov/uncertainpy/pkg/model"
)

// ErrNoResult is returned by a feature that has no meaningful value for an output.
var ErrNoResult = errors.New("feature has no result")

// Func computes a feature from a model output.
type Func func(t, u []float64) (model.Output, error)

// Feature is a named feature function.
type Feature struct {
	Name   string
	Func   Func
	Labels []string
}

// Mode selects which registered features run.
type Mode string

const (
	// ModeNone runs no features.
	ModeNone Mode = "none"

	// ModeAll runs every registered feature in registration order.
	ModeAll Mode = "all"

	// ModeExplicit runs only the enabled features, in the order they were enabled.
	ModeExplicit Mode = "explicit"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeNone, ModeAll, ModeExplicit:
		return nil
	default:
		return fmt.Errorf("invalid feature mode: %s", m)
	}
}

// Scalar returns a scalar feature result.
func Scalar(v float64) (model.Output, error) { return model.Scalar(v), nil }

// Series returns a (t, value) feature result.
func Series(t, u []float64) (model.Output, error) { return model.Vector(t, u), nil }

// NodeContext identifies the evaluation a feature runs on.
type NodeContext struct {
	Index      int
	Assignment map[string]float64
}

// Outcome is the result of one feature on one output.
type Outcome struct {
	Output  model.Output
	Missing bool
	Err     error
}

// OK reports whether the feature produced a value.
func (o Outcome) OK() bool { return !o.Missing && o.Err == nil }

// Registry holds named features and the selection of features to run.
type Registry struct {
	features map[string]Feature
	order    []string
	mode     Mode
	enabled  []string
}

// NewRegistry creates a registry holding features, with every feature enabled.
func NewRegistry(features ...Feature) (*Registry, error) {
	r := &Registry{features: make(map[string]Feature), mode: ModeAll}
	for _, f := range features {
		if err := r.Register(f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a feature.
func (r *Registry) Register(f Feature) error {
	if f.Name == "" || f.Func == nil {
		return errdefs.NewConfigurationError(errdefs.CodeInvalidFeatures,
			"feature requires a name and a function", nil)
	}
	if _, exists := r.features[f.Name]; exists {
		return errdefs.NewConfigurationError(errdefs.CodeDuplicateName,
			"feature already registered", nil).WithFeature(f.Name)
	}
	r.features[f.Name] = f
	r.order = append(r.order, f.Name)
	return nil
}

// RegisterFunc adds a feature from a name and a function.
func (r *Registry) RegisterFunc(name string, fn Func) error {
	return r.Register(Feature{Name: name, Func: fn})
}

// Enable switches to explicit mode running exactly names. Every name must be registered.
func (r *Registry) Enable(names ...string) error {
	seen := make(map[string]bool, len(names))
	enabled := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := r.features[name]; !ok {
			return errdefs.NewConfigurationError(errdefs.CodeUnknownFeature,
				"unknown feature", nil).WithFeature(name)
		}
		if !seen[name] {
			seen[name] = true
			enabled = append(enabled, name)
		}
	}
	r.mode = ModeExplicit
	r.enabled = enabled
	return nil
}

// EnableAll switches to running every registered feature.
func (r *Registry) EnableAll() {
	r.mode = ModeAll
	r.enabled = nil
}

// Disable switches to running no features.
func (r *Registry) Disable() {
	r.mode = ModeNone
	r.enabled = nil
}

// Mode returns the selection mode.
func (r *Registry) Mode() Mode { return r.mode }

// Registered returns every registered feature name in registration order.
func (r *Registry) Registered() []string {
	return append([]string(nil), r.order...)
}

// Enabled returns the names of the features that run, in run order.
func (r *Registry) Enabled() []string {
	switch r.mode {
	case ModeAll:
		return append([]string(nil), r.order...)
	case ModeExplicit:
		return append([]string(nil), r.enabled...)
	default:
		return nil
	}
}

// Feature returns a registered feature.
func (r *Registry) Feature(name string) (Feature, bool) {
	f, ok := r.features[name]
	return f, ok
}

// Labels returns the axis labels of a feature.
func (r *Registry) Labels(name string) []string {
	return r.features[name].Labels
}

// Run evaluates every enabled feature on out. Each failure is captured in its Outcome as an
// ErrFeatureEvaluation error tagged with the feature name and node.
func (r *Registry) Run(ctx context.Context, out model.Output, node NodeContext) map[string]Outcome {
	enabled := r.Enabled()
	results := make(map[string]Outcome, len(enabled))
	for _, name := range enabled {
		if ctx.Err() != nil {
			results[name] = Outcome{Err: r.wrap(name, ctx.Err(), node)}
			continue
		}
		results[name] = r.evaluate(name, out, node)
	}
	return results
}

func (r *Registry) evaluate(name string, out model.Output, node NodeContext) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			outcome = Outcome{Err: r.wrap(name, fmt.Errorf("panic: %v", p), node)}
		}
	}()

	res, err := r.features[name].Func(out.T, out.U)
	if errors.Is(err, ErrNoResult) {
		return Outcome{Missing: true}
	}
	if err != nil {
		return Outcome{Err: r.wrap(name, err, node)}
	}
	if len(res.Shape) == 0 && len(res.U) != 1 {
		res.Shape = []int{len(res.U)}
	}
	if err := res.Validate(); err != nil {
		return Outcome{Err: r.wrap(name, fmt.Errorf("malformed result: %w", err), node)}
	}
	return Outcome{Output: res}
}

func (r *Registry) wrap(name string, err error, node NodeContext) error {
	return errdefs.NewFeatureError(name, err).WithNode(node.Index, node.Assignment)
}

// Configure classifies v into a registry with no default features. See ConfigureWith.
func Configure(v any) (*Registry, error) {
	return ConfigureWith(v, nil)
}

// ConfigureWith classifies v into a registry, resolving names against defaults:
//
//	nil                      no features
//	*Registry                adopted as is
//	"all"                    every default feature
//	string, []string         the named default features
//	Feature, []Feature       the given features, added to the defaults
//	[]any                    any mix of names and Features
//
// Anything else is an ErrInvalidFeatures error; an unresolvable name is an
// ErrUnknownFeature error. defaults is not modified.
func ConfigureWith(v any, defaults *Registry) (*Registry, error) {
	if src, ok := v.(*Registry); ok && src != nil {
		return src, nil
	}

	r, err := defaults.clone()
	if err != nil {
		return nil, err
	}

	var items []any
	switch src := v.(type) {
	case nil, *Registry:
		r.Disable()
		return r, nil
	case string:
		if src == string(ModeAll) {
			r.EnableAll()
			return r, nil
		}
		items = []any{src}
	case []string:
		for _, s := range src {
			items = append(items, s)
		}
	case Feature:
		items = []any{src}
	case []Feature:
		for _, f := range src {
			items = append(items, f)
		}
	case []any:
		items = src
	default:
		return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidFeatures,
			fmt.Sprintf("features must be nil, \"all\", names or Features, got %T", v), nil)
	}

	var names []string
	added := make(map[string]bool)
	for _, item := range items {
		switch it := item.(type) {
		case string:
			names = append(names, it)
		case Feature:
			switch {
			case added[it.Name]:
				return nil, errdefs.NewConfigurationError(errdefs.CodeDuplicateName,
					"feature listed twice", nil).WithFeature(it.Name)
			case r.has(it.Name):
				if it.Func == nil {
					return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidFeatures,
						"feature requires a function", nil).WithFeature(it.Name)
				}
				r.features[it.Name] = it
			default:
				if err := r.Register(it); err != nil {
					return nil, err
				}
			}
			added[it.Name] = true
			names = append(names, it.Name)
		default:
			return nil, errdefs.NewConfigurationError(errdefs.CodeInvalidFeatures,
				fmt.Sprintf("feature entries must be names or Features, got %T", item), nil)
		}
	}

	if err := r.Enable(names...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) has(name string) bool {
	_, ok := r.features[name]
	return ok
}

func (r *Registry) clone() (*Registry, error) {
	if r == nil {
		return NewRegistry()
	}
	c := &Registry{
		features: make(map[string]Feature, len(r.features)),
		order:    append([]string(nil), r.order...),
		mode:     r.mode,
		enabled:  append([]string(nil), r.enabled...),
	}
	for k, f := range r.features {
		c.features[k] = f
	}
	return c, nil
}
