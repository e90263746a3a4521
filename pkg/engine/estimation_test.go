package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/Chaztikov/uncertainpy/pkg/chaos"
	"github.com/Chaztikov/uncertainpy/pkg/distribution"
	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
	"github.com/Chaztikov/uncertainpy/pkg/features"
	"github.com/Chaztikov/uncertainpy/pkg/model"
	"github.com/Chaztikov/uncertainpy/pkg/parameters"
	"github.com/Chaztikov/uncertainpy/pkg/telemetry"
)

// coupling returns J_E and g, both uniform on [2, 6].
func coupling() []parameters.Spec {
	return []parameters.Spec{
		{Name: "J_E", Value: 4, Distribution: distribution.UniformRule(0.5)},
		{Name: "g", Value: 4, Distribution: distribution.UniformRule(0.5)},
	}
}

// sumAndProduct evaluates to U = [J_E + g, J_E * g] at t = [0, 1].
func sumAndProduct(p map[string]float64) ([]float64, []float64, error) {
	return []float64{0, 1}, []float64{p["J_E"] + p["g"], p["J_E"] * p["g"]}, nil
}

// corner fails the model at the single node where both parameters exceed 5.5.
func corner(p map[string]float64) ([]float64, []float64, error) {
	if p["J_E"] > 5.5 && p["g"] > 5.5 {
		return nil, nil, fmt.Errorf("diverged")
	}
	return sumAndProduct(p)
}

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func newEstimation(t *testing.T, specs []parameters.Spec, m any, opts ...Option) *UncertaintyEstimation {
	t.Helper()
	u := New(opts...)
	if err := u.SetParameters(specs); err != nil {
		t.Fatalf("SetParameters() error = %v", err)
	}
	if err := u.SetModel(m); err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	return u
}

func record(t *testing.T, res *Results, name string) *Record {
	t.Helper()
	rec, ok := res.Get(name)
	if !ok {
		t.Fatalf("no record for %q, have %v", name, res.Names())
	}
	return rec
}

func checkSumAndProduct(t *testing.T, rec *Record, tol float64) {
	t.Helper()
	if rec.Status != OutputStatusOK {
		t.Fatalf("status = %s (%s)", rec.Status, rec.Error)
	}
	if !near(rec.Mean[0], 8, tol) || !near(rec.Mean[1], 16, tol) {
		t.Errorf("mean = %v, want [8 16]", rec.Mean)
	}
	if !near(rec.Variance[0], 8.0/3, tol) || !near(rec.Variance[1], 400.0/9, tol) {
		t.Errorf("variance = %v, want [%v %v]", rec.Variance, 8.0/3, 400.0/9)
	}
	for _, name := range []string{"J_E", "g"} {
		first, total := rec.FirstOrder[name], rec.Total[name]
		if !near(first[0], 0.5, tol) || !near(total[0], 0.5, tol) {
			t.Errorf("%s sum indices = %v %v, want 0.5", name, first[0], total[0])
		}
		if !near(first[1], 0.48, tol) || !near(total[1], 0.52, tol) {
			t.Errorf("%s product indices = %v %v, want 0.48 and 0.52", name, first[1], total[1])
		}
	}
}

func TestRunQuadrature(t *testing.T) {
	u := newEstimation(t, coupling(), model.TimeFunc(sumAndProduct))

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State() != StateStatisticsReady {
		t.Errorf("State() = %s", res.State())
	}
	if res.Nodes() != 25 {
		t.Errorf("Nodes() = %d, want 25", res.Nodes())
	}
	if !slices.Equal(res.UncertainParameters(), []string{"J_E", "g"}) {
		t.Errorf("UncertainParameters() = %v", res.UncertainParameters())
	}
	if res.RunID() == "" {
		t.Errorf("RunID() is empty")
	}

	rec := record(t, res, DirectOutput)
	checkSumAndProduct(t, rec, 1e-9)
	if rec.Rows() != 25 || !slices.Equal(rec.T, []float64{0, 1}) {
		t.Errorf("rows = %d t = %v", rec.Rows(), rec.T)
	}
	for k := range rec.Mean {
		if !(rec.P05[k] <= rec.Mean[k] && rec.Mean[k] <= rec.P95[k]) {
			t.Errorf("percentiles %v %v do not bracket mean %v", rec.P05[k], rec.P95[k], rec.Mean[k])
		}
	}
	if d := res.Diagnostics(); d.FailedNodes != 0 || d.SucceededNodes != 25 {
		t.Errorf("diagnostics = %+v", d)
	}
}

func TestResultsAreNotChangedThroughAccessors(t *testing.T) {
	u := newEstimation(t, coupling(), model.TimeFunc(corner))
	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec := record(t, res, DirectOutput)
	rec.Status = OutputStatusShapeMismatch
	rec.Mean[0] = -1
	rec.FirstOrder["J_E"][0] = -1
	rec.Evaluations[0][0] = -1

	d := res.Diagnostics()
	d.FailedNodes = 99
	d.NodeFailures[0].Assignment["J_E"] = -1

	fresh := record(t, res, DirectOutput)
	if fresh.Status != OutputStatusOK || fresh.Mean[0] == -1 {
		t.Errorf("record changed through Get: %+v", fresh)
	}
	if fresh.FirstOrder["J_E"][0] == -1 || fresh.Evaluations[0][0] == -1 {
		t.Errorf("indices or evaluations changed through Get")
	}
	again := res.Diagnostics()
	if again.FailedNodes != 1 || again.NodeFailures[0].Assignment["J_E"] == -1 {
		t.Errorf("diagnostics changed through Diagnostics(): %+v", again)
	}
}

func TestRunSkipsFailedNode(t *testing.T) {
	recorder := telemetry.NewRecorder()
	u := newEstimation(t, coupling(), model.TimeFunc(corner), WithSink(recorder))

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec := record(t, res, DirectOutput)
	if rec.Rows() != 24 {
		t.Errorf("Rows() = %d, want 24", rec.Rows())
	}
	checkSumAndProduct(t, rec, 1e-8)

	d := res.Diagnostics()
	if d.FailedNodes != 1 || len(d.NodeFailures) != 1 {
		t.Fatalf("diagnostics = %+v", d)
	}
	f := d.NodeFailures[0]
	if f.Assignment["J_E"] <= 5.5 || f.Assignment["g"] <= 5.5 {
		t.Errorf("failure assignment = %v", f.Assignment)
	}
	if !errdefs.IsModelEvaluation(f.Err) {
		t.Errorf("failure error = %v, want model evaluation", f.Err)
	}
	if slices.Contains(rec.NodeIndex, f.Index) {
		t.Errorf("failed node %d has a row", f.Index)
	}

	events := recorder.OfType(telemetry.EventTypeNodeFailed)
	if len(events) != 1 || *events[0].Node != f.Index || events[0].RunID != res.RunID() {
		t.Errorf("node.failed events = %+v", events)
	}
}

func TestRunAbortPolicy(t *testing.T) {
	opts := DefaultOptions()
	opts.FailurePolicy = FailureAbort
	opts.MaxParallel = 1
	u := newEstimation(t, coupling(), model.TimeFunc(corner), WithOptions(opts))

	res, err := u.Run(context.Background())
	if !errdefs.IsModelEvaluation(err) {
		t.Fatalf("Run() error = %v, want model evaluation", err)
	}
	if res == nil || res.State() != StateFailed {
		t.Fatalf("results = %+v", res)
	}
	if res.Diagnostics().FailedNodes != 1 {
		t.Errorf("FailedNodes = %d", res.Diagnostics().FailedNodes)
	}
}

func TestRunFailureThreshold(t *testing.T) {
	// One of 25 nodes fails, a ratio of 0.04.
	for _, ratio := range []float64{0.01, 0} {
		t.Run(fmt.Sprint(ratio), func(t *testing.T) {
			opts := DefaultOptions()
			opts.MaxFailureRatio = Ratio(ratio)
			u := newEstimation(t, coupling(), model.TimeFunc(corner), WithOptions(opts))

			res, err := u.Run(context.Background())
			if !errors.Is(err, errdefs.ErrFailureThreshold) {
				t.Fatalf("Run() error = %v, want failure threshold", err)
			}
			if res.State() != StateFailed {
				t.Errorf("State() = %s", res.State())
			}
		})
	}
}

func TestRunZeroFailureRatioWithoutFailures(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxFailureRatio = Ratio(0)
	u := newEstimation(t, coupling(), model.TimeFunc(sumAndProduct), WithOptions(opts))

	if _, err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunAllNodesFailed(t *testing.T) {
	broken := model.ScalarFunc(func(map[string]float64) (float64, error) {
		return 0, fmt.Errorf("no convergence")
	})
	u := newEstimation(t, coupling(), broken)

	res, err := u.Run(context.Background())
	if !errors.Is(err, errdefs.ErrAllNodesFailed) {
		t.Fatalf("Run() error = %v, want all nodes failed", err)
	}
	if res.Diagnostics().FailedNodes != 25 {
		t.Errorf("FailedNodes = %d", res.Diagnostics().FailedNodes)
	}
}

func TestRunIsolatesFeatureErrors(t *testing.T) {
	u := newEstimation(t, coupling(), model.TimeFunc(sumAndProduct))
	err := u.SetFeatures([]features.Feature{
		{Name: "peak", Func: func(_, u []float64) (model.Output, error) { return features.Scalar(slices.Max(u)) }},
		{Name: "broken", Func: func(_, _ []float64) (model.Output, error) { return model.Output{}, fmt.Errorf("nope") }},
	})
	if err != nil {
		t.Fatalf("SetFeatures() error = %v", err)
	}

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !slices.Equal(res.Names(), []string{DirectOutput, "peak", "broken"}) {
		t.Errorf("Names() = %v", res.Names())
	}

	checkSumAndProduct(t, record(t, res, DirectOutput), 1e-9)

	peak := record(t, res, "peak")
	if peak.Status != OutputStatusOK || peak.Rows() != 25 || len(peak.Mean) != 1 {
		t.Errorf("peak = %+v", peak)
	}

	broken := record(t, res, "broken")
	if broken.Status != OutputStatusErrored || broken.Errored != 25 || broken.Mean != nil {
		t.Errorf("broken = %+v", broken)
	}
	d := res.Diagnostics()
	if d.FeatureErrors("broken") != 25 || d.FeatureErrors("peak") != 0 {
		t.Errorf("feature errors = %d, %d", d.FeatureErrors("broken"), d.FeatureErrors("peak"))
	}
	if len(d.OutputFailures) != 1 || d.OutputFailures[0].Output != "broken" {
		t.Errorf("output failures = %+v", d.OutputFailures)
	}
}

func TestRunMissingFeatureValues(t *testing.T) {
	u := newEstimation(t, coupling(), model.TimeFunc(sumAndProduct))
	err := u.SetFeatures(features.Feature{
		Name: "threshold",
		Func: func(_, u []float64) (model.Output, error) {
			if u[0] < 8 {
				return model.Output{}, features.ErrNoResult
			}
			return features.Scalar(u[0])
		},
	})
	if err != nil {
		t.Fatalf("SetFeatures() error = %v", err)
	}

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec := record(t, res, "threshold")
	if rec.Missing == 0 || rec.Missing+rec.Rows() != 25 {
		t.Errorf("missing = %d rows = %d", rec.Missing, rec.Rows())
	}
}

// ragged returns two or three points depending on J_E, with U linear in t.
func ragged(p map[string]float64) ([]float64, []float64, error) {
	t := []float64{0, 0.5, 1}
	if p["J_E"] < 4 {
		t = []float64{0, 1}
	}
	u := make([]float64, len(t))
	for i, x := range t {
		u[i] = p["J_E"] + p["g"]*x
	}
	return t, u, nil
}

func TestRunShapeMismatch(t *testing.T) {
	u := newEstimation(t, coupling(), model.TimeFunc(ragged))
	if err := u.SetFeatures(features.Feature{
		Name: "start",
		Func: func(_, u []float64) (model.Output, error) { return features.Scalar(u[0]) },
	}); err != nil {
		t.Fatalf("SetFeatures() error = %v", err)
	}

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	direct := record(t, res, DirectOutput)
	if direct.Status != OutputStatusShapeMismatch || direct.Mean != nil {
		t.Errorf("direct = %+v", direct)
	}
	if errs := res.Diagnostics().OutputFailures; len(errs) != 1 || !errdefs.IsShapeMismatch(errs[0].Err) {
		t.Errorf("output failures = %+v", errs)
	}

	start := record(t, res, "start")
	if start.Status != OutputStatusOK || !near(start.Mean[0], 4, 1e-9) {
		t.Errorf("start = %+v", start)
	}
}

func TestRunInterpolate(t *testing.T) {
	opts := DefaultOptions()
	opts.Alignment = AlignInterpolate
	u := newEstimation(t, coupling(), model.TimeFunc(ragged), WithOptions(opts))

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec := record(t, res, DirectOutput)
	if !slices.Equal(rec.T, []float64{0, 0.5, 1}) {
		t.Fatalf("T = %v", rec.T)
	}
	want := []float64{4, 6, 8}
	for k := range want {
		if !near(rec.Mean[k], want[k], 1e-9) {
			t.Errorf("mean = %v, want %v", rec.Mean, want)
			break
		}
	}
}

func TestRunPositionalModel(t *testing.T) {
	// values arrive in parameter-set order: J_E then g.
	fn := func(values []float64) ([]float64, []float64, error) {
		je, g := values[0], values[1]
		return []float64{0, 1, 2}, []float64{je + g, je * g, je - 2*g}, nil
	}
	u := newEstimation(t, coupling(), fn)

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec := record(t, res, DirectOutput)
	checkSumAndProduct(t, rec, 1e-9)
	if !near(rec.Mean[2], -4, 1e-9) {
		t.Errorf("mean of J_E - 2g = %v, want -4", rec.Mean[2])
	}
}

func TestRunConfigurationErrors(t *testing.T) {
	fixed := []parameters.Spec{{Name: "J_E", Value: 4}, {Name: "g", Value: 4}}

	tests := []struct {
		name  string
		setup func(*UncertaintyEstimation) error
		want  error
	}{
		{
			name:  "no parameters",
			setup: func(u *UncertaintyEstimation) error { return u.SetModel(model.TimeFunc(sumAndProduct)) },
			want:  errdefs.ErrInvalidParameters,
		},
		{
			name: "no uncertain parameters",
			setup: func(u *UncertaintyEstimation) error {
				if err := u.SetParameters(fixed); err != nil {
					return err
				}
				return u.SetModel(model.TimeFunc(sumAndProduct))
			},
			want: errdefs.ErrNoUncertainParameters,
		},
		{
			name:  "no model",
			setup: func(u *UncertaintyEstimation) error { return u.SetParameters(coupling()) },
			want:  errdefs.ErrInvalidModel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := New()
			if err := tt.setup(u); err != nil {
				t.Fatalf("setup error = %v", err)
			}
			res, err := u.Run(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Run() error = %v, want %v", err, tt.want)
			}
			if res != nil {
				t.Errorf("Run() returned results for a configuration error")
			}
			if !errdefs.IsConfiguration(u.Validate()) {
				t.Errorf("Validate() = %v", u.Validate())
			}
		})
	}
}

func TestSettersRejectInvalidInput(t *testing.T) {
	u := New()
	if err := u.SetParameters(42); !errors.Is(err, errdefs.ErrInvalidParameters) {
		t.Errorf("SetParameters(42) = %v", err)
	}
	if err := u.SetModel("model"); !errors.Is(err, errdefs.ErrInvalidModel) {
		t.Errorf("SetModel(string) = %v", err)
	}
	if err := u.SetFeatures(3.5); !errors.Is(err, errdefs.ErrInvalidFeatures) {
		t.Errorf("SetFeatures(3.5) = %v", err)
	}
	if err := u.SetFeatures("spike_rate"); !errors.Is(err, errdefs.ErrUnknownFeature) {
		t.Errorf("SetFeatures(unknown) = %v", err)
	}
	if err := u.SetOptions(Options{Alignment: "pad"}); !errdefs.IsConfiguration(err) {
		t.Errorf("SetOptions() = %v", err)
	}
}

func TestSetFeaturesResolvesDefaults(t *testing.T) {
	defaults, err := features.NewSpiking(features.SpikingConfig{})
	if err != nil {
		t.Fatalf("NewSpiking() error = %v", err)
	}
	u := New(WithDefaultFeatures(defaults))

	if err := u.SetFeatures("all"); err != nil {
		t.Fatalf("SetFeatures(all) error = %v", err)
	}
	if !slices.Equal(u.Features().Enabled(), defaults.Registered()) {
		t.Errorf("Enabled() = %v", u.Features().Enabled())
	}

	if err := u.SetFeatures([]string{"spike_rate"}); err != nil {
		t.Fatalf("SetFeatures() error = %v", err)
	}
	if !slices.Equal(u.Features().Enabled(), []string{"spike_rate"}) {
		t.Errorf("Enabled() = %v", u.Features().Enabled())
	}
}

func TestRunCollapsedParameter(t *testing.T) {
	point, err := distribution.Point(4)
	if err != nil {
		t.Fatalf("Point() error = %v", err)
	}
	specs := coupling()
	specs[1].Distribution = point

	u := newEstimation(t, specs, model.TimeFunc(sumAndProduct))
	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Nodes() != 5 {
		t.Errorf("Nodes() = %d, want 5", res.Nodes())
	}
	if d := res.Diagnostics(); !slices.Equal(d.Collapsed, []string{"g"}) {
		t.Errorf("Collapsed = %v", d.Collapsed)
	}

	rec := record(t, res, DirectOutput)
	if !near(rec.Mean[0], 8, 1e-9) || !near(rec.Mean[1], 16, 1e-9) {
		t.Errorf("mean = %v", rec.Mean)
	}
	if !near(rec.FirstOrder["J_E"][0], 1, 1e-9) || rec.FirstOrder["g"][0] != 0 || rec.Total["g"][1] != 0 {
		t.Errorf("first = %v total = %v", rec.FirstOrder, rec.Total)
	}
}

func TestRunEveryParameterCollapsed(t *testing.T) {
	a, _ := distribution.Point(3)
	b, _ := distribution.Point(5)
	specs := []parameters.Spec{
		{Name: "J_E", Value: 4, Distribution: a},
		{Name: "g", Value: 4, Distribution: b},
	}

	u := newEstimation(t, specs, model.TimeFunc(sumAndProduct))
	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec := record(t, res, DirectOutput)
	if res.Nodes() != 1 || !slices.Equal(rec.Mean, []float64{8, 15}) {
		t.Errorf("nodes = %d mean = %v", res.Nodes(), rec.Mean)
	}
	if !slices.Equal(rec.Variance, []float64{0, 0}) || !slices.Equal(rec.P95, rec.Mean) {
		t.Errorf("variance = %v p95 = %v", rec.Variance, rec.P95)
	}
	if !slices.Equal(rec.Total["g"], []float64{0, 0}) {
		t.Errorf("total = %v", rec.Total)
	}
}

func TestRunSingleUncertainParameterHasNoSensitivity(t *testing.T) {
	specs := coupling()
	specs[1].Distribution = nil

	u := newEstimation(t, specs, model.TimeFunc(sumAndProduct))
	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.HasSensitivity(DirectOutput) {
		t.Errorf("sensitivity computed for one uncertain parameter")
	}
	rec := record(t, res, DirectOutput)
	if !near(rec.Mean[1], 16, 1e-9) || !near(rec.Variance[0], 4.0/3, 1e-9) {
		t.Errorf("mean = %v variance = %v", rec.Mean, rec.Variance)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	m := model.TimeFunc(func(p map[string]float64) ([]float64, []float64, error) {
		if calls.Add(1) == 3 {
			cancel()
		}
		return sumAndProduct(p)
	})

	opts := DefaultOptions()
	opts.MaxParallel = 1
	u := newEstimation(t, coupling(), m, WithOptions(opts))

	res, err := u.Run(ctx)
	if !errdefs.IsCancelled(err) {
		t.Fatalf("Run() error = %v, want cancelled", err)
	}
	if res.State() != StateFailed {
		t.Errorf("State() = %s", res.State())
	}
	d := res.Diagnostics()
	if d.SucceededNodes != 3 || d.CancelledNodes != 22 {
		t.Errorf("diagnostics = %+v", d)
	}
}

func TestRunIsReproducible(t *testing.T) {
	for _, method := range []chaos.Method{chaos.MethodCollocation, chaos.MethodMonteCarlo} {
		t.Run(string(method), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Method = method
			opts.Seed = 7
			opts.Samples = 200

			var means [2][]float64
			for i := range means {
				u := newEstimation(t, coupling(), model.TimeFunc(sumAndProduct), WithOptions(opts))
				res, err := u.Run(context.Background())
				if err != nil {
					t.Fatalf("Run() error = %v", err)
				}
				means[i] = record(t, res, DirectOutput).Mean
			}
			if !slices.Equal(means[0], means[1]) {
				t.Errorf("means differ: %v and %v", means[0], means[1])
			}
		})
	}
}

func TestRunSingle(t *testing.T) {
	opts := DefaultOptions()
	opts.RunID = "study"
	u := newEstimation(t, coupling(), model.TimeFunc(sumAndProduct), WithOptions(opts))

	all, err := u.RunSingle(context.Background())
	if err != nil {
		t.Fatalf("RunSingle() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("RunSingle() returned %d results", len(all))
	}
	for name, res := range all {
		if res.RunID() != "study-"+name {
			t.Errorf("RunID() = %s", res.RunID())
		}
		if !slices.Equal(res.UncertainParameters(), []string{name}) || res.Nodes() != 5 {
			t.Errorf("%s: uncertain = %v nodes = %d", name, res.UncertainParameters(), res.Nodes())
		}
		rec := record(t, res, DirectOutput)
		if !near(rec.Mean[0], 8, 1e-9) || !near(rec.Variance[0], 4.0/3, 1e-9) {
			t.Errorf("%s: mean = %v variance = %v", name, rec.Mean, rec.Variance)
		}
	}
}

type rejectAll struct{}

func (rejectAll) EvaluateResults(_ context.Context, res *Results) (*PolicyReport, error) {
	return &PolicyReport{Violations: []PolicyViolation{{
		Policy: "reject-all", Output: DirectOutput, Message: "rejected", Severity: "error",
	}}}, nil
}

func TestRunEvaluatesPolicy(t *testing.T) {
	recorder := telemetry.NewRecorder()
	u := newEstimation(t, coupling(), model.TimeFunc(sumAndProduct),
		WithPolicy(rejectAll{}), WithSink(recorder))

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Policy() == nil || res.Policy().Allowed || len(res.Policy().Violations) != 1 {
		t.Errorf("Policy() = %+v", res.Policy())
	}
	if n := len(recorder.OfType(telemetry.EventTypePolicyViolation)); n != 1 {
		t.Errorf("%d policy events", n)
	}
}

func TestRunPublishesStateChanges(t *testing.T) {
	recorder := telemetry.NewRecorder()
	var buf bytes.Buffer
	logger := telemetry.NewLoggerTo(&buf, telemetry.LoggingConfig{Level: "debug", Format: "json"})
	u := newEstimation(t, coupling(), model.TimeFunc(sumAndProduct),
		WithSink(recorder), WithLogger(logger))

	if _, err := u.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var got []string
	for _, e := range recorder.OfType(telemetry.EventTypeStateChanged) {
		got = append(got, e.Data["to"].(string))
	}
	want := []string{"nodes_generated", "evaluated", "expanded", "statistics_ready"}
	if !slices.Equal(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if len(recorder.OfType(telemetry.EventTypeRunCompleted)) != 1 {
		t.Errorf("no run.completed event")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"component":"engine"`)) {
		t.Errorf("log output missing component: %s", buf.String())
	}
}

func TestSetParametersDuringRunDoesNotAffectIt(t *testing.T) {
	u := New()
	if err := u.SetParameters(coupling()); err != nil {
		t.Fatalf("SetParameters() error = %v", err)
	}
	m := model.TimeFunc(func(p map[string]float64) ([]float64, []float64, error) {
		_ = u.SetParameters([]parameters.Spec{{Name: "J_E", Value: 1, Distribution: distribution.UniformRule(0.1)}})
		return sumAndProduct(p)
	})
	if err := u.SetModel(m); err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}

	res, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	checkSumAndProduct(t, record(t, res, DirectOutput), 1e-9)
	if u.Parameters().Len() != 1 {
		t.Errorf("setter did not apply after the run")
	}
}
