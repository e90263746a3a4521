package features

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/Chaztikov/uncertainpy/pkg/errdefs"
	"github.com/Chaztikov/uncertainpy/pkg/model"
	"github.com/Chaztikov/uncertainpy/pkg/script"
)

func meanFeature(t, u []float64) (model.Output, error) {
	sum := 0.0
	for _, v := range u {
		sum += v
	}
	return Scalar(sum / float64(len(u)))
}

func failingFeature(t, u []float64) (model.Output, error) {
	return model.Output{}, errors.New("always fails")
}

func missingFeature(t, u []float64) (model.Output, error) {
	return model.Output{}, ErrNoResult
}

func TestRegistryModes(t *testing.T) {
	r, err := NewRegistry(
		Feature{Name: "mean", Func: meanFeature},
		Feature{Name: "fails", Func: failingFeature},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if r.Mode() != ModeAll || len(r.Enabled()) != 2 {
		t.Errorf("new registry should run everything, got %s %v", r.Mode(), r.Enabled())
	}

	if err := r.Enable("fails"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if got := r.Enabled(); len(got) != 1 || got[0] != "fails" {
		t.Errorf("Enabled() = %v, want [fails]", got)
	}

	err = r.Enable("mean", "nope")
	if !errors.Is(err, errdefs.ErrUnknownFeature) {
		t.Errorf("Enable(unknown) error = %v, want ErrUnknownFeature", err)
	}

	r.Disable()
	if r.Enabled() != nil {
		t.Errorf("disabled registry should run nothing")
	}

	if err := r.RegisterFunc("mean", meanFeature); !errors.Is(err, errdefs.ErrDuplicateName) {
		t.Errorf("duplicate Register() error = %v", err)
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	r, _ := NewRegistry(
		Feature{Name: "mean", Func: meanFeature},
		Feature{Name: "fails", Func: failingFeature},
		Feature{Name: "missing", Func: missingFeature},
		Feature{Name: "panics", Func: func(t, u []float64) (model.Output, error) { panic("boom") }},
	)

	out := model.Vector([]float64{0, 1, 2}, []float64{1, 2, 3})
	node := NodeContext{Index: 3, Assignment: map[string]float64{"a": 1}}
	results := r.Run(context.Background(), out, node)

	if len(results) != 4 {
		t.Fatalf("Run() returned %d outcomes, want 4", len(results))
	}
	if !results["mean"].OK() || results["mean"].Output.U[0] != 2 {
		t.Errorf("mean outcome = %+v", results["mean"])
	}
	if !results["missing"].Missing || results["missing"].Err != nil {
		t.Errorf("missing outcome = %+v", results["missing"])
	}

	for _, name := range []string{"fails", "panics"} {
		err := results[name].Err
		if !errors.Is(err, errdefs.ErrFeatureEvaluation) {
			t.Errorf("%s: error = %v, want ErrFeatureEvaluation", name, err)
			continue
		}
		var e *errdefs.Error
		errors.As(err, &e)
		if e.Feature != name || e.Node == nil || *e.Node != 3 || e.Assignment["a"] != 1 {
			t.Errorf("%s: error context = %+v", name, e)
		}
	}
}

func TestConfigure(t *testing.T) {
	defaults, err := NewSpiking(SpikingConfig{})
	if err != nil {
		t.Fatalf("NewSpiking() error = %v", err)
	}
	custom := Feature{Name: "mean", Func: meanFeature}

	tests := []struct {
		name     string
		v        any
		want     []string
		wantCode string
	}{
		{name: "nil", v: nil, want: nil},
		{name: "all", v: "all", want: defaults.Registered()},
		{name: "single name", v: "nr_spikes", want: []string{"nr_spikes"}},
		{name: "names", v: []string{"spike_rate", "nr_spikes"}, want: []string{"spike_rate", "nr_spikes"}},
		{name: "custom feature", v: []Feature{custom}, want: []string{"mean"}},
		{name: "mixed", v: []any{"nr_spikes", custom}, want: []string{"nr_spikes", "mean"}},
		{name: "unknown name", v: []string{"nr_spikes", "bogus"}, wantCode: errdefs.CodeUnknownFeature},
		{name: "wrong type", v: 42, wantCode: errdefs.CodeInvalidFeatures},
		{name: "wrong element", v: []any{1.5}, wantCode: errdefs.CodeInvalidFeatures},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ConfigureWith(tt.v, defaults)
			if tt.wantCode != "" {
				if errdefs.CodeOf(err) != tt.wantCode || !errdefs.IsConfiguration(err) {
					t.Fatalf("error = %v, want code %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("ConfigureWith() error = %v", err)
			}
			got := r.Enabled()
			if len(got) != len(tt.want) {
				t.Fatalf("Enabled() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Enabled() = %v, want %v", got, tt.want)
				}
			}
		})
	}

	if len(defaults.Registered()) != 7 || defaults.Mode() != ModeAll {
		t.Errorf("ConfigureWith must not modify defaults")
	}

	if r, _ := Configure(defaults); r != defaults {
		t.Errorf("Configure(*Registry) should adopt the registry")
	}
}

// trace builds a 1 ms sampled trace at -65 mV with triangular spikes to +20 mV peaking at
// the given times.
func trace(peaks ...float64) (t, v []float64) {
	for i := 0; i <= 200; i++ {
		ti := float64(i)
		vi := -65.0
		for _, p := range peaks {
			if d := math.Abs(ti - p); d < 3 {
				vi = math.Max(vi, 20-d*(85.0/3.0))
			}
		}
		t = append(t, ti)
		v = append(v, vi)
	}
	return t, v
}

func TestSpikingFeatures(t *testing.T) {
	r, err := NewSpiking(SpikingConfig{})
	if err != nil {
		t.Fatalf("NewSpiking() error = %v", err)
	}

	tt, v := trace(20, 60, 110, 170)
	results := r.Run(context.Background(), model.Vector(tt, v), NodeContext{})

	check := func(name string, want, tol float64) {
		t.Helper()
		o := results[name]
		if !o.OK() {
			t.Fatalf("%s: outcome = %+v", name, o)
		}
		if got := o.Output.U[0]; math.Abs(got-want) > tol {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}

	check("nr_spikes", 4, 0)
	check("spike_rate", 4.0/200.0, 1e-12)
	check("time_before_first_spike", 20, 0)
	check("average_AP_overshoot", 20, 1e-9)
	check("average_AHP_depth", -65, 1e-9)
	// Accommodation: ISIs 40, 50, 60 with k=1.
	check("accommodation_index", ((50.0-40)/(90)+(60.0-50)/(110))/2, 1e-12)

	width := results["average_AP_width"]
	if !width.OK() || width.Output.U[0] <= 0 || width.Output.U[0] >= 6 {
		t.Errorf("average_AP_width = %+v", width)
	}
}

func TestSpikingZeroThreshold(t *testing.T) {
	zero := 0.0
	tt, v := trace(20, 60)

	byDefault, _ := NewSpiking(SpikingConfig{})
	atZero, err := NewSpiking(SpikingConfig{Threshold: &zero})
	if err != nil {
		t.Fatalf("NewSpiking() error = %v", err)
	}

	wide := byDefault.Run(context.Background(), model.Vector(tt, v), NodeContext{})["average_AP_width"]
	narrow := atZero.Run(context.Background(), model.Vector(tt, v), NodeContext{})
	if o := narrow["nr_spikes"]; !o.OK() || o.Output.U[0] != 2 {
		t.Fatalf("nr_spikes at 0 mV = %+v, want 2", o)
	}
	// A higher threshold raises the half-height level, so spikes measure narrower.
	if w := narrow["average_AP_width"]; !w.OK() || !wide.OK() || w.Output.U[0] >= wide.Output.U[0] {
		t.Errorf("width at 0 mV = %+v, default = %+v", w, wide)
	}

	above := 25.0
	none, _ := NewSpiking(SpikingConfig{Threshold: &above})
	if o := none.Run(context.Background(), model.Vector(tt, v), NodeContext{})["nr_spikes"]; !o.OK() || o.Output.U[0] != 0 {
		t.Errorf("nr_spikes at 25 mV = %+v, want 0", o)
	}
}

func TestSpikingFeaturesWithoutSpikes(t *testing.T) {
	r, _ := NewSpiking(SpikingConfig{})
	tt, v := trace()
	results := r.Run(context.Background(), model.Vector(tt, v), NodeContext{})

	if o := results["nr_spikes"]; !o.OK() || o.Output.U[0] != 0 {
		t.Errorf("nr_spikes = %+v, want 0", o)
	}
	for _, name := range []string{"time_before_first_spike", "average_AP_overshoot", "average_AHP_depth", "average_AP_width", "accommodation_index"} {
		if !results[name].Missing {
			t.Errorf("%s should be missing without spikes, got %+v", name, results[name])
		}
	}

	noTime := r.Run(context.Background(), model.Vector(nil, v), NodeContext{})
	if !noTime["nr_spikes"].Missing {
		t.Errorf("spiking features need t")
	}
}

func TestFromScript(t *testing.T) {
	prog, err := script.Load("features.star", `
def peak(t, U):
    return max(U)

def late(t, U):
    if t == None:
        return None
    return (t[1:], U[1:])
`)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	feats, err := FromScript(prog)
	if err != nil {
		t.Fatalf("FromScript() error = %v", err)
	}
	r, err := NewRegistry(feats...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	results := r.Run(context.Background(), model.Vector([]float64{0, 1, 2}, []float64{3, 9, 4}), NodeContext{})
	if o := results["peak"]; !o.OK() || o.Output.U[0] != 9 {
		t.Errorf("peak = %+v", o)
	}
	if o := results["late"]; !o.OK() || len(o.Output.U) != 2 || o.Output.T[0] != 1 {
		t.Errorf("late = %+v", o)
	}

	results = r.Run(context.Background(), model.Vector(nil, []float64{1}), NodeContext{})
	if !results["late"].Missing {
		t.Errorf("None should be a missing result, got %+v", results["late"])
	}

	if _, err := FromScript(prog, "nope"); err == nil {
		t.Errorf("unknown function should fail")
	}
}
