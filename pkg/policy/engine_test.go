package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Chaztikov/uncertainpy/pkg/distribution"
	"github.com/Chaztikov/uncertainpy/pkg/engine"
	"github.com/Chaztikov/uncertainpy/pkg/features"
	"github.com/Chaztikov/uncertainpy/pkg/model"
	"github.com/Chaztikov/uncertainpy/pkg/parameters"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

// evaluate runs a single named policy against a hand-built input.
func evaluate(t *testing.T, eng *Engine, name string, input *ResultsInput) []engine.PolicyViolation {
	t.Helper()
	cp, ok := eng.policies[name]
	if !ok {
		t.Fatalf("policy %s not loaded", name)
	}
	if input.Outputs == nil {
		input.Outputs = []OutputInput{}
	}
	input.Settings = eng.Settings()
	violations, err := eng.evaluatePolicy(context.Background(), cp, input)
	if err != nil {
		t.Fatalf("evaluatePolicy(%s) error = %v", name, err)
	}
	return violations
}

func estimate(t *testing.T, opts ...engine.Option) *engine.Results {
	t.Helper()

	o := engine.DefaultOptions()
	o.RunID = "run-policy"
	o.MaxParallel = 2
	u := engine.New(append([]engine.Option{engine.WithOptions(o)}, opts...)...)

	err := u.SetParameters([]parameters.Spec{
		{Name: "J_E", Value: 4, Distribution: distribution.UniformRule(0.5)},
		{Name: "g", Value: 4, Distribution: distribution.UniformRule(0.5)},
	})
	if err != nil {
		t.Fatalf("SetParameters() error = %v", err)
	}
	err = u.SetModel(model.TimeFunc(func(p map[string]float64) ([]float64, []float64, error) {
		return []float64{0, 1}, []float64{p["J_E"] + p["g"], p["J_E"] * p["g"]}, nil
	}))
	if err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	err = u.SetFeatures([]any{
		features.Feature{Name: "peak", Func: func(_, u []float64) (model.Output, error) {
			return features.Scalar(max(u[0], u[1]))
		}},
	})
	if err != nil {
		t.Fatalf("SetFeatures() error = %v", err)
	}

	results, err := u.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return results
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"finite-statistics",
		"node-failure-budget",
		"output-health",
		"sensitivity-consistency",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("policies[%d] = %s, want %s", i, p.Name, expected[i])
		}
		if !p.Enabled || !p.Builtin {
			t.Errorf("built-in policy %s should be enabled and marked builtin", p.Name)
		}
	}

	if s := eng.Settings(); s != DefaultSettings() {
		t.Errorf("Settings() = %+v, want defaults", s)
	}

	if got := newTestEngine(t, WithoutBuiltins()).ListPolicies(); len(got) != 0 {
		t.Errorf("WithoutBuiltins() loaded %d policies", len(got))
	}
}

func TestEvaluateResults_Clean(t *testing.T) {
	eng := newTestEngine(t)
	results := estimate(t)

	report, err := eng.EvaluateResults(context.Background(), results)
	if err != nil {
		t.Fatalf("EvaluateResults() error = %v", err)
	}
	if !report.Allowed {
		t.Error("clean results should be allowed")
	}
	if len(report.Violations) != 0 {
		t.Errorf("Expected no violations, got %+v", report.Violations)
	}

	if _, err := eng.EvaluateResults(context.Background(), nil); err == nil {
		t.Error("EvaluateResults(nil) should fail")
	}
}

func TestEvaluateResults_ThroughEstimation(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())
	err := eng.AddPolicy(context.Background(), Policy{
		Name:     "min-nodes",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.minnodes

import rego.v1

deny contains msg if {
	input.nodes < 100
	msg := sprintf("only %d nodes", [input.nodes])
}`,
	})
	if err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	results := estimate(t, engine.WithPolicy(eng))

	report := results.Policy()
	if report == nil {
		t.Fatal("results carry no policy report")
	}
	if report.Allowed {
		t.Error("error severity violation should block results")
	}
	if len(report.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d", len(report.Violations))
	}
	v := report.Violations[0]
	if v.Policy != "min-nodes" || v.Message != "only 25 nodes" || v.Severity != "error" {
		t.Errorf("violation = %+v", v)
	}
}

func TestNodeFailureBudgetPolicy(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name  string
		diag  DiagnosticsInput
		count int
	}{
		{
			name:  "within budget",
			diag:  DiagnosticsInput{TotalNodes: 25, SucceededNodes: 24, FailedNodes: 1, FailureRatio: 0.04},
			count: 0,
		},
		{
			name:  "over budget",
			diag:  DiagnosticsInput{TotalNodes: 25, SucceededNodes: 15, FailedNodes: 10, FailureRatio: 0.4},
			count: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := evaluate(t, eng, "node-failure-budget", &ResultsInput{Diagnostics: tt.diag})
			if len(violations) != tt.count {
				t.Fatalf("Expected %d violations, got %+v", tt.count, violations)
			}
			if tt.count == 0 {
				return
			}
			if !strings.Contains(violations[0].Message, "10 of 25 nodes failed") {
				t.Errorf("Unexpected message: %s", violations[0].Message)
			}
			if violations[0].Severity != "error" {
				t.Errorf("Severity = %s, want error", violations[0].Severity)
			}
		})
	}
}

func TestSensitivityConsistencyPolicy(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name   string
		output OutputInput
		want   []string
	}{
		{
			name: "consistent",
			output: OutputInput{
				Name:       "direct",
				Mean:       []any{1.0},
				FirstOrder: map[string][]any{"a": {0.4}, "b": {0.5}},
				Total:      map[string][]any{"a": {0.45}, "b": {0.55}},
			},
		},
		{
			name: "first above total",
			output: OutputInput{
				Name:       "direct",
				Mean:       []any{1.0},
				FirstOrder: map[string][]any{"a": {0.7}, "b": {0.2}},
				Total:      map[string][]any{"a": {0.5}, "b": {0.2}},
			},
			want: []string{"first order index of a exceeds its total index at 0"},
		},
		{
			name: "sum above one",
			output: OutputInput{
				Name:       "direct",
				Mean:       []any{1.0},
				FirstOrder: map[string][]any{"a": {0.6}, "b": {0.6}},
				Total:      map[string][]any{"a": {0.6}, "b": {0.6}},
			},
			want: []string{"first order indices sum to"},
		},
		{
			name: "negative index",
			output: OutputInput{
				Name:       "direct",
				Mean:       []any{1.0},
				FirstOrder: map[string][]any{"a": {-0.2}},
				Total:      map[string][]any{"a": {0.1}},
			},
			want: []string{"first order index of a is -0.2 at 0"},
		},
		{
			name: "null entries ignored",
			output: OutputInput{
				Name:       "direct",
				Mean:       []any{nil},
				FirstOrder: map[string][]any{"a": {nil}},
				Total:      map[string][]any{"a": {nil}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := evaluate(t, eng, "sensitivity-consistency", &ResultsInput{Outputs: []OutputInput{tt.output}})
			if len(violations) != len(tt.want) {
				t.Fatalf("Expected %d violations, got %+v", len(tt.want), violations)
			}
			for i, want := range tt.want {
				if !strings.HasPrefix(violations[i].Message, want) {
					t.Errorf("violations[%d] = %q, want prefix %q", i, violations[i].Message, want)
				}
				if violations[i].Output != "direct" || violations[i].Severity != "warning" {
					t.Errorf("violations[%d] = %+v", i, violations[i])
				}
			}
		})
	}
}

func TestFiniteStatisticsPolicy(t *testing.T) {
	eng := newTestEngine(t)

	input := &ResultsInput{Outputs: []OutputInput{
		{Name: "ok", Mean: []any{1.0}, Variance: []any{0.5}},
		{Name: "nan", Mean: []any{nil}, Variance: []any{nil}, NonFinite: 2},
		{Name: "negative", Mean: []any{1.0}, Variance: []any{-0.5}},
	}}

	violations := evaluate(t, eng, "finite-statistics", input)
	if len(violations) != 2 {
		t.Fatalf("Expected 2 violations, got %+v", violations)
	}
	if violations[0].Output != "nan" || violations[0].Message != "2 statistics are not finite" {
		t.Errorf("violations[0] = %+v", violations[0])
	}
	if violations[1].Output != "negative" || !strings.HasPrefix(violations[1].Message, "variance is negative at 0") {
		t.Errorf("violations[1] = %+v", violations[1])
	}
}

func TestOutputHealthPolicy(t *testing.T) {
	eng := newTestEngine(t)

	input := &ResultsInput{Outputs: []OutputInput{
		{Name: "direct", Status: "ok"},
		{Name: "isi", Status: "missing", Error: "no node produced the feature"},
		{Name: "spike_rate", Status: "ok", Errored: 3},
	}}

	violations := evaluate(t, eng, "output-health", input)
	if len(violations) != 2 {
		t.Fatalf("Expected 2 violations, got %+v", violations)
	}
	if violations[0].Output != "isi" || violations[0].Severity != "warning" ||
		violations[0].Message != "no statistics (missing): no node produced the feature" {
		t.Errorf("violations[0] = %+v", violations[0])
	}
	if violations[1].Output != "spike_rate" || violations[1].Severity != "info" {
		t.Errorf("violations[1] = %+v", violations[1])
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{Name: "broken", Rego: "package broken\n\ndeny contains"})
	if err == nil {
		t.Error("Expected error for invalid Rego")
	}

	err = eng.AddPolicy(ctx, Policy{
		Name:    "custom",
		Enabled: true,
		Rego:    "package custom\n\nimport rego.v1\n\ndeny contains \"always\" if true",
	})
	if err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	p, err := eng.GetPolicy("custom")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Severity = %s, want default warning", p.Severity)
	}

	if _, err := eng.GetPolicy("non-existent"); err == nil {
		t.Error("Expected error for non-existent policy")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	input := &ResultsInput{Diagnostics: DiagnosticsInput{TotalNodes: 4, FailedNodes: 4, FailureRatio: 1}}

	if err := eng.DisablePolicy("node-failure-budget"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	p, _ := eng.GetPolicy("node-failure-budget")
	if p.Enabled {
		t.Error("Policy should be disabled")
	}

	results := estimate(t)
	report, err := eng.EvaluateResults(context.Background(), results)
	if err != nil {
		t.Fatalf("EvaluateResults() error = %v", err)
	}
	for _, v := range report.Violations {
		if v.Policy == "node-failure-budget" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := eng.EnablePolicy("node-failure-budget"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	if got := evaluate(t, eng, "node-failure-budget", input); len(got) != 1 {
		t.Errorf("Expected 1 violation after enabling, got %d", len(got))
	}

	if err := eng.EnablePolicy("non-existent"); err == nil {
		t.Error("Expected error for non-existent policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()

	good := "# Every run needs at least one uncertain parameter.\n# severity: error\npackage custom.uncertain\n\nimport rego.v1\n\ndeny contains \"no uncertain parameters\" if count(input.uncertain) == 0\n"
	if err := os.WriteFile(filepath.Join(dir, "uncertain.rego"), []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	p, err := eng.GetPolicy("uncertain")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Severity = %s, want error", p.Severity)
	}

	violations := evaluate(t, eng, "uncertain", &ResultsInput{Uncertain: []string{}})
	if len(violations) != 1 || violations[0].Message != "no uncertain parameters" {
		t.Errorf("violations = %+v", violations)
	}

	// A policy that fails to compile leaves the loaded set untouched.
	bad := filepath.Join(t.TempDir(), "bad.rego")
	if err := os.WriteFile(bad, []byte("package bad\n\ndeny contains {"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(ctx, []string{bad}); err == nil {
		t.Error("Expected error for policy that does not compile")
	}
	if _, err := eng.GetPolicy("bad"); err == nil {
		t.Error("failed policy should not be stored")
	}
	if len(eng.ListPolicies()) != 5 {
		t.Errorf("Expected 5 policies, got %d", len(eng.ListPolicies()))
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name: "custom",
		Rego: "package custom\n\nimport rego.v1\n\ndeny contains \"x\" if false",
	})
	if err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Fatalf("Expected 5 policies before reload")
	}

	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies() error = %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected only built-in policies after reload, got %d", len(eng.ListPolicies()))
	}
}

func TestWithSettings(t *testing.T) {
	eng := newTestEngine(t, WithSettings(Settings{MaxFailureRatio: 0.5, Tolerance: 0.01}))

	input := &ResultsInput{Diagnostics: DiagnosticsInput{TotalNodes: 25, FailedNodes: 10, FailureRatio: 0.4}}
	if got := evaluate(t, eng, "node-failure-budget", input); len(got) != 0 {
		t.Errorf("ratio under a raised budget should pass, got %+v", got)
	}
}

func TestNewResultsInput(t *testing.T) {
	results := estimate(t)
	in := NewResultsInput(results, DefaultSettings())

	if in.RunID != "run-policy" || in.Nodes != 25 || in.State != string(engine.StateStatisticsReady) {
		t.Errorf("input = %+v", in)
	}
	if len(in.Uncertain) != 2 {
		t.Errorf("Uncertain = %v", in.Uncertain)
	}
	if len(in.Outputs) != 2 {
		t.Fatalf("Expected 2 outputs, got %d", len(in.Outputs))
	}
	for _, out := range in.Outputs {
		if out.Status != "ok" || out.NonFinite != 0 {
			t.Errorf("output %s = %+v", out.Name, out)
		}
		if len(out.FirstOrder) != 2 {
			t.Errorf("output %s first order = %v", out.Name, out.FirstOrder)
		}
	}
}
