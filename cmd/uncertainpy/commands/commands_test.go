package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Chaztikov/uncertainpy/pkg/engine"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func initStudy(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	out, err := execute(t, "init", dir)
	if err != nil {
		t.Fatalf("init error = %v\n%s", err, out)
	}
	return dir
}

func TestInit(t *testing.T) {
	dir := initStudy(t)

	for _, name := range []string{"study.cue", "model.star", "features.star", "policies/min-nodes.rego", defaultDBPath} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}

	// A second init keeps edited files.
	study := filepath.Join(dir, "study.cue")
	if err := os.WriteFile(study, []byte("// edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "init", dir)
	if err != nil {
		t.Fatalf("init error = %v", err)
	}
	if !strings.Contains(out, "Kept existing") {
		t.Errorf("output = %s", out)
	}
	if data, _ := os.ReadFile(study); string(data) != "// edited\n" {
		t.Error("init overwrote an existing file without --force")
	}

	if _, err := execute(t, "init", dir, "--force"); err != nil {
		t.Fatalf("init --force error = %v", err)
	}
	if data, _ := os.ReadFile(study); string(data) != sampleStudy {
		t.Error("init --force did not restore the sample")
	}
}

func TestValidate(t *testing.T) {
	dir := initStudy(t)

	out, err := execute(t, "validate", filepath.Join(dir, "study.cue"), "--format", "json")
	if err != nil {
		t.Fatalf("validate error = %v\n%s", err, out)
	}
	var report validationReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if !report.Valid || report.Name != "coffee-cup" {
		t.Errorf("report = %+v", report)
	}
	if len(report.Uncertain) != 2 || len(report.Features) != 2 {
		t.Errorf("uncertain = %v, features = %v", report.Uncertain, report.Features)
	}

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "schema error",
			content: `model: script: "model.star"` + "\nparameters: [{name: \"x\", value: 1, distribution: {kind: \"uniform\", lo: 2}}]\n",
			want:    "✗",
		},
		{
			name:    "missing function",
			content: "model: {script: \"model.star\", function: \"simulate\"}\nparameters: [{name: \"kappa\", value: 1, distribution: {kind: \"uniform_interval\", interval: 0.1}}]\n",
			want:    "simulate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cue := filepath.Join(dir, "broken", "run.cue")
			if err := os.MkdirAll(filepath.Dir(cue), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(cue, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(dir, "broken", "model.star"), []byte(sampleModel), 0o644); err != nil {
				t.Fatal(err)
			}

			out, err := execute(t, "validate", cue)
			if err == nil {
				t.Fatal("validate should fail")
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestRunAndResults(t *testing.T) {
	dir := initStudy(t)
	db := filepath.Join(dir, defaultDBPath)

	out, err := execute(t, "run", filepath.Join(dir, "study.cue"), "--format", "json")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	var report runReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if report.State != string(engine.StateStatisticsReady) || report.Nodes != 25 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Outputs) != 3 || report.Outputs[0].Name != engine.DirectOutput {
		t.Fatalf("outputs = %+v", report.Outputs)
	}
	for _, o := range report.Outputs {
		if o.Status != string(engine.OutputStatusOK) || len(o.FirstOrder) != 2 {
			t.Errorf("output %s = %+v", o.Name, o)
		}
	}
	if report.Policy == nil || !report.Policy.Allowed || len(report.Policy.Violations) != 0 {
		t.Errorf("policy = %+v", report.Policy)
	}

	out, err = execute(t, "results", "list", "--db", db)
	if err != nil {
		t.Fatalf("results list error = %v", err)
	}
	if !strings.Contains(out, report.RunID) || !strings.Contains(out, "coffee-cup") {
		t.Errorf("list output = %s", out)
	}

	out, err = execute(t, "results", "show", report.RunID, "--db", db, "--format", "yaml")
	if err != nil {
		t.Fatalf("results show error = %v", err)
	}
	if !strings.Contains(out, "final_temperature") || !strings.Contains(out, "state: statistics_ready") {
		t.Errorf("show output = %s", out)
	}

	out, err = execute(t, "results", "show", report.RunID, "--db", db)
	if err != nil {
		t.Fatalf("results show error = %v", err)
	}
	for _, want := range []string{"OUTPUT", "time_below_60", "FIRST ORDER", "kappa"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "results", "events", report.RunID, "--db", db, "--type", "run.state_changed")
	if err != nil {
		t.Fatalf("results events error = %v", err)
	}
	if strings.Count(out, "run.state_changed") != 4 {
		t.Errorf("events output = %s", out)
	}

	if _, err := execute(t, "results", "delete", report.RunID, "--db", db); err != nil {
		t.Fatalf("results delete error = %v", err)
	}
	if _, err := execute(t, "results", "show", report.RunID, "--db", db); err == nil {
		t.Error("show of a deleted run should fail")
	}
}

func TestRunSingle(t *testing.T) {
	dir := initStudy(t)
	db := filepath.Join(t.TempDir(), "single.db")

	out, err := execute(t, "run", filepath.Join(dir, "study.cue"), "--single", "--db", db, "--format", "json")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	var reports []runReport
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(reports) != 2 {
		t.Fatalf("Expected one report per uncertain parameter, got %d", len(reports))
	}
	for _, r := range reports {
		if len(r.Uncertain) != 1 || !strings.HasSuffix(r.RunID, "-"+r.Uncertain[0]) {
			t.Errorf("report %s over %v", r.RunID, r.Uncertain)
		}
	}

	store, err := openStore(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	runs, err := store.ListRuns(context.Background(), nil, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("Expected 2 stored runs, got %d", len(runs))
	}
}

func TestRunPolicyFail(t *testing.T) {
	dir := initStudy(t)

	strict := `# severity: error
package study.strict

import rego.v1

deny contains "always rejected" if input.nodes > 0
`
	if err := os.WriteFile(filepath.Join(dir, "policies", "strict.rego"), []byte(strict), 0o644); err != nil {
		t.Fatal(err)
	}
	study := sampleStudy + "\npolicy: on_violation: \"fail\"\n"
	if err := os.WriteFile(filepath.Join(dir, "study.cue"), []byte(study), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "run", filepath.Join(dir, "study.cue"), "--no-store")
	if err == nil || !strings.Contains(err.Error(), "rejected by policy") {
		t.Fatalf("run error = %v, want policy rejection", err)
	}
}

func TestResultsWithoutDatabase(t *testing.T) {
	_, err := execute(t, "results", "list", "--db", filepath.Join(t.TempDir(), "none.db"))
	if err == nil || !strings.Contains(err.Error(), "no results database") {
		t.Errorf("error = %v", err)
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, err := execute(t, "validate", "--format", "xml"); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestNumberJSON(t *testing.T) {
	data, err := json.Marshal(numbers([]float64{1.5, math.NaN(), math.Inf(1)}))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != "[1.5,null,null]" {
		t.Errorf("Marshal() = %s", data)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		in   []float64
		want string
	}{
		{nil, "-"},
		{[]float64{0.25}, "0.25"},
		{[]float64{1, 3, math.NaN()}, "avg 2"},
		{[]float64{math.NaN(), math.NaN()}, "NaN"},
	}
	for _, tt := range tests {
		if got := summarize(numbers(tt.in)); got != tt.want {
			t.Errorf("summarize(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWatchDirs(t *testing.T) {
	dir := initStudy(t)

	dirs, err := watchDirs([]string{filepath.Join(dir, "study.cue")})
	if err != nil {
		t.Fatalf("watchDirs() error = %v", err)
	}
	if len(dirs) != 2 || dirs[0] != dir || dirs[1] != filepath.Join(dir, "policies") {
		t.Errorf("watchDirs() = %v, want the study and policies directories", dirs)
	}

	if !watchedFile("model.star") || watchedFile("results.db") {
		t.Error("watchedFile() misclassifies files")
	}
}
