package policy

import (
	"math"
	"time"

	"github.com/Chaztikov/uncertainpy/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that make the results unusable.
	SeverityError Severity = "error"

	// SeverityCritical is for findings that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject the results.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The Rego module must define a
// deny set; each member is a message string or an object with message, severity and
// output.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks the policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies"`
}

// Settings are thresholds exposed to every policy as input.settings.
type Settings struct {
	// MaxFailureRatio is the failed-node budget checked by node-failure-budget.
	MaxFailureRatio float64 `json:"max_failure_ratio"`

	// Tolerance is the numerical slack allowed on Sobol indices.
	Tolerance float64 `json:"tolerance"`
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{MaxFailureRatio: 0.1, Tolerance: 0.05}
}

// ResultsInput is the document policies see as input.
type ResultsInput struct {
	RunID       string           `json:"run_id"`
	Method      string           `json:"method"`
	State       string           `json:"state"`
	Nodes       int              `json:"nodes"`
	Uncertain   []string         `json:"uncertain"`
	Diagnostics DiagnosticsInput `json:"diagnostics"`
	Outputs     []OutputInput    `json:"outputs"`
	Settings    Settings         `json:"settings"`
	Timestamp   time.Time        `json:"timestamp"`
}

// DiagnosticsInput summarizes the evaluation failures of a run.
type DiagnosticsInput struct {
	TotalNodes      int      `json:"total_nodes"`
	SucceededNodes  int      `json:"succeeded_nodes"`
	FailedNodes     int      `json:"failed_nodes"`
	CancelledNodes  int      `json:"cancelled_nodes"`
	FailureRatio    float64  `json:"failure_ratio"`
	Collapsed       []string `json:"collapsed"`
	FeatureFailures int      `json:"feature_failures"`
	OutputFailures  int      `json:"output_failures"`
}

// OutputInput is one output record. Non-finite statistics are encoded as null and
// counted in NonFinite, since JSON cannot carry them.
type OutputInput struct {
	Name       string           `json:"name"`
	Kind       string           `json:"kind"`
	Status     string           `json:"status"`
	Rows       int              `json:"rows"`
	Missing    int              `json:"missing"`
	Errored    int              `json:"errored"`
	Error      string           `json:"error,omitempty"`
	Mean       []any            `json:"mean"`
	Variance   []any            `json:"variance"`
	NonFinite  int              `json:"non_finite"`
	FirstOrder map[string][]any `json:"first_order,omitempty"`
	Total      map[string][]any `json:"total,omitempty"`
}

// NewResultsInput builds the policy input for results.
func NewResultsInput(results *engine.Results, settings Settings) *ResultsInput {
	diag := results.Diagnostics()
	in := &ResultsInput{
		RunID:     results.RunID(),
		Method:    string(results.Method()),
		State:     string(results.State()),
		Nodes:     results.Nodes(),
		Uncertain: results.UncertainParameters(),
		Diagnostics: DiagnosticsInput{
			TotalNodes:      diag.TotalNodes,
			SucceededNodes:  diag.SucceededNodes,
			FailedNodes:     diag.FailedNodes,
			CancelledNodes:  diag.CancelledNodes,
			FailureRatio:    diag.FailureRatio(),
			Collapsed:       append([]string{}, diag.Collapsed...),
			FeatureFailures: len(diag.FeatureFailures),
			OutputFailures:  len(diag.OutputFailures),
		},
		Outputs:   []OutputInput{},
		Settings:  settings,
		Timestamp: time.Now(),
	}

	for _, name := range results.Names() {
		rec, _ := results.Get(name)
		out := OutputInput{
			Name:    rec.Name,
			Kind:    string(rec.Kind),
			Status:  string(rec.Status),
			Rows:    rec.Rows(),
			Missing: rec.Missing,
			Errored: rec.Errored,
			Error:   rec.Error,
		}
		out.Mean = out.values(rec.Mean)
		out.Variance = out.values(rec.Variance)
		if rec.HasSensitivity() {
			out.FirstOrder = out.indices(rec.FirstOrder)
			out.Total = out.indices(rec.Total)
		}
		in.Outputs = append(in.Outputs, out)
	}
	return in
}

func (o *OutputInput) values(xs []float64) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			o.NonFinite++
			continue
		}
		out[i] = x
	}
	return out
}

func (o *OutputInput) indices(m map[string][]float64) map[string][]any {
	out := make(map[string][]any, len(m))
	for k, xs := range m {
		out[k] = o.values(xs)
	}
	return out
}
