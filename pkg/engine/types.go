package engine

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"time"

	"github.com/Chaztikov/uncertainpy/pkg/chaos"
)

// DirectOutput is the name of the record holding the model's own output.
const DirectOutput = "direct"

// Options configures a run.
type Options struct {
	// Method selects the propagation method. Empty selects quadrature.
	Method chaos.Method `json:"method" yaml:"method"`

	// Order is the polynomial order. Zero selects chaos.DefaultOrder.
	Order int `json:"order,omitempty" yaml:"order,omitempty"`

	// QuadratureOrder is the number of Gauss points per dimension. Zero selects Order+1.
	QuadratureOrder int `json:"quadrature_order,omitempty" yaml:"quadrature_order,omitempty"`

	// Samples is the number of collocation nodes or Monte Carlo base samples.
	Samples int `json:"samples,omitempty" yaml:"samples,omitempty"`

	// Seed makes sampled designs reproducible.
	Seed uint64 `json:"seed" yaml:"seed"`

	// MaxParallel bounds concurrent model evaluations. Zero selects runtime.NumCPU().
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`

	// FailurePolicy selects skip (default) or abort on model evaluation errors.
	FailurePolicy FailurePolicy `json:"failure_policy" yaml:"failure_policy"`

	// MaxFailureRatio is the largest tolerated share of failed nodes in [0, 1]. Zero fails
	// the run on any failed node. Nil selects 1, so only a run without any successful node
	// fails.
	MaxFailureRatio *float64 `json:"max_failure_ratio,omitempty" yaml:"max_failure_ratio,omitempty"`

	// Alignment selects the policy for outputs whose length varies across nodes.
	Alignment Alignment `json:"alignment" yaml:"alignment"`

	// Sensitivity requests Sobol indices. They are only computed with at least two
	// uncertain parameters.
	Sensitivity bool `json:"sensitivity" yaml:"sensitivity"`

	// RunID identifies the run. Empty generates a UUID.
	RunID string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
}

// Ratio returns a pointer to v, for Options.MaxFailureRatio.
func Ratio(v float64) *float64 { return &v }

// DefaultOptions returns quadrature with sensitivity indices, skipping failed nodes.
func DefaultOptions() Options {
	return Options{
		Method:          chaos.MethodQuadrature,
		Order:           chaos.DefaultOrder,
		FailurePolicy:   FailureSkip,
		MaxFailureRatio: Ratio(1),
		Alignment:       AlignNone,
		Sensitivity:     true,
	}
}

func (o Options) withDefaults() Options {
	if o.Method == "" {
		o.Method = chaos.MethodQuadrature
	}
	if o.MaxParallel == 0 {
		o.MaxParallel = runtime.NumCPU()
	}
	if o.FailurePolicy == "" {
		o.FailurePolicy = FailureSkip
	}
	if o.MaxFailureRatio == nil {
		o.MaxFailureRatio = Ratio(1)
	}
	if o.Alignment == "" {
		o.Alignment = AlignNone
	}
	return o
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Method != "" {
		if err := o.Method.Validate(); err != nil {
			return err
		}
	}
	if o.Order < 0 || o.QuadratureOrder < 0 || o.Samples < 0 {
		return fmt.Errorf("order and sample counts must be non-negative")
	}
	if o.MaxParallel < 0 {
		return fmt.Errorf("max parallel must be non-negative, got %d", o.MaxParallel)
	}
	if o.FailurePolicy != "" {
		if err := o.FailurePolicy.Validate(); err != nil {
			return err
		}
	}
	if r := o.MaxFailureRatio; r != nil && (*r < 0 || *r > 1) {
		return fmt.Errorf("max failure ratio must be within [0, 1], got %g", *r)
	}
	if o.Alignment != "" {
		if err := o.Alignment.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Record holds the statistics of one output.
type Record struct {
	// Name is "direct" or a feature name.
	Name string `json:"name" yaml:"name"`

	Kind   OutputKind   `json:"kind" yaml:"kind"`
	Status OutputStatus `json:"status" yaml:"status"`

	// Labels are the axis labels of the output, if known.
	Labels []string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// T is the common independent variable after alignment, if any.
	T []float64 `json:"t,omitempty" yaml:"t,omitempty"`

	// Shape is the common shape of one evaluation. Empty for scalars.
	Shape []int `json:"shape,omitempty" yaml:"shape,omitempty"`

	Mean     []float64 `json:"mean,omitempty" yaml:"mean,omitempty"`
	Variance []float64 `json:"variance,omitempty" yaml:"variance,omitempty"`
	P05      []float64 `json:"p05,omitempty" yaml:"p05,omitempty"`
	P95      []float64 `json:"p95,omitempty" yaml:"p95,omitempty"`

	// FirstOrder and Total hold Sobol indices per uncertain parameter.
	FirstOrder map[string][]float64 `json:"first_order,omitempty" yaml:"first_order,omitempty"`
	Total      map[string][]float64 `json:"total,omitempty" yaml:"total,omitempty"`

	// Evaluations is the raw matrix: one aligned row per successfully evaluated node, in
	// node order. NodeIndex gives the node of each row.
	Evaluations [][]float64 `json:"evaluations,omitempty" yaml:"evaluations,omitempty"`
	NodeIndex   []int       `json:"node_index,omitempty" yaml:"node_index,omitempty"`

	// Missing counts nodes where the output had no value; Errored counts nodes where
	// computing it failed.
	Missing int `json:"missing" yaml:"missing"`
	Errored int `json:"errored" yaml:"errored"`

	// Error describes why statistics are absent.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r *Record) clone() *Record {
	c := *r
	c.Labels = slices.Clone(r.Labels)
	c.T = slices.Clone(r.T)
	c.Shape = slices.Clone(r.Shape)
	c.Mean = slices.Clone(r.Mean)
	c.Variance = slices.Clone(r.Variance)
	c.P05 = slices.Clone(r.P05)
	c.P95 = slices.Clone(r.P95)
	c.FirstOrder = cloneIndices(r.FirstOrder)
	c.Total = cloneIndices(r.Total)
	c.NodeIndex = slices.Clone(r.NodeIndex)
	if r.Evaluations != nil {
		c.Evaluations = make([][]float64, len(r.Evaluations))
		for i, row := range r.Evaluations {
			c.Evaluations[i] = slices.Clone(row)
		}
	}
	return &c
}

func cloneIndices(m map[string][]float64) map[string][]float64 {
	if m == nil {
		return nil
	}
	c := make(map[string][]float64, len(m))
	for k, v := range m {
		c[k] = slices.Clone(v)
	}
	return c
}

// Rows returns the number of rows of the raw matrix.
func (r *Record) Rows() int { return len(r.Evaluations) }

// HasSensitivity reports whether Sobol indices are present.
func (r *Record) HasSensitivity() bool { return r.FirstOrder != nil }

// NodeFailure records a failed model evaluation.
type NodeFailure struct {
	Index      int                `json:"index" yaml:"index"`
	Assignment map[string]float64 `json:"assignment" yaml:"assignment"`
	Error      string             `json:"error" yaml:"error"`
	Err        error              `json:"-" yaml:"-"`
}

// FeatureFailure records a failed feature evaluation on one node.
type FeatureFailure struct {
	Node       int                `json:"node" yaml:"node"`
	Feature    string             `json:"feature" yaml:"feature"`
	Assignment map[string]float64 `json:"assignment" yaml:"assignment"`
	Error      string             `json:"error" yaml:"error"`
	Err        error              `json:"-" yaml:"-"`
}

// OutputFailure records an output without statistics.
type OutputFailure struct {
	Output string       `json:"output" yaml:"output"`
	Status OutputStatus `json:"status" yaml:"status"`
	Error  string       `json:"error" yaml:"error"`
	Err    error        `json:"-" yaml:"-"`
}

// Diagnostics collects evaluation-time failures of one run.
type Diagnostics struct {
	TotalNodes     int `json:"total_nodes" yaml:"total_nodes"`
	SucceededNodes int `json:"succeeded_nodes" yaml:"succeeded_nodes"`
	FailedNodes    int `json:"failed_nodes" yaml:"failed_nodes"`
	CancelledNodes int `json:"cancelled_nodes" yaml:"cancelled_nodes"`

	// Collapsed lists uncertain parameters whose distribution is a single point.
	Collapsed []string `json:"collapsed,omitempty" yaml:"collapsed,omitempty"`

	NodeFailures    []NodeFailure    `json:"node_failures,omitempty" yaml:"node_failures,omitempty"`
	FeatureFailures []FeatureFailure `json:"feature_failures,omitempty" yaml:"feature_failures,omitempty"`
	OutputFailures  []OutputFailure  `json:"output_failures,omitempty" yaml:"output_failures,omitempty"`

	// PolicyError is set when the results policy could not be evaluated.
	PolicyError string `json:"policy_error,omitempty" yaml:"policy_error,omitempty"`
}

func (d *Diagnostics) clone() *Diagnostics {
	c := *d
	c.Collapsed = slices.Clone(d.Collapsed)
	c.NodeFailures = slices.Clone(d.NodeFailures)
	for i := range c.NodeFailures {
		c.NodeFailures[i].Assignment = maps.Clone(d.NodeFailures[i].Assignment)
	}
	c.FeatureFailures = slices.Clone(d.FeatureFailures)
	for i := range c.FeatureFailures {
		c.FeatureFailures[i].Assignment = maps.Clone(d.FeatureFailures[i].Assignment)
	}
	c.OutputFailures = slices.Clone(d.OutputFailures)
	return &c
}

// FailureRatio returns the share of nodes whose evaluation failed.
func (d *Diagnostics) FailureRatio() float64 {
	if d.TotalNodes == 0 {
		return 0
	}
	return float64(d.FailedNodes) / float64(d.TotalNodes)
}

// FeatureErrors returns the number of nodes on which feature failed.
func (d *Diagnostics) FeatureErrors(feature string) int {
	n := 0
	for _, f := range d.FeatureFailures {
		if f.Feature == feature {
			n++
		}
	}
	return n
}

// Summary describes node failures in one line.
func (d *Diagnostics) Summary() string {
	return fmt.Sprintf("%d of %d nodes failed", d.FailedNodes, d.TotalNodes)
}

// PolicyViolation is one finding of a results policy.
type PolicyViolation struct {
	Policy   string `json:"policy" yaml:"policy"`
	Output   string `json:"output,omitempty" yaml:"output,omitempty"`
	Message  string `json:"message" yaml:"message"`
	Severity string `json:"severity" yaml:"severity"`
}

// PolicyReport is the outcome of evaluating a results policy.
type PolicyReport struct {
	Allowed    bool              `json:"allowed" yaml:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty" yaml:"violations,omitempty"`
}

// ResultsPolicy checks finished results, for example against OPA policies.
type ResultsPolicy interface {
	EvaluateResults(ctx context.Context, results *Results) (*PolicyReport, error)
}

// Results maps output names to their records. Records are ordered "direct" first, then
// features in run order.
type Results struct {
	runID       string
	state       RunState
	method      chaos.Method
	uncertain   []string
	nodes       int
	order       []string
	records     map[string]*Record
	diagnostics Diagnostics
	policy      *PolicyReport
	startedAt   time.Time
	completedAt time.Time
}

func newResults(runID string, method chaos.Method, uncertain []string) *Results {
	return &Results{
		runID:     runID,
		state:     StateConfigured,
		method:    method,
		uncertain: uncertain,
		records:   make(map[string]*Record),
		startedAt: time.Now(),
	}
}

func (r *Results) add(rec *Record) {
	r.order = append(r.order, rec.Name)
	r.records[rec.Name] = rec
}

// RunID returns the run identifier.
func (r *Results) RunID() string { return r.runID }

// State returns the state the run ended in.
func (r *Results) State() RunState { return r.state }

// Method returns the propagation method.
func (r *Results) Method() chaos.Method { return r.method }

// Names returns the output names in order.
func (r *Results) Names() []string { return slices.Clone(r.order) }

// Get returns a copy of the record of an output. Changing it does not change r.
func (r *Results) Get(name string) (*Record, bool) {
	rec, ok := r.records[name]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// HasSensitivity reports whether Sobol indices are present for an output.
func (r *Results) HasSensitivity(name string) bool {
	rec, ok := r.records[name]
	return ok && rec.HasSensitivity()
}

// Diagnostics returns a copy of the evaluation-time failures.
func (r *Results) Diagnostics() *Diagnostics { return r.diagnostics.clone() }

// UncertainParameters returns the uncertain parameter names in parameter order.
func (r *Results) UncertainParameters() []string { return slices.Clone(r.uncertain) }

// Nodes returns the number of generated nodes.
func (r *Results) Nodes() int { return r.nodes }

// Policy returns the policy report, or nil when no policy ran.
func (r *Results) Policy() *PolicyReport { return r.policy }

// StartedAt returns when the run started.
func (r *Results) StartedAt() time.Time { return r.startedAt }

// Duration returns how long the run took.
func (r *Results) Duration() time.Duration {
	if r.completedAt.IsZero() {
		return 0
	}
	return r.completedAt.Sub(r.startedAt)
}
