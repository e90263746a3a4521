// Package chaos propagates parameter uncertainty through model evaluations.
//
// A Backend generates the nodes at which the model is evaluated and, once the evaluations
// are in, fits an Expansion from which moments, percentiles and Sobol sensitivity indices
// are read. Three methods are provided:
//
//   - quadrature: polynomial chaos by spectral projection on a tensor Gauss-Legendre grid
//   - collocation: polynomial chaos by least squares on Latin-hypercube samples
//   - mc: quasi-random Monte Carlo with the Saltelli design for sensitivity indices
//
// Polynomial chaos works in the unit hypercube: every distribution is reached through its
// quantile function, and the basis is built from orthonormal shifted Legendre polynomials.
package chaos

import (
	"context"
	"fmt"

	"github.com/Chaztikov/uncertainpy/pkg/distribution"
)

// Method names an uncertainty propagation method.
type Method string

const (
	MethodQuadrature  Method = "quadrature"
	MethodCollocation Method = "collocation"
	MethodMonteCarlo  Method = "mc"
)

// Validate checks if the method is known.
func (m Method) Validate() error {
	switch m {
	case MethodQuadrature, MethodCollocation, MethodMonteCarlo:
		return nil
	default:
		return fmt.Errorf("invalid method: %s", m)
	}
}

// IsPolynomial reports whether the method fits a polynomial surrogate.
func (m Method) IsPolynomial() bool {
	return m == MethodQuadrature || m == MethodCollocation
}

// Samples holds the successful evaluations of one output.
type Samples struct {
	// Index is the node index of each row.
	Index []int

	// Values holds one row per evaluation; every row has the same length.
	Values [][]float64
}

// Len returns the number of rows.
func (s Samples) Len() int { return len(s.Values) }

// Backend generates nodes and fits expansions.
type Backend interface {
	// Method returns the propagation method.
	Method() Method

	// Nodes generates the evaluation nodes for the joint law of dists.
	Nodes(ctx context.Context, dists []distribution.Distribution) (*NodeSet, error)

	// Fit builds an expansion from the evaluations at a subset of nodes.
	Fit(ctx context.Context, nodes *NodeSet, samples Samples) (Expansion, error)
}

// Expansion gives access to the statistics of one output.
type Expansion interface {
	// Mean returns the mean of each output value.
	Mean() []float64

	// Variance returns the variance of each output value.
	Variance() []float64

	// Sensitivity returns first-order and total Sobol indices indexed
	// [dimension][output value]. ok is false when the method or the data cannot
	// provide them.
	Sensitivity() (first, total [][]float64, ok bool)

	// Percentile returns the p-th percentile (0-100) of each output value.
	Percentile(p float64) []float64
}

// Config configures a backend.
type Config struct {
	// Method selects the backend. Empty selects quadrature.
	Method Method

	// Order is the total polynomial degree. Zero selects DefaultOrder.
	Order int

	// QuadratureOrder is the number of Gauss points per dimension. Zero selects Order+1.
	QuadratureOrder int

	// Samples is the number of collocation nodes (zero selects 2*terms+2) or of Monte Carlo
	// base samples (zero selects DefaultMonteCarloSamples).
	Samples int

	// Seed makes sampled designs reproducible.
	Seed uint64

	// Sensitivity requests Sobol indices. Monte Carlo generates extra nodes for them.
	Sensitivity bool

	// PercentileSamples is the number of surrogate draws used for percentiles. Zero selects
	// DefaultPercentileSamples.
	PercentileSamples int

	// MaxNodes bounds the size of tensor grids. Zero selects DefaultMaxNodes.
	MaxNodes int
}

// Defaults.
const (
	DefaultOrder             = 4
	DefaultMonteCarloSamples = 1000
	DefaultPercentileSamples = 10000
	DefaultMaxNodes          = 1_000_000
)

func (c Config) withDefaults() Config {
	if c.Method == "" {
		c.Method = MethodQuadrature
	}
	if c.Order == 0 {
		c.Order = DefaultOrder
	}
	if c.QuadratureOrder == 0 {
		c.QuadratureOrder = c.Order + 1
	}
	if c.PercentileSamples == 0 {
		c.PercentileSamples = DefaultPercentileSamples
	}
	if c.MaxNodes == 0 {
		c.MaxNodes = DefaultMaxNodes
	}
	if c.Method == MethodMonteCarlo && c.Samples == 0 {
		c.Samples = DefaultMonteCarloSamples
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Method.Validate(); c.Method != "" && err != nil {
		return err
	}
	if c.Order < 0 || c.QuadratureOrder < 0 || c.Samples < 0 || c.PercentileSamples < 0 || c.MaxNodes < 0 {
		return fmt.Errorf("orders and sample counts must be non-negative")
	}
	return nil
}

// New creates the backend selected by cfg.Method.
func New(cfg Config) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	switch cfg.Method {
	case MethodMonteCarlo:
		return &monteCarlo{cfg: cfg}, nil
	default:
		return &polynomial{cfg: cfg}, nil
	}
}

func checkDists(dists []distribution.Distribution) error {
	if len(dists) == 0 {
		return fmt.Errorf("at least one distribution is required")
	}
	for i, d := range dists {
		if d == nil {
			return fmt.Errorf("distribution %d is nil", i)
		}
	}
	return nil
}

func checkSamples(nodes *NodeSet, samples Samples) (int, error) {
	if len(samples.Index) != len(samples.Values) {
		return 0, fmt.Errorf("%d indices for %d rows", len(samples.Index), len(samples.Values))
	}
	if len(samples.Values) == 0 {
		return 0, fmt.Errorf("no evaluations to fit")
	}
	width := len(samples.Values[0])
	if width == 0 {
		return 0, fmt.Errorf("evaluations are empty")
	}
	for k, row := range samples.Values {
		if len(row) != width {
			return 0, fmt.Errorf("row %d has %d values, want %d", k, len(row), width)
		}
		if idx := samples.Index[k]; idx < 0 || idx >= nodes.Len() {
			return 0, fmt.Errorf("row %d refers to node %d of %d", k, idx, nodes.Len())
		}
	}
	return width, nil
}
