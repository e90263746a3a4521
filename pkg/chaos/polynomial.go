package chaos

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/Chaztikov/uncertainpy/pkg/distribution"
)

// polynomial fits polynomial chaos expansions on quadrature or collocation nodes.
type polynomial struct {
	cfg Config
}

func (p *polynomial) Method() Method { return p.cfg.Method }

func (p *polynomial) Nodes(ctx context.Context, dists []distribution.Distribution) (*NodeSet, error) {
	if err := checkDists(dists); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ns *NodeSet
	switch p.cfg.Method {
	case MethodCollocation:
		basis, err := NewBasis(len(dists), p.cfg.Order)
		if err != nil {
			return nil, err
		}
		n := p.cfg.Samples
		if n == 0 {
			n = 2*basis.Len() + 2
		}
		ns = &NodeSet{Germ: latinHypercube(newRand(p.cfg.Seed), n, len(dists))}
	default:
		grid, err := tensorGrid(len(dists), p.cfg.QuadratureOrder, p.cfg.MaxNodes)
		if err != nil {
			return nil, err
		}
		ns = grid
	}

	ns.mapGerm(dists)
	return ns, nil
}

// Fit solves the weighted least-squares problem min sum_k w_k (f_k - sum_j c_j psi_j(u_k))^2.
// On a complete tensor grid this equals spectral projection; with nodes missing it
// degrades to a regression on the surviving nodes.
func (p *polynomial) Fit(ctx context.Context, nodes *NodeSet, samples Samples) (Expansion, error) {
	width, err := checkSamples(nodes, samples)
	if err != nil {
		return nil, err
	}

	basis, err := NewBasis(nodes.Dim(), p.cfg.Order)
	if err != nil {
		return nil, err
	}
	rows, terms := samples.Len(), basis.Len()
	if rows < terms {
		return nil, fmt.Errorf("%d evaluations cannot determine %d polynomial terms", rows, terms)
	}

	a := mat.NewDense(rows, terms, nil)
	b := mat.NewDense(rows, width, nil)
	psi := make([]float64, terms)
	for k, idx := range samples.Index {
		sw := 1.0
		if nodes.Weights != nil {
			sw = math.Sqrt(nodes.Weights[idx])
		}
		basis.Eval(nodes.Germ[idx], psi)
		for j, v := range psi {
			a.Set(k, j, sw*v)
		}
		for o, v := range samples.Values[k] {
			b.Set(k, o, sw*v)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var coef mat.Dense
	if err := coef.Solve(a, b); err != nil {
		return nil, fmt.Errorf("least squares fit failed: %w", err)
	}

	return newPolynomialExpansion(basis, &coef, p.cfg), nil
}

type polynomialExpansion struct {
	basis *Basis
	coef  *mat.Dense // terms × outputs

	mean, variance []float64
	first, total   [][]float64
	sensitivity    bool

	draws     int
	seed      uint64
	drawOnce  sync.Once
	evaluated [][]float64 // output × draw, sorted
}

func newPolynomialExpansion(basis *Basis, coef *mat.Dense, cfg Config) *polynomialExpansion {
	terms, width := coef.Dims()
	e := &polynomialExpansion{
		basis:       basis,
		coef:        coef,
		mean:        make([]float64, width),
		variance:    make([]float64, width),
		sensitivity: cfg.Sensitivity,
		draws:       cfg.PercentileSamples,
		seed:        cfg.Seed,
	}

	for o := 0; o < width; o++ {
		e.mean[o] = coef.At(0, o)
		v := 0.0
		for j := 1; j < terms; j++ {
			c := coef.At(j, o)
			v += c * c
		}
		e.variance[o] = v
	}

	dim := basis.Dim
	e.first = make([][]float64, dim)
	e.total = make([][]float64, dim)
	for d := 0; d < dim; d++ {
		e.first[d] = make([]float64, width)
		e.total[d] = make([]float64, width)
		for o := 0; o < width; o++ {
			if negligible(e.variance[o], e.mean[o]) {
				continue
			}
			var f, t float64
			for j := 1; j < terms; j++ {
				has, only := basis.involves(j, d)
				if !has {
					continue
				}
				c := coef.At(j, o)
				t += c * c
				if only {
					f += c * c
				}
			}
			e.first[d][o] = f / e.variance[o]
			e.total[d][o] = t / e.variance[o]
		}
	}
	return e
}

// negligible reports a variance indistinguishable from rounding noise.
func negligible(variance, mean float64) bool {
	return variance <= 1e-24*math.Max(1, mean*mean)
}

func (e *polynomialExpansion) Mean() []float64     { return append([]float64(nil), e.mean...) }
func (e *polynomialExpansion) Variance() []float64 { return append([]float64(nil), e.variance...) }

func (e *polynomialExpansion) Sensitivity() (first, total [][]float64, ok bool) {
	if !e.sensitivity {
		return nil, nil, false
	}
	return cloneMatrix(e.first), cloneMatrix(e.total), true
}

// Percentile samples the surrogate once and reads every percentile from the same draws.
func (e *polynomialExpansion) Percentile(p float64) []float64 {
	e.drawOnce.Do(e.draw)
	out := make([]float64, len(e.evaluated))
	for o, vals := range e.evaluated {
		out[o] = stat.Quantile(p/100, stat.Empirical, vals, nil)
	}
	return out
}

func (e *polynomialExpansion) draw() {
	terms, width := e.coef.Dims()
	r := newRand(e.seed + 1)
	germ := uniformSamples(r, e.draws, e.basis.Dim)

	psi := mat.NewDense(e.draws, terms, nil)
	row := make([]float64, terms)
	for k, u := range germ {
		e.basis.Eval(u, row)
		psi.SetRow(k, row)
	}

	var vals mat.Dense
	vals.Mul(psi, e.coef)

	e.evaluated = make([][]float64, width)
	for o := 0; o < width; o++ {
		col := mat.Col(nil, o, &vals)
		sort.Float64s(col)
		e.evaluated[o] = col
	}
}

func cloneMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
