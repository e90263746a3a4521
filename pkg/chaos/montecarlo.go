package chaos

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/Chaztikov/uncertainpy/pkg/distribution"
)

// monteCarlo estimates statistics directly from samples. With sensitivity requested it
// uses the Saltelli design: base matrices A and B followed by one matrix AB_i per
// dimension, where AB_i is A with column i taken from B.
type monteCarlo struct {
	cfg Config
}

func (m *monteCarlo) Method() Method { return MethodMonteCarlo }

func (m *monteCarlo) Nodes(ctx context.Context, dists []distribution.Distribution) (*NodeSet, error) {
	if err := checkDists(dists); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, dim := m.cfg.Samples, len(dists)
	r := newRand(m.cfg.Seed)
	a := latinHypercube(r, n, dim)

	germ := a
	if m.cfg.Sensitivity {
		b := latinHypercube(r, n, dim)
		germ = make([][]float64, 0, n*(dim+2))
		germ = append(germ, a...)
		germ = append(germ, b...)
		for i := 0; i < dim; i++ {
			for k := 0; k < n; k++ {
				u := append([]float64(nil), a[k]...)
				u[i] = b[k][i]
				germ = append(germ, u)
			}
		}
	}

	ns := &NodeSet{Germ: germ}
	ns.mapGerm(dists)
	return ns, nil
}

func (m *monteCarlo) Fit(ctx context.Context, nodes *NodeSet, samples Samples) (Expansion, error) {
	width, err := checkSamples(nodes, samples)
	if err != nil {
		return nil, err
	}

	n, dim := m.cfg.Samples, nodes.Dim()
	rows := make(map[int][]float64, samples.Len())
	for k, idx := range samples.Index {
		rows[idx] = samples.Values[k]
	}

	// Moments use every independent draw: A, plus B when present.
	independent := n
	if m.cfg.Sensitivity {
		independent = 2 * n
	}
	var base [][]float64
	for idx := 0; idx < independent; idx++ {
		if row, ok := rows[idx]; ok {
			base = append(base, row)
		}
	}
	if len(base) < 2 {
		return nil, fmt.Errorf("%d independent evaluations are too few for Monte Carlo statistics", len(base))
	}

	e := &monteCarloExpansion{
		mean:     make([]float64, width),
		variance: make([]float64, width),
		sorted:   make([][]float64, width),
	}
	col := make([]float64, len(base))
	for o := 0; o < width; o++ {
		for k, row := range base {
			col[k] = row[o]
		}
		e.mean[o], e.variance[o] = stat.PopMeanVariance(col, nil)
		sorted := append([]float64(nil), col...)
		sort.Float64s(sorted)
		e.sorted[o] = sorted
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.cfg.Sensitivity {
		e.first, e.total, e.sensitivity = saltelli(rows, n, dim, width, e.variance, e.mean)
	}
	return e, nil
}

// saltelli computes first-order (Saltelli 2010) and total (Jansen) indices from the
// complete (A_k, B_k, AB_i,k) triples.
func saltelli(rows map[int][]float64, n, dim, width int, variance, mean []float64) (first, total [][]float64, ok bool) {
	first = make([][]float64, dim)
	total = make([][]float64, dim)
	for i := 0; i < dim; i++ {
		first[i] = make([]float64, width)
		total[i] = make([]float64, width)

		count := 0
		for k := 0; k < n; k++ {
			fa, okA := rows[k]
			fb, okB := rows[n+k]
			fab, okAB := rows[(2+i)*n+k]
			if !okA || !okB || !okAB {
				continue
			}
			count++
			for o := 0; o < width; o++ {
				first[i][o] += fb[o] * (fab[o] - fa[o])
				d := fa[o] - fab[o]
				total[i][o] += d * d
			}
		}
		if count == 0 {
			return nil, nil, false
		}
		for o := 0; o < width; o++ {
			if negligible(variance[o], mean[o]) {
				first[i][o], total[i][o] = 0, 0
				continue
			}
			first[i][o] /= float64(count) * variance[o]
			total[i][o] /= 2 * float64(count) * variance[o]
		}
	}
	return first, total, true
}

type monteCarloExpansion struct {
	mean, variance []float64
	sorted         [][]float64
	first, total   [][]float64
	sensitivity    bool
}

func (e *monteCarloExpansion) Mean() []float64     { return append([]float64(nil), e.mean...) }
func (e *monteCarloExpansion) Variance() []float64 { return append([]float64(nil), e.variance...) }

func (e *monteCarloExpansion) Sensitivity() (first, total [][]float64, ok bool) {
	if !e.sensitivity {
		return nil, nil, false
	}
	return cloneMatrix(e.first), cloneMatrix(e.total), true
}

func (e *monteCarloExpansion) Percentile(p float64) []float64 {
	out := make([]float64, len(e.sorted))
	for o, vals := range e.sorted {
		out[o] = stat.Quantile(p/100, stat.Empirical, vals, nil)
	}
	return out
}
