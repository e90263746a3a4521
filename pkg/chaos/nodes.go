package chaos

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/integrate/quad"

	"github.com/Chaztikov/uncertainpy/pkg/distribution"
)

// germEpsilon keeps germ coordinates away from the ends of the unit interval, where
// quantiles of unbounded laws are infinite.
const germEpsilon = 1e-12

// NodeSet is the ordered set of points at which the model is evaluated.
type NodeSet struct {
	// Points holds the physical parameter values, node × dimension.
	Points [][]float64

	// Germ holds the same nodes in the unit hypercube, node × dimension.
	Germ [][]float64

	// Weights holds quadrature weights summing to one, or nil for sampled designs.
	Weights []float64
}

// Len returns the number of nodes. It is known before the points are mapped.
func (n *NodeSet) Len() int { return len(n.Germ) }

// Dim returns the number of dimensions.
func (n *NodeSet) Dim() int {
	if len(n.Germ) == 0 {
		return 0
	}
	return len(n.Germ[0])
}

// mapGerm fills Points from Germ through each distribution's quantile function.
func (n *NodeSet) mapGerm(dists []distribution.Distribution) {
	n.Points = make([][]float64, len(n.Germ))
	for k, u := range n.Germ {
		x := make([]float64, len(u))
		for d, ud := range u {
			x[d] = dists[d].Quantile(ud)
		}
		n.Points[k] = x
	}
}

// tensorGrid returns the tensor product of q-point Gauss-Legendre rules on [0, 1].
func tensorGrid(dim, q, maxNodes int) (*NodeSet, error) {
	total := 1
	for d := 0; d < dim; d++ {
		total *= q
		if maxNodes > 0 && total > maxNodes {
			return nil, fmt.Errorf("tensor grid of %d^%d nodes exceeds the limit of %d", q, dim, maxNodes)
		}
	}

	x := make([]float64, q)
	w := make([]float64, q)
	quad.Legendre{}.FixedLocations(x, w, 0, 1)

	ns := &NodeSet{
		Germ:    make([][]float64, total),
		Weights: make([]float64, total),
	}
	idx := make([]int, dim)
	for k := 0; k < total; k++ {
		u := make([]float64, dim)
		weight := 1.0
		for d, i := range idx {
			u[d] = x[i]
			weight *= w[i]
		}
		ns.Germ[k] = u
		ns.Weights[k] = weight

		// Advance the last dimension fastest.
		for d := dim - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < q {
				break
			}
			idx[d] = 0
		}
	}
	return ns, nil
}

// latinHypercube returns n stratified samples in the unit hypercube.
func latinHypercube(r *rand.Rand, n, dim int) [][]float64 {
	germ := make([][]float64, n)
	for k := range germ {
		germ[k] = make([]float64, dim)
	}
	for d := 0; d < dim; d++ {
		perm := r.Perm(n)
		for k := 0; k < n; k++ {
			germ[k][d] = clampGerm((float64(perm[k]) + r.Float64()) / float64(n))
		}
	}
	return germ
}

// uniformSamples returns n independent samples in the unit hypercube.
func uniformSamples(r *rand.Rand, n, dim int) [][]float64 {
	germ := make([][]float64, n)
	for k := range germ {
		u := make([]float64, dim)
		for d := range u {
			u[d] = clampGerm(r.Float64())
		}
		germ[k] = u
	}
	return germ
}

func clampGerm(u float64) float64 {
	if u < germEpsilon {
		return germEpsilon
	}
	if u > 1-germEpsilon {
		return 1 - germEpsilon
	}
	return u
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
