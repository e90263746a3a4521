package chaos

import (
	"fmt"
	"math"
)

// Basis is a total-degree polynomial chaos basis of orthonormal shifted Legendre
// polynomials over the unit hypercube. Indices[0] is always the constant term.
type Basis struct {
	Dim     int
	Order   int
	Indices [][]int
}

// NewBasis builds the basis of all multi-indices with total degree at most order, in
// graded lexicographic order.
func NewBasis(dim, order int) (*Basis, error) {
	if dim < 1 {
		return nil, fmt.Errorf("basis dimension must be positive, got %d", dim)
	}
	if order < 0 {
		return nil, fmt.Errorf("basis order must be non-negative, got %d", order)
	}

	b := &Basis{Dim: dim, Order: order}
	for deg := 0; deg <= order; deg++ {
		b.Indices = append(b.Indices, compositions(deg, dim)...)
	}
	return b, nil
}

// compositions returns every way of writing n as an ordered sum of k non-negative parts,
// with the first part descending.
func compositions(n, k int) [][]int {
	if k == 1 {
		return [][]int{{n}}
	}
	var out [][]int
	for first := n; first >= 0; first-- {
		for _, rest := range compositions(n-first, k-1) {
			out = append(out, append([]int{first}, rest...))
		}
	}
	return out
}

// Len returns the number of terms.
func (b *Basis) Len() int { return len(b.Indices) }

// Eval writes every basis term evaluated at the germ point u (in the unit hypercube) into
// out, which must have length Len().
func (b *Basis) Eval(u []float64, out []float64) {
	psi := make([][]float64, b.Dim)
	for d := 0; d < b.Dim; d++ {
		psi[d] = legendre(u[d], b.Order)
	}
	for j, alpha := range b.Indices {
		v := 1.0
		for d, deg := range alpha {
			v *= psi[d][deg]
		}
		out[j] = v
	}
}

// legendre returns the orthonormal shifted Legendre polynomials of degree 0..order at
// u in [0, 1]: sqrt(2n+1) * P_n(2u-1).
func legendre(u float64, order int) []float64 {
	x := 2*u - 1
	p := make([]float64, order+1)
	p[0] = 1
	if order >= 1 {
		p[1] = x
	}
	for n := 1; n < order; n++ {
		p[n+1] = ((2*float64(n)+1)*x*p[n] - float64(n)*p[n-1]) / float64(n+1)
	}
	for n := range p {
		p[n] *= math.Sqrt(2*float64(n) + 1)
	}
	return p
}

// involves reports, for each term, whether dimension d has a positive degree, and whether
// it is the only such dimension.
func (b *Basis) involves(j, d int) (has, only bool) {
	alpha := b.Indices[j]
	if alpha[d] == 0 {
		return false, false
	}
	for k, deg := range alpha {
		if k != d && deg > 0 {
			return true, false
		}
	}
	return true, true
}
