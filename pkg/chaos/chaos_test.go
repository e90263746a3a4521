package chaos

import (
	"context"
	"math"
	"testing"

	"github.com/Chaztikov/uncertainpy/pkg/distribution"
)

func uniforms(t *testing.T, n int, lo, hi float64) []distribution.Distribution {
	t.Helper()
	out := make([]distribution.Distribution, n)
	for i := range out {
		d, err := distribution.Uniform(lo, hi)
		if err != nil {
			t.Fatalf("Uniform() error = %v", err)
		}
		out[i] = d
	}
	return out
}

// evaluate runs f on every node, skipping the listed indices.
func evaluate(ns *NodeSet, f func(x []float64) []float64, skip ...int) Samples {
	skipped := make(map[int]bool)
	for _, s := range skip {
		skipped[s] = true
	}
	var s Samples
	for k, x := range ns.Points {
		if skipped[k] {
			continue
		}
		s.Index = append(s.Index, k)
		s.Values = append(s.Values, f(x))
	}
	return s
}

func sumAndProduct(x []float64) []float64 { return []float64{x[0] + x[1], x[0] * x[1]} }

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestBasis(t *testing.T) {
	b, err := NewBasis(2, 4)
	if err != nil {
		t.Fatalf("NewBasis() error = %v", err)
	}
	if b.Len() != 15 {
		t.Errorf("Len() = %d, want 15", b.Len())
	}
	for _, deg := range b.Indices[0] {
		if deg != 0 {
			t.Fatalf("first term is not constant: %v", b.Indices[0])
		}
	}

	if _, err := NewBasis(0, 2); err == nil {
		t.Errorf("zero dimension should fail")
	}
}

func TestBasisIsOrthonormal(t *testing.T) {
	b, _ := NewBasis(2, 3)
	grid, err := tensorGrid(2, 4, 0)
	if err != nil {
		t.Fatalf("tensorGrid() error = %v", err)
	}

	n := b.Len()
	gram := make([][]float64, n)
	for i := range gram {
		gram[i] = make([]float64, n)
	}
	psi := make([]float64, n)
	for k, u := range grid.Germ {
		b.Eval(u, psi)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				gram[i][j] += grid.Weights[k] * psi[i] * psi[j]
			}
		}
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if !near(gram[i][j], want, 1e-10) {
				t.Errorf("<psi_%d, psi_%d> = %v, want %v", i, j, gram[i][j], want)
			}
		}
	}
}

func TestTensorGridWeights(t *testing.T) {
	grid, err := tensorGrid(3, 3, 0)
	if err != nil {
		t.Fatalf("tensorGrid() error = %v", err)
	}
	if grid.Len() != 27 {
		t.Fatalf("Len() = %d, want 27", grid.Len())
	}
	sum := 0.0
	for _, w := range grid.Weights {
		sum += w
	}
	if !near(sum, 1, 1e-12) {
		t.Errorf("weights sum to %v, want 1", sum)
	}

	if _, err := tensorGrid(10, 10, 1000); err == nil {
		t.Errorf("oversized grid should fail")
	}
}

func checkSumAndProduct(t *testing.T, exp Expansion, tol float64) {
	t.Helper()
	mean, variance := exp.Mean(), exp.Variance()

	// x, y ~ U(2, 6): E = 4, Var = 4/3, E[x^2] = 52/3.
	if !near(mean[0], 8, tol) || !near(variance[0], 8.0/3.0, tol) {
		t.Errorf("x+y: mean %v variance %v, want 8 and 8/3", mean[0], variance[0])
	}
	if !near(mean[1], 16, tol) || !near(variance[1], 400.0/9.0, tol) {
		t.Errorf("x*y: mean %v variance %v, want 16 and 400/9", mean[1], variance[1])
	}

	first, total, ok := exp.Sensitivity()
	if !ok {
		t.Fatalf("Sensitivity() not available")
	}
	for d := 0; d < 2; d++ {
		if !near(first[d][0], 0.5, tol) || !near(total[d][0], 0.5, tol) {
			t.Errorf("x+y dim %d: first %v total %v, want 0.5", d, first[d][0], total[d][0])
		}
		if !near(first[d][1], 0.48, tol) || !near(total[d][1], 0.52, tol) {
			t.Errorf("x*y dim %d: first %v total %v, want 0.48 and 0.52", d, first[d][1], total[d][1])
		}
	}
}

func TestQuadratureRecoversPolynomials(t *testing.T) {
	backend, err := New(Config{Sensitivity: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if backend.Method() != MethodQuadrature {
		t.Errorf("default method = %s", backend.Method())
	}

	ctx := context.Background()
	nodes, err := backend.Nodes(ctx, uniforms(t, 2, 2, 6))
	if err != nil {
		t.Fatalf("Nodes() error = %v", err)
	}
	if nodes.Len() != 25 {
		t.Errorf("Len() = %d, want 25", nodes.Len())
	}

	exp, err := backend.Fit(ctx, nodes, evaluate(nodes, sumAndProduct))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	checkSumAndProduct(t, exp, 1e-9)
}

func TestQuadratureToleratesMissingNodes(t *testing.T) {
	backend, _ := New(Config{Sensitivity: true})
	ctx := context.Background()
	nodes, _ := backend.Nodes(ctx, uniforms(t, 2, 2, 6))

	exp, err := backend.Fit(ctx, nodes, evaluate(nodes, sumAndProduct, 0, 7, 24))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	checkSumAndProduct(t, exp, 1e-8)
}

func TestFitNeedsEnoughRows(t *testing.T) {
	backend, _ := New(Config{Order: 4})
	ctx := context.Background()
	nodes, _ := backend.Nodes(ctx, uniforms(t, 2, 2, 6))

	var skip []int
	for k := 0; k < 12; k++ {
		skip = append(skip, k)
	}
	if _, err := backend.Fit(ctx, nodes, evaluate(nodes, sumAndProduct, skip...)); err == nil {
		t.Errorf("13 rows for 15 terms should fail")
	}

	if _, err := backend.Fit(ctx, nodes, Samples{}); err == nil {
		t.Errorf("empty samples should fail")
	}
}

func TestCollocation(t *testing.T) {
	backend, err := New(Config{Method: MethodCollocation, Order: 2, Seed: 7, Sensitivity: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	nodes, err := backend.Nodes(ctx, uniforms(t, 2, 2, 6))
	if err != nil {
		t.Fatalf("Nodes() error = %v", err)
	}
	if nodes.Weights != nil {
		t.Errorf("collocation nodes should be unweighted")
	}
	if nodes.Len() != 2*6+2 {
		t.Errorf("Len() = %d, want 14", nodes.Len())
	}

	again, _ := backend.Nodes(ctx, uniforms(t, 2, 2, 6))
	for k := range nodes.Points {
		for d := range nodes.Points[k] {
			if nodes.Points[k][d] != again.Points[k][d] {
				t.Fatalf("nodes differ for the same seed")
			}
		}
	}

	exp, err := backend.Fit(ctx, nodes, evaluate(nodes, sumAndProduct))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	checkSumAndProduct(t, exp, 1e-8)
}

func TestMonteCarlo(t *testing.T) {
	backend, err := New(Config{Method: MethodMonteCarlo, Samples: 4000, Seed: 3, Sensitivity: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	nodes, err := backend.Nodes(ctx, uniforms(t, 2, 2, 6))
	if err != nil {
		t.Fatalf("Nodes() error = %v", err)
	}
	if nodes.Len() != 4000*4 {
		t.Fatalf("Len() = %d, want 16000", nodes.Len())
	}

	exp, err := backend.Fit(ctx, nodes, evaluate(nodes, sumAndProduct, 5, 4005))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	mean, variance := exp.Mean(), exp.Variance()
	if !near(mean[0], 8, 0.05) || !near(variance[0], 8.0/3.0, 0.1) {
		t.Errorf("mean %v variance %v", mean[0], variance[0])
	}
	first, total, ok := exp.Sensitivity()
	if !ok {
		t.Fatalf("Sensitivity() not available")
	}
	for d := 0; d < 2; d++ {
		if !near(first[d][0], 0.5, 0.1) || !near(total[d][0], 0.5, 0.1) {
			t.Errorf("dim %d: first %v total %v", d, first[d][0], total[d][0])
		}
	}

	p5, p95 := exp.Percentile(5), exp.Percentile(95)
	if p5[0] >= mean[0] || p95[0] <= mean[0] {
		t.Errorf("percentiles %v, %v do not bracket the mean", p5[0], p95[0])
	}
}

func TestMonteCarloWithoutSensitivity(t *testing.T) {
	backend, _ := New(Config{Method: MethodMonteCarlo, Samples: 100})
	nodes, _ := backend.Nodes(context.Background(), uniforms(t, 3, 0, 1))
	if nodes.Len() != 100 {
		t.Errorf("Len() = %d, want 100", nodes.Len())
	}
	exp, err := backend.Fit(context.Background(), nodes, evaluate(nodes, func(x []float64) []float64 { return []float64{x[0]} }))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if _, _, ok := exp.Sensitivity(); ok {
		t.Errorf("Sensitivity() should be unavailable")
	}
}

func TestPercentilesFromSurrogate(t *testing.T) {
	backend, _ := New(Config{Order: 1, Seed: 11})
	ctx := context.Background()
	nodes, _ := backend.Nodes(ctx, uniforms(t, 1, 2, 6))

	exp, err := backend.Fit(ctx, nodes, evaluate(nodes, func(x []float64) []float64 { return []float64{x[0]} }))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if got := exp.Percentile(5)[0]; !near(got, 2.2, 0.05) {
		t.Errorf("Percentile(5) = %v, want about 2.2", got)
	}
	if got := exp.Percentile(95)[0]; !near(got, 5.8, 0.05) {
		t.Errorf("Percentile(95) = %v, want about 5.8", got)
	}
	if _, _, ok := exp.Sensitivity(); ok {
		t.Errorf("sensitivity was not requested")
	}
}

func TestNormalMeanBySymmetry(t *testing.T) {
	d, _ := distribution.Normal(3, 2)
	backend, _ := New(Config{})
	ctx := context.Background()
	nodes, _ := backend.Nodes(ctx, []distribution.Distribution{d})

	exp, err := backend.Fit(ctx, nodes, evaluate(nodes, func(x []float64) []float64 { return []float64{x[0]} }))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	if got := exp.Mean()[0]; !near(got, 3, 1e-9) {
		t.Errorf("Mean() = %v, want 3", got)
	}
	if got := exp.Variance()[0]; !near(got, 4, 0.6) {
		t.Errorf("Variance() = %v, want about 4", got)
	}
}

func TestConstantOutputHasZeroIndices(t *testing.T) {
	backend, _ := New(Config{Sensitivity: true})
	ctx := context.Background()
	nodes, _ := backend.Nodes(ctx, uniforms(t, 2, 0, 1))
	exp, err := backend.Fit(ctx, nodes, evaluate(nodes, func([]float64) []float64 { return []float64{5} }))
	if err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	first, total, _ := exp.Sensitivity()
	for d := range first {
		if first[d][0] != 0 || total[d][0] != 0 {
			t.Errorf("dim %d: indices %v/%v for a constant output", d, first[d][0], total[d][0])
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if _, err := New(Config{Method: "bogus"}); err == nil {
		t.Errorf("unknown method should fail")
	}
	if _, err := New(Config{Order: -1}); err == nil {
		t.Errorf("negative order should fail")
	}
}
