package engine

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/interp"

	"github.com/Chaztikov/uncertainpy/pkg/model"
)

// aligned is a set of per-node outputs brought to a common shape.
type aligned struct {
	t     []float64
	shape []int
	rows  [][]float64
}

// align brings outputs to a common shape under policy. Outputs are in node order.
func align(outputs []model.Output, policy Alignment) (*aligned, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("no outputs to align")
	}

	if uniform(outputs) {
		a := &aligned{t: outputs[0].T, shape: outputs[0].Shape}
		for _, o := range outputs {
			a.rows = append(a.rows, slices.Clone(o.U))
		}
		return a, nil
	}

	switch policy {
	case AlignTruncate:
		return truncate(outputs)
	case AlignInterpolate:
		return interpolate(outputs)
	default:
		lo, hi := lengthRange(outputs)
		if lo == hi {
			return nil, fmt.Errorf("t values differ across nodes and no alignment is configured")
		}
		return nil, fmt.Errorf("output length varies across nodes (%d to %d values) and no alignment is configured", lo, hi)
	}
}

// uniform reports whether every output has the same shape and the same t values.
func uniform(outputs []model.Output) bool {
	first := outputs[0]
	for _, o := range outputs[1:] {
		if len(o.U) != len(first.U) || !slices.Equal(o.Shape, first.Shape) || !slices.Equal(o.T, first.T) {
			return false
		}
	}
	return true
}

func lengthRange(outputs []model.Output) (lo, hi int) {
	lo, hi = len(outputs[0].U), len(outputs[0].U)
	for _, o := range outputs[1:] {
		lo = min(lo, len(o.U))
		hi = max(hi, len(o.U))
	}
	return lo, hi
}

func requireVectors(outputs []model.Output, policy Alignment) error {
	for _, o := range outputs {
		if len(o.Shape) > 1 {
			return fmt.Errorf("%s alignment supports one-dimensional outputs only, got shape %v", policy, o.Shape)
		}
	}
	return nil
}

// truncate cuts every output to the shortest length. The kept t values must agree across
// nodes, otherwise only interpolation can align them.
func truncate(outputs []model.Output) (*aligned, error) {
	if err := requireVectors(outputs, AlignTruncate); err != nil {
		return nil, err
	}

	shortest := 0
	for i, o := range outputs {
		if len(o.U) < len(outputs[shortest].U) {
			shortest = i
		}
	}
	n := len(outputs[shortest].U)
	if n == 0 {
		return nil, fmt.Errorf("cannot truncate to an empty output")
	}

	a := &aligned{shape: []int{n}}
	if t := outputs[shortest].T; t != nil {
		a.t = slices.Clone(t[:n])
	}
	for _, o := range outputs {
		if o.T != nil && a.t != nil && (len(o.T) < n || !slices.Equal(o.T[:n], a.t)) {
			return nil, fmt.Errorf("t values differ across nodes within the first %d values; use interpolate alignment", n)
		}
		a.rows = append(a.rows, slices.Clone(o.U[:n]))
	}
	return a, nil
}

// interpolate resamples every output onto the t grid of the longest one. Values outside an
// output's own t range take its nearest end value.
func interpolate(outputs []model.Output) (*aligned, error) {
	if err := requireVectors(outputs, AlignInterpolate); err != nil {
		return nil, err
	}

	longest := 0
	for i, o := range outputs {
		if o.T == nil {
			return nil, fmt.Errorf("interpolation requires t values for every node")
		}
		if err := increasing(o.T); err != nil {
			return nil, err
		}
		if len(o.U) > len(outputs[longest].U) {
			longest = i
		}
	}

	grid := outputs[longest].T
	a := &aligned{t: slices.Clone(grid), shape: []int{len(grid)}}
	for _, o := range outputs {
		row := make([]float64, len(grid))
		switch len(o.T) {
		case 1:
			for k := range row {
				row[k] = o.U[0]
			}
		default:
			var pl interp.PiecewiseLinear
			if err := pl.Fit(o.T, o.U); err != nil {
				return nil, err
			}
			for k, t := range grid {
				row[k] = pl.Predict(t)
			}
		}
		a.rows = append(a.rows, row)
	}
	return a, nil
}

func increasing(t []float64) error {
	if len(t) == 0 {
		return fmt.Errorf("cannot interpolate an empty output")
	}
	for i := 1; i < len(t); i++ {
		if !(t[i] > t[i-1]) {
			return fmt.Errorf("t values must be strictly increasing for interpolation")
		}
	}
	return nil
}
