package features

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/Chaztikov/uncertainpy/pkg/model"
	"github.com/Chaztikov/uncertainpy/pkg/script"
)

// FromScript returns one Feature per named function of prog. With no names, every public
// function of the program becomes a feature. A function is called as name(t, U) and returns
// a number, a (t, value) pair, or None for no result.
func FromScript(prog *script.Program, names ...string) ([]Feature, error) {
	if len(names) == 0 {
		names = prog.Functions()
	}

	out := make([]Feature, 0, len(names))
	for _, name := range names {
		if !prog.Has(name) {
			return nil, fmt.Errorf("script %s does not define feature %s(t, U)", prog.Name(), name)
		}
		out = append(out, Feature{Name: name, Func: starlarkFunc(prog, name)})
	}
	return out, nil
}

func starlarkFunc(prog *script.Program, name string) Func {
	return func(t, u []float64) (model.Output, error) {
		var tArg any
		if t != nil {
			tArg = t
		}
		v, err := prog.Call(context.Background(), name, []any{tArg, u}, nil)
		if err != nil {
			return model.Output{}, err
		}
		if v == starlark.None {
			return model.Output{}, ErrNoResult
		}
		return model.OutputFromStarlark(v)
	}
}
