package script

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.starlark.net/starlark"
)

const models = `
def linear(J_E, g):
    return [J_E + g, J_E * g]

def series(**params):
    t = [0.0, 1.0, 2.0]
    return (t, [params["a"] * x for x in t])

def grid():
    return [[1, 2], [3, 4], [5, 6]]

def forever():
    x = 0
    for i in range(1000000000):
        x += i
    return x

def _hidden():
    return 1

def exp_of(x):
    return math.exp(x)
`

func TestLoadAndCall(t *testing.T) {
	prog, err := Load("models.star", models)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !prog.Has("linear") || prog.Has("missing") {
		t.Errorf("Has() reports wrong callables")
	}

	v, err := prog.Call(context.Background(), "linear", nil, map[string]any{"J_E": 4.0, "g": 2.0})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	vals, shape, err := Floats(v)
	if err != nil {
		t.Fatalf("Floats() error = %v", err)
	}
	if len(shape) != 1 || shape[0] != 2 || vals[0] != 6 || vals[1] != 8 {
		t.Errorf("linear(4, 2) = %v shape %v", vals, shape)
	}

	v, err = prog.Call(context.Background(), "exp_of", []any{0.0}, nil)
	if err != nil {
		t.Fatalf("Call(exp_of) error = %v", err)
	}
	if f, ok := starlark.AsFloat(v); !ok || f != 1 {
		t.Errorf("exp_of(0) = %v", v)
	}
}

func TestFunctionsSkipsPrivate(t *testing.T) {
	prog, err := Load("models.star", models)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, fn := range prog.Functions() {
		if strings.HasPrefix(fn, "_") {
			t.Errorf("Functions() returned private %q", fn)
		}
	}
}

func TestFloatsShapes(t *testing.T) {
	prog, err := Load("models.star", models)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	v, err := prog.Call(context.Background(), "grid", nil, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	vals, shape, err := Floats(v)
	if err != nil {
		t.Fatalf("Floats() error = %v", err)
	}
	if len(shape) != 2 || shape[0] != 3 || shape[1] != 2 || len(vals) != 6 || vals[5] != 6 {
		t.Errorf("grid flattened to %v shape %v", vals, shape)
	}

	ragged := starlark.NewList([]starlark.Value{
		starlark.NewList([]starlark.Value{starlark.Float(1)}),
		starlark.Float(2),
	})
	if _, _, err := Floats(ragged); err == nil {
		t.Errorf("ragged list should fail")
	}
	if _, _, err := Floats(starlark.String("abc")); err == nil {
		t.Errorf("string should fail")
	}
}

func TestStepLimit(t *testing.T) {
	prog, err := Load("models.star", models, WithMaxSteps(10000))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := prog.Call(context.Background(), "forever", nil, nil); err == nil {
		t.Errorf("expected step limit to stop the call")
	}
}

func TestCallHonoursContext(t *testing.T) {
	prog, err := Load("models.star", models, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	start := time.Now()
	if _, err := prog.Call(context.Background(), "forever", nil, nil); err == nil {
		t.Fatalf("expected timeout")
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("cancellation took too long")
	}
}

func TestConcurrentCalls(t *testing.T) {
	prog, err := Load("models.star", models)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(a float64) {
			defer wg.Done()
			v, err := prog.Call(context.Background(), "series", nil, map[string]any{"a": a})
			if err != nil {
				errs <- err
				return
			}
			tup, ok := v.(starlark.Tuple)
			if !ok || tup.Len() != 2 {
				errs <- errors.New("series did not return a pair")
			}
		}(float64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load("bad.star", "def broken(:\n"); err == nil {
		t.Errorf("syntax error should fail")
	}
	if _, err := LoadFile("/does/not/exist.star"); err == nil {
		t.Errorf("missing file should fail")
	}
}

func TestConversionRoundTrip(t *testing.T) {
	in := map[string]any{"n": 3, "x": 1.5, "tags": []any{"a", true}}
	v, err := ToValue(in)
	if err != nil {
		t.Fatalf("ToValue() error = %v", err)
	}
	out, err := FromValue(v)
	if err != nil {
		t.Fatalf("FromValue() error = %v", err)
	}
	m := out.(map[string]any)
	if m["n"] != int64(3) || m["x"] != 1.5 {
		t.Errorf("round trip = %v", m)
	}
	if tags := m["tags"].([]any); tags[0] != "a" || tags[1] != true {
		t.Errorf("tags = %v", tags)
	}
	if _, err := ToValue(struct{}{}); err == nil {
		t.Errorf("unsupported type should fail")
	}
}
