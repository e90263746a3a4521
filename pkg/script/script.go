// Package script loads Starlark programs that define models and features.
//
// A program is executed once at load time and its globals are frozen, so the functions it
// defines can be called concurrently from any number of goroutines. Each call runs on its
// own thread with an optional step budget and timeout.
package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Program is a loaded, frozen Starlark program.
type Program struct {
	name     string
	globals  starlark.StringDict
	maxSteps uint64
	timeout  time.Duration
	logger   zerolog.Logger
}

// Option configures a Program.
type Option func(*Program)

// WithMaxSteps bounds the number of execution steps of every call. Zero means unbounded.
func WithMaxSteps(n uint64) Option {
	return func(p *Program) { p.maxSteps = n }
}

// WithTimeout bounds the wall time of every call. Zero means unbounded.
func WithTimeout(d time.Duration) Option {
	return func(p *Program) { p.timeout = d }
}

// WithLogger routes print() output to logger at debug level.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Program) { p.logger = logger }
}

// Load executes src and freezes its globals.
func Load(name, src string, opts ...Option) (*Program, error) {
	p := &Program{name: name, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}

	thread := p.thread()
	globals, err := starlark.ExecFile(thread, name, src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("starlark execution of %s failed: %w", name, err)
	}
	globals.Freeze()
	p.globals = globals
	return p, nil
}

// LoadFile reads and loads a program from disk.
func LoadFile(path string, opts ...Option) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Load(filepath.Base(path), string(src), opts...)
}

// Name returns the program file name.
func (p *Program) Name() string { return p.name }

// Has reports whether the program defines a callable named fn.
func (p *Program) Has(fn string) bool {
	_, ok := p.globals[fn].(starlark.Callable)
	return ok
}

// Functions returns the names of the public callables the program defines, sorted.
func (p *Program) Functions() []string {
	var out []string
	for name, v := range p.globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := v.(*starlark.Function); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Call invokes fn with positional args and keyword args. Go values are converted with
// ToValue. kwargs are passed in sorted key order.
func (p *Program) Call(ctx context.Context, fn string, args []any, kwargs map[string]any) (starlark.Value, error) {
	callable, ok := p.globals[fn].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s does not define a function %q", p.name, fn)
	}

	posArgs := make(starlark.Tuple, len(args))
	for i, a := range args {
		v, err := ToValue(a)
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument %d: %w", i, err)
		}
		posArgs[i] = v
	}

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kw := make([]starlark.Tuple, 0, len(keys))
	for _, k := range keys {
		v, err := ToValue(kwargs[k])
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument %s: %w", k, err)
		}
		kw = append(kw, starlark.Tuple{starlark.String(k), v})
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	thread := p.thread()
	done := make(chan struct{})
	defer close(done)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				thread.Cancel(ctx.Err().Error())
			case <-done:
			}
		}()
	}

	result, err := starlark.Call(thread, callable, posArgs, kw)
	if err != nil {
		return nil, fmt.Errorf("%s: %s failed: %w", p.name, fn, err)
	}
	return result, nil
}

func (p *Program) thread() *starlark.Thread {
	t := &starlark.Thread{
		Name: p.name,
		Print: func(_ *starlark.Thread, msg string) {
			p.logger.Debug().Str("script", p.name).Msg(msg)
		},
	}
	if p.maxSteps > 0 {
		t.SetMaxExecutionSteps(p.maxSteps)
	}
	return t
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"math":   math.Module,
	}
}
