package model

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chaztikov/uncertainpy/pkg/runner/client"
	"github.com/Chaztikov/uncertainpy/pkg/runner/protocol"
)

// ProcessConfig configures an external model process.
type ProcessConfig struct {
	// Command is the executable and its arguments.
	Command []string
	// Env is added to the host environment.
	Env []string
	// Dir is the working directory.
	Dir string
	// Workers bounds the number of concurrent processes. Zero means one.
	Workers int
	// Timeout bounds one evaluation. Zero means unbounded.
	Timeout time.Duration
	// StartupTimeout bounds the wait for the process to announce itself.
	StartupTimeout time.Duration
	// Labels override the labels the process announces.
	Labels []string
	Logger zerolog.Logger
}

// Process is a model evaluated by external processes speaking the runner protocol.
// Close must be called to stop them.
type Process struct {
	pool    *client.Pool
	name    string
	labels  []string
	timeout time.Duration
}

// NewProcess creates a process model. Processes start with the first evaluation.
func NewProcess(cfg ProcessConfig) (*Process, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("model command is empty")
	}
	logger := cfg.Logger.With().Str("component", "model-process").Str("command", cfg.Command[0]).Logger()
	launcher := &client.CommandLauncher{
		Path:   cfg.Command[0],
		Args:   cfg.Command[1:],
		Env:    cfg.Env,
		Dir:    cfg.Dir,
		Stderr: logger.With().Str("stream", "stderr").Logger(),
	}
	return NewProcessWithLauncher(launcher, cfg), nil
}

// NewProcessWithLauncher creates a process model on a custom launcher. cfg.Command only
// names the model.
func NewProcessWithLauncher(launcher client.Launcher, cfg ProcessConfig) *Process {
	name := "process"
	if len(cfg.Command) > 0 {
		name = filepath.Base(cfg.Command[0])
	}
	return &Process{
		pool: client.NewPool(launcher, client.PoolConfig{
			Size:           cfg.Workers,
			StartupTimeout: cfg.StartupTimeout,
			Logger:         cfg.Logger,
		}),
		name:    name,
		labels:  cfg.Labels,
		timeout: cfg.Timeout,
	}
}

// Name returns the model name announced by the process, or the command name before any
// process started.
func (p *Process) Name() string {
	if r := p.pool.Ready(); r != nil && r.Model != "" {
		return r.Model
	}
	return p.name
}

// Labels returns the configured labels, falling back to those the process announced.
func (p *Process) Labels() []string {
	if len(p.labels) > 0 {
		return p.labels
	}
	if r := p.pool.Ready(); r != nil {
		return r.Labels
	}
	return nil
}

// Run implements Model.
func (p *Process) Run(ctx context.Context, params map[string]float64) (Output, error) {
	done, err := p.pool.Evaluate(ctx, params, p.timeout)
	if err != nil {
		return Output{}, err
	}
	return outputFromDone(done)
}

// Close stops the model processes.
func (p *Process) Close() error {
	return p.pool.Close(context.Background())
}

// Started returns how many processes have been launched.
func (p *Process) Started() int { return p.pool.Started() }

func outputFromDone(done *protocol.DoneMessage) (Output, error) {
	out := Output{T: done.T, U: done.U, Shape: done.Shape}
	if len(out.Shape) == 0 && (len(out.U) != 1 || out.T != nil) {
		out.Shape = []int{len(out.U)}
	}
	if err := out.Validate(); err != nil {
		return Output{}, fmt.Errorf("invalid process output: %w", err)
	}
	return out, nil
}
