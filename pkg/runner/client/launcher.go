package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running model process.
type Process interface {
	// Stdin receives requests. Closing it asks the process to exit.
	Stdin() io.WriteCloser
	// Stdout carries the process's messages.
	Stdout() io.Reader
	// Kill stops the process immediately.
	Kill() error
	// Wait blocks until the process has exited.
	Wait() error
}

// Launcher starts model processes.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// CommandLauncher starts a local executable.
type CommandLauncher struct {
	// Path is the executable, looked up in PATH when it has no separator.
	Path string
	Args []string
	// Env is appended to the host environment.
	Env []string
	// Dir is the working directory. Empty means the host's.
	Dir string
	// Stderr receives the process's standard error. Nil discards it.
	Stderr io.Writer
}

// Launch implements Launcher. The process outlives ctx; stop it with Kill or by closing
// its stdin.
func (l *CommandLauncher) Launch(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Path == "" {
		return nil, fmt.Errorf("model command is empty")
	}

	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = l.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.Path, err)
	}
	return &commandProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type commandProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *commandProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *commandProcess) Stdout() io.Reader     { return p.stdout }
func (p *commandProcess) Kill() error           { return p.cmd.Process.Kill() }
func (p *commandProcess) Wait() error           { return p.cmd.Wait() }
