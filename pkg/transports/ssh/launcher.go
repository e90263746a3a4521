package ssh

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/Chaztikov/uncertainpy/pkg/runner/client"
)

// Upload names an executable copied to the remote host before the first launch.
type Upload struct {
	Local  string
	Remote string
}

// Launcher starts model processes as sessions on an SSH connection. It implements
// client.Launcher; closing it removes the uploaded executable and disconnects.
type Launcher struct {
	Client *SSHClient

	// Command is run through the remote shell. With Upload set, Command[0] is
	// replaced by Upload.Remote.
	Command []string
	Env     map[string]string
	Upload  *Upload

	// Stderr receives the remote standard error. Nil discards it.
	Stderr io.Writer

	mu       sync.Mutex
	uploaded bool
}

// Launch implements client.Launcher.
func (l *Launcher) Launch(ctx context.Context) (client.Process, error) {
	if l.Client == nil {
		return nil, fmt.Errorf("ssh launcher has no client")
	}
	if len(l.Command) == 0 && l.Upload == nil {
		return nil, fmt.Errorf("model command is empty")
	}
	if err := l.Client.Connect(ctx); err != nil {
		return nil, err
	}
	if err := l.upload(ctx); err != nil {
		return nil, err
	}

	session, err := l.Client.NewSession()
	if err != nil {
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if l.Stderr != nil {
		session.Stderr = l.Stderr
	}

	line := l.commandLine()
	if err := session.Start(line); err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("%s: %w", line, err), IsTemporary: true}
	}
	l.Client.logger.Debug().Str("command", line).Msg("Started remote model process")

	return &sessionProcess{session: session, stdin: stdin, stdout: stdout}, nil
}

func (l *Launcher) upload(ctx context.Context) error {
	if l.Upload == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.uploaded {
		return nil
	}
	if err := l.Client.Upload(ctx, l.Upload.Local, l.Upload.Remote, 0o755); err != nil {
		return err
	}
	l.uploaded = true
	return nil
}

// commandLine quotes the command for a POSIX shell, prefixed with env assignments.
func (l *Launcher) commandLine() string {
	command := append([]string(nil), l.Command...)
	if l.Upload != nil {
		if len(command) == 0 {
			command = []string{l.Upload.Remote}
		} else {
			command[0] = l.Upload.Remote
		}
	}

	var parts []string
	if len(l.Env) > 0 {
		parts = append(parts, "env")
		keys := make([]string, 0, len(l.Env))
		for k := range l.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, shellQuote(k+"="+l.Env[k]))
		}
	}
	for _, arg := range command {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// Close removes the uploaded executable and closes the connection.
func (l *Launcher) Close() error {
	if l.Client == nil {
		return nil
	}
	l.mu.Lock()
	uploaded := l.uploaded
	l.uploaded = false
	l.mu.Unlock()

	var err error
	if uploaded && l.Client.IsConnected() {
		err = l.Client.Remove(l.Upload.Remote)
	}
	if derr := l.Client.Disconnect(); err == nil {
		err = derr
	}
	return err
}

// shellQuote wraps s in single quotes unless it is made of safe characters only.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type sessionProcess struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	mu     sync.Mutex
	killed bool
}

func (p *sessionProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *sessionProcess) Stdout() io.Reader     { return p.stdout }

// Kill signals the remote process and closes the session. Servers that ignore
// signals still see the channel close.
func (p *sessionProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	_ = p.session.Signal(ssh.SIGKILL)
	return p.session.Close()
}

// Wait returns nil for a killed session.
func (p *sessionProcess) Wait() error {
	err := p.session.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return nil
	}
	return err
}
