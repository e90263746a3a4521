// Package client drives external model processes over the protocol in package protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chaztikov/uncertainpy/pkg/runner/protocol"
)

const (
	// DefaultStartupTimeout bounds the wait for READY.
	DefaultStartupTimeout = 10 * time.Second

	// exitGrace is how long Close waits for EXIT after closing stdin.
	exitGrace = 5 * time.Second
)

// ErrClosed is returned by a client or pool after Close.
var ErrClosed = errors.New("model process is closed")

// EvalError is an ERROR answer to an evaluation.
type EvalError struct {
	Code    string
	Message string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("model process: %s: %s", e.Code, e.Message)
}

// Client manages one model process. Evaluations are serialized.
type Client struct {
	proc    Process
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	ready   *protocol.ReadyMessage
	logger  zerolog.Logger

	mu     sync.Mutex
	seq    int
	broken bool
	closed bool
}

// Start launches a process and waits for its READY message.
func Start(ctx context.Context, launcher Launcher, logger zerolog.Logger, startupTimeout time.Duration) (*Client, error) {
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if startupTimeout <= 0 {
		startupTimeout = DefaultStartupTimeout
	}

	proc, err := launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}

	c := &Client{
		proc:    proc,
		encoder: protocol.NewEncoder(proc.Stdin()),
		decoder: protocol.NewDecoder(proc.Stdout()),
		logger:  logger,
	}

	readyCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseData(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		c.kill()
		_ = proc.Wait()
		return nil, fmt.Errorf("timeout waiting for READY message: %w", readyCtx.Err())
	case err := <-errCh:
		c.kill()
		_ = proc.Wait()
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		c.logger = logger.With().Int("pid", ready.PID).Logger()
		c.logger.Debug().Str("model", ready.Model).Str("version", ready.Version).Msg("Model process ready")
		return c, nil
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	return c.ready
}

// Healthy reports whether the client can take more evaluations. A client whose
// evaluation was cancelled or whose stream broke is unhealthy.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.broken && !c.closed
}

type reply struct {
	done *protocol.DoneMessage
	err  error
	// fatal marks errors after which the stream position is unknown.
	fatal bool
}

// Evaluate sends one evaluation and waits for its answer. A positive timeout is passed
// to the process and bounds the wait. When ctx ends first the process is killed.
func (c *Client) Evaluate(ctx context.Context, params map[string]float64, timeout time.Duration) (*protocol.DoneMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.broken {
		return nil, ErrClosed
	}

	c.seq++
	eval := &protocol.EvalMessage{
		ID:      strconv.Itoa(c.seq),
		Params:  params,
		Timeout: timeout.Seconds(),
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.encoder.EncodeEval(eval); err != nil {
		c.broken = true
		return nil, fmt.Errorf("failed to send evaluation: %w", err)
	}

	replyCh := make(chan reply, 1)
	go func() { replyCh <- c.await(eval.ID) }()

	select {
	case <-ctx.Done():
		c.broken = true
		c.kill()
		return nil, ctx.Err()
	case r := <-replyCh:
		if r.fatal {
			c.broken = true
		}
		return r.done, r.err
	}
}

// await reads messages until the answer to id arrives.
func (c *Client) await(id string) reply {
	for {
		msg, err := c.decoder.Decode()
		if err != nil {
			return reply{err: fmt.Errorf("failed to read response: %w", err), fatal: true}
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseData(msg.Data, &event); err != nil {
				return reply{err: fmt.Errorf("failed to parse event: %w", err), fatal: true}
			}
			c.logEvent(&event)

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseData(msg.Data, &done); err != nil {
				return reply{err: fmt.Errorf("failed to parse result: %w", err), fatal: true}
			}
			if done.EvalID != id {
				return reply{err: fmt.Errorf("evaluation ID mismatch: expected %s, got %s", id, done.EvalID), fatal: true}
			}
			if err := done.Validate(); err != nil {
				return reply{err: fmt.Errorf("invalid result: %w", err)}
			}
			return reply{done: &done}

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &errMsg); err != nil {
				return reply{err: fmt.Errorf("failed to parse error: %w", err), fatal: true}
			}
			if errMsg.EvalID != "" && errMsg.EvalID != id {
				return reply{err: fmt.Errorf("evaluation ID mismatch: expected %s, got %s", id, errMsg.EvalID), fatal: true}
			}
			return reply{err: &EvalError{Code: errMsg.Code, Message: errMsg.Message}}

		case protocol.MessageTypeExit:
			return reply{err: fmt.Errorf("model process exited unexpectedly"), fatal: true}

		default:
			return reply{err: fmt.Errorf("unexpected message type: %s", msg.Type), fatal: true}
		}
	}
}

func (c *Client) logEvent(event *protocol.EventMessage) {
	var e *zerolog.Event
	switch event.Level {
	case "debug":
		e = c.logger.Debug()
	case "warn":
		e = c.logger.Warn()
	default:
		e = c.logger.Info()
	}
	for k, v := range event.Fields {
		e = e.Str(k, v)
	}
	e.Str("eval_id", event.EvalID).Msg(event.Message)
}

// Close asks the process to exit by closing its stdin and waits for it. The process is
// killed if it does not exit within a grace period or before ctx ends.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.broken {
		// Already killed; a stale reader may still own the decoder.
		_ = c.proc.Wait()
		return nil
	}

	if err := c.proc.Stdin().Close(); err != nil {
		c.kill()
		return fmt.Errorf("failed to close stdin: %w", err)
	}

	exited := make(chan *protocol.ExitMessage, 1)
	go func() {
		for {
			msg, err := c.decoder.Decode()
			if err != nil {
				exited <- nil
				return
			}
			if msg.Type == protocol.MessageTypeExit {
				var exit protocol.ExitMessage
				if protocol.ParseData(msg.Data, &exit) != nil {
					exited <- nil
					return
				}
				exited <- &exit
				return
			}
		}
	}()

	grace, cancel := context.WithTimeout(ctx, exitGrace)
	defer cancel()

	select {
	case exit := <-exited:
		if exit != nil {
			c.logger.Debug().Str("reason", exit.Reason).Int("evaluations", exit.Evaluations).Msg("Model process exited")
		}
	case <-grace.Done():
		c.logger.Warn().Msg("Model process did not exit in time, killing it")
		c.kill()
	}

	if err := c.proc.Wait(); err != nil && !isKilled(err) {
		return fmt.Errorf("model process: %w", err)
	}
	return nil
}

func (c *Client) kill() {
	_ = c.proc.Kill()
	if cl, ok := c.proc.Stdout().(io.Closer); ok {
		_ = cl.Close()
	}
}

func isKilled(err error) bool {
	var exitErr interface{ ExitCode() int }
	return errors.As(err, &exitErr) && exitErr.ExitCode() == -1
}
