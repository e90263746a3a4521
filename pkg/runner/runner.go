// Package runner implements the model side of the external model protocol. A Go program
// becomes a model process by calling Serve with its model function:
//
//	func main() {
//		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//		defer stop()
//		err := runner.Serve(ctx, os.Stdin, os.Stdout, func(ctx context.Context, req *runner.Request) (runner.Result, error) {
//			k := req.Params["kappa"]
//			...
//			return runner.Result{T: t, U: u}, nil
//		}, runner.WithName("cooling"))
//		if err != nil {
//			os.Exit(1)
//		}
//	}
//
// Models in other languages implement the messages of package protocol directly. The
// host side lives in package client.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Chaztikov/uncertainpy/pkg/runner/protocol"
)

// Result is the output of one evaluation. A nil Shape is inferred from U: one value is a
// scalar, more are a vector.
type Result struct {
	T     []float64
	U     []float64
	Shape []int
}

// Request is one evaluation handed to a Func.
type Request struct {
	ID     string
	Params map[string]float64

	enc *protocol.Encoder
}

// Logf sends an EVENT for this evaluation. level is debug, info or warn.
func (r *Request) Logf(level, format string, args ...any) {
	_ = r.enc.EncodeEvent(&protocol.EventMessage{
		EvalID:  r.ID,
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}

// Func evaluates the model. ctx is cancelled when the host's timeout for the evaluation
// expires.
type Func func(ctx context.Context, req *Request) (Result, error)

type options struct {
	name        string
	labels      []string
	metadata    map[string]string
	idleTimeout time.Duration
}

// Option configures Serve.
type Option func(*options)

// WithName sets the model name announced in READY.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithLabels sets the axis labels announced in READY.
func WithLabels(labels ...string) Option { return func(o *options) { o.labels = labels } }

// WithMetadata adds free-form metadata to READY.
func WithMetadata(md map[string]string) Option { return func(o *options) { o.metadata = md } }

// WithIdleTimeout makes Serve exit after d without a request. Zero waits forever.
func WithIdleTimeout(d time.Duration) Option { return func(o *options) { o.idleTimeout = d } }

type decoded struct {
	msg *protocol.Message
	err error
}

// Serve answers evaluation requests read from in until in is closed, ctx is done or the
// idle timeout expires. It writes READY first and EXIT last. A clean shutdown returns nil.
func Serve(ctx context.Context, in io.Reader, out io.Writer, fn Func, opts ...Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:  protocol.Version,
		Model:    o.name,
		PID:      os.Getpid(),
		Labels:   o.labels,
		Metadata: o.metadata,
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	// The reader hands over one message at a time so it never runs ahead of the loop.
	msgs := make(chan decoded)
	next := make(chan struct{})
	go func() {
		defer close(msgs)
		for {
			msg, err := dec.Decode()
			select {
			case msgs <- decoded{msg, err}:
			case <-ctx.Done():
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrStream) {
				return
			}
			select {
			case <-next:
			case <-ctx.Done():
				return
			}
		}
	}()

	var idle <-chan time.Time
	var timer *time.Timer
	if o.idleTimeout > 0 {
		timer = time.NewTimer(o.idleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	count := 0
	exit := func(reason string, code int, err error) error {
		_ = enc.EncodeExit(&protocol.ExitMessage{Reason: reason, ExitCode: code, Evaluations: count})
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return exit("cancelled", 0, nil)
		case <-idle:
			return exit("idle_timeout", 0, nil)
		case d, ok := <-msgs:
			if !ok {
				return exit("cancelled", 0, nil)
			}
			if errors.Is(d.err, io.EOF) {
				return exit("stdin_closed", 0, nil)
			}
			if errors.Is(d.err, protocol.ErrStream) {
				return exit("error", 1, d.err)
			}
			if d.err != nil {
				// A malformed line is reported and skipped; the stream stays usable.
				if err := enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: d.err.Error()}); err != nil {
					return exit("error", 1, err)
				}
			} else if err := handle(ctx, enc, d.msg, fn); err != nil {
				return exit("error", 1, err)
			} else if d.msg.Type == protocol.MessageTypeEval {
				count++
			}
			if timer != nil {
				timer.Reset(o.idleTimeout)
			}
			select {
			case next <- struct{}{}:
			case <-ctx.Done():
				return exit("cancelled", 0, nil)
			}
		}
	}
}

// handle answers one message. Only write failures are returned.
func handle(ctx context.Context, enc *protocol.Encoder, msg *protocol.Message, fn Func) error {
	if msg.Type != protocol.MessageTypeEval {
		return enc.EncodeError(&protocol.ErrorMessage{
			Code:    protocol.CodeBadRequest,
			Message: fmt.Sprintf("expected EVAL message, got %s", msg.Type),
		})
	}

	var eval protocol.EvalMessage
	if err := protocol.ParseData(msg.Data, &eval); err != nil {
		return enc.EncodeError(&protocol.ErrorMessage{Code: protocol.CodeBadRequest, Message: err.Error()})
	}
	if err := eval.Validate(); err != nil {
		return enc.EncodeError(&protocol.ErrorMessage{EvalID: eval.ID, Code: protocol.CodeBadRequest, Message: err.Error()})
	}

	evalCtx := ctx
	if eval.Timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, time.Duration(eval.Timeout*float64(time.Second)))
		defer cancel()
	}

	start := time.Now()
	res, err := call(evalCtx, fn, &Request{ID: eval.ID, Params: eval.Params, enc: enc})
	if err != nil {
		code := protocol.CodeModelFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = protocol.CodeTimeout
		}
		return enc.EncodeError(&protocol.ErrorMessage{EvalID: eval.ID, Code: code, Message: err.Error()})
	}

	done := &protocol.DoneMessage{
		EvalID:   eval.ID,
		T:        res.T,
		U:        res.U,
		Shape:    res.Shape,
		Duration: time.Since(start).Seconds(),
	}
	if err := done.Validate(); err != nil {
		return enc.EncodeError(&protocol.ErrorMessage{EvalID: eval.ID, Code: protocol.CodeModelFailed, Message: err.Error()})
	}
	return enc.EncodeDone(done)
}

func call(ctx context.Context, fn Func, req *Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()
	return fn(ctx, req)
}
