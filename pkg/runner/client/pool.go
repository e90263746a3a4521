package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chaztikov/uncertainpy/pkg/runner/protocol"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Size bounds the number of live processes. Zero means one.
	Size int
	// StartupTimeout bounds the wait for READY.
	StartupTimeout time.Duration
	Logger         zerolog.Logger
}

// Pool runs evaluations on up to Size model processes. Processes are started on demand
// and reused; one whose evaluation was cancelled is discarded and replaced.
type Pool struct {
	launcher Launcher
	cfg      PoolConfig

	slots chan struct{}
	idle  chan *Client

	mu      sync.Mutex
	live    map[*Client]struct{}
	started int
	ready   *protocol.ReadyMessage
	closed  bool
}

// NewPool creates a pool. No process is started until the first evaluation.
func NewPool(launcher Launcher, cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	return &Pool{
		launcher: launcher,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.Size),
		idle:     make(chan *Client, cfg.Size),
		live:     make(map[*Client]struct{}),
	}
}

// Evaluate runs one evaluation on a free process, starting one when none is idle.
func (p *Pool) Evaluate(ctx context.Context, params map[string]float64, timeout time.Duration) (*protocol.DoneMessage, error) {
	c, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	done, err := c.Evaluate(ctx, params, timeout)
	p.release(c)
	return done, err
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) acquire(ctx context.Context) (*Client, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.isClosed() {
		<-p.slots
		return nil, ErrClosed
	}

	select {
	case c := <-p.idle:
		return c, nil
	default:
	}

	c, err := Start(ctx, p.launcher, p.cfg.Logger, p.cfg.StartupTimeout)
	if err != nil {
		<-p.slots
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.slots
		go c.Close(context.Background())
		return nil, ErrClosed
	}
	p.live[c] = struct{}{}
	p.started++
	if p.ready == nil {
		p.ready = c.Ready()
	}
	return c, nil
}

func (p *Pool) release(c *Client) {
	defer func() { <-p.slots }()

	if c.Healthy() && !p.isClosed() {
		p.idle <- c
		return
	}

	p.mu.Lock()
	delete(p.live, c)
	p.mu.Unlock()
	if err := c.Close(context.Background()); err != nil {
		p.cfg.Logger.Warn().Err(err).Msg("Failed to stop model process")
	}
}

// Started returns how many processes the pool has launched.
func (p *Pool) Started() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Ready returns the READY message of the first process, or nil before any started.
func (p *Pool) Ready() *protocol.ReadyMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Close stops every process. Evaluations in flight finish first.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Taking every slot waits for in-flight evaluations.
	taken := 0
	defer func() {
		for ; taken > 0; taken-- {
			<-p.slots
		}
	}()
	for taken < cap(p.slots) {
		select {
		case p.slots <- struct{}{}:
			taken++
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	clients := make([]*Client, 0, len(p.live))
	for c := range p.live {
		clients = append(clients, c)
	}
	p.live = map[*Client]struct{}{}
	p.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	// Launchers holding a connection release it once every process is gone.
	if closer, ok := p.launcher.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
