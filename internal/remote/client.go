// Package remote correlates calls to a device with the replies it sends back
// over a single ordered stream, and routes the actions the device pushes to
// the host.
//
// Every call gets a fresh identifier and stays pending until a reply names
// it. The client resolves whichever identifier a reply carries; it never
// reorders. The firmware answers the most recently issued call first when
// several are outstanding, so callers that issue overlapping calls should
// expect later calls to complete earlier. Pending.ID and Client.Outstanding
// expose identifiers for reasoning about that order.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/antonkrylov/xlink/internal/codec"
	"github.com/antonkrylov/xlink/internal/task"
)

// Conn is the framed stream the client talks over. *codec.Stream
// implements it. If the Conn is also an io.Closer, Close closes it.
type Conn interface {
	ReadFrame() (codec.Frame, error)
	WriteFrame(codec.Frame) error
}

// Spawner runs a push handler as an independent unit of work.
type Spawner func(name string, fn func(ctx context.Context))

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for anomalies and handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSpawner replaces the default goroutine spawner for push handlers.
func WithSpawner(s Spawner) Option {
	return func(c *Client) {
		if s != nil {
			c.spawn = s
		}
	}
}

// Client is the host side of the device protocol.
type Client struct {
	conn   Conn
	logger *slog.Logger
	spawn  Spawner

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Pending
	closed  bool
	lost    error
	running bool

	runDone   chan struct{}
	baseCtx   context.Context
	cancel    context.CancelFunc
	handlers  sync.WaitGroup
	anomalies atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// New creates a client over conn. Run must be started for replies to be
// delivered.
func New(conn Conn, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		logger:  slog.Default(),
		pending: make(map[uint64]*Pending),
		runDone: make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
	c.spawn = c.goSpawn
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) goSpawn(name string, fn func(ctx context.Context)) {
	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		fn(c.baseCtx)
	}()
}

// Pending is one outstanding call.
type Pending struct {
	id   uint64
	key  string
	c    *Client
	done chan struct{}

	value any
	err   error
}

// ID returns the identifier the call was sent with.
func (p *Pending) ID() uint64 { return p.id }

// Key returns the remote procedure name.
func (p *Pending) Key() string { return p.key }

// Done is closed once the call is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the call resolves or ctx is done. Cancelling ctx
// withdraws the call; a reply arriving afterwards is treated as stray.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	defer task.Suspend(ctx, task.AwaitingReply)()
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		if p.c.settle(p.id, nil, ctx.Err()) {
			return nil, ctx.Err()
		}
		<-p.done
		return p.value, p.err
	}
}

// Start sends a call and returns without waiting for the reply.
func (c *Client) Start(ctx context.Context, key string, args ...any) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.lost != nil {
		lost := c.lost
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, lost)
	}
	c.nextID++
	p := &Pending{id: c.nextID, key: key, c: c, done: make(chan struct{})}
	// Registered before the write so a fast reply always finds its entry.
	c.pending[p.id] = p
	c.mu.Unlock()

	if err := c.conn.WriteFrame(codec.Call{ID: p.id, Key: key, Args: args}); err != nil {
		if !errors.Is(err, codec.ErrInvalid) && !errors.Is(err, codec.ErrFrameTooLarge) {
			err = fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}
		c.settle(p.id, nil, err)
		return nil, err
	}
	c.logger.Debug("remote call sent", "id", p.id, "key", key)
	return p, nil
}

// Call sends a call and waits for its reply. A device fault is returned as
// a *Fault error.
func (c *Client) Call(ctx context.Context, key string, args ...any) (any, error) {
	p, err := c.Start(ctx, key, args...)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Resolve completes the pending call id. It is how handlers deliver replies
// that arrive as pushes. An id with no pending call is an ErrProtocolAnomaly.
func (c *Client) Resolve(id uint64, value any, err error) error {
	if !c.settle(id, value, err) {
		c.anomalies.Add(1)
		return fmt.Errorf("%w: no pending call %d", ErrProtocolAnomaly, id)
	}
	return nil
}

// settle removes id from the table and completes it. It reports false when
// the id was not pending, so every call completes exactly once.
func (c *Client) settle(id uint64, value any, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.value, p.err = value, err
	close(p.done)
	return true
}

// failAll empties the table and completes every call with err.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	pend := c.pending
	c.pending = make(map[uint64]*Pending)
	c.mu.Unlock()
	for _, p := range pend {
		p.err = err
		close(p.done)
	}
}

// Outstanding returns the identifiers still pending, newest first.
func (c *Client) Outstanding() []uint64 {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids
}

// Anomalies counts stray replies and unexpected frames seen so far.
func (c *Client) Anomalies() uint64 { return c.anomalies.Load() }

// Run reads frames until the stream fails or the client is closed. Replies
// complete their calls in arrival order; pushes are handed to d and run
// through the spawner so a slow handler never holds up replies. Cancelling
// ctx closes the client.
//
// Run returns nil after Close and an ErrTransportClosed error when the
// stream is lost, after failing every pending call with it.
func (c *Client) Run(ctx context.Context, d *Dispatcher) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.running:
		c.mu.Unlock()
		return errors.New("remote: receive loop already running")
	}
	c.running = true
	c.mu.Unlock()
	defer close(c.runDone)

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			if codec.Recoverable(err) {
				c.logger.Warn("remote: skipping frame", "err", err)
				continue
			}
			return c.lose(err)
		}

		switch v := f.(type) {
		case codec.Reply:
			c.deliver(v)
		case codec.Push:
			c.dispatch(d, v)
		default:
			c.anomalies.Add(1)
			c.logger.Warn("remote: unexpected frame", "kind", f.Kind(), "err", ErrProtocolAnomaly)
		}
	}
}

func (c *Client) deliver(r codec.Reply) {
	var err error
	if r.Fault != nil {
		err = r.Fault
	}
	if !c.settle(r.ID, r.Value, err) {
		c.anomalies.Add(1)
		c.logger.Warn("remote: dropping reply", "id", r.ID, "err", ErrProtocolAnomaly)
		return
	}
	c.logger.Debug("remote reply", "id", r.ID, "fault", r.Fault != nil)
}

func (c *Client) dispatch(d *Dispatcher, p codec.Push) {
	if h, ok := d.Lookup(p.Key); ok && !isInline(h) {
		c.spawn("push "+p.Key, func(ctx context.Context) {
			if err := d.Dispatch(ctx, p.Key, p.Args); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("remote: push handler failed", "key", p.Key, "err", err)
			}
		})
		return
	}
	switch err := d.Dispatch(c.baseCtx, p.Key, p.Args); {
	case errors.Is(err, ErrUnknownRemoteCall):
		c.logger.Error("remote: push ignored", "key", p.Key, "err", err)
	case err != nil:
		c.logger.Warn("remote: push handler failed", "key", p.Key, "err", err)
	}
}

func (c *Client) lose(err error) error {
	c.mu.Lock()
	closed := c.closed
	if !closed && c.lost == nil {
		c.lost = err
	}
	c.mu.Unlock()
	if closed {
		return nil
	}
	lost := fmt.Errorf("%w: %v", ErrTransportClosed, err)
	c.failAll(lost)
	c.logger.Warn("remote: stream lost", "err", err)
	return lost
}

// Close fails every pending call with ErrShutdown, closes the stream and
// waits for the receive loop and any handlers started by the default
// spawner. It must not be called from a push handler. Later calls fail with
// ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		running := c.running
		c.mu.Unlock()

		c.failAll(ErrShutdown)
		c.cancel()
		closer, ok := c.conn.(io.Closer)
		if ok {
			c.closeErr = closer.Close()
		}
		// Without a Closer the read cannot be interrupted.
		if running && ok {
			<-c.runDone
		}
		c.handlers.Wait()
	})
	return c.closeErr
}
