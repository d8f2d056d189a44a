package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/xlink/internal/codec"
	"github.com/antonkrylov/xlink/internal/transport"
)

// device is the far end of a pipe, scripted by the test.
type device struct {
	t      *testing.T
	stream *codec.Stream
	calls  chan codec.Call
}

func newDevice(t *testing.T, rw io.ReadWriteCloser) *device {
	d := &device{t: t, stream: codec.NewStream(rw), calls: make(chan codec.Call, 64)}
	go func() {
		defer close(d.calls)
		for {
			f, err := d.stream.ReadFrame()
			if err != nil {
				return
			}
			if call, ok := f.(codec.Call); ok {
				d.calls <- call
			}
		}
	}()
	return d
}

func (d *device) next() codec.Call {
	d.t.Helper()
	select {
	case c, ok := <-d.calls:
		require.True(d.t, ok, "device stream closed")
		return c
	case <-time.After(2 * time.Second):
		d.t.Fatal("timed out waiting for call")
		return codec.Call{}
	}
}

func (d *device) send(f codec.Frame) {
	d.t.Helper()
	require.NoError(d.t, d.stream.WriteFrame(f))
}

type harness struct {
	client *Client
	dev    *device
	runErr chan error
	logs   *syncBuffer
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startHarness(t *testing.T, d *Dispatcher, opts ...Option) *harness {
	t.Helper()
	host, far := transport.Pipe()
	logs := &syncBuffer{}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})))}, opts...)
	h := &harness{
		client: New(codec.NewStream(host), opts...),
		dev:    newDevice(t, far),
		runErr: make(chan error, 1),
		logs:   logs,
	}
	if d == nil {
		d = NewDispatcher(nil)
	}
	go func() { h.runErr <- h.client.Run(context.Background(), d) }()
	t.Cleanup(func() {
		_ = h.client.Close()
		_ = far.Close()
	})
	return h
}

type result struct {
	value any
	err   error
}

func TestCallsResolveByIdentifierInAnyOrder(t *testing.T) {
	h := startHarness(t, nil)
	const n = 20

	results := make([]chan result, n)
	for i := range results {
		results[i] = make(chan result, 1)
		go func(i int) {
			v, err := h.client.Call(context.Background(), "double", uint64(i))
			results[i] <- result{v, err}
		}(i)
	}

	calls := make([]codec.Call, 0, n)
	seen := map[uint64]bool{}
	for range n {
		c := h.dev.next()
		require.False(t, seen[c.ID], "identifier %d reused", c.ID)
		seen[c.ID] = true
		calls = append(calls, c)
	}
	rand.New(rand.NewSource(1)).Shuffle(len(calls), func(i, j int) { calls[i], calls[j] = calls[j], calls[i] })
	for _, c := range calls {
		arg, ok := AsUint(c.Args[0])
		require.True(t, ok)
		h.dev.send(codec.Reply{ID: c.ID, Value: arg * 2})
	}

	for i, ch := range results {
		select {
		case r := <-ch:
			require.NoError(t, r.err)
			assert.Equal(t, uint64(i*2), r.value)
		case <-time.After(2 * time.Second):
			t.Fatalf("call %d never resolved", i)
		}
	}
	assert.Empty(t, h.client.Outstanding())
	assert.Zero(t, h.client.Anomalies())
}

func TestLaterCallResolvedFirst(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	a, err := h.client.Start(ctx, "read_a")
	require.NoError(t, err)
	b, err := h.client.Start(ctx, "read_b")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.ID())
	assert.Equal(t, uint64(2), b.ID())
	assert.Equal(t, []uint64{2, 1}, h.client.Outstanding())

	assert.Equal(t, "read_a", h.dev.next().Key)
	assert.Equal(t, "read_b", h.dev.next().Key)
	h.dev.send(codec.Reply{ID: 2, Value: uint64(42)})
	h.dev.send(codec.Reply{ID: 1, Value: uint64(7)})

	vb, err := b.Wait(ctx)
	require.NoError(t, err)
	va, err := a.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), vb)
	assert.Equal(t, uint64(7), va)

	// A duplicate reply is stray: it must not resolve anything twice.
	h.dev.send(codec.Reply{ID: 1, Value: uint64(99)})
	require.Eventually(t, func() bool { return h.client.Anomalies() == 1 }, time.Second, 5*time.Millisecond)
	va, _ = a.Wait(ctx)
	assert.Equal(t, uint64(7), va)
}

func TestStrayReplyLeavesOthersPending(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	p, err := h.client.Start(ctx, "ping")
	require.NoError(t, err)
	h.dev.next()

	h.dev.send(codec.Reply{ID: 99, Value: "nobody"})
	require.Eventually(t, func() bool { return h.client.Anomalies() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{p.ID()}, h.client.Outstanding())
	assert.Contains(t, h.logs.String(), "protocol anomaly")

	h.dev.send(codec.Reply{ID: p.ID(), Value: "pong"})
	v, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", v)
}

func TestFaultReplyReturnsFault(t *testing.T) {
	h := startHarness(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := h.client.Call(context.Background(), "fail")
		done <- err
	}()
	c := h.dev.next()
	h.dev.send(codec.Reply{ID: c.ID, Fault: &codec.Fault{Code: 3, Message: "nope"}})

	err := <-done
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, int64(3), fault.Code)
	assert.Equal(t, "nope", fault.Message)
}

func TestTransportLossFailsEveryPendingCall(t *testing.T) {
	host, far := transport.Pipe()
	client := New(codec.NewStream(host))
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background(), nil) }()
	dev := newDevice(t, far)

	ctx := context.Background()
	a, err := client.Start(ctx, "a")
	require.NoError(t, err)
	b, err := client.Start(ctx, "b")
	require.NoError(t, err)
	dev.next()
	dev.next()

	require.NoError(t, far.Close())

	_, errA := a.Wait(ctx)
	_, errB := b.Wait(ctx)
	assert.ErrorIs(t, errA, ErrTransportClosed)
	assert.ErrorIs(t, errB, ErrTransportClosed)
	assert.ErrorIs(t, <-runErr, ErrTransportClosed)

	_, err = client.Call(ctx, "c")
	assert.ErrorIs(t, err, ErrTransportClosed)
	require.NoError(t, client.Close())
}

func TestCloseFailsPendingWithShutdown(t *testing.T) {
	h := startHarness(t, nil)
	ctx := context.Background()

	p, err := h.client.Start(ctx, "slow")
	require.NoError(t, err)
	h.dev.next()

	require.NoError(t, h.client.Close())
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.NoError(t, <-h.runErr)

	_, err = h.client.Call(ctx, "late")
	assert.ErrorIs(t, err, ErrClosed)
}

// recordingConn counts writes and never yields a frame.
type recordingConn struct {
	mu     sync.Mutex
	writes []codec.Frame
	closed chan struct{}
	once   sync.Once
}

func newRecordingConn() *recordingConn { return &recordingConn{closed: make(chan struct{})} }

func (r *recordingConn) ReadFrame() (codec.Frame, error) {
	<-r.closed
	return nil, io.EOF
}

func (r *recordingConn) WriteFrame(f codec.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, f)
	return nil
}

func (r *recordingConn) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func TestCallAfterCloseWritesNothing(t *testing.T) {
	conn := newRecordingConn()
	client := New(conn)
	go func() { _ = client.Run(context.Background(), nil) }()

	require.NoError(t, client.Close())
	_, err := client.Call(context.Background(), "x")
	require.ErrorIs(t, err, ErrClosed)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Empty(t, conn.writes)
}

type failingConn struct{ *recordingConn }

func (f *failingConn) WriteFrame(codec.Frame) error { return errors.New("EIO") }

func TestWriteFailureRemovesPending(t *testing.T) {
	conn := &failingConn{recordingConn: newRecordingConn()}
	client := New(conn)
	defer client.Close()

	_, err := client.Call(context.Background(), "x")
	require.ErrorIs(t, err, ErrTransportClosed)
	assert.Empty(t, client.Outstanding())
}

func TestUnencodableCallIsNotTransportLoss(t *testing.T) {
	h := startHarness(t, nil)

	_, err := h.client.Call(context.Background(), "x", make(chan int))
	require.ErrorIs(t, err, codec.ErrInvalid)
	assert.NotErrorIs(t, err, ErrTransportClosed)
	assert.Empty(t, h.client.Outstanding())
}

func TestCancelledWaitWithdrawsCall(t *testing.T) {
	h := startHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.client.Call(ctx, "forever")
		done <- err
	}()
	c := h.dev.next()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, h.client.Outstanding())

	h.dev.send(codec.Reply{ID: c.ID, Value: "late"})
	require.Eventually(t, func() bool { return h.client.Anomalies() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStartWithCancelledContextSendsNothing(t *testing.T) {
	conn := newRecordingConn()
	client := New(conn)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Start(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, conn.writes)
}

func TestPushDispatchedToHandler(t *testing.T) {
	got := make(chan []any, 1)
	d := NewDispatcher(map[string]Handler{
		"beep": HandlerFunc(func(ctx context.Context, args []any) error {
			got <- args
			return nil
		}),
	})
	h := startHarness(t, d)

	h.dev.send(codec.Push{Key: "nobody_home"})
	h.dev.send(codec.Push{Key: "beep", Args: []any{uint64(440)}})

	select {
	case args := <-got:
		assert.Equal(t, []any{uint64(440)}, args)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	assert.Contains(t, h.logs.String(), `unknown remote call: \"nobody_home\"`)

	// The loop is still alive after the unknown key.
	p, err := h.client.Start(context.Background(), "ping")
	require.NoError(t, err)
	h.dev.next()
	h.dev.send(codec.Reply{ID: p.ID(), Value: true})
	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestSlowPushHandlerDoesNotBlockReplies(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(map[string]Handler{
		"slow": HandlerFunc(func(ctx context.Context, args []any) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}),
	})
	h := startHarness(t, d)
	defer close(release)

	p, err := h.client.Start(context.Background(), "ping")
	require.NoError(t, err)
	h.dev.next()
	h.dev.send(codec.Push{Key: "slow"})
	h.dev.send(codec.Reply{ID: p.ID(), Value: "pong"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", v)
}

func TestSpawnerRunsPushHandlers(t *testing.T) {
	var mu sync.Mutex
	var names []string
	spawn := func(name string, fn func(context.Context)) {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
		fn(context.Background())
	}
	called := make(chan struct{}, 1)
	d := NewDispatcher(map[string]Handler{
		"beep": HandlerFunc(func(context.Context, []any) error {
			called <- struct{}{}
			return nil
		}),
	})
	h := startHarness(t, d, WithSpawner(spawn))

	h.dev.send(codec.Push{Key: "beep"})
	<-called
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"push beep"}, names)
}

func TestReplyHandlerResolvesFromPush(t *testing.T) {
	host, far := transport.Pipe()
	client := New(codec.NewStream(host))
	d := NewDispatcher(map[string]Handler{"reply": ReplyHandler(client)})
	go func() { _ = client.Run(context.Background(), d) }()
	defer client.Close()
	dev := newDevice(t, far)
	defer far.Close()

	ctx := context.Background()
	a, err := client.Start(ctx, "a")
	require.NoError(t, err)
	b, err := client.Start(ctx, "b")
	require.NoError(t, err)
	dev.next()
	dev.next()

	dev.send(codec.Push{Key: "reply", Args: []any{b.ID(), "bee"}})
	dev.send(codec.Push{Key: "reply", Args: []any{a.ID(), nil, int64(-2), "overheated"}})

	v, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bee", v)

	_, err = a.Wait(ctx)
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, int64(-2), fault.Code)
}

func TestRunTwiceRejected(t *testing.T) {
	h := startHarness(t, nil)
	require.Eventually(t, func() bool {
		h.client.mu.Lock()
		defer h.client.mu.Unlock()
		return h.client.running
	}, time.Second, time.Millisecond)
	assert.Error(t, h.client.Run(context.Background(), nil))
}

func TestRunContextCancelClosesClient(t *testing.T) {
	host, far := transport.Pipe()
	defer far.Close()
	client := New(codec.NewStream(host))
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, nil) }()
	_ = newDevice(t, far)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	_, err := client.Call(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcherTable(t *testing.T) {
	var seen []any
	d := NewDispatcher(map[string]Handler{
		"beep": HandlerFunc(func(_ context.Context, args []any) error {
			seen = args
			return nil
		}),
		"log":  HandlerFunc(func(context.Context, []any) error { return nil }),
		"none": nil,
	})
	assert.Equal(t, []string{"beep", "log"}, d.Keys())

	require.NoError(t, d.Dispatch(context.Background(), "beep", []any{"a"}))
	assert.Equal(t, []any{"a"}, seen)

	err := d.Dispatch(context.Background(), "none", nil)
	assert.ErrorIs(t, err, ErrUnknownRemoteCall)

	var empty *Dispatcher
	assert.Empty(t, empty.Keys())
}
