// Package sim is a software stand-in for the demo board. It speaks the same
// wire protocol over any byte stream and is used by tests and xlink-sim.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/antonkrylov/xlink/internal/codec"
)

// Tracker control commands, as sent by the host.
const (
	TrackerStart = 0
	TrackerStop  = 1
)

// Func implements one call. Returning a *codec.Fault sends that fault;
// any other error is reported as fault code 1.
type Func func(ctx context.Context, d *Device, args []any) (any, error)

// Option configures a Device.
type Option func(*Device)

func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithNewestFirst makes the device hold calls until none arrived for window,
// then answer the batch most recent call first, as the firmware does when
// its request queue backs up.
func WithNewestFirst(window time.Duration) Option {
	return func(d *Device) { d.newestFirst = window }
}

// WithReplyViaPush sends replies as pushes on key, with arguments
// [id, value] or [id, nil, code, message].
func WithReplyViaPush(key string) Option {
	return func(d *Device) { d.replyKey = key }
}

// WithReportInterval sets the tracker report period.
func WithReportInterval(interval time.Duration) Option {
	return func(d *Device) {
		if interval > 0 {
			d.reportEvery = interval
		}
	}
}

// WithSweep sets how many reports one tracker run sends before going quiet.
// Zero keeps reporting until stopped.
func WithSweep(n int) Option {
	return func(d *Device) {
		if n >= 0 {
			d.sweep = n
		}
	}
}

// WithReportKey changes the push key tracker reports are sent on.
func WithReportKey(key string) Option {
	return func(d *Device) { d.reportKey = key }
}

// WithCall adds or replaces a call implementation.
func WithCall(name string, fn Func) Option {
	return func(d *Device) { d.calls[name] = fn }
}

// Device is a simulated board.
type Device struct {
	logger      *slog.Logger
	calls       map[string]Func
	newestFirst time.Duration
	replyKey    string
	reportKey   string
	reportEvery time.Duration
	sweep       int

	mu          sync.Mutex
	stream      *codec.Stream
	position    float64
	led         bool
	stopReports context.CancelFunc
	served      uint64
}

// New creates a device with the demo call set.
func New(opts ...Option) *Device {
	d := &Device{
		logger:      slog.Default(),
		calls:       demoCalls(),
		reportKey:   "tracker_report",
		reportEvery: 20 * time.Millisecond,
		sweep:       50,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Serve answers calls read from rw until the stream ends or ctx is done.
// A clean end of stream returns nil.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := codec.NewStream(rw)
	d.mu.Lock()
	d.stream = stream
	d.mu.Unlock()
	defer d.stopTracker()

	calls := make(chan codec.Call)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := stream.ReadFrame()
			if err != nil {
				if codec.Recoverable(err) {
					d.logger.Warn("sim: bad frame", "err", err)
					continue
				}
				readErr <- err
				return
			}
			call, ok := f.(codec.Call)
			if !ok {
				d.logger.Warn("sim: ignoring frame", "kind", f.Kind())
				continue
			}
			select {
			case calls <- call:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		wg     sync.WaitGroup
		batch  []codec.Call
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer wg.Wait()
	flush := func() {
		for i := len(batch) - 1; i >= 0; i-- {
			d.answer(ctx, batch[i])
		}
		batch = nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			flush()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		case call := <-calls:
			if d.newestFirst <= 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.answer(ctx, call)
				}()
				continue
			}
			batch = append(batch, call)
			if timer == nil {
				timer = time.NewTimer(d.newestFirst)
				timerC = timer.C
			} else {
				timer.Reset(d.newestFirst)
			}
		case <-timerC:
			flush()
		}
	}
}

func (d *Device) answer(ctx context.Context, call codec.Call) {
	d.mu.Lock()
	d.served++
	d.mu.Unlock()

	var (
		value any
		err   error
	)
	fn, ok := d.calls[call.Key]
	if !ok {
		err = &codec.Fault{Code: 404, Message: "no such call " + call.Key}
	} else {
		value, err = fn(ctx, d, call.Args)
	}

	var fault *codec.Fault
	if err != nil && !errors.As(err, &fault) {
		fault = &codec.Fault{Code: 1, Message: err.Error()}
	}

	var f codec.Frame = codec.Reply{ID: call.ID, Value: value, Fault: fault}
	if d.replyKey != "" {
		args := []any{call.ID, value}
		if fault != nil {
			args = []any{call.ID, nil, fault.Code, fault.Message}
		}
		f = codec.Push{Key: d.replyKey, Args: args}
	}
	if err := d.send(f); err != nil {
		d.logger.Debug("sim: reply not sent", "id", call.ID, "err", err)
	}
}

func (d *Device) send(f codec.Frame) error {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()
	if stream == nil {
		return errors.New("sim: not serving")
	}
	return stream.WriteFrame(f)
}

// Push sends an unsolicited action request to the host.
func (d *Device) Push(key string, args ...any) error {
	return d.send(codec.Push{Key: key, Args: args})
}

// Served returns how many calls were answered.
func (d *Device) Served() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.served
}

// Position returns the last setpoint received by set_position.
func (d *Device) Position() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

// LED returns the state last set by set_led.
func (d *Device) LED() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.led
}

func (d *Device) startTracker(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopReports != nil {
		return &codec.Fault{Code: 2, Message: "tracker already running"}
	}
	rctx, cancel := context.WithCancel(ctx)
	d.stopReports = cancel
	go d.report(rctx)
	return nil
}

func (d *Device) stopTracker() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopReports == nil {
		return false
	}
	d.stopReports()
	d.stopReports = nil
	return true
}

func (d *Device) report(ctx context.Context) {
	t := time.NewTicker(d.reportEvery)
	defer t.Stop()
	start := time.Now()
	for sent := 0; d.sweep == 0 || sent < d.sweep; sent++ {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			ms := now.Sub(start).Milliseconds()
			phase := float64(ms) / 250
			left := int64(math.Round(1000 * math.Sin(phase)))
			right := int64(math.Round(1000 * math.Cos(phase)))
			if err := d.Push(d.reportKey, uint64(ms), left, right); err != nil {
				return
			}
		}
	}
}

func demoCalls() map[string]Func {
	return map[string]Func{
		"ping": func(context.Context, *Device, []any) (any, error) { return "pong", nil },
		"echo": func(_ context.Context, _ *Device, args []any) (any, error) {
			if len(args) != 1 {
				return nil, errArgs(1, args)
			}
			return args[0], nil
		},
		"double_u8": func(_ context.Context, _ *Device, args []any) (any, error) {
			v, err := uintArg(args, 0, 1)
			if err != nil {
				return nil, err
			}
			return v * 2, nil
		},
		"identity_i64": func(_ context.Context, _ *Device, args []any) (any, error) {
			if len(args) != 1 {
				return nil, errArgs(1, args)
			}
			return args[0], nil
		},
		"add_f64": func(_ context.Context, _ *Device, args []any) (any, error) {
			if len(args) != 2 {
				return nil, errArgs(2, args)
			}
			a, ok1 := toFloat(args[0])
			b, ok2 := toFloat(args[1])
			if !ok1 || !ok2 {
				return nil, &codec.Fault{Code: 3, Message: "expected numbers"}
			}
			return a + b, nil
		},
		"sleep_ms": func(ctx context.Context, _ *Device, args []any) (any, error) {
			v, err := uintArg(args, 0, 1)
			if err != nil {
				return nil, err
			}
			select {
			case <-time.After(time.Duration(v) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return v, nil
		},
		"set_position": func(_ context.Context, d *Device, args []any) (any, error) {
			if len(args) != 1 {
				return nil, errArgs(1, args)
			}
			v, ok := toFloat(args[0])
			if !ok || v < -1 || v > 1 {
				return nil, &codec.Fault{Code: 4, Message: fmt.Sprintf("setpoint %v out of range", args[0])}
			}
			d.mu.Lock()
			d.position = v
			d.mu.Unlock()
			return v, nil
		},
		"set_led": func(_ context.Context, d *Device, args []any) (any, error) {
			if len(args) != 1 {
				return nil, errArgs(1, args)
			}
			on, ok := args[0].(bool)
			if !ok {
				return nil, &codec.Fault{Code: 3, Message: "expected bool"}
			}
			d.mu.Lock()
			d.led = on
			d.mu.Unlock()
			return on, nil
		},
		"fail": func(context.Context, *Device, []any) (any, error) {
			return nil, &codec.Fault{Code: 1, Message: "requested failure"}
		},
		"control_tracker": func(ctx context.Context, d *Device, args []any) (any, error) {
			cmd, err := uintArg(args, 0, 1)
			if err != nil {
				return nil, err
			}
			switch cmd {
			case TrackerStart:
				return nil, d.startTracker(context.WithoutCancel(ctx))
			case TrackerStop:
				if !d.stopTracker() {
					return nil, &codec.Fault{Code: 2, Message: "tracker not running"}
				}
				return nil, nil
			default:
				return nil, &codec.Fault{Code: 3, Message: fmt.Sprintf("unknown tracker command %d", cmd)}
			}
		},
	}
}

func errArgs(want int, args []any) error {
	return &codec.Fault{Code: 3, Message: fmt.Sprintf("expected %d arguments, got %d", want, len(args))}
}

func uintArg(args []any, i, want int) (uint64, error) {
	if len(args) != want {
		return 0, errArgs(want, args)
	}
	switch v := args[i].(type) {
	case uint64:
		return v, nil
	case int64:
		if v >= 0 {
			return uint64(v), nil
		}
	}
	return 0, &codec.Fault{Code: 3, Message: fmt.Sprintf("argument %d is not unsigned", i)}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
