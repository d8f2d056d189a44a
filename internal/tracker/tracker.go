// Package tracker drives the device's measurement tracker: it switches
// tracking on and off and collects the reports pushed while it runs.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/antonkrylov/xlink/internal/remote"
	"github.com/antonkrylov/xlink/internal/task"
)

// Control commands understood by the device.
const (
	CommandStart = 0
	CommandStop  = 1
)

// DefaultIdle is how long collection waits for another report.
const DefaultIdle = 500 * time.Millisecond

// sinkQueue bounds the measures waiting for a slow sink. Further measures
// are dropped for the sink only; the session still records them.
const sinkQueue = 1024

var ErrActive = errors.New("tracker session already active")

// Measure is one report from the device.
type Measure struct {
	Timestamp uint64 `json:"timestamp"`
	Left      int64  `json:"left"`
	Right     int64  `json:"right"`
}

// Caller issues device calls. *remote.Client implements it.
type Caller interface {
	Call(ctx context.Context, key string, args ...any) (any, error)
}

// Sink receives every accepted measure, in arrival order, from a goroutine
// of its own. A slow sink delays nothing but itself.
type Sink interface {
	Measure(Measure)
}

type Option func(*Tracker)

func WithSink(s Sink) Option {
	return func(t *Tracker) { t.sink = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

type Tracker struct {
	caller  Caller
	control string
	sink    Sink
	logger  *slog.Logger

	mu       sync.Mutex
	tracking bool
	session  *Session
	data     []Measure
	changed  chan struct{}
	dropped  uint64
}

// New creates a tracker that switches tracking with the control call.
func New(caller Caller, control string, opts ...Option) *Tracker {
	t := &Tracker{
		caller:  caller,
		control: control,
		logger:  slog.Default(),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handler returns the push handler for reports. It runs on the receive loop
// so reports are recorded in arrival order.
func (t *Tracker) Handler() remote.Handler {
	return remote.Inline(remote.HandlerFunc(func(_ context.Context, args []any) error {
		m, err := parseMeasure(args)
		if err != nil {
			return err
		}
		t.record(m)
		return nil
	}))
}

func parseMeasure(args []any) (Measure, error) {
	if len(args) != 3 {
		return Measure{}, fmt.Errorf("tracker report: want 3 arguments, got %d", len(args))
	}
	ts, ok := remote.AsUint(args[0])
	if !ok {
		return Measure{}, fmt.Errorf("tracker report: bad timestamp %v", args[0])
	}
	left, ok := remote.AsInt(args[1])
	if !ok {
		return Measure{}, fmt.Errorf("tracker report: bad left value %v", args[1])
	}
	right, ok := remote.AsInt(args[2])
	if !ok {
		return Measure{}, fmt.Errorf("tracker report: bad right value %v", args[2])
	}
	return Measure{Timestamp: ts, Left: left, Right: right}, nil
}

func (t *Tracker) record(m Measure) {
	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		t.logger.Debug("tracker: report while idle", "timestamp", m.Timestamp)
		return
	}
	t.data = append(t.data, m)
	close(t.changed)
	t.changed = make(chan struct{})
	if q := t.session.queue; q != nil {
		select {
		case q <- m:
		default:
			t.dropped++
			t.logger.Warn("tracker: sink queue full, measure not forwarded", "timestamp", m.Timestamp, "dropped", t.dropped)
		}
	}
	t.mu.Unlock()
}

// Tracking reports whether a session is collecting.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}

// Start clears earlier data and asks the device to begin reporting.
func (t *Tracker) Start(ctx context.Context) (*Session, error) {
	t.mu.Lock()
	if t.session != nil {
		t.mu.Unlock()
		return nil, ErrActive
	}
	s := &Session{t: t}
	if t.sink != nil {
		s.queue = make(chan Measure, sinkQueue)
		s.forwarded = make(chan struct{})
		go s.forward(t.sink)
	}
	t.session = s
	t.data = nil
	t.tracking = true
	t.mu.Unlock()

	if _, err := t.caller.Call(ctx, t.control, uint8(CommandStart)); err != nil {
		t.end(s)
		return nil, fmt.Errorf("start tracker: %w", err)
	}
	return s, nil
}

func (t *Tracker) end(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == s {
		t.session = nil
		t.tracking = false
		if s.queue != nil {
			close(s.queue)
		}
	}
}

// Session is one start/stop cycle.
type Session struct {
	t       *Tracker
	stopped sync.Once

	queue     chan Measure
	forwarded chan struct{}
}

func (s *Session) forward(sink Sink) {
	defer close(s.forwarded)
	for m := range s.queue {
		sink.Measure(m)
	}
}

// Measures returns a copy of what was collected so far, sorted by timestamp.
func (s *Session) Measures() []Measure {
	s.t.mu.Lock()
	out := append([]Measure(nil), s.t.data...)
	s.t.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Len returns the number of measures collected so far.
func (s *Session) Len() int {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return len(s.t.data)
}

// CollectUntilIdle waits until no report arrived for idle and returns the
// measures sorted by timestamp.
func (s *Session) CollectUntilIdle(ctx context.Context, idle time.Duration) ([]Measure, error) {
	if idle <= 0 {
		idle = DefaultIdle
	}
	defer task.Suspend(ctx, task.Sleeping)()
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		s.t.mu.Lock()
		changed := s.t.changed
		s.t.mu.Unlock()
		select {
		case <-ctx.Done():
			return s.Measures(), ctx.Err()
		case <-changed:
			timer.Reset(idle)
		case <-timer.C:
			return s.Measures(), nil
		}
	}
}

// Stop asks the device to stop reporting, then waits until the sink got
// every queued measure or ctx is done. Reports arriving afterwards are
// ignored. Stop is idempotent.
func (s *Session) Stop(ctx context.Context) error {
	var err error
	s.stopped.Do(func() {
		s.t.end(s)
		if _, cerr := s.t.caller.Call(ctx, s.t.control, uint8(CommandStop)); cerr != nil {
			err = fmt.Errorf("stop tracker: %w", cerr)
		}
	})
	if s.forwarded != nil {
		select {
		case <-s.forwarded:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}
	return err
}
