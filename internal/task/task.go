// Package task runs shell work as cancellable goroutines with a strict
// lifecycle: a scheduled function always gets to start, cleanup runs exactly
// once, and Shutdown returns only after every task finished.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is a task's lifecycle position.
type State int32

const (
	Created State = iota
	Started
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Started:
		return "started"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s >= Completed }

// Point names where a running task is blocked. Cancellation is delivered at
// these points.
type Point int32

const (
	Running Point = iota
	AwaitingReply
	AwaitingInput
	Sleeping
	AwaitingKey
)

func (p Point) String() string {
	switch p {
	case Running:
		return "running"
	case AwaitingReply:
		return "awaiting reply"
	case AwaitingInput:
		return "awaiting input"
	case Sleeping:
		return "sleeping"
	case AwaitingKey:
		return "awaiting key"
	default:
		return fmt.Sprintf("point(%d)", int32(p))
	}
}

// Func is the body of a task. It should return ctx.Err() when it stops
// because ctx was cancelled.
type Func func(ctx context.Context) error

// ErrPanic wraps a panic recovered from a task body.
var ErrPanic = errors.New("task panicked")

// Task is one scheduled unit of work.
type Task struct {
	id      uint64
	name    string
	fn      Func
	cleanup func()
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	started chan struct{}
	done    chan struct{}
	state   atomic.Int32
	point   atomic.Int32
	err     error
}

func (t *Task) ID() uint64         { return t.id }
func (t *Task) Name() string       { return t.name }
func (t *Task) Created() time.Time { return t.created }
func (t *Task) State() State       { return State(t.state.Load()) }
func (t *Task) Point() Point       { return Point(t.point.Load()) }

// Done is closed after the task reached a terminal state and its cleanup ran.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finished and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Cancel asks the task to stop at its next suspension point. The body still
// starts if it has not yet.
func (t *Task) Cancel() { t.cancel() }

type ctxKey struct{}

// FromContext returns the task running with ctx, or nil.
func FromContext(ctx context.Context) *Task {
	t, _ := ctx.Value(ctxKey{}).(*Task)
	return t
}

// Suspend records that the task owning ctx is blocked at p. The returned
// function marks it running again. It is a no-op outside a task.
func Suspend(ctx context.Context, p Point) (resume func()) {
	t := FromContext(ctx)
	if t == nil {
		return func() {}
	}
	t.point.Store(int32(p))
	return func() { t.point.Store(int32(Running)) }
}

// Sleep waits for d or until ctx is done, recording Sleeping meanwhile.
func Sleep(ctx context.Context, d time.Duration) error {
	defer Suspend(ctx, Sleeping)()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for task failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFinish registers a hook called once per task after its cleanup, with
// the error the body returned.
func WithFinish(fn func(*Task, error)) Option {
	return func(s *Scheduler) { s.onFinish = fn }
}

// WithContext sets the parent of every task context. Values flow to tasks;
// cancelling parent cancels them all without stopping scheduling.
func WithContext(parent context.Context) Option {
	return func(s *Scheduler) {
		if parent != nil {
			s.parent = parent
		}
	}
}

// Scheduler owns a set of running tasks.
type Scheduler struct {
	logger   *slog.Logger
	onFinish func(*Task, error)
	parent   context.Context

	mu      sync.Mutex
	nextID  uint64
	tasks   map[uint64]*Task
	closing bool

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: slog.Default(),
		parent: context.Background(),
		tasks:  make(map[uint64]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule starts fn in its own goroutine and returns its Task. cleanup, if
// non-nil, runs exactly once when the task ends however it ends. After
// Shutdown began Schedule does nothing and returns nil.
func (s *Scheduler) Schedule(name string, fn Func, cleanup func()) *Task {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.logger.Debug("task dropped after shutdown", "task", name)
		return nil
	}
	s.nextID++
	t := &Task{
		id:      s.nextID,
		name:    name,
		fn:      fn,
		cleanup: cleanup,
		created: time.Now(),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.WithValue(s.parent, ctxKey{}, t))
	s.tasks[t.id] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(t)
	return t
}

func (s *Scheduler) run(t *Task) {
	defer s.wg.Done()

	t.state.Store(int32(Started))
	close(t.started)

	err := t.invoke()
	switch {
	case err == nil:
		t.state.Store(int32(Completed))
	case errors.Is(err, context.Canceled) && t.ctx.Err() != nil:
		t.state.Store(int32(Cancelled))
	default:
		t.state.Store(int32(Failed))
	}
	t.err = err
	t.point.Store(int32(Running))
	t.cancel()

	if t.cleanup != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("task cleanup panicked", "task", t.name, "panic", r)
				}
			}()
			t.cleanup()
		}()
	}

	s.mu.Lock()
	delete(s.tasks, t.id)
	s.mu.Unlock()

	if s.onFinish != nil {
		s.onFinish(t, err)
	} else if t.State() == Failed {
		s.logger.Error("task failed", "task", t.name, "err", err)
	}
	close(t.done)
}

func (t *Task) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	if t.fn == nil {
		return nil
	}
	return t.fn(t.ctx)
}

// Tasks returns the tasks not yet finished, oldest first.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Closing reports whether Shutdown began.
func (s *Scheduler) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Shutdown stops accepting work, waits until every scheduled task has
// started, cancels them all and waits for them to finish. It must not be
// called from inside a task. Calling it again waits for the same drain.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		pending := make([]*Task, 0, len(s.tasks))
		for _, t := range s.tasks {
			pending = append(pending, t)
		}
		s.mu.Unlock()

		for _, t := range pending {
			<-t.started
		}
		for _, t := range pending {
			t.cancel()
		}
	})
	s.wg.Wait()
}
