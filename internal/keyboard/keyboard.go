// Package keyboard captures individual key presses from the terminal while
// a command owns it.
package keyboard

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/time/rate"

	"github.com/antonkrylov/xlink/internal/task"
)

// DefaultInterval is the minimum spacing between delivered events. Events
// arriving faster are dropped, which keeps key auto-repeat from flooding
// the device.
const DefaultInterval = 10 * time.Millisecond

// ErrClosed is returned by Next once the listener stopped.
var ErrClosed = errors.New("keyboard listener closed")

// Event is one key event. Terminals only report presses, so Pressed is
// always true for events read from a terminal. Key uses bubbletea names
// such as "left", "enter", "esc", "ctrl+c" or the typed rune.
type Event struct {
	Pressed bool
	Key     string
	At      time.Time
}

// Option configures a Listener.
type Option func(*Listener)

// WithInterval changes the minimum spacing between events.
func WithInterval(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithInput reads keys from r instead of the process's standard input.
func WithInput(r io.Reader) Option {
	return func(l *Listener) { l.input = r }
}

// Listener delivers key events until closed.
type Listener struct {
	input   io.Reader
	limiter *rate.Limiter
	events  chan Event

	program *tea.Program
	done    chan struct{}
	runErr  error

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newListener(opts ...Option) *Listener {
	l := &Listener{
		limiter: rate.NewLimiter(rate.Every(DefaultInterval), 1),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Listen starts capturing keys. The terminal is in raw mode until Close.
func Listen(ctx context.Context, opts ...Option) (*Listener, error) {
	l := newListener(opts...)
	progOpts := []tea.ProgramOption{
		tea.WithContext(ctx),
		tea.WithOutput(io.Discard),
		tea.WithoutRenderer(),
		tea.WithoutSignalHandler(),
	}
	if l.input != nil {
		progOpts = append(progOpts, tea.WithInput(l.input))
	}
	l.program = tea.NewProgram(keyModel{l: l}, progOpts...)
	go func() {
		defer close(l.done)
		_, err := l.program.Run()
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			l.runErr = err
		}
		l.shut()
	}()
	return l, nil
}

type keyModel struct{ l *Listener }

func (m keyModel) Init() tea.Cmd { return nil }

func (m keyModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if km, ok := msg.(tea.KeyMsg); ok {
		m.l.feed(km, time.Now())
	}
	return m, nil
}

func (m keyModel) View() string { return "" }

// Translate converts a bubbletea key message to an Event.
func Translate(km tea.KeyMsg, at time.Time) Event {
	return Event{Pressed: true, Key: km.String(), At: at}
}

func (l *Listener) feed(km tea.KeyMsg, now time.Time) {
	if !l.limiter.AllowN(now, 1) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.events <- Translate(km, now):
	default:
	}
}

func (l *Listener) shut() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
}

// Next waits for the next event. The calling task is recorded as awaiting a
// key meanwhile.
func (l *Listener) Next(ctx context.Context) (Event, error) {
	defer task.Suspend(ctx, task.AwaitingKey)()
	select {
	case ev, ok := <-l.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close stops capturing and restores the terminal.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		if l.program != nil {
			l.program.Quit()
			<-l.done
		}
		l.shut()
	})
	return l.runErr
}
