package client

import (
	"context"
	"io"
	"log/slog"

	"github.com/antonkrylov/xlink/internal/codec"
	"github.com/antonkrylov/xlink/internal/console"
	"github.com/antonkrylov/xlink/internal/profile"
	"github.com/antonkrylov/xlink/internal/remote"
	"github.com/antonkrylov/xlink/internal/tracker"
	"github.com/antonkrylov/xlink/internal/transport"
)

// Options configure a Session.
type Options struct {
	Output   *console.Output
	Logger   *slog.Logger
	Spawner  remote.Spawner
	Sink     tracker.Sink
	MaxFrame int
}

// Session is a connected device: the correlating client, the push table
// built from the profile and the tracker when the profile declares one.
type Session struct {
	Profile *profile.Profile
	Client  *remote.Client
	Tracker *tracker.Tracker

	dispatcher *remote.Dispatcher
	name       string
}

// Dial opens the serial port named by conn and attaches a session to it.
func Dial(conn *Connection, p *profile.Profile, opts Options) (*Session, error) {
	port, err := transport.Open(conn.Port, transport.Options{Baud: conn.Baud})
	if err != nil {
		return nil, err
	}
	if opts.MaxFrame == 0 {
		opts.MaxFrame = conn.MaxFrame
	}
	return Attach(port, conn.Port, p, opts), nil
}

// Attach builds a session over an already open stream. Run must be started
// before calls can complete.
func Attach(rw io.ReadWriter, name string, p *profile.Profile, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stream := codec.NewStream(rw)
	if opts.MaxFrame > 0 {
		stream.SetMaxFrame(opts.MaxFrame)
	}
	clientOpts := []remote.Option{remote.WithLogger(logger)}
	if opts.Spawner != nil {
		clientOpts = append(clientOpts, remote.WithSpawner(opts.Spawner))
	}
	c := remote.New(stream, clientOpts...)

	s := &Session{Profile: p, Client: c, name: name}
	handlers := PushHandlers(p, opts.Output)
	if p.ReplyKey != "" {
		handlers[p.ReplyKey] = remote.ReplyHandler(c)
	}
	if p.Tracker != nil {
		trackerOpts := []tracker.Option{tracker.WithLogger(logger)}
		if opts.Sink != nil {
			trackerOpts = append(trackerOpts, tracker.WithSink(opts.Sink))
		}
		s.Tracker = tracker.New(c, p.Tracker.Control, trackerOpts...)
		handlers[p.Tracker.Report] = s.Tracker.Handler()
	}
	s.dispatcher = remote.NewDispatcher(handlers)
	return s
}

// Name returns the port or pipe the session talks over.
func (s *Session) Name() string { return s.name }

// Dispatcher returns the push table.
func (s *Session) Dispatcher() *remote.Dispatcher { return s.dispatcher }

// Run is the receive loop; see remote.Client.Run.
func (s *Session) Run(ctx context.Context) error {
	return s.Client.Run(ctx, s.dispatcher)
}

// Call coerces shell words according to the profile and calls name.
func (s *Session) Call(ctx context.Context, name string, words []string) (any, error) {
	args, err := s.Profile.Coerce(name, words)
	if err != nil {
		return nil, err
	}
	return s.Client.Call(ctx, name, args...)
}

// Close shuts the client down and closes the stream.
func (s *Session) Close() error {
	return s.Client.Close()
}

// PushHandlers turns the profile's push declarations into handlers that
// write to out. Pushes marked ignore, and every push when out is nil, are
// accepted and dropped.
func PushHandlers(p *profile.Profile, out *console.Output) map[string]remote.Handler {
	handlers := make(map[string]remote.Handler, len(p.Pushes)+2)
	for i := range p.Pushes {
		push := &p.Pushes[i]
		var show func(string)
		switch push.Action {
		case profile.ActionPrint:
			if out != nil {
				show = out.Print
			}
		case profile.ActionStatus:
			if out != nil {
				show = out.Status
			}
		case profile.ActionError:
			if out != nil {
				show = out.Error
			}
		}
		handlers[push.Key] = remote.HandlerFunc(func(_ context.Context, args []any) error {
			if show != nil {
				show(push.Render(args))
			}
			return nil
		})
	}
	return handlers
}
