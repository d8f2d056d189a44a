// Package telemetry mirrors tracker measures into NATS JetStream so other
// tools can follow a device while the shell runs.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/xlink/internal/tracker"
)

// Event is the published form of a measure.
type Event struct {
	Device    string    `cbor:"1,keyasint"`
	Seq       uint64    `cbor:"2,keyasint"`
	Measure   Measure   `cbor:"3,keyasint"`
	EmittedAt time.Time `cbor:"4,keyasint"`
}

type Measure struct {
	Timestamp uint64 `cbor:"1,keyasint"`
	Left      int64  `cbor:"2,keyasint"`
	Right     int64  `cbor:"3,keyasint"`
}

// Mirror publishes measures. A nil *Mirror discards them.
type Mirror struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	opts    *Options
	logger  *slog.Logger
	session string
	seq     atomic.Uint64
	failed  atomic.Uint64
}

// Connect dials the configured server and makes sure the stream exists.
// It returns a nil Mirror when opts is not enabled.
func Connect(ctx context.Context, opts *Options, session string) (*Mirror, error) {
	if !opts.Enabled() {
		return nil, nil
	}
	cfg := *opts
	cfg.setDefaults()
	natsOpts := []nats.Option{nats.Name("xlink-" + cfg.Device)}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry connect %s: %w", cfg.URL, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	m := &Mirror{
		conn:    conn,
		js:      js,
		opts:    &cfg,
		logger:  cfg.Logger,
		session: session,
	}
	if err := m.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("telemetry stream %s: %w", cfg.Stream, err)
	}
	return m, nil
}

func (m *Mirror) ensureStream(ctx context.Context) error {
	cfg := &nats.StreamConfig{
		Name:       m.opts.Stream,
		Subjects:   []string{wildcard(m.opts.Subject)},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   m.opts.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: m.opts.DupeWindow,
	}
	if _, err := m.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := m.js.AddStream(cfg, nats.Context(ctx))
			return addErr
		}
		return err
	}
	_, err := m.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

// Measure publishes one measure and waits for the stream to acknowledge it.
// Failures are logged and counted. The tracker calls it from its own
// forwarding goroutine, never from the receive loop.
func (m *Mirror) Measure(meas tracker.Measure) {
	if m == nil {
		return
	}
	if err := m.publish(meas); err != nil {
		m.failed.Add(1)
		m.logger.Warn("telemetry publish failed", "device", m.opts.Device, "err", err)
	}
}

func (m *Mirror) publish(meas tracker.Measure) error {
	seq := m.seq.Add(1)
	payload, err := cbor.Marshal(Event{
		Device:    m.opts.Device,
		Seq:       seq,
		Measure:   Measure(meas),
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = m.js.Publish(Subject(m.opts.Subject, m.opts.Device), payload, nats.MsgId(msgID(m.session, seq)))
	return err
}

// msgID keys JetStream deduplication. Sessions are uuids, so ids from
// different sessions never collide.
func msgID(session string, seq uint64) string {
	return fmt.Sprintf("%s-%d", session, seq)
}

// Failed returns how many publishes failed.
func (m *Mirror) Failed() uint64 {
	if m == nil {
		return 0
	}
	return m.failed.Load()
}

// Replay delivers every stored measure for the mirror's device to fn, oldest
// first, and returns once the stream has no more.
func (m *Mirror) Replay(ctx context.Context, fn func(Event) error) error {
	if m == nil {
		return nil
	}
	sub, err := m.js.PullSubscribe(
		Subject(m.opts.Subject, m.opts.Device),
		"",
		nats.BindStream(m.opts.Stream),
		nats.DeliverAll(),
		nats.AckExplicit(),
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := sub.Fetch(64, nats.MaxWait(500*time.Millisecond))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
		for _, msg := range msgs {
			evt, err := DecodeEvent(msg.Data)
			if err != nil {
				m.logger.Error("telemetry replay decode", "err", err)
				_ = msg.Ack()
				continue
			}
			if err := fn(evt); err != nil {
				return err
			}
			_ = msg.Ack()
		}
		if len(msgs) == 0 {
			return nil
		}
	}
}

// Close drains pending publishes and disconnects.
func (m *Mirror) Close() {
	if m == nil || m.conn == nil {
		return
	}
	m.conn.Drain()
	m.conn.Close()
}

// DecodeEvent parses a published payload.
func DecodeEvent(data []byte) (Event, error) {
	var evt Event
	if err := cbor.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode measure event: %w", err)
	}
	return evt, nil
}

// Subject returns the subject measures of device are published on.
func Subject(prefix, device string) string {
	return fmt.Sprintf("%s.%s.measure", prefix, token(device))
}

func wildcard(prefix string) string {
	return prefix + ".*.measure"
}

// token makes name usable as a single subject token.
func token(name string) string {
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, name)
}
