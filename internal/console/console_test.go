package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/xlink/internal/task"
)

type safeBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestPlainOutputWritesLines(t *testing.T) {
	var out safeBuffer
	o := New(&out, WithInteractive(false))
	o.SetPrompt("[xlink] > ")
	o.ShowPrompt()
	o.Print("hello")
	o.Error("bad")
	o.Status("Exiting the shell...")
	o.InputDone()

	if got := out.String(); got != "hello\nbad\nExiting the shell...\n" {
		t.Fatalf("out=%q", got)
	}
}

func TestConcurrentLinesNeverInterleave(t *testing.T) {
	var out safeBuffer
	o := New(&out, WithInteractive(false))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				o.Print(fmt.Sprintf("g%d-line%d-%s", g, i, strings.Repeat("x", 64)))
			}
		}(g)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 400 {
		t.Fatalf("lines=%d", len(lines))
	}
	for _, l := range lines {
		if !strings.HasSuffix(l, strings.Repeat("x", 64)) || strings.Count(l, "line") != 1 {
			t.Fatalf("torn line %q", l)
		}
	}
}

func TestInteractiveLogRedrawsPrompt(t *testing.T) {
	var out safeBuffer
	o := New(&out, WithInteractive(true), WithWidth(func() int { return 40 }))
	o.SetPrompt("> ")
	o.ShowPrompt()
	o.Print("alert")

	got := out.String()
	want := clearLine + "> " + clearBelow + "alert\n" + clearLine + "> "
	if got != want {
		t.Fatalf("out=%q want=%q", got, want)
	}
}

func TestSecondBannerRejectedUntilFirstCloses(t *testing.T) {
	var out safeBuffer
	o := New(&out, WithInteractive(false))

	first, err := o.Banner(RenderFunc(func(int) string { return "one" }), time.Millisecond)
	if err != nil {
		t.Fatalf("first banner: %v", err)
	}
	if _, err := o.Banner(RenderFunc(func(int) string { return "two" }), time.Millisecond); !errors.Is(err, ErrBannerActive) {
		t.Fatalf("second banner err=%v", err)
	}
	first.Close()
	first.Close()
	if o.BannerActive() {
		t.Fatalf("banner still active after close")
	}

	again, err := o.Banner(RenderFunc(func(int) string { return "three" }), time.Millisecond)
	if err != nil {
		t.Fatalf("banner after close: %v", err)
	}
	again.Close()
}

func TestWithBannerRemovesOnPanic(t *testing.T) {
	o := New(&safeBuffer{}, WithInteractive(false))

	func() {
		defer func() { _ = recover() }()
		_ = o.WithBanner(context.Background(), NewSpinner("boom"), time.Millisecond, func(context.Context) error {
			panic("inside banner")
		})
	}()
	if o.BannerActive() {
		t.Fatalf("banner leaked after panic")
	}

	boom := errors.New("fail")
	err := o.WithBanner(context.Background(), NewSpinner("x"), time.Millisecond, func(context.Context) error { return boom })
	if !errors.Is(err, boom) || o.BannerActive() {
		t.Fatalf("err=%v active=%v", err, o.BannerActive())
	}
}

func TestWithBannerRemovedWhenTaskCancelled(t *testing.T) {
	o := New(&safeBuffer{}, WithInteractive(false))
	sched := task.New()
	installed := make(chan struct{})
	tk := sched.Schedule("wait", func(ctx context.Context) error {
		return o.WithBanner(ctx, NewProgressBar("waiting"), time.Millisecond, func(ctx context.Context) error {
			close(installed)
			<-ctx.Done()
			return ctx.Err()
		})
	}, nil)
	<-installed
	if !o.BannerActive() {
		t.Fatalf("banner not installed")
	}

	sched.Shutdown()
	if tk.State() != task.Cancelled {
		t.Fatalf("state=%v", tk.State())
	}
	if o.BannerActive() {
		t.Fatalf("banner leaked after cancellation")
	}
	b, err := o.Banner(NewSpinner("next"), time.Millisecond)
	if err != nil {
		t.Fatalf("banner after cancellation: %v", err)
	}
	b.Close()
}

func TestWithBannerRejectsNested(t *testing.T) {
	o := New(&safeBuffer{}, WithInteractive(false))
	err := o.WithBanner(context.Background(), NewSpinner("outer"), time.Millisecond, func(ctx context.Context) error {
		return o.WithBanner(ctx, NewSpinner("inner"), time.Millisecond, func(context.Context) error { return nil })
	})
	if !errors.Is(err, ErrBannerActive) {
		t.Fatalf("err=%v", err)
	}
}

func TestInteractiveBannerIsRedrawnAndCleared(t *testing.T) {
	var out safeBuffer
	o := New(&out, WithInteractive(true), WithWidth(func() int { return 30 }))
	var mu sync.Mutex
	n := 0
	b, err := o.Banner(RenderFunc(func(int) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("tick%d", n)
	}), 2*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(out.String(), "tick3") {
		if time.Now().After(deadline) {
			t.Fatalf("banner not redrawn: %q", out.String())
		}
		time.Sleep(time.Millisecond)
	}
	o.Print("line")
	b.Close()

	got := out.String()
	if !strings.Contains(got, clearBelow+"line\n\n"+clearLine+"tick") {
		t.Fatalf("banner not drawn below logged line: %q", got)
	}
	if !strings.HasSuffix(got, saveCursor+cursorDown+clearLine+restore) {
		t.Fatalf("banner not cleared: %q", got)
	}
}

func TestTeeSeesUnstyledLines(t *testing.T) {
	var seen []string
	o := New(&safeBuffer{}, WithInteractive(true), WithTee(func(s Style, msg string) {
		seen = append(seen, s.String()+":"+msg)
	}))
	o.Error("oops")
	o.Help("usage")
	if strings.Join(seen, ",") != "error:oops,help:usage" {
		t.Fatalf("seen=%v", seen)
	}
}

func TestWriterSplitsLinesForSlog(t *testing.T) {
	var out safeBuffer
	o := New(&out, WithInteractive(false))
	logger := slog.New(slog.NewTextHandler(o.Writer(), &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
	logger.Info("device connected", "port", "/dev/ttyUSB0")

	w := o.Writer()
	_, _ = w.Write([]byte("part"))
	_, _ = w.Write([]byte("ial\nnext\n"))

	want := "level=INFO msg=\"device connected\" port=/dev/ttyUSB0\npartial\nnext\n"
	if got := out.String(); got != want {
		t.Fatalf("out=%q", got)
	}
}

func TestProgressBarRender(t *testing.T) {
	p := NewProgressBar("load")
	p.Set(0.5)
	line := p.Render(40)
	if !strings.HasPrefix(line, "| load |") {
		t.Fatalf("line=%q", line)
	}
	p.Set(1.5)
	if line := p.Render(40); !strings.HasSuffix(line, "OVERFLOW >>") || len([]rune(line)) != 40 {
		t.Fatalf("overflow=%q", line)
	}
	p.Set(-0.1)
	if line := p.Render(40); line != "| load | << UNDERFLOW" {
		t.Fatalf("underflow=%q", line)
	}
	if p.Value() != -0.1 {
		t.Fatalf("value=%v", p.Value())
	}
}

func TestTwoWayBarRender(t *testing.T) {
	b := NewTwoWayBar("pos")
	// The prefix is 7 columns, so the origin is (27-7)/2 = 10.
	b.Set(0.5)
	if got := b.Render(27); got != "| pos |"+pad(10)+"│"+strings.Repeat("█", 5) {
		t.Fatalf("right=%q", got)
	}
	b.Set(-0.5)
	if got := b.Render(27); got != "| pos |"+pad(5)+strings.Repeat("█", 5)+"│" {
		t.Fatalf("left=%q", got)
	}
	b.Set(-2)
	if got := b.Render(27); !strings.HasPrefix(got, "| pos |<< OVERFLOW") {
		t.Fatalf("under=%q", got)
	}
	b.Set(2)
	if got := b.Render(27); !strings.HasSuffix(got, "OVERFLOW >>") {
		t.Fatalf("over=%q", got)
	}
}

func TestSpinnerCyclesFrames(t *testing.T) {
	s := NewSpinner("wait")
	a := s.Render(20)
	b := s.Render(20)
	if a == b {
		t.Fatalf("spinner did not advance: %q", a)
	}
	if !strings.HasPrefix(a, "| wait |") || len([]rune(a)) != 20 {
		t.Fatalf("frame=%q", a)
	}
	for i := 0; i < len(BarFrames.Frames)-1; i++ {
		s.Render(20)
	}
	if got := s.Render(20); got != b {
		t.Fatalf("spinner did not wrap: %q vs %q", got, b)
	}
}

func TestParseStyleRoundTrip(t *testing.T) {
	for _, s := range []Style{StylePlain, StyleError, StyleHelp, StyleStatus} {
		if got := ParseStyle(s.String()); got != s {
			t.Fatalf("ParseStyle(%q)=%v", s.String(), got)
		}
	}
	if ParseStyle("loud") != StylePlain {
		t.Fatalf("unknown style not plain")
	}
}
