package shell

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/antonkrylov/xlink/internal/client"
	"github.com/antonkrylov/xlink/internal/console"
	"github.com/antonkrylov/xlink/internal/keyboard"
	"github.com/antonkrylov/xlink/internal/profile"
	"github.com/antonkrylov/xlink/internal/sim"
	"github.com/antonkrylov/xlink/internal/transport"
)

type counter struct {
	x atomic.Int64
}

func (c *counter) commands() []*Command {
	return []*Command{
		{
			Name:     "increment",
			Short:    "Increment once",
			Args:     NoArgs,
			Blocking: true,
			Run: func(context.Context, *Invocation) error {
				c.x.Add(1)
				return nil
			},
		},
		{
			Name:     "increment_by",
			Usage:    "<n>",
			Short:    "Increment n times",
			Args:     ExactArgs(1),
			Blocking: true,
			Run: func(_ context.Context, inv *Invocation) error {
				n, err := strconv.Atoi(inv.Args[0])
				if err != nil {
					return Errorf("n: %v", err)
				}
				c.x.Add(int64(n))
				return nil
			},
		},
		{
			Name:  "big_alert",
			Short: "Print many alerts",
			Args:  NoArgs,
			Run: func(_ context.Context, inv *Invocation) error {
				for range 100 {
					inv.Out().Print("alert")
				}
				return nil
			},
		},
		{
			Name:     "error",
			Short:    "Print an error",
			Blocking: true,
			Run: func(context.Context, *Invocation) error {
				return Errorf("Oops")
			},
		},
		{
			Name:     "panic",
			Short:    "Exit in panic",
			Blocking: true,
			Run: func(context.Context, *Invocation) error {
				panic("I panicked")
			},
		},
		{
			Name:  "freeze",
			Short: "Run until cancelled",
			Run: func(ctx context.Context, _ *Invocation) error {
				<-ctx.Done()
				c.x.Store(-1)
				return ctx.Err()
			},
		},
	}
}

func newTestShell(input string, opts ...Option) (*Shell, *bytes.Buffer) {
	var buf bytes.Buffer
	out := console.New(&buf, console.WithInteractive(false))
	opts = append([]Option{WithInput(strings.NewReader(input)), WithPrompt("PROMPT-")}, opts...)
	return New(out, opts...), &buf
}

func run(t *testing.T, input string, cmds []*Command, opts ...Option) (string, error) {
	t.Helper()
	sh, buf := newTestShell(input, opts...)
	reg, err := NewRegistry(cmds...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = sh.Run(ctx, reg)
	return buf.String(), err
}

func TestRunSimpleCommand(t *testing.T) {
	c := &counter{}
	c.x.Store(17)
	if _, err := run(t, "increment\nEOF\n", c.commands()); err != nil {
		t.Fatal(err)
	}
	if got := c.x.Load(); got != 18 {
		t.Fatalf("x=%d", got)
	}
}

func TestRunCommandWithArgument(t *testing.T) {
	c := &counter{}
	c.x.Store(40)
	if _, err := run(t, "increment_by 5\nEOF\n", c.commands()); err != nil {
		t.Fatal(err)
	}
	if got := c.x.Load(); got != 45 {
		t.Fatalf("x=%d", got)
	}
}

func TestPrintToOutput(t *testing.T) {
	out, err := run(t, "big_alert\nEOF\n", (&counter{}).commands())
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Repeat("alert\n", 100) + "Exiting the shell...\n"
	if out != want {
		t.Fatalf("output=%q", out)
	}
}

func TestArgumentRejected(t *testing.T) {
	c := &counter{}
	c.x.Store(7)
	out, err := run(t, "increment 5\nEOF\n", c.commands())
	if err != nil {
		t.Fatal(err)
	}
	if got := c.x.Load(); got != 7 {
		t.Fatalf("x=%d", got)
	}
	if !strings.Contains(out, "usage: increment\n") || !strings.Contains(out, "increment: error: accepts no arguments, received 1") {
		t.Fatalf("output=%q", out)
	}
}

func TestEndOfInputWithoutExitWord(t *testing.T) {
	c := &counter{}
	if _, err := run(t, "increment\nincrement", c.commands()); err != nil {
		t.Fatal(err)
	}
	if got := c.x.Load(); got != 2 {
		t.Fatalf("x=%d", got)
	}
}

func TestExitWordsStopReading(t *testing.T) {
	for _, word := range []string{"exit", "quit", "EOF"} {
		c := &counter{}
		if _, err := run(t, word+"\nincrement\n", c.commands()); err != nil {
			t.Fatal(err)
		}
		if got := c.x.Load(); got != 0 {
			t.Fatalf("%s: x=%d", word, got)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	out, err := run(t, "frobnicate now\n\nexit\n", (&counter{}).commands())
	if err != nil {
		t.Fatal(err)
	}
	if out != "`frobnicate` is not a command\nExiting the shell...\n" {
		t.Fatalf("output=%q", out)
	}
}

func TestQuotedArguments(t *testing.T) {
	var got []string
	cmd := &Command{
		Name:         "say",
		DisableFlags: true,
		Blocking:     true,
		Run: func(_ context.Context, inv *Invocation) error {
			got = inv.Args
			return nil
		},
	}
	if _, err := run(t, "say \"hello world\" -5 'a b'\nexit\n", []*Command{cmd}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "hello world" || got[1] != "-5" || got[2] != "a b" {
		t.Fatalf("args=%q", got)
	}
}

func TestHelpFlag(t *testing.T) {
	cmd := &Command{
		Name:  "blink",
		Usage: "<times>",
		Short: "Blink the LED",
		Args:  ExactArgs(1),
		Flags: func(fs *pflag.FlagSet) {
			fs.Duration("period", time.Second, "time between blinks")
		},
		Run: func(context.Context, *Invocation) error {
			t.Errorf("help must not run the command")
			return nil
		},
	}
	out, err := run(t, "blink -h\nblink --bogus 3\nexit\n", []*Command{cmd})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"usage: blink <times>\n\nBlink the LED\n\nflags:\n", "--period duration", "blink: error: unknown flag: --bogus"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestRecoverableError(t *testing.T) {
	c := &counter{}
	out, err := run(t, "error\nincrement\nexit\n", c.commands())
	if err != nil {
		t.Fatal(err)
	}
	if out != "Oops\nExiting the shell...\n" {
		t.Fatalf("output=%q", out)
	}
	if c.x.Load() != 1 {
		t.Fatalf("session did not continue after error")
	}
}

func TestPanicEndsSession(t *testing.T) {
	c := &counter{}
	out, err := run(t, "panic\nincrement\nincrement\n", c.commands())
	if err == nil || !strings.Contains(err.Error(), "I panicked") {
		t.Fatalf("err=%v", err)
	}
	if !strings.HasPrefix(out, "An unrecoverable error has occurred: panic: task panicked: I panicked\nPress ENTER to quit.\n") {
		t.Fatalf("output=%q", out)
	}
	if !strings.HasSuffix(out, "Exiting the shell...\n") {
		t.Fatalf("output=%q", out)
	}
	// The line read after the failure only acknowledges it.
	if c.x.Load() != 0 {
		t.Fatalf("command ran after unrecoverable error")
	}
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	c := &counter{}
	if _, err := run(t, "freeze\nexit\n", c.commands()); err != nil {
		t.Fatal(err)
	}
	if c.x.Load() != -1 {
		t.Fatalf("freeze was not cancelled")
	}
}

func TestContextCancelStopsReading(t *testing.T) {
	sh := New(console.New(&bytes.Buffer{}, console.WithInteractive(false)), WithInput(blockingReader{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sh.Run(ctx, MustRegistry()) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) { select {} }

func TestScheduleAfterRunIsNoop(t *testing.T) {
	sh, _ := newTestShell("exit\n")
	if err := sh.Run(context.Background(), MustRegistry()); err != nil {
		t.Fatal(err)
	}
	if tk := sh.Schedule("late", func(context.Context) error { return nil }, nil); tk != nil {
		t.Fatalf("task scheduled after session end")
	}
}

func TestSpawnerRunsAsTask(t *testing.T) {
	sh, _ := newTestShell("exit\n")
	var wg sync.WaitGroup
	wg.Add(1)
	sh.Spawner()("push log", func(context.Context) { wg.Done() })
	wg.Wait()
	if err := sh.Run(context.Background(), MustRegistry()); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryValidation(t *testing.T) {
	noop := func(context.Context, *Invocation) error { return nil }
	cases := map[string][]*Command{
		"empty name": {{Name: "", Run: noop}},
		"space":      {{Name: "a b", Run: noop}},
		"reserved":   {{Name: "quit", Run: noop}},
		"no run":     {{Name: "idle"}},
		"duplicate":  {{Name: "x", Run: noop}, {Name: "x", Run: noop}},
	}
	for name, cmds := range cases {
		if _, err := NewRegistry(cmds...); err == nil {
			t.Fatalf("%s: accepted", name)
		}
	}
	reg, err := NewRegistry(append(Builtins(), &Command{Name: "a", Run: noop})...)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, c := range reg.Commands() {
		names = append(names, c.Name)
	}
	if strings.Join(names, ",") != "a,help,tasks,wait" {
		t.Fatalf("names=%v", names)
	}
}

func TestHelpBuiltin(t *testing.T) {
	cmds := append(Builtins(), (&counter{}).commands()...)
	out, err := run(t, "help\nhelp increment_by\nhelp nope\nexit\n", cmds)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"Commands:\n",
		"  increment_by  Increment n times\n",
		"  exit          Leave the shell",
		"usage: increment_by <n>\n\nIncrement n times\n",
		"`nope` is not a command\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestWaitBuiltin(t *testing.T) {
	waitCmd := waitCommand()
	waitCmd.Blocking = true
	out, err := run(t, "wait 30ms\nwait soon\nexit\n", []*Command{waitCmd})
	if err != nil {
		t.Fatal(err)
	}
	if out != "waited 30ms\ninvalid duration \"soon\"\nExiting the shell...\n" {
		t.Fatalf("output=%q", out)
	}
}

type fakeKeys struct {
	events chan keyboard.Event
	closed atomic.Bool
}

func newFakeKeys(keys ...string) *fakeKeys {
	f := &fakeKeys{events: make(chan keyboard.Event, len(keys))}
	for _, k := range keys {
		f.events <- keyboard.Event{Pressed: true, Key: k, At: time.Now()}
	}
	return f
}

func (f *fakeKeys) Next(ctx context.Context) (keyboard.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-ctx.Done():
		return keyboard.Event{}, ctx.Err()
	}
}

func (f *fakeKeys) Close() error {
	f.closed.Store(true)
	return nil
}

func TestKeyboardCapture(t *testing.T) {
	keys := newFakeKeys("a", "b", "esc")
	var seen []string
	cmd := &Command{
		Name:            "keys",
		CaptureKeyboard: true,
		Run: func(ctx context.Context, inv *Invocation) error {
			for {
				ev, err := inv.Keys.Next(ctx)
				if err != nil {
					return err
				}
				if ev.Key == "esc" {
					return nil
				}
				seen = append(seen, ev.Key)
			}
		},
	}
	listen := func(context.Context) (KeySource, error) { return keys, nil }
	if _, err := run(t, "keys\nexit\n", []*Command{cmd}, WithKeyboard(listen)); err != nil {
		t.Fatal(err)
	}
	if strings.Join(seen, "") != "ab" {
		t.Fatalf("seen=%v", seen)
	}
	if !keys.closed.Load() {
		t.Fatalf("key source not released")
	}
}

func TestKeyboardCaptureFailure(t *testing.T) {
	cmd := &Command{
		Name:            "keys",
		CaptureKeyboard: true,
		Run: func(context.Context, *Invocation) error {
			t.Errorf("command ran without keys")
			return nil
		},
	}
	listen := func(context.Context) (KeySource, error) { return nil, errors.New("no tty") }
	out, err := run(t, "keys\nexit\n", []*Command{cmd}, WithKeyboard(listen))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "keys: keyboard capture failed: no tty") {
		t.Fatalf("output=%q", out)
	}
}

// deviceShell wires a shell to a simulated board the way xlink does.
func deviceShell(t *testing.T, input string, keys KeySource) (string, *sim.Device, error) {
	t.Helper()
	host, board := transport.Pipe()
	dev := sim.New(sim.WithSweep(15), sim.WithReportInterval(2*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- dev.Serve(ctx, board) }()

	opts := []Option{}
	if keys != nil {
		opts = append(opts, WithKeyboard(func(context.Context) (KeySource, error) { return keys, nil }))
	}
	sh, buf := newTestShell(input, opts...)
	sess := client.Attach(host, "pipe", profile.Default(), client.Options{Output: sh.Output(), Spawner: sh.Spawner()})
	cmds := DeviceCommands(sess)
	for _, c := range cmds {
		c.Blocking = true
	}
	reg := MustRegistry(append(Builtins(), cmds...)...)
	sh.Schedule("receive loop", sess.Run, nil)
	err := sh.Run(ctx, reg)

	_ = board.Close()
	if serr := <-served; serr != nil {
		t.Errorf("serve: %v", serr)
	}
	return buf.String(), dev, err
}

func TestDeviceCall(t *testing.T) {
	out, dev, err := deviceShell(t, strings.Join([]string{
		"call ping",
		"call double_u8 21",
		"call identity_i64 -5",
		"call add_f64 1.5 2",
		"call double_u8 300",
		"call fail",
		"call nothing",
		"call set_led true",
		"exit",
	}, "\n")+"\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"ping = \"pong\"\n",
		"double_u8 = 42\n",
		"identity_i64 = -5\n",
		"add_f64 = 3.5\n",
		"usage: call double_u8 <value:u8>",
		"fail: device fault 1: requested failure\n",
		"`nothing` is not a call of profile demo",
		"set_led = true\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if !dev.LED() {
		t.Fatalf("led not switched")
	}
}

func TestDeviceCalls(t *testing.T) {
	out, _, err := deviceShell(t, "calls\nexit\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Profile demo:\n") || !strings.Contains(out, "set_position <setpoint:f64>\n      Move the actuator") {
		t.Fatalf("output=%q", out)
	}
	if !strings.Contains(out, "Handled pushes: heartbeat, log, tracker_report, warn\n") {
		t.Fatalf("pushes missing from %q", out)
	}
}

func TestDeviceTrack(t *testing.T) {
	out, _, err := deviceShell(t, "track --idle 100ms --limit 3\ntrack --limit 0\nexit\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, "15 measures\n") != 2 {
		t.Fatalf("output=%q", out)
	}
	if !strings.Contains(out, "TIMESTAMP") {
		t.Fatalf("no table in %q", out)
	}
}

func TestDeviceJog(t *testing.T) {
	keys := newFakeKeys("right", "right", "right", "left", "enter", "esc")
	out, dev, err := deviceShell(t, "jog set_position\njog echo\nexit\n", keys)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(dev.Position()-0.1) > 1e-9 {
		t.Fatalf("position=%v output=%q", dev.Position(), out)
	}
	if !strings.Contains(out, "set_position(0.100) = 0.1") || dev.Served() != 1 {
		t.Fatalf("output=%q", out)
	}
	if !strings.Contains(out, "jog needs a call taking one f64, echo <text:string>") {
		t.Fatalf("output=%q", out)
	}
}

func TestFormatValue(t *testing.T) {
	cases := map[string]any{
		"(none)":           nil,
		`"hi"`:             "hi",
		"0x0aff":           []byte{0x0a, 0xff},
		"2.5":              2.5,
		"-3":               int64(-3),
		"7":                uint64(7),
		`[1, "x", (none)]`: []any{uint64(1), "x", nil},
		"true":             true,
	}
	for want, v := range cases {
		if got := FormatValue(v); got != want {
			t.Fatalf("FormatValue(%#v)=%q want %q", v, got, want)
		}
	}
}

func TestUnknownCommandSuggestion(t *testing.T) {
	out, err := run(t, "incremnt\nincrement_bi 2\nexit\n", (&counter{}).commands())
	if err != nil {
		t.Fatal(err)
	}
	want := "`incremnt` is not a command (did you mean `increment`?)\n" +
		"`increment_bi` is not a command (did you mean `increment_by`?)\n" +
		"Exiting the shell...\n"
	if out != want {
		t.Fatalf("output=%q", out)
	}
}

func TestClosest(t *testing.T) {
	names := []string{"call", "calls", "help", "jog", "tasks", "track", "wait"}
	cases := map[string]string{
		"cal":    "call",
		"trak":   "track",
		"taks":   "tasks",
		"zzzzzz": "",
		"x":      "",
	}
	for word, want := range cases {
		if got := closest(word, names); got != want {
			t.Fatalf("closest(%q)=%q want %q", word, got, want)
		}
	}
}
