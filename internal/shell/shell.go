// Package shell is the interactive command loop. Each command runs as a
// task so device calls can overlap; output from every task goes through one
// console.Output.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"

	"github.com/antonkrylov/xlink/internal/console"
	"github.com/antonkrylov/xlink/internal/keyboard"
	"github.com/antonkrylov/xlink/internal/remote"
	"github.com/antonkrylov/xlink/internal/task"
)

const DefaultPrompt = "[shell] > "

// Error is a recoverable command failure: it is printed and the session
// goes on. Any other error a command returns ends the session.
type Error struct {
	err error
}

// Errorf formats a recoverable error. %w is supported.
func Errorf(format string, args ...any) *Error {
	return &Error{err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// Option configures a Shell.
type Option func(*Shell)

func WithPrompt(p string) Option {
	return func(s *Shell) { s.prompt = p }
}

// WithInput reads command lines from r instead of standard input.
func WithInput(r io.Reader) Option {
	return func(s *Shell) { s.in = bufio.NewReader(r) }
}

// WithKeyboard replaces how key capture is started for commands that
// request it.
func WithKeyboard(fn func(ctx context.Context) (KeySource, error)) Option {
	return func(s *Shell) {
		if fn != nil {
			s.listen = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Shell) {
		if l != nil {
			s.logger = l
		}
	}
}

type Shell struct {
	out    *console.Output
	in     *bufio.Reader
	prompt string
	logger *slog.Logger
	listen func(ctx context.Context) (KeySource, error)
	sched  *task.Scheduler
	reg    *Registry

	mu     sync.Mutex
	halted bool
	ending bool
	fatal  error
}

// New creates a shell writing to out. Its scheduler exists from the start so
// background work such as the receive loop can be scheduled before Run.
func New(out *console.Output, opts ...Option) *Shell {
	s := &Shell{
		out:    out,
		in:     bufio.NewReader(os.Stdin),
		prompt: DefaultPrompt,
		logger: slog.Default(),
		listen: listenKeyboard,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sched = task.New(task.WithLogger(s.logger), task.WithFinish(s.finished))
	return s
}

func listenKeyboard(ctx context.Context) (KeySource, error) {
	return keyboard.Listen(ctx)
}

func (s *Shell) Output() *console.Output    { return s.out }
func (s *Shell) Scheduler() *task.Scheduler { return s.sched }

// Schedule runs fn as a task of this session. It returns nil once the
// session is ending.
func (s *Shell) Schedule(name string, fn task.Func, cleanup func()) *task.Task {
	return s.sched.Schedule(name, fn, cleanup)
}

// Spawner runs device push handlers as session tasks.
func (s *Shell) Spawner() remote.Spawner {
	return func(name string, fn func(ctx context.Context)) {
		s.sched.Schedule(name, func(ctx context.Context) error {
			fn(ctx)
			return nil
		}, nil)
	}
}

// Run reads and executes command lines until exit, end of input, ctx
// cancellation or an unrecoverable command error. All tasks are drained
// before it returns. The returned error is the unrecoverable one, if any.
func (s *Shell) Run(ctx context.Context, reg *Registry) error {
	s.reg = reg
	s.out.SetPrompt(s.prompt)
	for {
		s.out.ShowPrompt()
		line, err := s.readLine(ctx)
		s.out.InputDone()
		if s.stopped() {
			break
		}
		if line != "" && s.execute(ctx, line) {
			break
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.halt(fmt.Errorf("read command: %w", err))
			}
			break
		}
	}

	s.mu.Lock()
	s.halted = true
	s.ending = true
	s.mu.Unlock()
	s.sched.Shutdown()
	s.out.Status("Exiting the shell...")

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

type lineResult struct {
	line string
	err  error
}

// readLine returns the next input line. Input is only read while a line is
// awaited, so a command capturing the keyboard owns the terminal.
func (s *Shell) readLine(ctx context.Context) (string, error) {
	ch := make(chan lineResult, 1)
	go func() {
		line, err := s.in.ReadString('\n')
		ch <- lineResult{line, err}
	}()
	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// execute runs one line and reports whether it ended the session.
func (s *Shell) execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	words, err := shellquote.Split(line)
	if err != nil {
		s.out.Error(fmt.Sprintf("cannot parse line: %v", err))
		return false
	}
	if len(words) == 0 {
		return false
	}
	if isExitWord(words[0]) {
		return true
	}
	cmd, ok := s.reg.Lookup(words[0])
	if !ok {
		s.out.Error(fmt.Sprintf("`%s` is not a command%s", words[0], didYouMean(words[0], s.reg.Names())))
		return false
	}
	s.invoke(ctx, cmd, words[1:])
	return false
}

func (s *Shell) invoke(ctx context.Context, cmd *Command, args []string) {
	inv, ok := s.prepare(cmd, args)
	if !ok {
		return
	}

	var cleanup func()
	if cmd.CaptureKeyboard {
		if os.Getenv("TERM") == "" && s.out.Interactive() {
			s.out.Status("The terminal type is unknown; key capture may not work.")
		}
		keys, err := s.listen(ctx)
		if err != nil {
			s.out.Error(fmt.Sprintf("%s: keyboard capture failed: %v", cmd.Name, err))
			return
		}
		inv.Keys = keys
		cleanup = func() {
			if err := keys.Close(); err != nil {
				s.logger.Warn("keyboard release failed", "command", cmd.Name, "err", err)
			}
		}
	}

	t := s.sched.Schedule(cmd.Name, func(ctx context.Context) error {
		return cmd.Run(ctx, inv)
	}, cleanup)
	if t == nil {
		if cleanup != nil {
			cleanup()
		}
		return
	}
	if cmd.Blocking || cmd.CaptureKeyboard {
		select {
		case <-t.Done():
		case <-ctx.Done():
		}
	}
}

// prepare parses flags and validates arguments, printing help or the
// reason for rejection itself.
func (s *Shell) prepare(cmd *Command, args []string) (*Invocation, bool) {
	fs := cmd.flagSet()
	rest := args
	if cmd.DisableFlags {
		if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
			s.out.Help(cmd.HelpText())
			return nil, false
		}
	} else {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				s.out.Help(cmd.HelpText())
				return nil, false
			}
			s.argError(cmd, err)
			return nil, false
		}
		rest = fs.Args()
	}
	if cmd.Args != nil {
		if err := cmd.Args(rest); err != nil {
			s.argError(cmd, err)
			return nil, false
		}
	}
	return &Invocation{Command: cmd, Args: rest, Flags: fs, shell: s}, true
}

func (s *Shell) argError(cmd *Command, err error) {
	s.out.Error(cmd.UsageLine())
	s.out.Error(fmt.Sprintf("%s: error: %v", cmd.Name, err))
}

// finished is the scheduler's finish hook.
func (s *Shell) finished(t *task.Task, err error) {
	if err == nil || t.State() == task.Cancelled {
		return
	}
	var serr *Error
	if errors.As(err, &serr) {
		s.out.Error(serr.Error())
		return
	}
	s.logger.Debug("task failed", "task", t.Name(), "err", err)
	s.halt(fmt.Errorf("%s: %w", t.Name(), err))
}

// halt records an unrecoverable error. The session ends at the next input.
func (s *Shell) halt(err error) {
	s.mu.Lock()
	first := s.fatal == nil
	if first {
		s.fatal = err
	}
	ending := s.ending
	s.halted = true
	s.mu.Unlock()

	msg, _, _ := strings.Cut(err.Error(), "\n")
	s.out.Error("An unrecoverable error has occurred: " + msg)
	if first && !ending {
		s.out.Status("Press ENTER to quit.")
	}
}

func (s *Shell) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}
