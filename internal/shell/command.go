package shell

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/antonkrylov/xlink/internal/console"
	"github.com/antonkrylov/xlink/internal/keyboard"
)

// Command is one shell command.
type Command struct {
	Name string
	// Usage follows the name in the usage line, e.g. "<duration>".
	Usage string
	Short string
	// Flags declares the command's flags.
	Flags func(fs *pflag.FlagSet)
	// Args validates positional arguments after flag parsing.
	Args ArgsValidator
	// DisableFlags passes every word through as an argument so values such
	// as "-5" reach the command untouched. -h and --help still print help.
	DisableFlags bool
	// Blocking holds the prompt until the command finished.
	Blocking bool
	// CaptureKeyboard hands the command a key source for its lifetime.
	// It implies Blocking.
	CaptureKeyboard bool
	Run func(ctx context.Context, inv *Invocation) error
}

// Invocation carries what one run of a command needs.
type Invocation struct {
	Command *Command
	Args    []string
	Flags   *pflag.FlagSet
	// Keys is set for commands that capture the keyboard.
	Keys  KeySource
	shell *Shell
}

func (inv *Invocation) Shell() *Shell        { return inv.shell }
func (inv *Invocation) Out() *console.Output { return inv.shell.out }
func (inv *Invocation) Registry() *Registry  { return inv.shell.reg }

// Printf prints a plain line.
func (inv *Invocation) Printf(format string, args ...any) {
	inv.shell.out.Print(fmt.Sprintf(format, args...))
}

// KeySource yields key events. *keyboard.Listener implements it.
type KeySource interface {
	Next(ctx context.Context) (keyboard.Event, error)
	Close() error
}

// UsageLine renders "usage: name args".
func (c *Command) UsageLine() string {
	if c.Usage == "" {
		return "usage: " + c.Name
	}
	return "usage: " + c.Name + " " + c.Usage
}

func (c *Command) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(c.Name, pflag.ContinueOnError)
	fs.Usage = func() {}
	fs.SetOutput(io.Discard)
	if c.Flags != nil {
		c.Flags(fs)
	}
	return fs
}

// HelpText is the full help shown for -h.
func (c *Command) HelpText() string {
	var b strings.Builder
	b.WriteString(c.UsageLine())
	if c.Short != "" {
		b.WriteString("\n\n")
		b.WriteString(c.Short)
	}
	if fu := c.flagSet().FlagUsages(); fu != "" {
		b.WriteString("\n\nflags:\n")
		b.WriteString(strings.TrimRight(fu, "\n"))
	}
	return b.String()
}

// ArgsValidator checks positional arguments.
type ArgsValidator func(args []string) error

func NoArgs(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("accepts no arguments, received %d", len(args))
	}
	return nil
}

func ExactArgs(n int) ArgsValidator {
	return func(args []string) error {
		if len(args) != n {
			return fmt.Errorf("accepts %d arg(s), received %d", n, len(args))
		}
		return nil
	}
}

func RangeArgs(min, max int) ArgsValidator {
	return func(args []string) error {
		if len(args) < min || len(args) > max {
			return fmt.Errorf("accepts between %d and %d arg(s), received %d", min, max, len(args))
		}
		return nil
	}
}

func MinimumArgs(n int) ArgsValidator {
	return func(args []string) error {
		if len(args) < n {
			return fmt.Errorf("requires at least %d arg(s), only received %d", n, len(args))
		}
		return nil
	}
}

// Registry is the fixed command table of a shell.
type Registry struct {
	cmds map[string]*Command
}

// NewRegistry indexes cmds by name. Names must be unique and must not
// shadow the words that end a session.
func NewRegistry(cmds ...*Command) (*Registry, error) {
	r := &Registry{cmds: make(map[string]*Command, len(cmds))}
	for _, c := range cmds {
		if c == nil {
			continue
		}
		switch {
		case c.Name == "" || strings.ContainsAny(c.Name, " \t"):
			return nil, fmt.Errorf("invalid command name %q", c.Name)
		case isExitWord(c.Name):
			return nil, fmt.Errorf("command name %q is reserved", c.Name)
		case c.Run == nil:
			return nil, fmt.Errorf("command %q has no Run", c.Name)
		}
		if _, dup := r.cmds[c.Name]; dup {
			return nil, fmt.Errorf("command %q registered twice", c.Name)
		}
		r.cmds[c.Name] = c
	}
	return r, nil
}

// MustRegistry is NewRegistry for static tables.
func MustRegistry(cmds ...*Command) *Registry {
	r, err := NewRegistry(cmds...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Lookup(name string) (*Command, bool) {
	c, ok := r.cmds[name]
	return c, ok
}

// Commands returns every command sorted by name.
func (r *Registry) Commands() []*Command {
	out := make([]*Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the command names, sorted.
func (r *Registry) Names() []string {
	cmds := r.Commands()
	names := make([]string, len(cmds))
	for i, c := range cmds {
		names[i] = c.Name
	}
	return names
}

func isExitWord(w string) bool {
	switch w {
	case "exit", "quit", "EOF":
		return true
	}
	return false
}
