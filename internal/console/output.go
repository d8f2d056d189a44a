// Package console serialises everything the shell prints. Lines from
// concurrent tasks never interleave, the prompt is redrawn after each line,
// and at most one animated banner is kept below the prompt.
package console

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Style selects how a line is rendered on an interactive terminal.
type Style int

const (
	StylePlain Style = iota
	StyleError
	StyleHelp
	StyleStatus
)

func (s Style) String() string {
	switch s {
	case StyleError:
		return "error"
	case StyleHelp:
		return "help"
	case StyleStatus:
		return "status"
	default:
		return "plain"
	}
}

// ParseStyle is the inverse of Style.String. Unknown names are plain.
func ParseStyle(name string) Style {
	switch name {
	case "error":
		return StyleError
	case "help":
		return StyleHelp
	case "status":
		return StyleStatus
	default:
		return StylePlain
	}
}

// ErrBannerActive is returned when a banner is requested while another one
// is still installed.
var ErrBannerActive = errors.New("a banner is already active")

const (
	clearLine    = "\r\033[2K"
	clearBelow   = "\r\033[J"
	lineUp       = "\033[F"
	saveCursor   = "\0337"
	restore      = "\0338"
	cursorDown   = "\033[B"
	defaultWidth = 80
)

// Option configures an Output.
type Option func(*Output)

// WithInteractive forces interactive rendering on or off. By default it is
// on when the writer is a terminal.
func WithInteractive(on bool) Option {
	return func(o *Output) { o.interactive = on }
}

// WithWidth overrides terminal width detection.
func WithWidth(fn func() int) Option {
	return func(o *Output) {
		if fn != nil {
			o.width = fn
		}
	}
}

// WithTee registers a hook that sees every logged line, unstyled.
func WithTee(fn func(Style, string)) Option {
	return func(o *Output) { o.tee = fn }
}

// Output is the single writer for a shell session.
type Output struct {
	mu          sync.Mutex
	w           io.Writer
	interactive bool
	width       func() int
	tee         func(Style, string)
	styles      map[Style]lipgloss.Style

	prompt      string
	promptShown bool
	banner      *Banner
}

// New wraps w.
func New(w io.Writer, opts ...Option) *Output {
	o := &Output{w: w, interactive: isTerminal(w)}
	o.width = func() int { return TerminalWidth(w) }
	for _, opt := range opts {
		opt(o)
	}
	r := lipgloss.NewRenderer(w)
	o.styles = map[Style]lipgloss.Style{
		StylePlain:  r.NewStyle(),
		StyleError:  r.NewStyle().Foreground(lipgloss.Color("9")),
		StyleHelp:   r.NewStyle().Foreground(lipgloss.Color("10")),
		StyleStatus: r.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
	}
	return o
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the column count of w, or 80 when w is not a terminal.
func TerminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
			return cols
		}
	}
	return defaultWidth
}

// Interactive reports whether prompt and banner rendering is enabled.
func (o *Output) Interactive() bool { return o.interactive }

// Width returns the current terminal width.
func (o *Output) Width() int {
	if w := o.width(); w > 0 {
		return w
	}
	return defaultWidth
}

// Log writes msg as one line in the given style. A message with embedded
// newlines is written as a block no other line can split.
func (o *Output) Log(msg string, style Style) {
	msg = strings.TrimRight(msg, "\n")
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.tee != nil {
		o.tee(style, msg)
	}
	if !o.interactive {
		_, _ = io.WriteString(o.w, msg+"\n")
		return
	}
	var b strings.Builder
	b.WriteString(clearBelow)
	// Styled per line: lipgloss pads multi-line blocks to a common width.
	for _, line := range strings.Split(msg, "\n") {
		b.WriteString(o.styles[style].Render(line))
		b.WriteString("\n")
	}
	o.layoutLocked(&b)
	_, _ = io.WriteString(o.w, b.String())
}

func (o *Output) Print(msg string)  { o.Log(msg, StylePlain) }
func (o *Output) Error(msg string)  { o.Log(msg, StyleError) }
func (o *Output) Help(msg string)   { o.Log(msg, StyleHelp) }
func (o *Output) Status(msg string) { o.Log(msg, StyleStatus) }

// layoutLocked draws the banner below the current line and the prompt on
// it. The cursor is expected at column zero of the current line.
func (o *Output) layoutLocked(b *strings.Builder) {
	if o.banner != nil {
		b.WriteString("\n")
		b.WriteString(clearLine)
		b.WriteString(o.banner.render(o.Width()))
		b.WriteString(lineUp)
	}
	if o.promptShown {
		b.WriteString(clearLine)
		b.WriteString(o.prompt)
	}
}

// SetPrompt changes the prompt text.
func (o *Output) SetPrompt(p string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompt = p
}

// ShowPrompt draws the prompt and keeps redrawing it after every line until
// InputDone is called.
func (o *Output) ShowPrompt() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.promptShown = true
	if !o.interactive {
		return
	}
	_, _ = io.WriteString(o.w, clearLine+o.prompt)
}

// InputDone tells the output a line was submitted. The terminal echoed the
// newline, so the banner is moved below the new cursor line.
func (o *Output) InputDone() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.promptShown = false
	if !o.interactive {
		return
	}
	var b strings.Builder
	b.WriteString(clearBelow)
	o.layoutLocked(&b)
	_, _ = io.WriteString(o.w, b.String())
}

// Writer returns an io.Writer that logs each complete line it receives.
// It is meant for log handlers.
func (o *Output) Writer() io.Writer {
	return &lineWriter{o: o}
}

type lineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	o   *Output
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			rest := []byte(line)
			w.buf.Reset()
			w.buf.Write(rest)
			break
		}
		w.o.Log(strings.TrimSuffix(line, "\n"), StylePlain)
	}
	return len(p), nil
}
