package console

import (
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
)

func prefix(text string) string { return "| " + text + " |" }

func pad(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(" ", n)
}

// ProgressBar renders "| text |█████░░░░" for a fraction in [0, 1]. Values
// outside that range render as an overflow or underflow marker.
type ProgressBar struct {
	Text string

	mu    sync.Mutex
	value float64
	bar   progress.Model
}

// NewProgressBar creates a bar labelled text.
func NewProgressBar(text string) *ProgressBar {
	return &ProgressBar{
		Text: text,
		bar:  progress.New(progress.WithoutPercentage(), progress.WithSolidFill("12")),
	}
}

// Set updates the fraction shown.
func (p *ProgressBar) Set(v float64) {
	p.mu.Lock()
	p.value = v
	p.mu.Unlock()
}

// Value returns the fraction shown.
func (p *ProgressBar) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func (p *ProgressBar) Render(width int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	head := prefix(p.Text)
	room := width - lipgloss.Width(head)
	switch {
	case p.value > 1:
		const over = "OVERFLOW >>"
		return head + pad(room-len(over)) + over
	case p.value < 0:
		return head + " << UNDERFLOW"
	}
	if room <= 0 {
		return head
	}
	p.bar.Width = room
	return head + p.bar.ViewAs(p.value)
}

// TwoWayBar renders a bar growing left or right from the middle of the
// line, for values in [-1, 1].
type TwoWayBar struct {
	Text string

	mu    sync.Mutex
	value float64
}

// NewTwoWayBar creates a centred bar labelled text.
func NewTwoWayBar(text string) *TwoWayBar { return &TwoWayBar{Text: text} }

func (b *TwoWayBar) Set(v float64) {
	b.mu.Lock()
	b.value = v
	b.mu.Unlock()
}

func (b *TwoWayBar) Value() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

func (b *TwoWayBar) Render(width int) string {
	b.mu.Lock()
	v := b.value
	b.mu.Unlock()

	head := prefix(b.Text)
	origin := (width - lipgloss.Width(head)) / 2
	if origin <= 0 {
		return head
	}
	switch {
	case v > 1:
		const over = "OVERFLOW >>"
		return head + pad(origin) + pad(origin-len(over)) + over
	case v < -1:
		const under = "<< OVERFLOW"
		return head + under + pad(origin-len(under))
	}

	cells := int(float64(origin)*abs(v) + 0.5)
	if v >= 0 {
		return head + pad(origin) + "│" + strings.Repeat("█", cells)
	}
	return head + pad(origin-cells) + strings.Repeat("█", cells) + "│"
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// BarFrames is the four-column wave used by Spinner by default.
var BarFrames = spinner.Spinner{Frames: barFrames(), FPS: DefaultRefresh}

func barFrames() []string {
	pattern := []rune("▁▂▃▄▅▆▇█")
	n := len(pattern)
	frames := make([]string, n)
	for i := range frames {
		frames[i] = string([]rune{
			pattern[(i+4)%n],
			pattern[i],
			pattern[(i+6)%n],
			pattern[(i+2)%n],
		})
	}
	return frames
}

// Spinner renders "| text |" followed by the next animation frame each time
// it is drawn.
type Spinner struct {
	Text   string
	Frames spinner.Spinner

	mu    sync.Mutex
	frame int
}

// NewSpinner creates a spinner labelled text using BarFrames.
func NewSpinner(text string) *Spinner {
	return &Spinner{Text: text, Frames: BarFrames}
}

// SetText changes the label.
func (s *Spinner) SetText(text string) {
	s.mu.Lock()
	s.Text = text
	s.mu.Unlock()
}

func (s *Spinner) Render(width int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.Frames.Frames
	if len(frames) == 0 {
		frames = BarFrames.Frames
	}
	s.frame = (s.frame + 1) % len(frames)
	line := prefix(s.Text) + frames[s.frame]
	return line + pad(width-lipgloss.Width(line))
}
