package console

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// Renderer produces the banner text for a given terminal width. Render is
// called from the refresh goroutine and must be safe alongside updates made
// by the task that owns the banner.
type Renderer interface {
	Render(width int) string
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(width int) string

func (f RenderFunc) Render(width int) string { return f(width) }

// DefaultRefresh is the banner redraw period when none is given.
const DefaultRefresh = 100 * time.Millisecond

// Banner is an installed banner. Close removes it.
type Banner struct {
	o    *Output
	r    Renderer
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Banner installs r below the prompt and redraws it every interval. Only one
// banner can be active; a second request fails with ErrBannerActive until
// the first is closed. On a non-interactive output the banner is tracked but
// never drawn.
func (o *Output) Banner(r Renderer, interval time.Duration) (*Banner, error) {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	o.mu.Lock()
	if o.banner != nil {
		o.mu.Unlock()
		return nil, ErrBannerActive
	}
	b := &Banner{o: o, r: r, stop: make(chan struct{}), done: make(chan struct{})}
	o.banner = b
	if o.interactive {
		var sb strings.Builder
		o.layoutLocked(&sb)
		_, _ = io.WriteString(o.w, sb.String())
	}
	o.mu.Unlock()

	go b.refresh(interval)
	return b, nil
}

// BannerActive reports whether a banner is installed.
func (o *Output) BannerActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.banner != nil
}

func (b *Banner) render(width int) string {
	if b.r == nil {
		return ""
	}
	return b.r.Render(width)
}

func (b *Banner) refresh(interval time.Duration) {
	defer close(b.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			b.Redraw()
		}
	}
}

// Redraw repaints the banner immediately.
func (b *Banner) Redraw() {
	o := b.o
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.banner != b || !o.interactive {
		return
	}
	_, _ = o.w.Write([]byte(saveCursor + cursorDown + clearLine + b.render(o.Width()) + restore))
}

// Close stops the refresh and clears the banner line. It is safe to call
// more than once.
func (b *Banner) Close() {
	b.once.Do(func() {
		close(b.stop)
		<-b.done

		o := b.o
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.banner != b {
			return
		}
		o.banner = nil
		if o.interactive {
			_, _ = o.w.Write([]byte(saveCursor + cursorDown + clearLine + restore))
		}
	})
}

// WithBanner runs fn with r installed as the banner and removes it however
// fn returns, panics included.
func (o *Output) WithBanner(ctx context.Context, r Renderer, interval time.Duration, fn func(context.Context) error) error {
	b, err := o.Banner(r, interval)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx)
}
