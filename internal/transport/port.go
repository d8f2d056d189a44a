// Package transport opens the byte stream a device is reached through.
package transport

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

// DefaultBaud matches the firmware's UART configuration.
const DefaultBaud = 115200

// ErrUnsupportedBaud is returned for rates the line discipline cannot set.
var ErrUnsupportedBaud = errors.New("unsupported baud rate")

// Options configures Open.
type Options struct {
	// Baud is the line rate. Zero means DefaultBaud.
	Baud int
}

// Port is an open serial line configured for 8 data bits, no parity and one
// stop bit. Closing it restores the original terminal settings.
type Port struct {
	f    *os.File
	path string

	restoreOnce sync.Once
	restore     func()
}

// Open opens path read/write. When path is a terminal device it is switched
// to raw mode and the line rate is programmed; other files (fifos, regular
// files used for replay) are used as is.
func Open(path string, opts Options) (*Port, error) {
	if path == "" {
		return nil, errors.New("transport: port path is required")
	}
	baud := opts.Baud
	if baud == 0 {
		baud = DefaultBaud
	}

	f, err := os.OpenFile(path, os.O_RDWR|noCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	p := &Port{f: f, path: path, restore: func() {}}

	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return p, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("raw mode %s: %w", path, err)
	}
	p.restore = func() { _ = term.Restore(fd, state) }
	if err := configureLine(fd, baud); err != nil {
		p.restore()
		_ = f.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}
	return p, nil
}

// Name returns the device path.
func (p *Port) Name() string { return p.path }

func (p *Port) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *Port) Write(b []byte) (int, error) { return p.f.Write(b) }

// Close restores the terminal settings and closes the device.
func (p *Port) Close() error {
	p.restoreOnce.Do(p.restore)
	return p.f.Close()
}
