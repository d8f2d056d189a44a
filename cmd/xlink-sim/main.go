// Command xlink-sim runs the simulated demo board on a pseudo-terminal so
// xlink can be tried without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/antonkrylov/xlink/internal/profile"
	"github.com/antonkrylov/xlink/internal/sim"
)

var version = "dev"

func main() {
	var (
		profilePath    string
		newestFirst    time.Duration
		replyViaPush   string
		reportInterval time.Duration
		sweep          int
		heartbeat      time.Duration
		link           string
		logLevel       string
		verbose        bool
	)

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "xlink-sim (%s)\n\n", version)
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&profilePath, "profile", "", "take the reply key and tracker report key from this profile")
	flag.DurationVar(&newestFirst, "newest-first", 0, "batch calls arriving within this window and answer the newest first")
	flag.StringVar(&replyViaPush, "reply-via-push", "", "send replies as pushes on this key")
	flag.DurationVar(&reportInterval, "report-interval", 20*time.Millisecond, "tracker report period")
	flag.IntVar(&sweep, "sweep", 50, "reports per tracker run (0 reports until stopped)")
	flag.DurationVar(&heartbeat, "heartbeat", 0, "push a heartbeat at this period (0 disables)")
	flag.StringVar(&link, "link", "", "also expose the terminal under this path (symlink)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose debug logging (same as -log-level=debug)")
	flag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if err := level.UnmarshalText([]byte(strings.TrimSpace(logLevel))); err != nil {
		log.Printf("unknown -log-level=%q (expected debug|info|warn|error); defaulting to info", logLevel)
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []sim.Option{
		sim.WithLogger(logger),
		sim.WithNewestFirst(newestFirst),
		sim.WithReportInterval(reportInterval),
		sim.WithSweep(sweep),
	}
	if profilePath != "" {
		p, err := profile.Load(profilePath)
		if err != nil {
			log.Fatal(err)
		}
		if p.ReplyKey != "" && replyViaPush == "" {
			replyViaPush = p.ReplyKey
		}
		if p.Tracker != nil {
			opts = append(opts, sim.WithReportKey(p.Tracker.Report))
		}
	}
	if replyViaPush != "" {
		opts = append(opts, sim.WithReplyViaPush(replyViaPush))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, logger, sim.New(opts...), link, heartbeat); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, logger *slog.Logger, dev *sim.Device, link string, heartbeat time.Duration) error {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer ptyFile.Close()
	// Holding the terminal side open keeps the master readable while hosts
	// come and go.
	defer ttyFile.Close()
	if _, err := term.MakeRaw(int(ttyFile.Fd())); err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}

	name := ttyFile.Name()
	if link != "" {
		_ = os.Remove(link)
		if err := os.Symlink(name, link); err != nil {
			return fmt.Errorf("link %s: %w", link, err)
		}
		defer os.Remove(link)
		name = link
	}
	fmt.Printf("xlink-sim serving on %s\n", name)
	fmt.Printf("connect with: xlink --port %s\n", name)

	if heartbeat > 0 {
		go beat(ctx, logger, dev, heartbeat)
	}

	served := make(chan error, 1)
	go func() { served <- dev.Serve(ctx, ptyFile) }()
	select {
	case <-ctx.Done():
		// Serve is blocked reading the master; closing it ends the read.
		_ = ptyFile.Close()
		err := <-served
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, os.ErrClosed) {
			return err
		}
	case err := <-served:
		if err != nil {
			return err
		}
	}
	logger.Info("simulator stopped", "calls", dev.Served())
	return nil
}

func beat(ctx context.Context, logger *slog.Logger, dev *sim.Device, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	var n uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n++
			if err := dev.Push("heartbeat", n); err != nil {
				logger.Debug("heartbeat not sent", "err", err)
			}
		}
	}
}
