package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/antonkrylov/xlink/internal/client"
	"github.com/antonkrylov/xlink/internal/console"
	"github.com/antonkrylov/xlink/internal/shell"
	"github.com/antonkrylov/xlink/internal/telemetry"
	"github.com/antonkrylov/xlink/internal/tracker"
)

// dial opens a one-shot session with its receive loop running. The returned
// func closes the session and waits for the loop.
func dial(ctx context.Context, root *rootOptions, sink tracker.Sink) (*client.Session, func(), error) {
	if err := root.prepare(); err != nil {
		return nil, nil, err
	}
	p, err := root.conn.Profile()
	if err != nil {
		return nil, nil, err
	}
	out := console.New(os.Stderr, console.WithInteractive(false))
	logger := root.logger(os.Stderr)
	sess, err := client.Dial(root.conn, p, client.Options{Output: out, Logger: logger, Sink: sink})
	if err != nil {
		return nil, nil, err
	}
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	closeFn := func() {
		_ = sess.Close()
		if err := <-done; err != nil {
			logger.Debug("receive loop ended", "err", err)
		}
	}
	return sess, closeFn, nil
}

func newCallCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <name> [args...]",
		Short: "Call one device function and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			sess, closeFn, err := dial(ctx, root, nil)
			if err != nil {
				return err
			}
			defer closeFn()
			v, err := sess.Call(ctx, args[0], args[1:])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), shell.FormatValue(v))
			return nil
		},
	}
	// Stop at the call name so negative numbers reach the device untouched.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting for the reply after this long (0 waits forever)")
	return cmd
}

func newTrackCmd(root *rootOptions) *cobra.Command {
	var (
		idle    time.Duration
		asJSON  bool
		publish bool
	)
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Run the device tracker until it goes quiet and print the measures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var sink tracker.Sink
			if publish {
				if err := root.prepare(); err != nil {
					return err
				}
				topts := root.conn.Telemetry()
				if topts == nil {
					return errors.New("--publish needs a telemetry section in the config")
				}
				topts.Logger = root.logger(os.Stderr)
				mirror, err := telemetry.Connect(ctx, topts, uuid.NewString())
				if err != nil {
					return err
				}
				defer mirror.Close()
				sink = mirror
			}
			sess, closeFn, err := dial(ctx, root, sink)
			if err != nil {
				return err
			}
			defer closeFn()
			if sess.Tracker == nil {
				return fmt.Errorf("profile %s declares no tracker", sess.Profile.Name)
			}
			run, err := sess.Tracker.Start(ctx)
			if err != nil {
				return err
			}
			measures, err := run.CollectUntilIdle(ctx, idle)
			if serr := run.Stop(context.WithoutCancel(ctx)); serr != nil && err == nil {
				err = serr
			}
			if err != nil {
				return err
			}
			return writeMeasures(cmd.OutOrStdout(), measures, asJSON)
		},
	}
	cmd.Flags().DurationVar(&idle, "idle", tracker.DefaultIdle, "stop after this long without a report")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print measures as JSON")
	cmd.Flags().BoolVar(&publish, "publish", false, "mirror measures to the configured telemetry stream")
	return cmd
}

func writeMeasures(w io.Writer, ms []tracker.Measure, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if ms == nil {
			ms = []tracker.Measure{}
		}
		return enc.Encode(ms)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tLEFT\tRIGHT")
	for _, m := range ms {
		fmt.Fprintf(tw, "%d\t%d\t%d\n", m.Timestamp, m.Left, m.Right)
	}
	return tw.Flush()
}
