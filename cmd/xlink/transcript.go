package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/antonkrylov/xlink/internal/client"
	cliconfig "github.com/antonkrylov/xlink/internal/cli/config"
	"github.com/antonkrylov/xlink/internal/console"
	"github.com/antonkrylov/xlink/internal/telemetry"
	"github.com/antonkrylov/xlink/internal/transcript"
)

// transcriptStore uses the configured directory when the config names one.
// It works without a port, unlike rootOptions.prepare.
func transcriptStore(root *rootOptions) *transcript.Store {
	conn := &client.Connection{}
	if cfg, err := cliconfig.Load(root.configPath); err == nil {
		conn.Config = cfg
	}
	return transcript.New(conn.TranscriptDir())
}

func newTranscriptCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Recorded shell sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			headers, err := transcriptStore(root).List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tDEVICE\tPORT\tSTARTED")
			for _, h := range headers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.SessionID, h.Device, h.Port, h.Started.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	})
	var timestamps bool
	show := &cobra.Command{
		Use:   "show <session-id|file>",
		Short: "Print a recorded session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err != nil {
				path = transcriptStore(root).Path(args[0])
			}
			return showTranscript(cmd.OutOrStdout(), path, timestamps)
		},
	}
	show.Flags().BoolVar(&timestamps, "timestamps", false, "prefix every line with its time")
	cmd.AddCommand(show)
	return cmd
}

func showTranscript(w io.Writer, path string, timestamps bool) error {
	out := console.New(w)
	var started time.Time
	return transcript.Replay(path,
		func(h transcript.Header) error {
			started = h.Started
			out.Status(fmt.Sprintf("Session %s on %s (%s), %s", h.SessionID, h.Device, h.Port, h.Started.Format(time.RFC3339)))
			return nil
		},
		func(e transcript.Entry) error {
			text := e.Text
			if timestamps {
				prefix := fmt.Sprintf("[+%s] ", e.At.Sub(started).Truncate(time.Millisecond))
				text = prefix + strings.ReplaceAll(text, "\n", "\n"+prefix)
			}
			out.Log(text, console.ParseStyle(e.Style))
			return nil
		},
	)
}

func newTelemetryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Measures mirrored to NATS JetStream",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Print every stored measure of the selected device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				return err
			}
			if cfg == nil || cfg.Telemetry == nil {
				return errors.New("no telemetry section in the config")
			}
			_, name, err := cfg.Resolve(root.deviceName)
			if err != nil {
				return err
			}
			conn := &client.Connection{Config: cfg, DeviceName: name}
			opts := conn.Telemetry()
			opts.Logger = root.logger(os.Stderr)
			mirror, err := telemetry.Connect(cmd.Context(), opts, uuid.NewString())
			if err != nil {
				return err
			}
			if mirror == nil {
				return errors.New("telemetry url is not set")
			}
			defer mirror.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tLEFT\tRIGHT\tEMITTED")
			err = mirror.Replay(cmd.Context(), func(evt telemetry.Event) error {
				_, err := fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\n", evt.Seq, evt.Measure.Timestamp, evt.Measure.Left, evt.Measure.Right, evt.EmittedAt.Format(time.RFC3339Nano))
				return err
			})
			if ferr := tw.Flush(); err == nil {
				err = ferr
			}
			return err
		},
	})
	return cmd
}
