package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/xlink/internal/cli/config"
	"github.com/antonkrylov/xlink/internal/client"
	"github.com/antonkrylov/xlink/internal/console"
	"github.com/antonkrylov/xlink/internal/shell"
	"github.com/antonkrylov/xlink/internal/telemetry"
	"github.com/antonkrylov/xlink/internal/transcript"
)

var version = "dev"

type rootOptions struct {
	configPath  string
	deviceName  string
	port        string
	baud        int
	profilePath string
	logLevel    string
	verbose     bool
	record      bool
	conn        *client.Connection
}

func (r *rootOptions) prepare() error {
	resolved, err := client.ResolveConnection(r.configPath, r.deviceName, r.port, r.baud, r.profilePath)
	if err != nil {
		return err
	}
	if r.record {
		resolved.Record = true
	}
	r.conn = resolved
	return nil
}

func (r *rootOptions) logger(w io.Writer) *slog.Logger {
	return newLogger(w, r.logLevel, r.verbose)
}

func newLogger(w io.Writer, logLevel string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch l := strings.ToLower(strings.TrimSpace(logLevel)); l {
		case "debug":
			level = slog.LevelDebug
		case "info", "":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			log.Printf("unknown --log-level=%q (expected debug|info|warn|error); defaulting to info", logLevel)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "xlink",
		Short:         "Interactive shell for devices speaking the xlink serial protocol",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.Context(), opts)
		},
	}
	defaultConfig := os.Getenv("XLINK_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", defaultConfig, "path to xlink config file (default $HOME/.xlink/config)")
	pf.StringVar(&opts.deviceName, "device", "", "device name within the config (overrides currentDevice)")
	pf.StringVar(&opts.port, "port", "", "serial port path (overrides config and XLINK_PORT)")
	pf.IntVar(&opts.baud, "baud", 0, "baud rate; defaults to config, XLINK_BAUD or 115200")
	pf.StringVar(&opts.profilePath, "profile", "", "device profile YAML (default: built-in demo profile)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.BoolVar(&opts.verbose, "verbose", false, "enable verbose debug logging (same as --log-level=debug)")
	pf.BoolVar(&opts.record, "record", false, "write a transcript of the session")

	rootCmd.AddCommand(newShellCmd(opts))
	rootCmd.AddCommand(newCallCmd(opts))
	rootCmd.AddCommand(newTrackCmd(opts))
	rootCmd.AddCommand(newRunbookCmd(opts))
	rootCmd.AddCommand(newProfileCmd())
	rootCmd.AddCommand(newTranscriptCmd(opts))
	rootCmd.AddCommand(newTelemetryCmd(opts))
	rootCmd.AddCommand(newDoctorCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		log.Fatal(err)
	}
}

func newShellCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Open the interactive shell (the default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.Context(), root)
		},
	}
}

func runShell(ctx context.Context, root *rootOptions) error {
	if err := root.prepare(); err != nil {
		return err
	}
	p, err := root.conn.Profile()
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	var outOpts []console.Option
	if root.conn.Record {
		rec, err := transcript.New(root.conn.TranscriptDir()).Create(root.conn.DeviceName, root.conn.Port)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Printf("transcript %s: %v", rec.Path(), err)
			}
		}()
		sessionID = rec.SessionID()
		outOpts = append(outOpts, console.WithTee(func(s console.Style, text string) {
			rec.Record(s.String(), text)
		}))
	}
	out := console.New(os.Stdout, outOpts...)
	logger := root.logger(out.Writer())
	sh := shell.New(out, shell.WithLogger(logger))

	sessOpts := client.Options{Output: out, Logger: logger, Spawner: sh.Spawner()}
	if topts := root.conn.Telemetry(); topts != nil {
		topts.Logger = logger
		mirror, err := telemetry.Connect(ctx, topts, sessionID)
		if err != nil {
			logger.Warn("telemetry disabled", "err", err)
		} else if mirror != nil {
			defer mirror.Close()
			sessOpts.Sink = mirror
		}
	}

	sess, err := client.Dial(root.conn, p, sessOpts)
	if err != nil {
		return err
	}
	defer sess.Close()

	reg, err := shell.NewRegistry(append(shell.Builtins(), shell.DeviceCommands(sess)...)...)
	if err != nil {
		return err
	}
	sh.Schedule("receive loop", sess.Run, nil)
	out.Status(fmt.Sprintf("Connected to %s at %d baud (profile %s). Type `help` for commands.", root.conn.Port, root.conn.Baud, p.Name))
	return sh.Run(ctx, reg)
}
