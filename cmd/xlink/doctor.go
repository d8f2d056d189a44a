package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/xlink/internal/client"
	cliconfig "github.com/antonkrylov/xlink/internal/cli/config"
	"github.com/antonkrylov/xlink/internal/profile"
)

// serialGlobs are where USB serial adapters and boards usually show up.
var serialGlobs = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/cu.usb*", "/dev/pts/[0-9]*"}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			exe, _ := os.Executable()
			exe = strings.TrimSpace(exe)
			look, _ := exec.LookPath("xlink")
			look = strings.TrimSpace(look)

			fmt.Fprintf(w, "xlink_version=%s\n", version)
			fmt.Fprintf(w, "xlink_executable=%s\n", exe)
			if look != "" {
				fmt.Fprintf(w, "xlink_on_path=%s\n", look)
			}
			if exe != "" && look != "" {
				absExe, _ := filepath.EvalSymlinks(exe)
				absLook, _ := filepath.EvalSymlinks(look)
				if absExe != "" && absLook != "" && absExe != absLook {
					fmt.Fprintln(w, "warning=you_are_not_running_the_same_xlink_as_on_PATH (adjust PATH or call the intended binary explicitly)")
				}
			}

			fmt.Fprintf(w, "TERM=%s\n", os.Getenv("TERM"))
			fmt.Fprintf(w, "stdin_is_terminal=%t\n", term.IsTerminal(int(os.Stdin.Fd())))
			fmt.Fprintf(w, "stdout_is_terminal=%t\n", term.IsTerminal(int(os.Stdout.Fd())))
			if os.Getenv("TERM") == "" {
				fmt.Fprintln(w, "warning=TERM_is_unset (key capture in jog may not work)")
			}
			for _, port := range serialPorts() {
				fmt.Fprintf(w, "serial_port=%s\n", port)
			}
			for _, env := range []string{"XLINK_HOME", "XLINK_CONFIG", "XLINK_PORT", "XLINK_BAUD"} {
				if v := os.Getenv(env); v != "" {
					fmt.Fprintf(w, "%s=%s\n", env, v)
				}
			}

			cfgPath := effectiveConfigPath(cmd)
			fmt.Fprintf(w, "config_path=%s\n", cfgPath)
			cfg, err := cliconfig.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(w, "config_error=%s\n", err.Error())
				return nil
			}
			if cfg == nil {
				fmt.Fprintln(w, "config_present=false")
				fmt.Fprintf(w, "transcript_dir=%s\n", cliconfig.DefaultTranscriptDir())
				return nil
			}
			fmt.Fprintln(w, "config_present=true")
			fmt.Fprintf(w, "current_device=%s\n", strings.TrimSpace(cfg.CurrentDevice))
			fmt.Fprintf(w, "transcript_dir=%s\n", (&client.Connection{Config: cfg}).TranscriptDir())
			if cfg.Telemetry != nil {
				fmt.Fprintf(w, "telemetry_url=%s\n", strings.TrimSpace(cfg.Telemetry.URL))
			}
			printDevices(w, cfg)
			return nil
		},
	}
}

func printDevices(w io.Writer, cfg *cliconfig.Config) {
	names := make([]string, 0, len(cfg.Devices))
	for k := range cfg.Devices {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		d := cfg.Devices[name]
		if d == nil {
			continue
		}
		status := "ok"
		if _, err := os.Stat(d.Port); err != nil {
			status = "missing"
		}
		fmt.Fprintf(w, "device=%s port=%s port_status=%s baud=%d profile=%s\n",
			name,
			strings.TrimSpace(d.Port),
			status,
			d.Baud,
			profileStatus(d.Profile),
		)
	}
}

func profileStatus(path string) string {
	if strings.TrimSpace(path) == "" {
		return "builtin"
	}
	expanded, err := cliconfig.ExpandPath(path)
	if err != nil {
		return "error:" + err.Error()
	}
	if _, err := profile.Load(expanded); err != nil {
		return expanded + "(invalid)"
	}
	return expanded
}

func serialPorts() []string {
	var ports []string
	for _, g := range serialGlobs {
		matches, _ := filepath.Glob(g)
		ports = append(ports, matches...)
	}
	sort.Strings(ports)
	return ports
}

func effectiveConfigPath(cmd *cobra.Command) string {
	if cmd != nil && cmd.Root() != nil {
		if v, err := cmd.Root().PersistentFlags().GetString("config"); err == nil && strings.TrimSpace(v) != "" {
			return v
		}
	}
	if v := strings.TrimSpace(os.Getenv("XLINK_CONFIG")); v != "" {
		return v
	}
	return cliconfig.DefaultConfigPath()
}
