package shell

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/pflag"

	"github.com/antonkrylov/xlink/internal/client"
	"github.com/antonkrylov/xlink/internal/console"
	"github.com/antonkrylov/xlink/internal/profile"
	"github.com/antonkrylov/xlink/internal/remote"
	"github.com/antonkrylov/xlink/internal/tracker"
)

// DeviceCommands returns the commands that talk to sess.
func DeviceCommands(sess *client.Session) []*Command {
	return []*Command{
		callCommand(sess),
		callsCommand(sess),
		trackCommand(sess),
		jogCommand(sess),
	}
}

func callCommand(sess *client.Session) *Command {
	return &Command{
		Name:         "call",
		Usage:        "<name> [args...]",
		Short:        "Call a device function and print its result",
		DisableFlags: true,
		Args:         MinimumArgs(1),
		Run: func(ctx context.Context, inv *Invocation) error {
			name := inv.Args[0]
			c, ok := sess.Profile.Call(name)
			if !ok {
				if hint := didYouMean(name, sess.Profile.CallNames()); hint != "" {
					return Errorf("`%s` is not a call of profile %s%s", name, sess.Profile.Name, hint)
				}
				return Errorf("`%s` is not a call of profile %s (try `calls`)", name, sess.Profile.Name)
			}
			args, err := c.Coerce(inv.Args[1:])
			if err != nil {
				return Errorf("%v\nusage: call %s", err, c.Usage())
			}
			v, err := sess.Client.Call(ctx, name, args...)
			if err != nil {
				return callError(name, err)
			}
			inv.Printf("%s = %s", name, FormatValue(v))
			return nil
		},
	}
}

// callError keeps cancellation intact so the task ends as cancelled; every
// other call failure is reported and the session goes on.
func callError(name string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Errorf("%s: %w", name, err)
}

func callsCommand(sess *client.Session) *Command {
	return &Command{
		Name:  "calls",
		Short: "List the functions the device profile declares",
		Args:  NoArgs,
		Run: func(_ context.Context, inv *Invocation) error {
			p := sess.Profile
			var b strings.Builder
			fmt.Fprintf(&b, "Profile %s:", p.Name)
			for _, name := range p.CallNames() {
				c, _ := p.Call(name)
				fmt.Fprintf(&b, "\n  %s", c.Usage())
				if c.Help != "" {
					fmt.Fprintf(&b, "\n      %s", c.Help)
				}
			}
			if keys := sess.Dispatcher().Keys(); len(keys) > 0 {
				fmt.Fprintf(&b, "\nHandled pushes: %s", strings.Join(keys, ", "))
			}
			inv.Out().Help(b.String())
			return nil
		},
	}
}

func trackCommand(sess *client.Session) *Command {
	return &Command{
		Name:  "track",
		Short: "Run the device tracker until it goes quiet and print the measures",
		Args:  NoArgs,
		Flags: func(fs *pflag.FlagSet) {
			fs.Duration("idle", tracker.DefaultIdle, "stop collecting after this long without a report")
			fs.Int("limit", 20, "print at most this many rows (0 prints all)")
		},
		Run: func(ctx context.Context, inv *Invocation) error {
			if sess.Tracker == nil {
				return Errorf("profile %s declares no tracker", sess.Profile.Name)
			}
			idle, _ := inv.Flags.GetDuration("idle")
			limit, _ := inv.Flags.GetInt("limit")
			run, err := sess.Tracker.Start(ctx)
			if err != nil {
				return callError("track", err)
			}
			defer func() {
				if err := run.Stop(context.WithoutCancel(ctx)); err != nil {
					inv.Out().Error(err.Error())
				}
			}()

			spin := console.NewSpinner("Tracking...")
			progress := console.RenderFunc(func(width int) string {
				spin.SetText(fmt.Sprintf("Tracking... %d measures", run.Len()))
				return spin.Render(width)
			})
			var measures []tracker.Measure
			err = inv.Out().WithBanner(ctx, progress, console.DefaultRefresh, func(ctx context.Context) error {
				var cerr error
				measures, cerr = run.CollectUntilIdle(ctx, idle)
				return cerr
			})
			if errors.Is(err, console.ErrBannerActive) {
				return Errorf("track: %v", err)
			}
			if err != nil {
				return err
			}
			inv.Out().Print(measureTable(measures, limit))
			return nil
		},
	}
}

func measureTable(ms []tracker.Measure, limit int) string {
	shown := ms
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	rows := make([][]string, 0, len(shown))
	for _, m := range shown {
		rows = append(rows, []string{fmt.Sprint(m.Timestamp), fmt.Sprint(m.Left), fmt.Sprint(m.Right)})
	}
	out := renderTable([]string{"TIMESTAMP", "LEFT", "RIGHT"}, rows)
	return out + fmt.Sprintf("\n%d measures", len(ms))
}

// Jog limits. The bar shows overflow past ±1 but setpoints are clamped.
const (
	jogLimit       = 1.0
	jogDefaultStep = 0.05
)

func jogCommand(sess *client.Session) *Command {
	return &Command{
		Name:  "jog",
		Usage: "<call>",
		Short: "Steer a setpoint with the arrow keys; enter sends it, esc leaves",
		Args:  ExactArgs(1),
		Flags: func(fs *pflag.FlagSet) {
			fs.Float64("step", jogDefaultStep, "setpoint change per key press")
		},
		CaptureKeyboard: true,
		Run: func(ctx context.Context, inv *Invocation) error {
			name := inv.Args[0]
			c, ok := sess.Profile.Call(name)
			if !ok {
				return Errorf("`%s` is not a call of profile %s", name, sess.Profile.Name)
			}
			if len(c.Args) != 1 || c.Args[0].Kind != profile.KindF64 {
				return Errorf("jog needs a call taking one f64, %s", c.Usage())
			}
			step, _ := inv.Flags.GetFloat64("step")
			if step <= 0 || math.IsNaN(step) {
				return Errorf("step must be positive")
			}

			bar := console.NewTwoWayBar(name)
			return inv.Out().WithBanner(ctx, bar, console.DefaultRefresh, func(ctx context.Context) error {
				for {
					ev, err := inv.Keys.Next(ctx)
					if err != nil {
						return err
					}
					switch ev.Key {
					case "left", "down":
						bar.Set(clamp(bar.Value()-step, -jogLimit, jogLimit))
					case "right", "up":
						bar.Set(clamp(bar.Value()+step, -jogLimit, jogLimit))
					case "0":
						bar.Set(0)
					case "enter":
						v, err := sess.Client.Call(ctx, name, bar.Value())
						if err != nil {
							if errors.Is(err, context.Canceled) {
								return err
							}
							inv.Out().Error(fmt.Sprintf("%s: %v", name, err))
							continue
						}
						inv.Printf("%s(%.3f) = %s", name, bar.Value(), FormatValue(v))
					case "esc", "q", "ctrl+c":
						return nil
					}
				}
			})
		},
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// FormatValue renders a decoded reply value for display.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "(none)"
	case string:
		return fmt.Sprintf("%q", x)
	case []byte:
		return "0x" + hex.EncodeToString(x)
	case float64:
		return fmt.Sprintf("%g", x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = FormatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	if n, ok := remote.AsInt(v); ok {
		return fmt.Sprint(n)
	}
	return fmt.Sprint(v)
}
