package shell

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/antonkrylov/xlink/internal/console"
	"github.com/antonkrylov/xlink/internal/task"
)

// Builtins returns the commands every session has.
func Builtins() []*Command {
	return []*Command{helpCommand(), tasksCommand(), waitCommand()}
}

func helpCommand() *Command {
	return &Command{
		Name:  "help",
		Usage: "[command]",
		Short: "List commands, or show how to use one",
		Args:  RangeArgs(0, 1),
		Run: func(_ context.Context, inv *Invocation) error {
			out := inv.Out()
			if len(inv.Args) == 1 {
				c, ok := inv.Registry().Lookup(inv.Args[0])
				if !ok {
					return Errorf("`%s` is not a command%s", inv.Args[0], didYouMean(inv.Args[0], inv.Registry().Names()))
				}
				out.Help(c.HelpText())
				return nil
			}
			cmds := inv.Registry().Commands()
			width := len("exit")
			for _, c := range cmds {
				width = max(width, len(c.Name))
			}
			var b strings.Builder
			b.WriteString("Commands:\n")
			for _, c := range cmds {
				fmt.Fprintf(&b, "  %-*s  %s\n", width, c.Name, c.Short)
			}
			fmt.Fprintf(&b, "  %-*s  %s\n", width, "exit", "Leave the shell (also quit, or end of input)")
			b.WriteString("Type `help <command>` or `<command> -h` for details.")
			out.Help(b.String())
			return nil
		},
	}
}

func tasksCommand() *Command {
	return &Command{
		Name:  "tasks",
		Short: "Show running commands and what they wait for",
		Args:  NoArgs,
		Run: func(_ context.Context, inv *Invocation) error {
			now := time.Now()
			rows := [][]string{}
			for _, t := range inv.Shell().Scheduler().Tasks() {
				rows = append(rows, []string{
					fmt.Sprint(t.ID()),
					t.Name(),
					t.State().String(),
					t.Point().String(),
					now.Sub(t.Created()).Truncate(time.Millisecond).String(),
				})
			}
			inv.Out().Print(renderTable([]string{"ID", "NAME", "STATE", "WAITING", "AGE"}, rows))
			return nil
		},
	}
}

func waitCommand() *Command {
	return &Command{
		Name:  "wait",
		Usage: "<duration>",
		Short: "Wait for a duration such as 1.5s behind a progress bar",
		Args:  ExactArgs(1),
		Run: func(ctx context.Context, inv *Invocation) error {
			d, err := time.ParseDuration(inv.Args[0])
			if err != nil || d <= 0 {
				return Errorf("invalid duration %q", inv.Args[0])
			}
			bar := console.NewProgressBar("Waiting " + d.String())
			err = inv.Out().WithBanner(ctx, bar, console.DefaultRefresh, func(ctx context.Context) error {
				start := time.Now()
				for {
					elapsed := time.Since(start)
					bar.Set(float64(elapsed) / float64(d))
					if elapsed >= d {
						return nil
					}
					if err := task.Sleep(ctx, min(50*time.Millisecond, d-elapsed)); err != nil {
						return err
					}
				}
			})
			if errors.Is(err, console.ErrBannerActive) {
				return Errorf("wait: %v", err)
			}
			if err != nil {
				return err
			}
			inv.Printf("waited %s", d)
			return nil
		},
	}
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		Headers(headers...).
		Rows(rows...).
		String()
}
