package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/xlink/internal/profile"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Device profile operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>...",
		Short: "Check profiles against the schema",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				p, err := profile.Load(path)
				if err != nil {
					failed++
					fmt.Fprintln(cmd.ErrOrStderr(), err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d calls, %d pushes)\n", path, p.Name, len(p.Calls), len(p.Pushes))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d profiles invalid", failed, len(args))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show [file]",
		Short: "Print the calls and pushes of a profile (default: built-in demo)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := profile.Default()
			if len(args) == 1 {
				var err error
				if p, err = profile.Load(args[0]); err != nil {
					return err
				}
			}
			return printProfile(cmd.OutOrStdout(), p)
		},
	})
	return cmd
}

func printProfile(w io.Writer, p *profile.Profile) error {
	if p == nil {
		return errors.New("no profile")
	}
	fmt.Fprintf(w, "Profile %s\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(w, "  %s\n", p.Description)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nCALL\tHELP")
	for _, name := range p.CallNames() {
		c, _ := p.Call(name)
		fmt.Fprintf(tw, "%s\t%s\n", c.Usage(), c.Help)
	}
	if len(p.Pushes) > 0 {
		fmt.Fprintln(tw, "\nPUSH\tACTION")
		for _, ps := range p.Pushes {
			fmt.Fprintf(tw, "%s\t%s\n", ps.Key, ps.Action)
		}
	}
	if p.Tracker != nil {
		fmt.Fprintf(tw, "\nTRACKER\t%s -> %s\n", p.Tracker.Control, p.Tracker.Report)
	}
	return tw.Flush()
}
