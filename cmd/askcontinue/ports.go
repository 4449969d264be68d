package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/askcontinue/askcontinue-core/ports"
)

func newPortsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List running servers from the port discovery files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			bindings, err := ports.New(cfg.ResolvePortsDir()).Discover()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(bindings) == 0 {
				fmt.Fprintln(out, "no running servers")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PORT\tPID\tWORKSPACE\tSTARTED")
			for _, b := range bindings {
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", b.Port, b.PID, b.ProjectID, b.BoundAt().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Remove discovery files left by processes that are gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			n, err := ports.New(cfg.ResolvePortsDir()).Sweep()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale port file(s)\n", n)
			return nil
		},
	})
	return cmd
}
