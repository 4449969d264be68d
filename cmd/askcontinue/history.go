package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/askcontinue/askcontinue-core/stats"
)

func newHistoryCmd(_ *app) *cobra.Command {
	var (
		limit int
		wipe  bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show usage totals and recent decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := stats.OpenDefault()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if wipe {
				if err := store.ClearHistory(); err != nil {
					return err
				}
				fmt.Fprintln(out, "history cleared")
				return nil
			}

			c := store.Counters()
			fmt.Fprintf(out, "calls: %d  continued: %d  ended: %d  this session: %d\n",
				c.TotalCalls, c.ContinueCount, c.EndCount, c.SessionCalls)
			if c.LastCallTime > 0 {
				fmt.Fprintf(out, "last call: %s\n", time.UnixMilli(c.LastCallTime).Format(time.DateTime))
			}

			entries, err := store.History(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tROUND\tACTION\tIMAGES\tFEEDBACK")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", time.UnixMilli(e.Timestamp).Format(time.DateTime),
					e.Round, e.Action, e.ImageCount, firstLine(e.Feedback, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", stats.DefaultHistoryLimit, "number of entries to show")
	cmd.Flags().BoolVar(&wipe, "clear", false, "delete the history file")
	return cmd
}
