package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func segmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segments",
		Short: "Inspect and rebuild conversation segments",
	}
	cmd.AddCommand(segmentsListCmd())
	cmd.AddCommand(segmentsRebuildCmd())
	return cmd
}

func segmentsListCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a channel's finalized segments",
		Run: func(cmd *cobra.Command, args []string) {
			if channel == "" {
				fatalf("--channel is required")
			}
			engine := openEngine()
			defer closeEngine(engine)

			segs, err := engine.Registry().Store.GetSegments(context.Background(), channel)
			if err != nil {
				fatalf("%s", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEGMENT\tSTART\tEND\tMESSAGES\tCOHERENCE\tACTIVITY")
			for _, s := range segs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%.2f\n",
					s.SegmentID,
					s.StartTime.Format("2006-01-02 15:04"),
					s.EndTime.Format("2006-01-02 15:04"),
					s.MessageCount, s.CoherenceScore, s.ActivityLevel)
			}
			w.Flush()
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id")
	return cmd
}

func segmentsRebuildCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Re-derive segments from stored history",
		Run: func(cmd *cobra.Command, args []string) {
			engine := openEngine()
			defer closeEngine(engine)
			ctx := context.Background()
			engine.Warmup(ctx)

			var channels []string
			if channel != "" {
				channels = []string{channel}
			}
			results, err := engine.RebuildSegments(ctx, channels)
			if err != nil {
				fatalf("%s", err)
			}
			for _, r := range results {
				fmt.Printf("%s: %d messages -> %d segments\n", r.ChannelID, r.Messages, r.Segments)
			}
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id (default: all channels)")
	return cmd
}
