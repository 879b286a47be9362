package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete messages beyond the retention window",
		Run: func(cmd *cobra.Command, args []string) {
			engine := openEngine()
			defer closeEngine(engine)

			if days == 0 {
				days = engine.RetentionDays()
			}
			res, err := engine.Cleanup(context.Background(), days)
			if err != nil {
				fatalf("%s", err)
			}
			fmt.Printf("Deleted %d messages, pruned %d segments across %d channels\n",
				len(res.DeletedMessageIDs), len(res.AffectedSegmentIDs), len(res.AffectedChannelIDs))
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default: config value)")
	return cmd
}
