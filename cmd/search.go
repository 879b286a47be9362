package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/search"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
)

func searchCmd() *cobra.Command {
	var (
		channel    string
		searchType string
		limit      int
		threshold  float64
		since      time.Duration
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search a channel's memory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if channel == "" {
				fatalf("--channel is required")
			}

			engine := openEngine()
			defer closeEngine(engine)
			ctx := context.Background()
			engine.Warmup(ctx)

			req := search.Request{
				Query:     args[0],
				ChannelID: channel,
				Type:      search.Type(searchType),
				Limit:     limit,
				Threshold: threshold,
			}
			if since > 0 {
				req.TimeRange = storage.TimeRange{Start: time.Now().Add(-since)}
			}

			res, err := engine.Search(ctx, req)
			if err != nil {
				fatalf("%s", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				enc.Encode(res)
				return
			}

			cached := ""
			if res.CacheHit {
				cached = ", cached"
			}
			fmt.Printf("%d results (%s, %s%s)\n", len(res.Messages), res.Method, res.Elapsed.Round(time.Millisecond), cached)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCORE\tTIME\tUSER\tCONTENT")
			for i, m := range res.Messages {
				content := m.Content
				if len(content) > 80 {
					content = content[:77] + "..."
				}
				fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n",
					res.RelevanceScores[i], m.Timestamp.Format("2006-01-02 15:04"), m.UserID, content)
			}
			w.Flush()
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel id")
	cmd.Flags().StringVar(&searchType, "type", "hybrid", "search type: semantic, keyword, hybrid, temporal")
	cmd.Flags().IntVar(&limit, "limit", 10, "max results")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum similarity score")
	cmd.Flags().DurationVar(&since, "since", 0, "restrict to messages newer than this age")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
