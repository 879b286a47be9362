package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show engine statistics",
		Run: func(cmd *cobra.Command, args []string) {
			engine := openEngine()
			defer closeEngine(engine)

			st, err := engine.Snapshot(context.Background())
			if err != nil {
				fatalf("%s", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				enc.Encode(st)
				return
			}

			fmt.Printf("Channels: %d\n", len(st.Channels))
			if st.Embedding != nil {
				fmt.Printf("Embedding: %s (%s, dim %d, degraded=%v)\n",
					st.Embedding.Model, st.Embedding.Family, st.Embedding.Dimension, st.Embedding.Degraded)
				fmt.Printf("  encoded %d, cache hits %d, misses %d, zero stubs %d\n",
					st.Embedding.Encoded, st.Embedding.CacheHits, st.Embedding.CacheMiss, st.Embedding.ZeroStubs)
			}
			if len(st.Indices) > 0 {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CHANNEL\tVECTORS\tDIM\tSIZE\tDIRTY")
				for _, idx := range st.Indices {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
						idx.ChannelID, idx.Vectors, idx.Dimension, idx.SizeBytes, idx.Dirty)
				}
				w.Flush()
			}
			fmt.Printf("Cached search results: %d\n", st.CachedResults)
			fmt.Printf("Pending search tasks: %d\n", st.Tasks)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
