package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a JSONL file of messages",
		Run: func(cmd *cobra.Command, args []string) {
			if file == "" {
				fatalf("--file is required")
			}
			f, err := os.Open(file)
			if err != nil {
				fatalf("%s", err)
			}
			defer f.Close()

			engine := openEngine()
			defer closeEngine(engine)
			ctx := context.Background()
			engine.Warmup(ctx)

			sc := bufio.NewScanner(f)
			sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			line, ingested, segments := 0, 0, 0
			for sc.Scan() {
				line++
				if sc.Text() == "" {
					continue
				}
				var rec ingestRecord
				if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
					fmt.Fprintf(os.Stderr, "line %d skipped: %s\n", line, err)
					continue
				}
				seg, err := engine.IngestMessage(ctx, rec.message())
				if err != nil {
					fatalf("line %d: %s", line, err)
				}
				ingested++
				if seg != nil {
					segments++
				}
			}
			if err := sc.Err(); err != nil {
				fatalf("read %s: %s", file, err)
			}
			fmt.Printf("Ingested %d messages, finalized %d segments\n", ingested, segments)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSONL file to ingest")
	return cmd
}
