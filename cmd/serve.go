package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/config"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
)

// ingestRecord is the JSONL wire form accepted on stdin and by the
// ingest command.
type ingestRecord struct {
	ID        string            `json:"id"`
	ChannelID string            `json:"channel_id"`
	UserID    string            `json:"user_id"`
	Content   string            `json:"content"`
	Timestamp int64             `json:"timestamp"`
	Type      string            `json:"type,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (r ingestRecord) message() storage.Message {
	var ts time.Time
	if r.Timestamp > 0 {
		ts = time.Unix(r.Timestamp, 0)
	}
	return storage.Message{
		MessageID:   r.ID,
		ChannelID:   r.ChannelID,
		UserID:      r.UserID,
		Content:     r.Content,
		Timestamp:   ts,
		MessageType: r.Type,
		Metadata:    r.Metadata,
	}
}

func serveCmd() *cobra.Command {
	var maintenanceEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, ingesting JSONL records from stdin",
		Run: func(cmd *cobra.Command, args []string) {
			engine, err := memdb.Open(configPath)
			if err != nil {
				fatalf("%s", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			engine.Warmup(ctx)

			if watcher, err := config.NewWatcher(configPath); err == nil {
				watcher.OnChange(engine.ApplyConfig)
				if err := watcher.Start(); err != nil {
					slog.Warn("config watcher not started", "error", err)
				} else {
					defer watcher.Stop()
				}
			}

			go maintenanceLoop(ctx, engine, maintenanceEvery)

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(os.Stdin)
				sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
				for sc.Scan() {
					lines <- sc.Text()
				}
			}()

			slog.Info("engine ready", "config", configPath)
			count := 0
		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case line, ok := <-lines:
					if !ok {
						break loop
					}
					if line == "" {
						continue
					}
					var rec ingestRecord
					if err := json.Unmarshal([]byte(line), &rec); err != nil {
						slog.Warn("bad record skipped", "error", err)
						continue
					}
					if _, err := engine.IngestMessage(ctx, rec.message()); err != nil {
						slog.Error("ingest failed", "message", rec.ID, "error", err)
						continue
					}
					count++
				}
			}

			slog.Info("shutting down", "ingested", count)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := engine.Close(shutdownCtx); err != nil {
				fatalf("shutdown: %s", err)
			}
		},
	}
	cmd.Flags().DurationVar(&maintenanceEvery, "maintenance-every", time.Hour, "interval between retention sweeps")
	return cmd
}

func maintenanceLoop(ctx context.Context, engine *memdb.Engine, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := engine.Cleanup(ctx, engine.RetentionDays())
			if err != nil {
				slog.Error("retention sweep failed", "error", err)
				continue
			}
			if len(res.DeletedMessageIDs) > 0 {
				slog.Info("retention sweep",
					"deleted", len(res.DeletedMessageIDs),
					"segments", len(res.AffectedSegmentIDs))
			}
		}
	}
}

func openEngine() *memdb.Engine {
	engine, err := memdb.Open(configPath)
	if err != nil {
		fatalf("%s", err)
	}
	return engine
}

func closeEngine(engine *memdb.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := engine.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: close: %s\n", err)
	}
}
