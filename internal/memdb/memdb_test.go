package memdb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/config"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/search"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
)

// fakeEmbeddings serves 4-dim vectors that separate "cooking" texts
// from everything else, so semantic behavior is deterministic.
func fakeEmbeddings(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		type datum struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Object string  `json:"object"`
			Data   []datum `json:"data"`
			Model  string  `json:"model"`
		}{Object: "list", Model: req.Model}
		for i, text := range req.Input {
			v := []float32{1, 0, 0, 0}
			if strings.Contains(strings.ToLower(text), "cooking") {
				v = []float32{0, 1, 0, 0}
			}
			resp.Data = append(resp.Data, datum{Object: "embedding", Index: i, Embedding: v})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testEngine(t *testing.T, vectorEnabled bool) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.VectorEnabled = vectorEnabled
	cfg.MaxConcurrentQueries = 4
	cfg.Rerank.Enabled = false
	cfg.Cache.Enabled = true
	cfg.Cache.TTLSeconds = 60

	if vectorEnabled {
		srv := fakeEmbeddings(t)
		t.Cleanup(srv.Close)
		cfg.Embedding.APIBase = srv.URL + "/v1"
		cfg.Embedding.APIKey = "test"
		cfg.Embedding.Dimension = 4
		cfg.Embedding.BatchSize = 8
	}

	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	e := NewEngine(reg)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func ingest(t *testing.T, e *Engine, id, channel, content string, ts time.Time) *storage.Segment {
	t.Helper()
	seg, err := e.IngestMessage(context.Background(), storage.Message{
		MessageID: id,
		ChannelID: channel,
		UserID:    "u1",
		Content:   content,
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("ingest %s: %v", id, err)
	}
	return seg
}

func TestIngestAndKeywordSearch(t *testing.T) {
	e := testEngine(t, false)
	base := time.Now().Add(-time.Hour)

	ingest(t, e, "m1", "ch1", "the database optimization pass finished", base)
	ingest(t, e, "m2", "ch1", "lunch orders are in", base.Add(time.Minute))

	res, err := e.Search(context.Background(), search.Request{
		Query: "database optimization", ChannelID: "ch1", Type: search.TypeKeyword, Limit: 5,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].MessageID != "m1" {
		t.Fatalf("unexpected results: %+v", res.Messages)
	}
}

func TestIngest_VectorPathAndSemanticSearch(t *testing.T) {
	e := testEngine(t, true)
	e.Warmup(context.Background())
	base := time.Now().Add(-time.Hour)

	ingest(t, e, "m1", "ch1", "deployment checklist for tomorrow", base)
	ingest(t, e, "m2", "ch1", "my favorite cooking recipe", base.Add(time.Minute))

	res, err := e.Search(context.Background(), search.Request{
		Query: "cooking dinner ideas", ChannelID: "ch1", Type: search.TypeSemantic, Limit: 1,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Method != search.TypeSemantic {
		t.Fatalf("method = %s, want semantic", res.Method)
	}
	if len(res.Messages) != 1 || res.Messages[0].MessageID != "m2" {
		t.Fatalf("unexpected results: %+v", res.Messages)
	}

	// The embedding row landed in the ledger too.
	embs, err := e.Registry().Store.GetEmbeddingsByChannel(context.Background(), "ch1", "")
	if err != nil {
		t.Fatalf("get embeddings: %v", err)
	}
	if len(embs) != 2 {
		t.Fatalf("embedding rows = %d, want 2", len(embs))
	}
}

func TestSubmitAwaitSearch(t *testing.T) {
	e := testEngine(t, false)
	ingest(t, e, "m1", "ch1", "database notes", time.Now().Add(-time.Minute))

	id := e.SubmitSearch(search.Request{Query: "database", ChannelID: "ch1", Type: search.TypeKeyword, Limit: 5})
	res, err := e.AwaitSearch(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Fatalf("unexpected results: %+v", res.Messages)
	}
}

func TestClearChannel(t *testing.T) {
	e := testEngine(t, false)
	ingest(t, e, "m1", "ch1", "something to forget", time.Now().Add(-time.Minute))

	if err := e.ClearChannel(context.Background(), "ch1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	msgs, err := e.Registry().Store.GetMessages(context.Background(), "ch1", 10, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages remain after clear: %+v", msgs)
	}
}

func TestCleanup_PrunesAndReindexes(t *testing.T) {
	e := testEngine(t, true)
	e.Warmup(context.Background())

	old := time.Now().AddDate(0, 0, -120)
	fresh := time.Now().Add(-time.Hour)
	ingest(t, e, "m-old", "ch1", "ancient history", old)
	ingest(t, e, "m-new", "ch1", "recent cooking talk", fresh)

	res, err := e.Cleanup(context.Background(), 90)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(res.DeletedMessageIDs) != 1 || res.DeletedMessageIDs[0] != "m-old" {
		t.Fatalf("deleted = %v", res.DeletedMessageIDs)
	}
	if len(res.AffectedChannelIDs) != 1 || res.AffectedChannelIDs[0] != "ch1" {
		t.Fatalf("affected channels = %v", res.AffectedChannelIDs)
	}

	// The rebuilt index only knows the surviving message.
	sres, err := e.Search(context.Background(), search.Request{
		Query: "cooking", ChannelID: "ch1", Type: search.TypeSemantic, Limit: 5,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, m := range sres.Messages {
		if m.MessageID == "m-old" {
			t.Fatal("deleted message still retrievable")
		}
	}
}

func TestClose_FinalizesOpenSegment(t *testing.T) {
	e := testEngine(t, false)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		ingest(t, e, msgID(i), "ch1", "ongoing discussion", base.Add(time.Duration(i)*time.Minute))
	}

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err := storage.Open(e.Registry().Config.DatabasePath(), 2)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	segs, err := st.GetSegments(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("get segments: %v", err)
	}
	if len(segs) != 1 || segs[0].MessageCount != 3 {
		t.Fatalf("segments = %+v", segs)
	}
}

func msgID(i int) string {
	return "m-" + string(rune('a'+i))
}
