package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/config"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// fakeEmbeddingServer serves deterministic 4-dim embeddings and can
// reject selected models.
func fakeEmbeddingServer(t *testing.T, rejectModel string, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		if calls != nil {
			calls.Add(1)
		}

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model == rejectModel {
			http.Error(w, "model not found", http.StatusNotFound)
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
			v := []float32{float32(len(text)), 1, 0, 0}
			resp.Data = append(resp.Data, datum{Object: "embedding", Index: i, Embedding: v})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig(baseURL string) config.EmbeddingConfig {
	return config.EmbeddingConfig{
		Model:         "qwen3-embedding-0.6b",
		FallbackModel: "minilm-sentence",
		APIBase:       baseURL + "/v1",
		APIKey:        "test",
		Dimension:     4,
		BatchSize:     2,
	}
}

func TestEncodeBatch(t *testing.T) {
	srv := fakeEmbeddingServer(t, "", nil)
	defer srv.Close()

	s := New(testConfig(srv.URL))
	vecs, err := s.EncodeBatch(context.Background(), []string{"hello", "worlds", "abc"})
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 4 {
			t.Errorf("vector %d has dimension %d, want 4", i, len(v))
		}
	}

	st := s.Stats()
	if st.Degraded {
		t.Error("service unexpectedly degraded")
	}
	if st.Model != "qwen3-embedding-0.6b" {
		t.Errorf("active model = %s", st.Model)
	}
}

func TestEncodeBatch_InstructNormalization(t *testing.T) {
	srv := fakeEmbeddingServer(t, "", nil)
	defer srv.Close()

	s := New(testConfig(srv.URL))
	vecs, err := s.EncodeBatch(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}

	// qwen is instruction-family, so the output must be L2-normalized.
	var sum float64
	for _, f := range vecs[0] {
		sum += float64(f) * float64(f)
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("norm^2 = %f, want ~1", sum)
	}
}

func TestFallbackModel(t *testing.T) {
	srv := fakeEmbeddingServer(t, "qwen3-embedding-0.6b", nil)
	defer srv.Close()

	s := New(testConfig(srv.URL))
	if err := s.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	st := s.Stats()
	if !st.Degraded {
		t.Error("service should be degraded after primary model failure")
	}
	if st.Model != "minilm-sentence" {
		t.Errorf("active model = %s, want minilm-sentence", st.Model)
	}

	if _, err := s.EncodeBatch(context.Background(), []string{"still works"}); err != nil {
		t.Fatalf("EncodeBatch after fallback: %v", err)
	}
}

func TestVectorCache(t *testing.T) {
	var calls atomic.Int64
	srv := fakeEmbeddingServer(t, "", &calls)
	defer srv.Close()

	s := New(testConfig(srv.URL))
	ctx := context.Background()

	if _, err := s.EncodeBatch(ctx, []string{"repeated text"}); err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	before := calls.Load()
	if _, err := s.EncodeBatch(ctx, []string{"repeated text"}); err != nil {
		t.Fatalf("EncodeBatch (cached): %v", err)
	}
	if calls.Load() != before {
		t.Errorf("cached encode hit the server (%d -> %d calls)", before, calls.Load())
	}
	if s.Stats().CacheHits == 0 {
		t.Error("no cache hits recorded")
	}
}

func TestDimensionReconciliation(t *testing.T) {
	srv := fakeEmbeddingServer(t, "", nil)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Dimension = 1024 // wrong on purpose; server returns 4
	s := New(cfg)

	if _, err := s.EncodeBatch(context.Background(), []string{"x"}); err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	if d := s.Dimension(); d != 4 {
		t.Errorf("dimension = %d, want reconciled 4", d)
	}
}
