// Package embedding turns text into vectors through an OpenAI-compatible
// inference endpoint. It carries a primary/fallback model pair, batches
// requests, caches vectors by content hash and degrades gracefully: a
// failed sub-batch yields zero vectors instead of failing the call.
package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	openai "github.com/sashabaranov/go-openai"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/config"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/vector"
)

// Family selects how a model's inputs and outputs are treated. Picked
// once at construction from the model name.
type Family int

const (
	// FamilySentence is a mean-pooling sentence encoder. Outputs are
	// used as returned.
	FamilySentence Family = iota
	// FamilyInstruct is an instruction-style encoder with last-token
	// pooling. Queries get an instruction prefix and outputs are
	// L2-normalized.
	FamilyInstruct
)

const queryInstruction = "Instruct: Given a chat search query, retrieve relevant chat messages\nQuery: "

// Provider is the embedding interface consumed by the search and
// segmentation engines.
type Provider interface {
	Name() string
	Model() string
	Dimension() int
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
	EncodeQuery(ctx context.Context, text string) ([]float32, error)
	Warmup(ctx context.Context) error
	ClearCache()
	Stats() Stats
}

// Stats exposes service health, including degraded mode.
type Stats struct {
	Model     string `json:"model"`
	Family    string `json:"family"`
	Dimension int    `json:"dimension"`
	Degraded  bool   `json:"degraded"`
	Encoded   int64  `json:"encoded"`
	CacheHits int64  `json:"cache_hits"`
	CacheMiss int64  `json:"cache_misses"`
	ZeroStubs int64  `json:"zero_stubs"`
}

// Service implements Provider over an OpenAI-compatible embeddings API.
type Service struct {
	cfg    config.EmbeddingConfig
	client *openai.Client
	log    *slog.Logger

	loadOnce sync.Once
	loadErr  error

	mu       sync.RWMutex
	model    string
	family   Family
	dim      int
	degraded bool

	cache *lru.Cache[string, []float32]

	encoded   atomic.Int64
	cacheHits atomic.Int64
	cacheMiss atomic.Int64
	zeroStubs atomic.Int64
}

// New creates a lazy embedding service; no request is made until the
// first encode or an explicit Warmup.
func New(cfg config.EmbeddingConfig) *Service {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		apiCfg.BaseURL = cfg.APIBase
	}

	cache, _ := lru.New[string, []float32](4096)
	return &Service{
		cfg:    cfg,
		client: openai.NewClientWithConfig(apiCfg),
		log:    slog.With("component", "embedding"),
		model:  cfg.Model,
		family: DetectFamily(cfg.Model),
		dim:    cfg.Dimension,
		cache:  cache,
	}
}

// DetectFamily maps a model name onto its family.
func DetectFamily(model string) Family {
	m := strings.ToLower(model)
	if strings.Contains(m, "qwen") || strings.Contains(m, "instruct") || strings.Contains(m, "e5-") {
		return FamilyInstruct
	}
	return FamilySentence
}

func (f Family) String() string {
	if f == FamilyInstruct {
		return "instruct"
	}
	return "sentence"
}

// Name identifies the provider.
func (s *Service) Name() string { return "openai-compatible" }

// Model returns the active model, which may be the fallback.
func (s *Service) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Dimension returns the effective embedding dimension.
func (s *Service) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Warmup performs the lazy single load: a probe encode with the primary
// model and, on failure, a switch to the fallback model with the service
// marked degraded.
func (s *Service) Warmup(ctx context.Context) error {
	s.loadOnce.Do(func() {
		if err := s.probe(ctx, s.cfg.Model); err == nil {
			return
		} else if s.cfg.FallbackModel == "" || s.cfg.FallbackModel == s.cfg.Model {
			s.loadErr = err
			return
		} else {
			s.log.Warn("primary embedding model unavailable, trying fallback",
				"primary", s.cfg.Model, "fallback", s.cfg.FallbackModel, "error", err)
		}

		if err := s.probe(ctx, s.cfg.FallbackModel); err != nil {
			s.loadErr = fmt.Errorf("fallback model %s: %w", s.cfg.FallbackModel, err)
			return
		}

		s.mu.Lock()
		s.model = s.cfg.FallbackModel
		s.family = DetectFamily(s.cfg.FallbackModel)
		s.degraded = true
		s.mu.Unlock()
	})
	return s.loadErr
}

// probe encodes one token and reconciles the dimension on success.
func (s *Service) probe(ctx context.Context, model string) error {
	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{"warmup"},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return fmt.Errorf("model %s returned no embedding", model)
	}
	s.reconcileDimension(len(resp.Data[0].Embedding))
	return nil
}

func (s *Service) reconcileDimension(actual int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if actual != s.dim {
		s.log.Warn("embedding dimension reconciled", "configured", s.dim, "actual", actual)
		s.dim = actual
	}
}

// EncodeBatch embeds texts in configured batch sizes. A failing
// sub-batch is replaced with zero vectors; the call only fails when the
// service cannot come up at all.
func (s *Service) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := s.Warmup(ctx); err != nil {
		return nil, fmt.Errorf("embedding service unavailable: %w", err)
	}

	out := make([][]float32, len(texts))
	missing := make([]int, 0, len(texts))
	for i, t := range texts {
		if v, ok := s.cache.Get(contentHash(t)); ok {
			out[i] = v
			s.cacheHits.Add(1)
			continue
		}
		s.cacheMiss.Add(1)
		missing = append(missing, i)
	}

	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}
	for start := 0; start < len(missing); start += batch {
		end := min(start+batch, len(missing))
		idxs := missing[start:end]

		inputs := make([]string, len(idxs))
		for j, i := range idxs {
			inputs[j] = texts[i]
		}

		vecs, err := s.encode(ctx, inputs)
		if err != nil {
			// Keep the call alive with zero stubs for this sub-batch.
			s.log.Error("sub-batch encode failed, substituting zero vectors",
				"size", len(idxs), "error", err)
			dim := s.Dimension()
			for _, i := range idxs {
				out[i] = make([]float32, dim)
				s.zeroStubs.Add(1)
			}
			continue
		}
		for j, i := range idxs {
			out[i] = vecs[j]
			s.cache.Add(contentHash(texts[i]), vecs[j])
		}
	}
	return out, nil
}

// EncodeQuery embeds a search query, applying the instruction prefix for
// instruction-family models.
func (s *Service) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	s.mu.RLock()
	family := s.family
	s.mu.RUnlock()

	if family == FamilyInstruct {
		text = queryInstruction + text
	}
	vecs, err := s.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *Service) encode(ctx context.Context, inputs []string) ([][]float32, error) {
	s.mu.RLock()
	model := s.model
	family := s.family
	s.mu.RUnlock()

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(inputs))
	}

	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		v := d.Embedding
		if family == FamilyInstruct {
			v = vector.Normalize(v)
		}
		vecs[i] = v
	}
	s.reconcileDimension(len(vecs[0]))
	s.encoded.Add(int64(len(vecs)))
	return vecs, nil
}

// ClearCache drops all cached vectors.
func (s *Service) ClearCache() { s.cache.Purge() }

// Stats reports service health and counters.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Model:     s.model,
		Family:    s.family.String(),
		Dimension: s.dim,
		Degraded:  s.degraded,
		Encoded:   s.encoded.Load(),
		CacheHits: s.cacheHits.Load(),
		CacheMiss: s.cacheMiss.Load(),
		ZeroStubs: s.zeroStubs.Load(),
	}
}

func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h[:16])
}
