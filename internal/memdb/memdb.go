// Package memdb is the entry point of the memory engine: it wires the
// relational ledger, per-channel vector indices, embedding and rerank
// services, search, segmentation and the async optimizer behind one
// facade.
package memdb

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/config"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/embedding"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/optimizer"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/rerank"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/search"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/segment"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/vector"
)

// Registry holds every long-lived component, constructed once at
// startup and passed by reference. No package-level singletons.
type Registry struct {
	Config    *config.Config
	Store     *storage.Store
	Vectors   *vector.Manager    // nil when vector search is disabled
	Embedder  *embedding.Service // nil when vector search is disabled
	Reranker  *rerank.Reranker
	Searcher  *search.Engine
	Segments  *segment.Segmenter
	Optimizer *optimizer.Optimizer
}

// NewRegistry builds the full component graph for a config. The caller
// owns the registry and must Close the engine wrapping it.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	st, err := storage.Open(cfg.DatabasePath(), cfg.MaxConcurrentQueries)
	if err != nil {
		return nil, err
	}

	st.SetChannelDefaults(cfg.VectorEnabled, cfg.Profile)

	reg := &Registry{Config: cfg, Store: st}

	if cfg.VectorEnabled {
		reg.Embedder = embedding.New(cfg.Embedding)
		mgr, err := vector.NewManager(cfg.IndexDir(), vector.ManagerOptions{
			Dimension:     cfg.Embedding.Dimension,
			M:             cfg.Index.HNSWM,
			EF:            cfg.Index.HNSWEF,
			SaveEvery:     cfg.Index.SaveEvery,
			MemoryLimitMB: cfg.Index.MemoryLimitMB,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		reg.Vectors = mgr
	}

	reg.Reranker = rerank.New(cfg.Rerank)

	var (
		vectors search.VectorSearcher
		encoder search.QueryEncoder
	)
	if reg.Vectors != nil {
		vectors = reg.Vectors
		encoder = reg.Embedder
	}
	reg.Searcher = search.New(st, vectors, encoder, reg.Reranker, search.Options{
		CacheEnabled: cfg.Cache.Enabled,
		CacheEntries: cfg.Cache.MaxEntries(),
		CacheTTL:     cfg.Cache.TTL(),
	})

	var segEncoder segment.Encoder
	if reg.Embedder != nil {
		segEncoder = reg.Embedder
	}
	seg, err := segment.New(st, segEncoder, cfg.Segmentation)
	if err != nil {
		st.Close()
		return nil, err
	}
	reg.Segments = seg

	reg.Optimizer = optimizer.New(reg.Searcher, cfg.Cache.MaxEntries())
	return reg, nil
}

// Engine is the public facade. All blocking work flows through a
// weighted semaphore sized by max_concurrent_queries.
type Engine struct {
	reg       *Registry
	sem       *semaphore.Weighted
	retention atomic.Int32
	log       *slog.Logger
}

// NewEngine wraps a registry.
func NewEngine(reg *Registry) *Engine {
	limit := int64(reg.Config.MaxConcurrentQueries)
	if limit <= 0 {
		limit = 4
	}
	e := &Engine{
		reg: reg,
		sem: semaphore.NewWeighted(limit),
		log: slog.With("component", "memdb"),
	}
	e.retention.Store(int32(reg.Config.RetentionDays))
	return e
}

// RetentionDays returns the live retention window.
func (e *Engine) RetentionDays() int { return int(e.retention.Load()) }

// ApplyConfig picks up live tunables from a reloaded config. Model,
// storage and index choices are fixed for the process lifetime.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.retention.Store(int32(cfg.RetentionDays))
	e.reg.Searcher.ClearCache()
	e.log.Info("applied reloaded config", "retention_days", cfg.RetentionDays)
}

// Open loads the config at path, resolves the hardware profile and
// builds a ready engine.
func Open(configPath string) (*Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if _, err := cfg.ApplyProfile(); err != nil {
		return nil, err
	}
	reg, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	return NewEngine(reg), nil
}

// Registry exposes the wired components, mainly for CLI subcommands.
func (e *Engine) Registry() *Registry { return e.reg }

// Warmup eagerly loads the embedding provider so the first ingest does
// not pay the probe cost. Degradation is logged, not fatal.
func (e *Engine) Warmup(ctx context.Context) {
	if e.reg.Embedder == nil {
		return
	}
	if err := e.reg.Embedder.Warmup(ctx); err != nil {
		e.log.Warn("embedding warmup degraded", "error", err)
	}
}

// IngestMessage persists one message, indexes it when vectors are
// enabled, and feeds it through segmentation. It returns the finalized
// segment when this message closed one.
func (e *Engine) IngestMessage(ctx context.Context, msg storage.Message) (*storage.Segment, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	if msg.MessageID == "" || msg.ChannelID == "" {
		return nil, fmt.Errorf("ingest message: message_id and channel_id are required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.MessageType == "" {
		msg.MessageType = "user"
	}

	if err := e.reg.Store.AddMessages(ctx, []storage.Message{msg}); err != nil {
		return nil, err
	}

	vec := e.indexMessage(ctx, msg)
	return e.reg.Segments.Observe(ctx, msg, vec)
}

// indexMessage encodes and indexes one message. Embedding failures
// degrade to a nil vector; the message still counts for segmentation.
func (e *Engine) indexMessage(ctx context.Context, msg storage.Message) []float32 {
	if e.reg.Vectors == nil || e.reg.Embedder == nil {
		return nil
	}
	vecs, err := e.reg.Embedder.EncodeBatch(ctx, []string{msg.Content})
	if err != nil || len(vecs) != 1 {
		e.log.Warn("message not embedded", "message", msg.MessageID, "error", err)
		return nil
	}
	vec := vecs[0]

	emb := storage.Embedding{
		ID:           uuid.NewString(),
		MessageID:    msg.MessageID,
		ChannelID:    msg.ChannelID,
		Vector:       vec,
		ModelVersion: e.reg.Embedder.Model(),
		Dimension:    len(vec),
	}
	if err := e.reg.Store.StoreEmbedding(ctx, emb); err != nil {
		e.log.Warn("embedding row not stored", "message", msg.MessageID, "error", err)
	}
	if err := e.reg.Vectors.AddVectors(msg.ChannelID, [][]float32{vec}, []string{msg.MessageID}); err != nil {
		e.log.Warn("message not indexed", "message", msg.MessageID, "error", err)
	}
	return vec
}

// Search runs a synchronous search through the concurrency gate.
func (e *Engine) Search(ctx context.Context, req search.Request) (*search.Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)
	return e.reg.Searcher.Search(ctx, req)
}

// SubmitSearch schedules a background search; AwaitSearch collects it.
func (e *Engine) SubmitSearch(req search.Request) string {
	return e.reg.Optimizer.Submit(req)
}

// AwaitSearch blocks on a submitted task until it completes or the
// timeout elapses.
func (e *Engine) AwaitSearch(ctx context.Context, id string, timeout time.Duration) (*search.Result, error) {
	return e.reg.Optimizer.Await(ctx, id, timeout)
}

// RebuildSegments re-derives segments for the given channels, or for
// every known channel when none are named.
func (e *Engine) RebuildSegments(ctx context.Context, channelIDs []string) ([]segment.RebuildResult, error) {
	if len(channelIDs) == 0 {
		var err error
		channelIDs, err = e.reg.Store.ListChannels(ctx)
		if err != nil {
			return nil, err
		}
	}
	return e.reg.Segments.Rebuild(ctx, channelIDs, e.reg.Config.MaxConcurrentQueries)
}

// ClearChannel removes every trace of a channel: rows, index artifacts,
// open segment state and cached results.
func (e *Engine) ClearChannel(ctx context.Context, channelID string) error {
	if err := e.reg.Store.DeleteChannelData(ctx, channelID); err != nil {
		return err
	}
	if e.reg.Vectors != nil {
		if err := e.reg.Vectors.DeleteIndex(channelID); err != nil {
			return err
		}
	}
	e.reg.Segments.Discard(channelID)
	e.reg.Searcher.ClearCache()
	return nil
}

// Cleanup prunes messages beyond the retention window, the segments
// that referenced them, and rebuilds the indices of affected channels
// from the surviving embedding rows.
func (e *Engine) Cleanup(ctx context.Context, retentionDays int) (storage.CleanupResult, error) {
	res, err := e.reg.Store.CleanupOldData(ctx, retentionDays)
	if err != nil {
		return res, err
	}
	if len(res.DeletedMessageIDs) == 0 {
		return res, nil
	}

	if len(res.AffectedSegmentIDs) > 0 {
		if err := e.reg.Store.DeleteSegments(ctx, res.AffectedSegmentIDs); err != nil {
			return res, err
		}
	}
	if e.reg.Vectors != nil {
		for _, ch := range res.AffectedChannelIDs {
			if err := e.reindexChannel(ctx, ch); err != nil {
				e.log.Warn("channel reindex failed", "channel", ch, "error", err)
			}
		}
	}
	e.reg.Searcher.ClearCache()
	return res, nil
}

// reindexChannel drops a channel's index and rebuilds it from the
// embedding rows still in the ledger.
func (e *Engine) reindexChannel(ctx context.Context, channelID string) error {
	if err := e.reg.Vectors.DeleteIndex(channelID); err != nil {
		return err
	}
	embs, err := e.reg.Store.GetEmbeddingsByChannel(ctx, channelID, "")
	if err != nil {
		return err
	}
	if len(embs) == 0 {
		return nil
	}
	vecs := make([][]float32, len(embs))
	ids := make([]string, len(embs))
	for i, emb := range embs {
		vecs[i] = emb.Vector
		ids[i] = emb.MessageID
	}
	return e.reg.Vectors.AddVectors(channelID, vecs, ids)
}

// Stats is a point-in-time snapshot for the stats command.
type Stats struct {
	Channels      []string            `json:"channels"`
	Indices       []vector.IndexStats `json:"indices,omitempty"`
	Embedding     *embedding.Stats    `json:"embedding,omitempty"`
	Tasks         int                 `json:"pending_tasks"`
	CachedResults int                 `json:"cached_results"`
}

// Snapshot collects engine statistics.
func (e *Engine) Snapshot(ctx context.Context) (Stats, error) {
	channels, err := e.reg.Store.ListChannels(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Channels:      channels,
		Tasks:         e.reg.Optimizer.Len(),
		CachedResults: e.reg.Searcher.CachedResults(),
	}
	if e.reg.Vectors != nil {
		st.Indices = e.reg.Vectors.Stats()
	}
	if e.reg.Embedder != nil {
		es := e.reg.Embedder.Stats()
		st.Embedding = &es
	}
	return st, nil
}

// Close flushes pending work and releases every resource: optimizer
// tasks cancelled, open segments finalized, dirty indices saved, DB
// closed.
func (e *Engine) Close(ctx context.Context) error {
	e.reg.Optimizer.Flush()
	e.reg.Segments.FlushAll(ctx)
	if e.reg.Vectors != nil {
		if err := e.reg.Vectors.Close(); err != nil {
			e.log.Error("index save on close", "error", err)
		}
	}
	return e.reg.Store.Close()
}
