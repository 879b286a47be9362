// Package search implements the query planner over four retrieval
// strategies (semantic, keyword, hybrid, temporal) with a TTL result
// cache, score fusion and rerank blending.
package search

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/errs"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/rerank"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/vector"
)

// Over-fetch factor for ANN search; content filtering downstream can
// discard hits, so fetch more than asked for.
const semanticOverFetch = 3

// Rerank blend: 70% judge score, 30% retrieval score.
const (
	rerankWeight   = 0.7
	originalWeight = 0.3
)

// QueryEncoder embeds a search query.
type QueryEncoder interface {
	EncodeQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher finds similar message ids in a channel index.
type VectorSearcher interface {
	SearchSimilar(channelID string, query []float32, k int, threshold float64) ([]vector.Hit, error)
}

// CandidateReranker rescores (query, candidate) pairs.
type CandidateReranker interface {
	Enabled() bool
	Rerank(ctx context.Context, query string, cands []rerank.Candidate, topK int) ([]rerank.Scored, bool)
}

// Options configures the engine.
type Options struct {
	CacheEnabled bool
	CacheEntries int
	CacheTTL     time.Duration
}

// Engine plans and executes searches. Stateless per call except for the
// internal TTL cache.
type Engine struct {
	store    *storage.Store
	vectors  VectorSearcher
	encoder  QueryEncoder
	reranker CandidateReranker
	cache    *resultCache
	sf       singleflight.Group
	log      *slog.Logger
}

// New creates a search engine. vectors, encoder and reranker may be nil
// when the respective capability is disabled; semantic searches then
// degrade to keyword.
func New(store *storage.Store, vectors VectorSearcher, encoder QueryEncoder, reranker CandidateReranker, opts Options) *Engine {
	e := &Engine{
		store:    store,
		vectors:  vectors,
		encoder:  encoder,
		reranker: reranker,
		log:      slog.With("component", "search"),
	}
	if opts.CacheEnabled {
		entries := opts.CacheEntries
		if entries <= 0 {
			entries = 512
		}
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		e.cache = newResultCache(entries, ttl)
	}
	return e
}

// Search runs one query. Identical concurrent queries are collapsed
// into a single execution.
func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Type == "" {
		req.Type = TypeHybrid
	}

	key := req.cacheKey()
	if e.cache != nil {
		if res, ok := e.cache.get(key); ok {
			return res, nil
		}
	}

	started := time.Now()
	v, err, _ := e.sf.Do(sfKey(key), func() (any, error) {
		// The flight is shared across collapsed callers, so it must
		// not die with whichever caller happened to start it.
		return e.execute(context.WithoutCancel(ctx), req)
	})
	if err != nil {
		return nil, err
	}
	// Each caller gets its own copy; singleflight may hand the same
	// pointer to several of them.
	res := *v.(*Result)
	res.Elapsed = time.Since(started)

	if e.cache != nil {
		e.cache.put(key, &res)
	}
	return &res, nil
}

// ClearCache drops all cached results.
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.purge()
	}
}

// CachedResults returns the number of live cache entries.
func (e *Engine) CachedResults() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.len()
}

func (e *Engine) execute(ctx context.Context, req Request) (*Result, error) {
	switch req.Type {
	case TypeSemantic:
		return e.searchSemantic(ctx, req, true)
	case TypeKeyword:
		return e.searchKeyword(ctx, req)
	case TypeHybrid:
		return e.searchHybrid(ctx, req)
	case TypeTemporal:
		// Semantic constrained by a mandatory time window; without one
		// it is plain semantic.
		return e.searchSemantic(ctx, req, true)
	default:
		return nil, errs.NewSearchError(string(req.Type), req.Query, errUnknownType)
	}
}

// semanticCandidates runs the ANN leg and hydrates rows. The error
// return is only for structural failures; degraded paths return nil
// candidates.
func (e *Engine) semanticCandidates(ctx context.Context, req Request) ([]scored, error) {
	if e.vectors == nil || e.encoder == nil {
		return nil, errVectorsDisabled
	}

	qvec, err := e.encoder.EncodeQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	hits, err := e.vectors.SearchSimilar(req.ChannelID, qvec, req.Limit*semanticOverFetch, req.Threshold)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	scoreByID := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.MessageID
		scoreByID[h.MessageID] = h.Score
	}

	msgs, err := e.store.GetMessagesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]scored, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, scored{msg: m, score: scoreByID[m.MessageID]})
	}
	items = dropEmpty(items)
	items = applyFilters(items, req.Filters)
	if !req.TimeRange.IsZero() {
		items = applyTimeRange(items, req.TimeRange)
	}
	return items, nil
}

func (e *Engine) searchSemantic(ctx context.Context, req Request, allowRerank bool) (*Result, error) {
	items, err := e.semanticCandidates(ctx, req)
	if err != nil {
		// Transient degradation: fall back to keyword retrieval.
		e.log.Warn("semantic search degraded to keyword",
			"channel", req.ChannelID, "error", err)
		res, kerr := e.searchKeyword(ctx, req)
		if kerr != nil {
			return nil, errs.NewSearchError(string(req.Type), req.Query, err)
		}
		return res, nil
	}

	total := len(items)
	if allowRerank {
		items = e.rerankBlend(ctx, req, items)
	}
	if len(items) > req.Limit {
		items = items[:req.Limit]
	}
	return toResult(items, req.Type, total), nil
}

func (e *Engine) searchKeyword(ctx context.Context, req Request) (*Result, error) {
	keywords := Tokenize(req.Query)
	if len(keywords) == 0 {
		return toResult(nil, TypeKeyword, 0), nil
	}

	rows, err := e.store.SearchByKeywords(ctx, req.ChannelID, keywords, req.Limit*semanticOverFetch, req.TimeRange)
	if err != nil {
		return nil, errs.NewSearchError(string(TypeKeyword), req.Query, err)
	}

	items := make([]scored, 0, len(rows))
	for _, row := range rows {
		items = append(items, scored{
			msg:   row.Message,
			score: scoreKeywordMatch(row.Message.Content, req.Query, keywords),
		})
	}
	items = dropEmpty(items)
	items = applyFilters(items, req.Filters)
	sortByScoreDesc(items)

	total := len(items)
	if len(items) > req.Limit {
		items = items[:req.Limit]
	}
	return toResult(items, TypeKeyword, total), nil
}

func (e *Engine) searchHybrid(ctx context.Context, req Request) (*Result, error) {
	semItems, semErr := e.semanticCandidates(ctx, req)
	if semErr != nil {
		e.log.Warn("hybrid search continuing without semantic leg",
			"channel", req.ChannelID, "error", semErr)
	}

	kwRes, kwErr := e.searchKeyword(ctx, Request{
		Query:     req.Query,
		ChannelID: req.ChannelID,
		Type:      TypeKeyword,
		Limit:     req.Limit * 2,
		TimeRange: req.TimeRange,
		Filters:   req.Filters,
	})
	if kwErr != nil && semErr != nil {
		return nil, errs.NewSearchError(string(TypeHybrid), req.Query, kwErr)
	}

	// Union by message id: 50/50 blend plus a bonus for appearing in
	// both result sets.
	type fused struct {
		item   scored
		inBoth bool
	}
	merged := make(map[string]*fused, len(semItems))
	order := make([]string, 0, len(semItems))
	for _, it := range semItems {
		merged[it.msg.MessageID] = &fused{item: scored{msg: it.msg, score: 0.5 * it.score}}
		order = append(order, it.msg.MessageID)
	}
	if kwRes != nil {
		for i, m := range kwRes.Messages {
			if f, ok := merged[m.MessageID]; ok {
				f.item.score += 0.5 * kwRes.RelevanceScores[i]
				f.inBoth = true
			} else {
				merged[m.MessageID] = &fused{item: scored{msg: m, score: 0.5 * kwRes.RelevanceScores[i]}}
				order = append(order, m.MessageID)
			}
		}
	}

	items := make([]scored, 0, len(merged))
	for _, id := range order {
		f := merged[id]
		if f.inBoth {
			f.item.score = clamp01(f.item.score + 0.1)
		}
		items = append(items, f.item)
	}
	sortByScoreDesc(items)

	total := len(items)
	items = e.rerankBlend(ctx, req, items)
	if len(items) > req.Limit {
		items = items[:req.Limit]
	}
	return toResult(items, TypeHybrid, total), nil
}

// rerankBlend optionally reranks the top candidates, blending 70% judge
// score with 30% retrieval score. On rerank failure the original order
// stands.
func (e *Engine) rerankBlend(ctx context.Context, req Request, items []scored) []scored {
	if e.reranker == nil || !e.reranker.Enabled() || len(items) == 0 {
		return items
	}

	n := min(len(items), req.Limit*2)
	cands := make([]rerank.Candidate, n)
	byID := make(map[string]scored, n)
	for i := 0; i < n; i++ {
		cands[i] = rerank.Candidate{
			ID:      items[i].msg.MessageID,
			Content: items[i].msg.Content,
			Score:   items[i].score,
		}
		byID[items[i].msg.MessageID] = items[i]
	}

	ranked, ok := e.reranker.Rerank(ctx, req.Query, cands, 0)
	if !ok {
		return items
	}

	blended := make([]scored, 0, len(ranked))
	for _, r := range ranked {
		orig := byID[r.ID]
		orig.score = rerankWeight*r.RerankScore + originalWeight*r.Score
		blended = append(blended, orig)
	}
	sortByScoreDesc(blended)
	// Candidates beyond the rerank window keep their place after the
	// blended head.
	blended = append(blended, items[n:]...)
	return blended
}

func applyTimeRange(items []scored, tr storage.TimeRange) []scored {
	out := items[:0]
	for _, it := range items {
		if !tr.Start.IsZero() && it.msg.Timestamp.Before(tr.Start) {
			continue
		}
		if !tr.End.IsZero() && it.msg.Timestamp.After(tr.End) {
			continue
		}
		out = append(out, it)
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func sfKey(key uint64) string {
	const digits = "0123456789abcdef"
	var b [16]byte
	for i := 15; i >= 0; i-- {
		b[i] = digits[key&0xf]
		key >>= 4
	}
	return string(b[:])
}
