// Package rerank scores (query, candidate) pairs with a cross-encoder
// style judge model behind an OpenAI-compatible chat API: one forward
// pass per pair, reading the "yes"/"no" token log-probabilities and
// taking the softmaxed "yes" probability as the relevance score.
package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/config"
)

const judgeSystemPrompt = "Judge whether the Document meets the requirements based on the Query " +
	"and the Instruct provided. Note that the answer can only be \"yes\" or \"no\"."

// missingLogProb stands in for a token absent from the top log-probs.
const missingLogProb = -20.0

// Candidate is one document to score against the query.
type Candidate struct {
	ID      string
	Content string
	Score   float64 // original retrieval score
}

// Scored is a candidate with its rerank score in [0,1].
type Scored struct {
	Candidate
	RerankScore float64
}

// Reranker scores candidates with the judge model.
type Reranker struct {
	cfg    config.RerankConfig
	client *openai.Client
	log    *slog.Logger
}

// New creates a reranker client. Disabled config yields a reranker whose
// Rerank always reports ok=false.
func New(cfg config.RerankConfig) *Reranker {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		apiCfg.BaseURL = cfg.APIBase
	}
	return &Reranker{
		cfg:    cfg,
		client: openai.NewClientWithConfig(apiCfg),
		log:    slog.With("component", "rerank"),
	}
}

// Enabled reports whether reranking is configured on.
func (r *Reranker) Enabled() bool { return r.cfg.Enabled }

// Rerank scores candidates and returns them sorted descending by rerank
// score, truncated to topK. Ties keep their original relative order. On
// any failure the original order is returned with ok=false and the
// caller should use its own scores.
func (r *Reranker) Rerank(ctx context.Context, query string, cands []Candidate, topK int) ([]Scored, bool) {
	passthrough := func() []Scored {
		out := make([]Scored, len(cands))
		for i, c := range cands {
			out[i] = Scored{Candidate: c, RerankScore: c.Score}
		}
		if topK > 0 && len(out) > topK {
			out = out[:topK]
		}
		return out
	}

	if !r.cfg.Enabled || len(cands) == 0 {
		return passthrough(), false
	}

	// Cap the work before any scoring happens.
	if len(cands) > r.cfg.MaxCandidates {
		cands = cands[:r.cfg.MaxCandidates]
	}

	scores := make([]float64, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.BatchSize, 1))
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			s, err := r.scorePair(gctx, query, c.Content)
			if err != nil {
				return fmt.Errorf("candidate %s: %w", c.ID, err)
			}
			scores[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn("rerank failed, keeping original order", "error", err)
		return passthrough(), false
	}

	out := make([]Scored, len(cands))
	for i, c := range cands {
		out[i] = Scored{Candidate: c, RerankScore: scores[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RerankScore > out[j].RerankScore })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, true
}

// scorePair runs one forward pass and reads the yes/no distribution.
func (r *Reranker) scorePair(ctx context.Context, query, doc string) (float64, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: judgeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("<Query>: %s\n<Document>: %s", query, doc)},
		},
		MaxTokens:   1,
		Temperature: 0,
		LogProbs:    true,
		TopLogProbs: 4,
	})
	if err != nil {
		return 0, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].LogProbs == nil || len(resp.Choices[0].LogProbs.Content) == 0 {
		return 0, fmt.Errorf("no logprobs in response")
	}

	first := resp.Choices[0].LogProbs.Content[0]
	yes, no := missingLogProb, missingLogProb
	found := false
	consider := func(token string, lp float64) {
		switch strings.ToLower(strings.TrimSpace(token)) {
		case "yes":
			if lp > yes {
				yes, found = lp, true
			}
		case "no":
			if lp > no {
				no, found = lp, true
			}
		}
	}
	consider(first.Token, first.LogProb)
	for _, top := range first.TopLogProbs {
		consider(top.Token, top.LogProb)
	}
	if !found {
		return 0, fmt.Errorf("yes/no tokens absent from top logprobs")
	}

	// Two-way softmax; the "yes" probability is the relevance score.
	ey, en := math.Exp(yes), math.Exp(no)
	return ey / (ey + en), nil
}
