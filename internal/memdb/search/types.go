package search

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
)

// Type selects the retrieval strategy.
type Type string

const (
	TypeSemantic Type = "semantic"
	TypeKeyword  Type = "keyword"
	TypeHybrid   Type = "hybrid"
	TypeTemporal Type = "temporal"
)

// Request describes one search call.
type Request struct {
	Query     string
	ChannelID string
	Type      Type
	Limit     int
	Threshold float64
	TimeRange storage.TimeRange
	Filters   map[string]string // message_type, user_id
}

// Result carries the ranked messages with their parallel scores.
// len(Messages) == len(RelevanceScores) always, in the same order, and
// no message has empty or whitespace-only content.
type Result struct {
	Messages        []storage.Message `json:"messages"`
	RelevanceScores []float64         `json:"relevance_scores"`
	TotalFound      int               `json:"total_found"`
	Method          Type              `json:"search_method"`
	CacheHit        bool              `json:"cache_hit"`
	Elapsed         time.Duration     `json:"elapsed"`
}

// cacheKey builds a stable hash over every request field that affects
// the result set.
func (r Request) cacheKey() uint64 {
	var sb strings.Builder
	sb.WriteString(r.Query)
	sb.WriteByte(0)
	sb.WriteString(r.ChannelID)
	sb.WriteByte(0)
	sb.WriteString(string(r.Type))
	fmt.Fprintf(&sb, "|%d|%g", r.Limit, r.Threshold)
	if !r.TimeRange.IsZero() {
		fmt.Fprintf(&sb, "|%d-%d", r.TimeRange.Start.Unix(), r.TimeRange.End.Unix())
	}
	if len(r.Filters) > 0 {
		keys := make([]string, 0, len(r.Filters))
		for k := range r.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "|%s=%s", k, r.Filters[k])
		}
	}

	h := fnv.New64a()
	h.Write([]byte(sb.String()))
	return h.Sum64()
}

// scored pairs a message with its working score during ranking.
type scored struct {
	msg   storage.Message
	score float64
}

func toResult(items []scored, method Type, total int) *Result {
	res := &Result{
		Messages:        make([]storage.Message, len(items)),
		RelevanceScores: make([]float64, len(items)),
		TotalFound:      total,
		Method:          method,
	}
	for i, it := range items {
		res.Messages[i] = it.msg
		res.RelevanceScores[i] = it.score
	}
	return res
}

// dropEmpty removes messages with empty or whitespace-only content.
func dropEmpty(items []scored) []scored {
	out := items[:0]
	for _, it := range items {
		if strings.TrimSpace(it.msg.Content) == "" {
			continue
		}
		out = append(out, it)
	}
	return out
}

// applyFilters keeps only messages matching the request's metadata
// filters.
func applyFilters(items []scored, filters map[string]string) []scored {
	if len(filters) == 0 {
		return items
	}
	out := items[:0]
	for _, it := range items {
		if v, ok := filters["user_id"]; ok && it.msg.UserID != v {
			continue
		}
		if v, ok := filters["message_type"]; ok && it.msg.MessageType != v {
			continue
		}
		out = append(out, it)
	}
	return out
}

func sortByScoreDesc(items []scored) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })
}
