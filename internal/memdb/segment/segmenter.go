// Package segment groups channel messages into coherent conversation
// segments. Each channel has at most one open segment; every new
// message either continues it or triggers an atomic finalize-and-split.
package segment

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/config"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/vector"
)

// Strategy selects the split predicate.
type Strategy int

const (
	TimeOnly Strategy = iota
	SemanticOnly
	Hybrid
	Adaptive
)

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "time_only":
		return TimeOnly, nil
	case "semantic_only":
		return SemanticOnly, nil
	case "hybrid":
		return Hybrid, nil
	case "adaptive", "":
		return Adaptive, nil
	default:
		return Adaptive, fmt.Errorf("parse segmentation strategy %q: unknown value", s)
	}
}

func (s Strategy) String() string {
	switch s {
	case TimeOnly:
		return "time_only"
	case SemanticOnly:
		return "semantic_only"
	case Hybrid:
		return "hybrid"
	default:
		return "adaptive"
	}
}

// Encoder embeds representative text for segment vectors.
type Encoder interface {
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Representative text is built from the first messages of a segment,
// capped so the embedding input stays bounded.
const (
	repTextMessages = 5
	repTextMaxRunes = 1024
)

const lockShards = 16

// active is the open segment of one channel.
type active struct {
	id      string
	start   time.Time
	end     time.Time
	msgs    []storage.Message
	vecs    [][]float32 // parallel to msgs; nil entries allowed
	repText string
	repVec  []float32
}

// Segmenter runs the segmentation state machine. All decisions for one
// channel are serialized through a sharded lock keyed by channel id.
type Segmenter struct {
	store    *storage.Store
	encoder  Encoder
	strategy Strategy
	cfg      config.SegmentationConfig
	log      *slog.Logger

	shards [lockShards]sync.Mutex
	mu     sync.Mutex // guards open
	open   map[string]*active
}

// New creates a segmenter. encoder may be nil; segment vectors are then
// omitted and semantic predicates never fire.
func New(store *storage.Store, encoder Encoder, cfg config.SegmentationConfig) (*Segmenter, error) {
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return &Segmenter{
		store:    store,
		encoder:  encoder,
		strategy: strategy,
		cfg:      cfg,
		log:      slog.With("component", "segment"),
		open:     make(map[string]*active),
	}, nil
}

// Strategy reports the configured split strategy.
func (s *Segmenter) Strategy() Strategy { return s.strategy }

func (s *Segmenter) shard(channelID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(channelID))
	return &s.shards[h.Sum32()%lockShards]
}

func (s *Segmenter) get(channelID string) *active {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[channelID]
}

func (s *Segmenter) set(channelID string, a *active) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a == nil {
		delete(s.open, channelID)
	} else {
		s.open[channelID] = a
	}
}

// Observe feeds one message through the state machine. vec is the
// message's embedding and may be nil. When the message triggers a
// split, the finalized segment is persisted atomically and returned;
// otherwise the return is nil.
func (s *Segmenter) Observe(ctx context.Context, msg storage.Message, vec []float32) (*storage.Segment, error) {
	mu := s.shard(msg.ChannelID)
	mu.Lock()
	defer mu.Unlock()

	cur := s.get(msg.ChannelID)
	if cur == nil {
		s.set(msg.ChannelID, s.openSegment(msg, vec))
		return nil, nil
	}

	if !s.shouldSplit(cur, msg, vec) {
		s.append(cur, msg, vec)
		return nil, nil
	}

	seg, err := s.finalize(ctx, cur)
	if err != nil {
		return nil, err
	}
	s.set(msg.ChannelID, s.openSegment(msg, vec))
	return seg, nil
}

// Flush finalizes the open segment of a channel, if any.
func (s *Segmenter) Flush(ctx context.Context, channelID string) (*storage.Segment, error) {
	mu := s.shard(channelID)
	mu.Lock()
	defer mu.Unlock()

	cur := s.get(channelID)
	if cur == nil {
		return nil, nil
	}
	seg, err := s.finalize(ctx, cur)
	if err != nil {
		return nil, err
	}
	s.set(channelID, nil)
	return seg, nil
}

// FlushAll finalizes every open segment. Per-channel failures are
// logged and the rest proceed.
func (s *Segmenter) FlushAll(ctx context.Context) {
	s.mu.Lock()
	channels := make([]string, 0, len(s.open))
	for ch := range s.open {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		if _, err := s.Flush(ctx, ch); err != nil {
			s.log.Error("flush open segment", "channel", ch, "error", err)
		}
	}
}

// Discard drops the open segment of a channel without persisting it.
func (s *Segmenter) Discard(channelID string) {
	mu := s.shard(channelID)
	mu.Lock()
	defer mu.Unlock()
	s.set(channelID, nil)
}

func (s *Segmenter) openSegment(msg storage.Message, vec []float32) *active {
	a := &active{
		id:    newSegmentID(),
		start: msg.Timestamp,
		end:   msg.Timestamp,
	}
	s.append(a, msg, vec)
	return a
}

func (s *Segmenter) append(a *active, msg storage.Message, vec []float32) {
	a.msgs = append(a.msgs, msg)
	a.vecs = append(a.vecs, vec)
	if msg.Timestamp.After(a.end) {
		a.end = msg.Timestamp
	}
	if msg.Timestamp.Before(a.start) {
		a.start = msg.Timestamp
	}
	if len(a.msgs) <= repTextMessages {
		a.repText = buildRepText(a.msgs)
		a.repVec = nil
	}
}

func buildRepText(msgs []storage.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i >= repTextMessages {
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Content)
	}
	runes := []rune(sb.String())
	if len(runes) > repTextMaxRunes {
		runes = runes[:repTextMaxRunes]
	}
	return string(runes)
}

func (s *Segmenter) shouldSplit(a *active, msg storage.Message, vec []float32) bool {
	activity := activityLevel(a.msgs)

	timeSplit := msg.Timestamp.Sub(a.end) > s.interval(activity)
	semSplit := s.semanticDrift(a, vec)
	capSplit := s.cfg.MaxSegmentMessages > 0 && len(a.msgs) >= s.cfg.MaxSegmentMessages

	switch s.strategy {
	case TimeOnly:
		return timeSplit
	case SemanticOnly:
		return semSplit || capSplit
	case Hybrid:
		return timeSplit || semSplit || capSplit
	default: // Adaptive
		if capSplit {
			return true
		}
		// A quiet channel with a still-small segment keeps
		// accumulating; splitting tiny fragments helps nobody.
		if activity < 0.2 && len(a.msgs) < s.cfg.MinSegmentMessages {
			return false
		}
		return timeSplit || semSplit
	}
}

// interval computes the dynamic split interval. High activity shrinks
// it so busy channels segment more eagerly.
func (s *Segmenter) interval(activity float64) time.Duration {
	minutes := s.cfg.DynamicInterval.BaseMinutes * (1 - activity*s.cfg.ActivityMultiplier)
	if minutes < s.cfg.DynamicInterval.MinMinutes {
		minutes = s.cfg.DynamicInterval.MinMinutes
	}
	if minutes > s.cfg.DynamicInterval.MaxMinutes {
		minutes = s.cfg.DynamicInterval.MaxMinutes
	}
	return time.Duration(minutes * float64(time.Minute))
}

// semanticDrift reports whether the new message moved away from the
// segment's representative text.
func (s *Segmenter) semanticDrift(a *active, vec []float32) bool {
	if vec == nil || s.encoder == nil {
		return false
	}
	if a.repVec == nil {
		vecs, err := s.encoder.EncodeBatch(context.Background(), []string{a.repText})
		if err != nil || len(vecs) == 0 {
			return false
		}
		a.repVec = vector.Normalize(vecs[0])
	}
	sim := vector.CosineSimilarity(a.repVec, vector.Normalize(vec))
	return sim < s.cfg.SemanticThreshold.SimilarityCutoff
}

// finalize persists the segment and its links in one transaction.
func (s *Segmenter) finalize(ctx context.Context, a *active) (*storage.Segment, error) {
	a.id = sanitizeSegmentID(a.id)
	seg := storage.Segment{
		SegmentID:      a.id,
		ChannelID:      a.msgs[0].ChannelID,
		StartTime:      a.start,
		EndTime:        a.end,
		MessageCount:   len(a.msgs),
		CoherenceScore: coherence(a.vecs),
		ActivityLevel:  activityLevel(a.msgs),
		Summary:        a.repText,
	}

	if s.encoder != nil && a.repText != "" {
		vecs, err := s.encoder.EncodeBatch(ctx, []string{a.repText})
		if err != nil {
			s.log.Warn("segment vector skipped", "segment", a.id, "error", err)
		} else if len(vecs) == 1 {
			seg.Vector = vector.Normalize(vecs[0])
		}
	}

	links := make([]storage.SegmentLink, len(a.msgs))
	for i, m := range a.msgs {
		links[i] = storage.SegmentLink{SegmentID: a.id, MessageID: m.MessageID, Position: i}
	}

	if err := s.store.CreateSegmentWithMessages(ctx, seg, links); err != nil {
		return nil, fmt.Errorf("finalize segment %s: %w", a.id, err)
	}
	s.log.Debug("segment finalized",
		"channel", seg.ChannelID, "segment", seg.SegmentID,
		"messages", seg.MessageCount, "coherence", seg.CoherenceScore)
	return &seg, nil
}

// coherence is the mean cosine similarity of adjacent message pairs.
// Pairs with a missing vector are skipped; a segment with fewer than
// two vectors scores a neutral 1.
func coherence(vecs [][]float32) float64 {
	sum := 0.0
	pairs := 0
	for i := 1; i < len(vecs); i++ {
		if vecs[i-1] == nil || vecs[i] == nil {
			continue
		}
		sum += vector.CosineSimilarity(vecs[i-1], vecs[i])
		pairs++
	}
	if pairs == 0 {
		return 1
	}
	return sum / float64(pairs)
}

const segmentIDPrefix = "seg_"

func newSegmentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return segmentIDPrefix + id.String()
}

// sanitizeSegmentID normalizes an externally supplied id to carry the
// prefix exactly once.
func sanitizeSegmentID(id string) string {
	for strings.HasPrefix(id, segmentIDPrefix) {
		id = strings.TrimPrefix(id, segmentIDPrefix)
	}
	return segmentIDPrefix + id
}
