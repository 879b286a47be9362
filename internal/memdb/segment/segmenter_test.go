package segment

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/config"
	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
)

// topicEncoder embeds text as a one-hot over two topics so similarity
// is 1 within a topic and 0 across topics.
type topicEncoder struct{}

func (topicEncoder) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = topicVec(t)
	}
	return out, nil
}

func topicVec(text string) []float32 {
	if strings.Contains(strings.ToLower(text), "cooking") {
		return []float32{0, 1}
	}
	return []float32{1, 0}
}

func testCfg() config.SegmentationConfig {
	return config.SegmentationConfig{
		Strategy: "hybrid",
		DynamicInterval: config.DynamicIntervalConfig{
			MinMinutes:  5,
			MaxMinutes:  120,
			BaseMinutes: 30,
		},
		SemanticThreshold:  config.SemanticThresholdConfig{SimilarityCutoff: 0.55},
		MaxSegmentMessages: 100,
		MinSegmentMessages: 3,
		ActivityMultiplier: 0.7,
	}
}

func openSegStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(filepath.Join(t.TempDir(), "memory.db"), 4)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func segMsg(id, channel, user, content string, ts time.Time) storage.Message {
	return storage.Message{
		MessageID:   id,
		ChannelID:   channel,
		UserID:      user,
		Content:     content,
		Timestamp:   ts,
		MessageType: "user",
	}
}

func storeAll(t *testing.T, st *storage.Store, msgs []storage.Message) {
	t.Helper()
	if err := st.AddMessages(context.Background(), msgs); err != nil {
		t.Fatalf("store messages: %v", err)
	}
}

// 60 on-topic messages from 5 users inside 2 minutes must stay one open
// segment; the first off-topic message triggers the split.
func TestHybrid_HighActivitySingleSegmentUntilTopicShift(t *testing.T) {
	st := openSegStore(t)
	seg, err := New(st, topicEncoder{}, testCfg())
	if err != nil {
		t.Fatalf("new segmenter: %v", err)
	}

	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	users := []string{"u1", "u2", "u3", "u4", "u5"}

	var msgs []storage.Message
	for i := 0; i < 60; i++ {
		m := segMsg(
			msgID(i), "ch1", users[i%len(users)],
			"more thoughts on the database migration plan",
			base.Add(time.Duration(i*2)*time.Second),
		)
		msgs = append(msgs, m)
	}
	storeAll(t, st, msgs)

	for _, m := range msgs {
		done, err := seg.Observe(ctx, m, topicVec(m.Content))
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if done != nil {
			t.Fatalf("premature split at %s", m.MessageID)
		}
	}

	shift := segMsg("m-shift", "ch1", "u1",
		"anyone got a good cooking recipe for tonight",
		base.Add(3*time.Minute))
	storeAll(t, st, []storage.Message{shift})

	done, err := seg.Observe(ctx, shift, topicVec(shift.Content))
	if err != nil {
		t.Fatalf("observe shift: %v", err)
	}
	if done == nil {
		t.Fatal("topic shift did not split")
	}
	if done.MessageCount != 60 {
		t.Fatalf("finalized count = %d, want 60", done.MessageCount)
	}
	if done.EndTime.Before(done.StartTime) {
		t.Fatalf("inverted times: %v > %v", done.StartTime, done.EndTime)
	}
	if done.CoherenceScore < 0.99 {
		t.Fatalf("coherence = %v, want ~1 for identical topic", done.CoherenceScore)
	}

	ids, err := st.SegmentMessageIDs(ctx, done.SegmentID)
	if err != nil {
		t.Fatalf("segment links: %v", err)
	}
	if len(ids) != done.MessageCount {
		t.Fatalf("links = %d, count = %d", len(ids), done.MessageCount)
	}
}

func TestTimeOnly_SplitsAfterInterval(t *testing.T) {
	st := openSegStore(t)
	cfg := testCfg()
	cfg.Strategy = "time_only"
	seg, err := New(st, nil, cfg)
	if err != nil {
		t.Fatalf("new segmenter: %v", err)
	}

	ctx := context.Background()
	base := time.Now().Add(-3 * time.Hour)
	m1 := segMsg("t1", "ch1", "u1", "morning standup notes", base)
	m2 := segMsg("t2", "ch1", "u1", "still in the morning", base.Add(time.Minute))
	m3 := segMsg("t3", "ch1", "u1", "afternoon topic", base.Add(2*time.Hour))
	storeAll(t, st, []storage.Message{m1, m2, m3})

	for _, m := range []storage.Message{m1, m2} {
		if done, err := seg.Observe(ctx, m, nil); err != nil || done != nil {
			t.Fatalf("observe %s: done=%v err=%v", m.MessageID, done, err)
		}
	}
	done, err := seg.Observe(ctx, m3, nil)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if done == nil {
		t.Fatal("two hour gap did not split")
	}
	if done.MessageCount != 2 {
		t.Fatalf("count = %d, want 2", done.MessageCount)
	}
}

func TestFlush_PersistsOpenSegment(t *testing.T) {
	st := openSegStore(t)
	seg, err := New(st, topicEncoder{}, testCfg())
	if err != nil {
		t.Fatalf("new segmenter: %v", err)
	}

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	var msgs []storage.Message
	for i := 0; i < 4; i++ {
		msgs = append(msgs, segMsg(msgID(i), "ch1", "u1", "notes about deployment", base.Add(time.Duration(i)*time.Minute)))
	}
	storeAll(t, st, msgs)
	for _, m := range msgs {
		if _, err := seg.Observe(ctx, m, topicVec(m.Content)); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}

	done, err := seg.Flush(ctx, "ch1")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if done == nil || done.MessageCount != 4 {
		t.Fatalf("flush result = %+v", done)
	}

	// Flushing again is a no-op.
	again, err := seg.Flush(ctx, "ch1")
	if err != nil || again != nil {
		t.Fatalf("second flush: seg=%v err=%v", again, err)
	}
}

func TestRebuild_ReplaysHistory(t *testing.T) {
	st := openSegStore(t)
	cfg := testCfg()
	cfg.Strategy = "time_only"
	seg, err := New(st, nil, cfg)
	if err != nil {
		t.Fatalf("new segmenter: %v", err)
	}

	ctx := context.Background()
	base := time.Now().Add(-12 * time.Hour).Truncate(time.Second)

	// Two bursts separated by a three hour gap: rebuild must produce
	// exactly two segments.
	var msgs []storage.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, segMsg(msgID(i), "ch1", "u1", "first burst", base.Add(time.Duration(i)*time.Minute)))
	}
	for i := 5; i < 10; i++ {
		msgs = append(msgs, segMsg(msgID(i), "ch1", "u2", "second burst", base.Add(3*time.Hour+time.Duration(i)*time.Minute)))
	}
	storeAll(t, st, msgs)

	results, err := seg.Rebuild(ctx, []string{"ch1"}, 2)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(results) != 1 || results[0].Messages != 10 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Segments != 2 {
		t.Fatalf("segments = %d, want 2", results[0].Segments)
	}

	segs, err := st.GetSegments(ctx, "ch1")
	if err != nil {
		t.Fatalf("get segments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("stored segments = %d, want 2", len(segs))
	}

	// Running again replaces, never duplicates.
	if _, err := seg.Rebuild(ctx, []string{"ch1"}, 2); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	segs, err = st.GetSegments(ctx, "ch1")
	if err != nil {
		t.Fatalf("get segments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments after second rebuild = %d, want 2", len(segs))
	}
}

// A same-second burst larger than one history page must replay in
// full; the pager keys on (timestamp, message_id), not timestamp alone.
func TestRebuild_SameSecondBurstSpansPages(t *testing.T) {
	st := openSegStore(t)
	cfg := testCfg()
	cfg.Strategy = "time_only"
	cfg.MaxSegmentMessages = 1000
	seg, err := New(st, nil, cfg)
	if err != nil {
		t.Fatalf("new segmenter: %v", err)
	}

	ctx := context.Background()
	ts := time.Now().Add(-time.Hour).Truncate(time.Second)

	const burst = rebuildPageSize + 10
	msgs := make([]storage.Message, 0, burst)
	for i := 0; i < burst; i++ {
		msgs = append(msgs, segMsg(msgID(i), "ch1", "u1", "burst", ts))
	}
	storeAll(t, st, msgs)

	results, err := seg.Rebuild(ctx, []string{"ch1"}, 1)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(results) != 1 || results[0].Messages != burst {
		t.Fatalf("replayed %d messages, want %d", results[0].Messages, burst)
	}

	segs, err := st.GetSegments(ctx, "ch1")
	if err != nil {
		t.Fatalf("get segments: %v", err)
	}
	total := 0
	for _, s := range segs {
		total += s.MessageCount
	}
	if total != burst {
		t.Errorf("segments link %d messages, want %d", total, burst)
	}
}

func TestSanitizeSegmentID(t *testing.T) {
	cases := map[string]string{
		"abc":          "seg_abc",
		"seg_abc":      "seg_abc",
		"seg_seg_abc":  "seg_abc",
		"seg_seg_seg_": "seg_",
	}
	for in, want := range cases {
		if got := sanitizeSegmentID(in); got != want {
			t.Errorf("sanitizeSegmentID(%q) = %q, want %q", in, got, want)
		}
	}
}

func msgID(i int) string {
	return "m-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}
