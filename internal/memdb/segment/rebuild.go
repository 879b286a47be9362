package segment

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
)

const rebuildPageSize = 500

// RebuildResult summarizes one channel's offline rebuild.
type RebuildResult struct {
	ChannelID string `json:"channel_id"`
	Messages  int    `json:"messages"`
	Segments  int    `json:"segments"`
}

// Rebuild re-derives segments for the given channels from stored
// history, replaying every message in timestamp order through the same
// split predicate used online. Existing segments of each channel are
// dropped first. Channels run in parallel up to the given limit.
func (s *Segmenter) Rebuild(ctx context.Context, channelIDs []string, parallelism int) ([]RebuildResult, error) {
	if parallelism <= 0 {
		parallelism = 4
	}
	results := make([]RebuildResult, len(channelIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, ch := range channelIDs {
		i, ch := i, ch
		g.Go(func() error {
			res, err := s.rebuildChannel(ctx, ch)
			if err != nil {
				return fmt.Errorf("rebuild channel %s: %w", ch, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Segmenter) rebuildChannel(ctx context.Context, channelID string) (RebuildResult, error) {
	res := RebuildResult{ChannelID: channelID}

	old, err := s.store.GetSegments(ctx, channelID)
	if err != nil {
		return res, err
	}
	if len(old) > 0 {
		ids := make([]string, len(old))
		for i, seg := range old {
			ids[i] = seg.SegmentID
		}
		if err := s.store.DeleteSegments(ctx, ids); err != nil {
			return res, err
		}
	}

	msgs, err := s.channelHistory(ctx, channelID)
	if err != nil {
		return res, err
	}
	res.Messages = len(msgs)
	if len(msgs) == 0 {
		return res, nil
	}

	vecByMsg := s.loadVectors(ctx, channelID)

	s.Discard(channelID)
	for _, m := range msgs {
		seg, err := s.Observe(ctx, m, vecByMsg[m.MessageID])
		if err != nil {
			return res, err
		}
		if seg != nil {
			res.Segments++
		}
	}
	if seg, err := s.Flush(ctx, channelID); err != nil {
		return res, err
	} else if seg != nil {
		res.Segments++
	}
	return res, nil
}

// channelHistory pages the full message history, oldest first. Paging
// runs on a compound (timestamp, message_id) cursor so bursts of
// same-second messages straddling a page boundary are not dropped.
func (s *Segmenter) channelHistory(ctx context.Context, channelID string) ([]storage.Message, error) {
	var all []storage.Message
	var (
		beforeTS time.Time
		beforeID string
	)
	for {
		page, err := s.store.MessagesBefore(ctx, channelID, rebuildPageSize, beforeTS, beforeID)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		last := page[len(page)-1]
		if len(page) < rebuildPageSize {
			break
		}
		beforeTS, beforeID = last.Timestamp, last.MessageID
	}
	// Pages arrive newest first; flip to replay order.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// loadVectors fetches stored embeddings keyed by message id. Absent or
// unreadable vectors are tolerated; affected messages just skip the
// semantic predicate.
func (s *Segmenter) loadVectors(ctx context.Context, channelID string) map[string][]float32 {
	embs, err := s.store.GetEmbeddingsByChannel(ctx, channelID, "")
	if err != nil {
		s.log.Warn("rebuild without stored vectors", "channel", channelID, "error", err)
		return nil
	}
	out := make(map[string][]float32, len(embs))
	for _, e := range embs {
		out[e.MessageID] = e.Vector
	}
	return out
}
