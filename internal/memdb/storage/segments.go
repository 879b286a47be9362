package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSegmentWithMessages persists a finalized segment and its message
// links in one transaction: segment upsert-on-conflict plus bulk
// ignore-on-duplicate link insertion. This is the only sanctioned way to
// persist a segment; a partially written segment is never observable.
func (s *Store) CreateSegmentWithMessages(ctx context.Context, seg Segment, links []SegmentLink) error {
	if seg.SegmentID == "" || seg.ChannelID == "" {
		return s.failTx(nil, "create_segment", "conversation_segments", fmt.Errorf("segment id and channel id are required"))
	}
	if seg.EndTime.Before(seg.StartTime) {
		return s.failTx(nil, "create_segment", "conversation_segments", fmt.Errorf("end_time %v before start_time %v", seg.EndTime, seg.StartTime))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.failTx(nil, "create_segment", "conversation_segments", err)
	}

	now := time.Now().Unix()
	var vec []byte
	if len(seg.Vector) > 0 {
		vec = EncodeVector(seg.Vector)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_segments
			(segment_id, channel_id, start_time, end_time, message_count, semantic_coherence_score,
			 activity_level, segment_summary, vector_data, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(segment_id) DO UPDATE SET
			end_time = excluded.end_time,
			message_count = excluded.message_count,
			semantic_coherence_score = excluded.semantic_coherence_score,
			activity_level = excluded.activity_level,
			segment_summary = excluded.segment_summary,
			vector_data = excluded.vector_data,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		seg.SegmentID, seg.ChannelID, seg.StartTime.Unix(), seg.EndTime.Unix(), len(links),
		seg.CoherenceScore, seg.ActivityLevel, seg.Summary, vec, marshalMeta(seg.Metadata), now, now); err != nil {
		return s.failTx(tx, "create_segment", "conversation_segments", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO segment_messages (segment_id, message_id, position_in_segment) VALUES (?, ?, ?)`)
	if err != nil {
		return s.failTx(tx, "create_segment", "segment_messages", err)
	}
	defer stmt.Close()

	for _, l := range links {
		if _, err := stmt.ExecContext(ctx, seg.SegmentID, l.MessageID, l.Position); err != nil {
			return s.failTx(tx, "create_segment", "segment_messages", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.failTx(nil, "create_segment", "conversation_segments", err)
	}
	return nil
}

// GetSegments returns the finalized segments of a channel ordered by
// start time.
func (s *Store) GetSegments(ctx context.Context, channelID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment_id, channel_id, start_time, end_time, message_count, semantic_coherence_score,
			activity_level, segment_summary, vector_data, metadata, created_at, updated_at
		 FROM conversation_segments WHERE channel_id = ? ORDER BY start_time ASC`, channelID)
	if err != nil {
		return nil, s.failTx(nil, "get_segments", "conversation_segments", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, s.failTx(nil, "get_segments", "conversation_segments", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// SegmentMessageIDs returns the linked message ids of a segment in
// position order.
func (s *Store) SegmentMessageIDs(ctx context.Context, segmentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM segment_messages WHERE segment_id = ? ORDER BY position_in_segment ASC`, segmentID)
	if err != nil {
		return nil, s.failTx(nil, "segment_message_ids", "segment_messages", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.failTx(nil, "segment_message_ids", "segment_messages", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSegments removes segments (links cascade).
func (s *Store) DeleteSegments(ctx context.Context, segmentIDs []string) error {
	if len(segmentIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.failTx(nil, "delete_segments", "conversation_segments", err)
	}
	for _, id := range segmentIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_segments WHERE segment_id = ?`, id); err != nil {
			return s.failTx(tx, "delete_segments", "conversation_segments", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.failTx(nil, "delete_segments", "conversation_segments", err)
	}
	return nil
}

func scanSegment(rows *sql.Rows) (Segment, error) {
	var (
		seg                  Segment
		startT, endT         int64
		createdAt, updatedAt int64
		vec                  []byte
		meta                 string
	)
	if err := rows.Scan(&seg.SegmentID, &seg.ChannelID, &startT, &endT, &seg.MessageCount,
		&seg.CoherenceScore, &seg.ActivityLevel, &seg.Summary, &vec, &meta, &createdAt, &updatedAt); err != nil {
		return Segment{}, err
	}
	seg.StartTime = time.Unix(startT, 0)
	seg.EndTime = time.Unix(endT, 0)
	seg.CreatedAt = time.Unix(createdAt, 0)
	seg.UpdatedAt = time.Unix(updatedAt, 0)
	if len(vec) > 0 {
		seg.Vector = DecodeVector(vec)
	}
	seg.Metadata = unmarshalMeta(meta)
	return seg, nil
}
