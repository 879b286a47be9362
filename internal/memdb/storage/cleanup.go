package storage

import (
	"context"
	"strings"
	"time"
)

// CleanupOldData deletes messages older than the retention cutoff and
// reports the deleted ids together with the ids of segments that linked
// any of them, so downstream consumers can prune indices and segment
// rows. retentionDays <= 0 is a no-op.
func (s *Store) CleanupOldData(ctx context.Context, retentionDays int) (CleanupResult, error) {
	var res CleanupResult
	if retentionDays <= 0 {
		return res, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, s.failTx(nil, "cleanup_old_data", "messages", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT message_id, channel_id FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return res, s.failTx(tx, "cleanup_old_data", "messages", err)
	}
	for rows.Next() {
		var id, channel string
		if err := rows.Scan(&id, &channel); err != nil {
			rows.Close()
			return res, s.failTx(tx, "cleanup_old_data", "messages", err)
		}
		res.DeletedMessageIDs = append(res.DeletedMessageIDs, id)
		res.AffectedChannelIDs = append(res.AffectedChannelIDs, channel)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return res, s.failTx(tx, "cleanup_old_data", "messages", err)
	}
	rows.Close()

	if len(res.DeletedMessageIDs) == 0 {
		_ = tx.Rollback()
		return res, nil
	}

	// Segments that referenced any deleted message, before the cascade
	// removes the links.
	for _, batch := range batchIDs(res.DeletedMessageIDs, 500) {
		ph := placeholders(len(batch))
		args := toAnys(batch)
		segRows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT segment_id FROM segment_messages WHERE message_id IN (`+ph+`)`, args...)
		if err != nil {
			return res, s.failTx(tx, "cleanup_old_data", "segment_messages", err)
		}
		for segRows.Next() {
			var id string
			if err := segRows.Scan(&id); err != nil {
				segRows.Close()
				return res, s.failTx(tx, "cleanup_old_data", "segment_messages", err)
			}
			res.AffectedSegmentIDs = append(res.AffectedSegmentIDs, id)
		}
		if err := segRows.Err(); err != nil {
			segRows.Close()
			return res, s.failTx(tx, "cleanup_old_data", "segment_messages", err)
		}
		segRows.Close()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE message_id IN (`+ph+`)`, args...); err != nil {
			return res, s.failTx(tx, "cleanup_old_data", "messages", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE channels SET message_count = (SELECT COUNT(*) FROM messages WHERE messages.channel_id = channels.channel_id)`); err != nil {
		return res, s.failTx(tx, "cleanup_old_data", "channels", err)
	}

	if err := tx.Commit(); err != nil {
		return res, s.failTx(nil, "cleanup_old_data", "messages", err)
	}

	res.AffectedSegmentIDs = dedupe(res.AffectedSegmentIDs)
	res.AffectedChannelIDs = dedupe(res.AffectedChannelIDs)
	s.log.Info("cleanup finished",
		"retention_days", retentionDays,
		"deleted_messages", len(res.DeletedMessageIDs),
		"affected_segments", len(res.AffectedSegmentIDs))
	return res, nil
}

func batchIDs(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAnys(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
