package storage

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// SearchByKeywords runs a multi-keyword LIKE match over a channel's
// messages and returns rows with a coarse match score: the fraction of
// keywords present in the content. Finer ranking happens in the search
// engine.
func (s *Store) SearchByKeywords(ctx context.Context, channelID string, keywords []string, limit int, tr TimeRange) ([]ScoredMessage, error) {
	kws := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k != "" {
			kws = append(kws, "%"+escapeLike(k)+"%")
		}
	}
	if len(kws) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	// One LIKE clause per keyword; any match qualifies the row, the
	// per-row score counts how many matched.
	like := `(lower(content) LIKE ? ESCAPE '\')`
	scoreExpr := make([]string, len(kws))
	condExpr := make([]string, len(kws))
	for i := range kws {
		scoreExpr[i] = like
		condExpr[i] = like
	}

	q := `SELECT message_id, channel_id, user_id, content, content_processed, timestamp, message_type, metadata,
		(` + strings.Join(scoreExpr, " + ") + `) * 1.0 / ` + strconv.Itoa(len(kws)) + ` AS match_score
		FROM messages WHERE channel_id = ? AND (` + strings.Join(condExpr, " OR ") + `)`

	args := make([]any, 0, 2*len(kws)+4)
	for _, pat := range kws { // score expression binds
		args = append(args, pat)
	}
	args = append(args, channelID)
	for _, pat := range kws { // WHERE clause binds
		args = append(args, pat)
	}

	if !tr.Start.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, tr.Start.Unix())
	}
	if !tr.End.IsZero() {
		q += ` AND timestamp <= ?`
		args = append(args, tr.End.Unix())
	}
	q += ` ORDER BY match_score DESC, timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.failTx(nil, "search_by_keywords", "messages", err)
	}
	defer rows.Close()

	var out []ScoredMessage
	for rows.Next() {
		var (
			m     Message
			ts    int64
			meta  string
			score float64
		)
		if err := rows.Scan(&m.MessageID, &m.ChannelID, &m.UserID, &m.Content, &m.ContentProcessed, &ts, &m.MessageType, &meta, &score); err != nil {
			return nil, s.failTx(nil, "search_by_keywords", "messages", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Metadata = unmarshalMeta(meta)
		out = append(out, ScoredMessage{Message: m, Score: score})
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
