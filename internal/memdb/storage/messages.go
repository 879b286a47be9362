package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// StoreMessage upserts a single message. Redelivery of the same message
// id replaces the row, so repeated ingestion is idempotent.
func (s *Store) StoreMessage(ctx context.Context, msg Message) error {
	return s.AddMessages(ctx, []Message{msg})
}

// AddMessages upserts a batch of messages in one transaction, creating
// channel rows on first sight and bumping channel counters.
func (s *Store) AddMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.failTx(nil, "add_messages", "messages", err)
	}

	now := time.Now().Unix()
	for _, m := range msgs {
		if m.MessageID == "" || m.ChannelID == "" {
			return s.failTx(tx, "add_messages", "messages", fmt.Errorf("message id and channel id are required"))
		}
		vecEnabled := 0
		if s.defVectorEnabled {
			vecEnabled = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channels (channel_id, guild_id, created_at, last_active, message_count, vector_enabled, config_profile)
			 VALUES (?, ?, ?, ?, 0, ?, ?)
			 ON CONFLICT(channel_id) DO UPDATE SET last_active = excluded.last_active`,
			m.ChannelID, metaGuild(m), now, now, vecEnabled, s.defProfile); err != nil {
			return s.failTx(tx, "add_messages", "channels", err)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (message_id, channel_id, user_id, content, content_processed, timestamp, message_type, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(message_id) DO UPDATE SET
				content = excluded.content,
				content_processed = excluded.content_processed,
				message_type = excluded.message_type,
				metadata = excluded.metadata`,
			m.MessageID, m.ChannelID, m.UserID, m.Content, m.ContentProcessed,
			m.Timestamp.Unix(), messageType(m), marshalMeta(m.Metadata))
		if err != nil {
			return s.failTx(tx, "add_messages", "messages", err)
		}

		// Recompute rather than increment so a replaced row does not
		// double count.
		if _, err := tx.ExecContext(ctx,
			`UPDATE channels SET message_count = (SELECT COUNT(*) FROM messages WHERE channel_id = ?), last_active = ? WHERE channel_id = ?`,
			m.ChannelID, m.Timestamp.Unix(), m.ChannelID); err != nil {
			return s.failTx(tx, "add_messages", "channels", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.failTx(nil, "add_messages", "messages", err)
	}
	return nil
}

func metaGuild(m Message) string {
	if m.Metadata != nil {
		return m.Metadata["guild_id"]
	}
	return ""
}

func messageType(m Message) string {
	if m.MessageType == "" {
		return "default"
	}
	return m.MessageType
}

// GetMessages returns up to limit messages for a channel, newest first,
// optionally bounded by (before, after) timestamps.
func (s *Store) GetMessages(ctx context.Context, channelID string, limit int, before, after time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT message_id, channel_id, user_id, content, content_processed, timestamp, message_type, metadata
		FROM messages WHERE channel_id = ?`
	args := []any{channelID}
	if !before.IsZero() {
		q += ` AND timestamp < ?`
		args = append(args, before.Unix())
	}
	if !after.IsZero() {
		q += ` AND timestamp > ?`
		args = append(args, after.Unix())
	}
	q += ` ORDER BY timestamp DESC, message_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.failTx(nil, "get_messages", "messages", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MessagesBefore pages a channel's history newest first on a compound
// (timestamp, message_id) cursor. Timestamps have second granularity,
// so a run of equal timestamps can exceed a page; the id component
// keeps the cursor strictly monotonic and no row is skipped or
// repeated. Zero beforeTS starts from the newest message.
func (s *Store) MessagesBefore(ctx context.Context, channelID string, limit int, beforeTS time.Time, beforeID string) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT message_id, channel_id, user_id, content, content_processed, timestamp, message_type, metadata
		FROM messages WHERE channel_id = ?`
	args := []any{channelID}
	if !beforeTS.IsZero() {
		q += ` AND (timestamp < ? OR (timestamp = ? AND message_id < ?))`
		args = append(args, beforeTS.Unix(), beforeTS.Unix(), beforeID)
	}
	q += ` ORDER BY timestamp DESC, message_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.failTx(nil, "messages_before", "messages", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GetMessagesByIDs hydrates full rows for the given ids, preserving the
// input order. Unknown ids are skipped.
func (s *Store) GetMessagesByIDs(ctx context.Context, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, channel_id, user_id, content, content_processed, timestamp, message_type, metadata
		 FROM messages WHERE message_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, s.failTx(nil, "get_messages_by_ids", "messages", err)
	}
	defer rows.Close()

	fetched, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Message, len(fetched))
	for _, m := range fetched {
		byID[m.MessageID] = m
	}
	ordered := make([]Message, 0, len(fetched))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
		}
	}
	return ordered, nil
}

// GetChannel returns channel metadata, or nil if unknown.
func (s *Store) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT channel_id, guild_id, created_at, last_active, message_count, vector_enabled, config_profile, metadata
		 FROM channels WHERE channel_id = ?`, channelID)

	var (
		c                     Channel
		createdAt, lastActive int64
		vectorEnabled         int
		meta                  string
	)
	err := row.Scan(&c.ChannelID, &c.GuildID, &createdAt, &lastActive, &c.MessageCount, &vectorEnabled, &c.ConfigProfile, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.failTx(nil, "get_channel", "channels", err)
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.LastActive = time.Unix(lastActive, 0)
	c.VectorEnabled = vectorEnabled != 0
	c.Metadata = unmarshalMeta(meta)
	return &c, nil
}

// ListChannels returns all known channel ids.
func (s *Store) ListChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id FROM channels ORDER BY channel_id`)
	if err != nil {
		return nil, s.failTx(nil, "list_channels", "channels", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.failTx(nil, "list_channels", "channels", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteChannelData removes a channel and everything cascading from it.
// This is the explicit memory-clear path; channels are otherwise never
// hard-deleted.
func (s *Store) DeleteChannelData(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = ?`, channelID); err != nil {
		return s.failTx(nil, "delete_channel_data", "channels", err)
	}
	s.log.Info("channel data cleared", "channel", channelID)
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			m    Message
			ts   int64
			meta string
		)
		if err := rows.Scan(&m.MessageID, &m.ChannelID, &m.UserID, &m.Content, &m.ContentProcessed, &ts, &m.MessageType, &meta); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		m.Metadata = unmarshalMeta(meta)
		out = append(out, m)
	}
	return out, rows.Err()
}
