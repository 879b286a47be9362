package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// StoreEmbedding upserts the vector for a (message, model) pair. A
// re-embedding or migration replaces the row wholesale.
func (s *Store) StoreEmbedding(ctx context.Context, e Embedding) error {
	if e.MessageID == "" {
		return s.failTx(nil, "store_embedding", "embeddings", fmt.Errorf("message id is required"))
	}
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.Dimension == 0 {
		e.Dimension = len(e.Vector)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (id, message_id, channel_id, vector_data, model_version, dimension, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id, model_version) DO UPDATE SET
			vector_data = excluded.vector_data,
			dimension = excluded.dimension,
			created_at = excluded.created_at`,
		e.ID, e.MessageID, e.ChannelID, EncodeVector(e.Vector), e.ModelVersion, e.Dimension, time.Now().Unix())
	if err != nil {
		return s.failTx(nil, "store_embedding", "embeddings", err)
	}
	return nil
}

// GetEmbeddingsByChannel returns all stored embeddings for a channel,
// oldest message first. An empty modelVersion matches every model. Used
// to rebuild a channel index from the ledger.
func (s *Store) GetEmbeddingsByChannel(ctx context.Context, channelID, modelVersion string) ([]Embedding, error) {
	q := `SELECT e.id, e.message_id, e.channel_id, e.vector_data, e.model_version, e.dimension, e.created_at
		 FROM embeddings e JOIN messages m ON m.message_id = e.message_id
		 WHERE e.channel_id = ?`
	args := []any{channelID}
	if modelVersion != "" {
		q += ` AND e.model_version = ?`
		args = append(args, modelVersion)
	}
	q += ` ORDER BY m.timestamp ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.failTx(nil, "get_embeddings", "embeddings", err)
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		var (
			e    Embedding
			blob []byte
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.ChannelID, &blob, &e.ModelVersion, &e.Dimension, &ts); err != nil {
			return nil, s.failTx(nil, "get_embeddings", "embeddings", err)
		}
		e.Vector = DecodeVector(blob)
		e.CreatedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EncodeVector packs a float32 vector into little-endian bytes for BLOB
// storage.
func EncodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

// DecodeVector unpacks a BLOB written by EncodeVector.
func DecodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
