package storage

import "time"

// Channel is one conversational channel tracked by the engine.
type Channel struct {
	ChannelID     string            `json:"channel_id"`
	GuildID       string            `json:"guild_id"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActive    time.Time         `json:"last_active"`
	MessageCount  int64             `json:"message_count"`
	VectorEnabled bool              `json:"vector_enabled"`
	ConfigProfile string            `json:"config_profile"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Message is one ingested chat message. Rows are immutable except for
// idempotent upsert-replace on redelivery of the same message id.
type Message struct {
	MessageID        string            `json:"message_id"`
	ChannelID        string            `json:"channel_id"`
	UserID           string            `json:"user_id"`
	Content          string            `json:"content"`
	ContentProcessed string            `json:"content_processed,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	MessageType      string            `json:"message_type,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Embedding is the persisted vector for one (message, model) pair.
type Embedding struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"message_id"`
	ChannelID    string    `json:"channel_id"`
	Vector       []float32 `json:"-"`
	ModelVersion string    `json:"model_version"`
	Dimension    int       `json:"dimension"`
	CreatedAt    time.Time `json:"created_at"`
}

// Segment is a finalized conversation segment.
type Segment struct {
	SegmentID      string            `json:"segment_id"`
	ChannelID      string            `json:"channel_id"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time"`
	MessageCount   int               `json:"message_count"`
	CoherenceScore float64           `json:"semantic_coherence_score"`
	ActivityLevel  float64           `json:"activity_level"`
	Summary        string            `json:"segment_summary,omitempty"`
	Vector         []float32         `json:"-"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// SegmentLink ties a message into a segment at a position.
type SegmentLink struct {
	SegmentID string `json:"segment_id"`
	MessageID string `json:"message_id"`
	Position  int    `json:"position_in_segment"`
}

// ScoredMessage is a message with a keyword match score in [0,1].
type ScoredMessage struct {
	Message
	Score float64 `json:"score"`
}

// TimeRange bounds a query window. Zero values mean unbounded.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether no bound is set.
func (tr TimeRange) IsZero() bool { return tr.Start.IsZero() && tr.End.IsZero() }

// CleanupResult reports what cleanup removed and what it touched.
type CleanupResult struct {
	DeletedMessageIDs  []string `json:"deleted_message_ids"`
	AffectedSegmentIDs []string `json:"affected_segment_ids"`
	AffectedChannelIDs []string `json:"affected_channel_ids"`
}
