// Package storage implements the durable relational ledger for the memory
// engine on SQLite: channels, messages, embeddings, conversation segments
// and segment-message links. WAL journal mode allows concurrent readers
// with a single writer; every failure crossing the package boundary is a
// typed *errs.DatabaseError.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/errs"
)

// Store is the SQLite-backed storage engine. Safe for concurrent use:
// database/sql hands each goroutine its own pooled connection, sized to
// the worker pool so connections are never shared across workers.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	// Channel-row defaults stamped on first sight of a channel.
	defVectorEnabled bool
	defProfile       string
}

// Open opens (or creates) the database at path and applies the schema.
// maxConns bounds the connection pool; pass the worker pool size.
func Open(path string, maxConns int) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.NewDatabaseError("open", "", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)

	s := &Store{db: db, log: slog.With("component", "storage"), defVectorEnabled: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Info("storage opened", "path", path, "max_conns", maxConns)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_active INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			vector_enabled INTEGER NOT NULL DEFAULT 1,
			config_profile TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(channel_id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			content_processed TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			message_type TEXT NOT NULL DEFAULT 'default',
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
			channel_id TEXT NOT NULL,
			vector_data BLOB NOT NULL,
			model_version TEXT NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(message_id, model_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_channel ON embeddings(channel_id)`,
		`CREATE TABLE IF NOT EXISTS conversation_segments (
			segment_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL REFERENCES channels(channel_id) ON DELETE CASCADE,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			semantic_coherence_score REAL NOT NULL DEFAULT 0,
			activity_level REAL NOT NULL DEFAULT 0,
			segment_summary TEXT NOT NULL DEFAULT '',
			vector_data BLOB,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_channel ON conversation_segments(channel_id, start_time)`,
		`CREATE TABLE IF NOT EXISTS segment_messages (
			segment_id TEXT NOT NULL REFERENCES conversation_segments(segment_id) ON DELETE CASCADE,
			message_id TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
			position_in_segment INTEGER NOT NULL,
			PRIMARY KEY (segment_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			recorded_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errs.NewDatabaseError("migrate", firstToken(stmt), err)
		}
	}
	return nil
}

// SetChannelDefaults sets the vector_enabled flag and config profile
// recorded on channel rows at creation. Enablement itself stays a
// global config decision; the columns record what was in force when the
// channel first appeared.
func (s *Store) SetChannelDefaults(vectorEnabled bool, profile string) {
	s.defVectorEnabled = vectorEnabled
	s.defProfile = profile
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }

// failTx rolls back, captures a schema snapshot for diagnostics and
// returns the typed error. Write failures are never silently swallowed.
func (s *Store) failTx(tx *sql.Tx, op, table string, err error) error {
	if tx != nil {
		_ = tx.Rollback()
	}
	s.logSchemaSnapshot(table)
	return errs.NewDatabaseError(op, table, err)
}

func (s *Store) logSchemaSnapshot(table string) {
	if table == "" {
		return
	}
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return
		}
		cols = append(cols, name+" "+ctype)
	}
	s.log.Error("schema snapshot after failed write", "table", table, "columns", strings.Join(cols, ", "))
}

// RecordMetric stores a named metric sample.
func (s *Store) RecordMetric(ctx context.Context, name string, value float64, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (name, value, channel_id, recorded_at) VALUES (?, ?, ?, ?)`,
		name, value, channelID, time.Now().Unix())
	if err != nil {
		return errs.NewDatabaseError("record_metric", "metrics", err)
	}
	return nil
}

func marshalMeta(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMeta(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func firstToken(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) < 6 {
		return ""
	}
	// "CREATE TABLE IF NOT EXISTS <name>" / "CREATE INDEX IF NOT EXISTS <name>"
	return strings.TrimSuffix(fields[5], "(")
}
