// Package store persists client state in an embedded SQLite database: the
// text message history of each server and a small key/value settings table.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string, never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"mumbleclient/internal/model"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1: settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2: message history
	`CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		server        TEXT NOT NULL,
		sent_at       INTEGER NOT NULL,
		direction     INTEGER NOT NULL,
		actor_session INTEGER NOT NULL DEFAULT 0,
		actor_name    TEXT NOT NULL DEFAULT '',
		body          TEXT NOT NULL,
		targets_json  TEXT NOT NULL DEFAULT '{}'
	)`,
	// v3: history lookups by server
	`CREATE INDEX IF NOT EXISTS idx_messages_server_sent ON messages(server, sent_at)`,
}

// Store wraps a SQLite database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// SQLite serialises writers; a single connection also keeps ":memory:"
	// databases shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		s.log.Warn().Err(err).Msg("WAL mode unavailable")
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		s.log.Warn().Err(err).Msg("busy_timeout not set")
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.Debug().Int("version", v).Msg("applied migration")
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error is only returned for real I/O
// failures.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// targets is the JSON shape of a message's addressing.
type targets struct {
	Channels []uint32 `json:"channels,omitempty"`
	Trees    []uint32 `json:"trees,omitempty"`
	Sessions []uint32 `json:"sessions,omitempty"`
}

// AppendMessage records m under server. Re-appending the same id is a no-op.
func (s *Store) AppendMessage(ctx context.Context, server string, m model.Message) error {
	tj, err := json.Marshal(targets{Channels: m.ChannelIDs, Trees: m.TreeIDs, Sessions: m.Sessions})
	if err != nil {
		return fmt.Errorf("store: encode targets: %w", err)
	}
	var actorName string
	if m.Actor != nil {
		actorName = m.Actor.Name
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(id, server, sent_at, direction, actor_session, actor_name, body, targets_json)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, server, m.Timestamp.UnixMilli(), int(m.Direction), m.ActorSession, actorName, m.Text, string(tj),
	)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// Messages returns up to limit most recent messages for server, oldest
// first. Resolved actors come back as a User carrying only session and name.
func (s *Store) Messages(ctx context.Context, server string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sent_at, direction, actor_session, actor_name, body, targets_json
		 FROM messages WHERE server = ?
		 ORDER BY sent_at DESC, rowid DESC LIMIT ?`,
		server, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m         model.Message
			sentAt    int64
			direction int
			actorName string
			tj        string
		)
		if err := rows.Scan(&m.ID, &sentAt, &direction, &m.ActorSession, &actorName, &m.Text, &tj); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(sentAt)
		m.Direction = model.Direction(direction)
		if actorName != "" {
			m.Actor = &model.User{Session: m.ActorSession, Name: actorName, UserID: -1}
		}
		var t targets
		if err := json.Unmarshal([]byte(tj), &t); err != nil {
			return nil, fmt.Errorf("store: decode targets of %s: %w", m.ID, err)
		}
		m.ChannelIDs, m.TreeIDs, m.Sessions = t.Channels, t.Trees, t.Sessions
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneMessages keeps only the newest keep messages for server.
func (s *Store) PruneMessages(ctx context.Context, server string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE server = ? AND id NOT IN (
			SELECT id FROM messages WHERE server = ?
			ORDER BY sent_at DESC, rowid DESC LIMIT ?
		)`,
		server, server, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("store: prune messages: %w", err)
	}
	return res.RowsAffected()
}

// History scopes the message history to one server. It satisfies the
// protocol's history sink.
type History struct {
	store  *Store
	server string
}

// History returns the history sink for server.
func (s *Store) History(server string) *History {
	return &History{store: s, server: server}
}

// Append records m.
func (h *History) Append(ctx context.Context, m model.Message) error {
	return h.store.AppendMessage(ctx, h.server, m)
}

// Recent returns up to limit most recent messages, oldest first.
func (h *History) Recent(ctx context.Context, limit int) ([]model.Message, error) {
	return h.store.Messages(ctx, h.server, limit)
}
