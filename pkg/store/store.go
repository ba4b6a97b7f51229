// Package store provides Chorus's durable row storage.
//
// Everything the bot must remember across restarts lives in a single
// SQLite database: chat messages, per-channel state, rolling summaries,
// activated channels, dedup markers, and prompt overrides. All writes
// are upserts keyed so that replayed events are idempotent.
package store

import (
	"crypto/md5"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Store provides access to the bot's persistent state.
type Store struct {
	db   *sql.DB
	path string
}

// Message is one stored chat message, inbound or outbound.
type Message struct {
	RowID       int64
	ID          string
	ChannelID   string
	GuildID     string
	UserID      string
	Content     string
	IsAssistant bool
	Persona     string
	Emotion     string
	CreatedAt   time.Time
}

// ChannelState is the rolling per-channel exchange snapshot.
type ChannelState struct {
	ChannelID      string
	GuildID        string
	LastMessageID  string
	LastResponseID string
	LastHuman      string
	LastAssistant  string
	ContextWindow  int // 0 = use global default
	UpdatedAt      time.Time
}

// Summary is a compressed representation of a bounded slice of history.
type Summary struct {
	ID        int64
	ChannelID string
	StartAt   time.Time
	EndAt     time.Time
	Text      string
	Failed    bool
	CreatedAt time.Time
}

// PromptOverride replaces a persona's system prompt in one channel.
type PromptOverride struct {
	GuildID   string
	ChannelID string
	Persona   string
	Prompt    string
}

// ChannelKey identifies a channel within a guild; guild is "dm" for
// direct-message channels.
type ChannelKey struct {
	GuildID   string
	ChannelID string
}

// Open opens (or creates) the store at the given directory path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(path, "chorus.db")

	// WAL mode for concurrent reads, busy timeout for writer contention
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store db: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("store opened", "path", dbPath)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the store root directory.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			rowid        INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL,
			channel_id   TEXT NOT NULL,
			guild_id     TEXT NOT NULL DEFAULT '',
			user_id      TEXT NOT NULL,
			content      TEXT NOT NULL,
			is_assistant INTEGER NOT NULL DEFAULT 0,
			persona      TEXT NOT NULL DEFAULT '',
			emotion      TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			UNIQUE (channel_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_time
			ON messages (channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS channel_state (
			channel_id       TEXT NOT NULL,
			guild_id         TEXT NOT NULL DEFAULT '',
			last_message_id  TEXT NOT NULL DEFAULT '',
			last_response_id TEXT NOT NULL DEFAULT '',
			last_human       TEXT NOT NULL DEFAULT '',
			last_assistant   TEXT NOT NULL DEFAULT '',
			context_window   INTEGER NOT NULL DEFAULT 0,
			updated_at       TEXT NOT NULL,
			PRIMARY KEY (channel_id, guild_id)
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			start_at   TEXT NOT NULL,
			end_at     TEXT NOT NULL,
			summary    TEXT NOT NULL,
			failed     INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_channel
			ON summaries (channel_id, end_at)`,
		`CREATE TABLE IF NOT EXISTS activated_channels (
			guild_id   TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			PRIMARY KEY (guild_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS handled_messages (
			message_id TEXT PRIMARY KEY,
			handled_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prompt_overrides (
			guild_id   TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			persona    TEXT NOT NULL,
			prompt     TEXT NOT NULL,
			PRIMARY KEY (guild_id, channel_id, persona)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// --- Messages ---

// UpsertMessage stores a message, replacing any earlier row with the same
// (channel, id). Replayed events therefore never duplicate.
func (s *Store) UpsertMessage(m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, channel_id, guild_id, user_id, content, is_assistant, persona, emotion, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id, id) DO UPDATE SET
			content = excluded.content,
			is_assistant = excluded.is_assistant,
			persona = excluded.persona,
			emotion = excluded.emotion`,
		m.ID, m.ChannelID, m.GuildID, m.UserID, m.Content,
		boolInt(m.IsAssistant), m.Persona, m.Emotion,
		m.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// RecentMessages returns up to limit messages for a channel in
// chronological order (oldest first). excludeID, when non-empty, filters
// out the message currently being handled.
func (s *Store) RecentMessages(channelID string, limit int, excludeID string) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT rowid, id, channel_id, guild_id, user_id, content, is_assistant, persona, emotion, created_at
		 FROM messages
		 WHERE channel_id = ? AND id != ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		channelID, excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query is newest-first for the LIMIT; callers want chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesBetween returns a channel's messages in [start, end], oldest first.
func (s *Store) MessagesBetween(channelID string, start, end time.Time) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT rowid, id, channel_id, guild_id, user_id, content, is_assistant, persona, emotion, created_at
		 FROM messages
		 WHERE channel_id = ? AND created_at >= ? AND created_at <= ?
		 ORDER BY created_at ASC, rowid ASC`,
		channelID, start.UTC().Format(timeLayout), end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("messages between: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageTimeBounds returns the earliest and latest message times for a
// channel after the given cutoff. ok is false when no such messages exist.
func (s *Store) MessageTimeBounds(channelID string, after time.Time) (first, last time.Time, ok bool, err error) {
	var firstStr, lastStr sql.NullString
	err = s.db.QueryRow(
		`SELECT MIN(created_at), MAX(created_at) FROM messages
		 WHERE channel_id = ? AND created_at > ?`,
		channelID, after.UTC().Format(timeLayout),
	).Scan(&firstStr, &lastStr)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("message time bounds: %w", err)
	}
	if !firstStr.Valid || !lastStr.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	return parseTime(firstStr.String), parseTime(lastStr.String), true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows rowScanner) (Message, error) {
	var m Message
	var isAssistant int
	var createdAt string
	err := rows.Scan(&m.RowID, &m.ID, &m.ChannelID, &m.GuildID, &m.UserID,
		&m.Content, &isAssistant, &m.Persona, &m.Emotion, &createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.IsAssistant = isAssistant != 0
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

// --- Channel state ---

// GetChannelState loads the rolling state for a channel, or nil.
func (s *Store) GetChannelState(channelID, guildID string) (*ChannelState, error) {
	var cs ChannelState
	var updatedAt string
	err := s.db.QueryRow(
		`SELECT channel_id, guild_id, last_message_id, last_response_id,
			last_human, last_assistant, context_window, updated_at
		 FROM channel_state WHERE channel_id = ? AND guild_id = ?`,
		channelID, guildID,
	).Scan(&cs.ChannelID, &cs.GuildID, &cs.LastMessageID, &cs.LastResponseID,
		&cs.LastHuman, &cs.LastAssistant, &cs.ContextWindow, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel state: %w", err)
	}
	cs.UpdatedAt = parseTime(updatedAt)
	return &cs, nil
}

// PutChannelState overwrites the channel's rolling exchange snapshot:
// one row per channel, updated on every turn. The context window
// override is owned by SetContextWindow and kept as-is for existing
// rows.
func (s *Store) PutChannelState(cs ChannelState) error {
	_, err := s.db.Exec(
		`INSERT INTO channel_state (channel_id, guild_id, last_message_id, last_response_id,
			last_human, last_assistant, context_window, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id, guild_id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_response_id = excluded.last_response_id,
			last_human = excluded.last_human,
			last_assistant = excluded.last_assistant,
			updated_at = excluded.updated_at`,
		cs.ChannelID, cs.GuildID, cs.LastMessageID, cs.LastResponseID,
		cs.LastHuman, cs.LastAssistant, cs.ContextWindow,
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put channel state: %w", err)
	}
	return nil
}

// SetContextWindow stores a per-channel context window override.
// Zero resets the channel to the global default.
func (s *Store) SetContextWindow(channelID, guildID string, window int) error {
	_, err := s.db.Exec(
		`INSERT INTO channel_state (channel_id, guild_id, context_window, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel_id, guild_id) DO UPDATE SET
			context_window = excluded.context_window,
			updated_at = excluded.updated_at`,
		channelID, guildID, window, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("set context window: %w", err)
	}
	return nil
}

// --- Summaries ---

// InsertSummary appends a summary row for a channel's time window.
func (s *Store) InsertSummary(sum Summary) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO summaries (channel_id, start_at, end_at, summary, failed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sum.ChannelID,
		sum.StartAt.UTC().Format(timeLayout),
		sum.EndAt.UTC().Format(timeLayout),
		sum.Text, boolInt(sum.Failed),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("insert summary: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// LatestSummary returns the most recent summary for a channel, or nil.
func (s *Store) LatestSummary(channelID string) (*Summary, error) {
	var sum Summary
	var startAt, endAt, createdAt string
	var failed int
	err := s.db.QueryRow(
		`SELECT id, channel_id, start_at, end_at, summary, failed, created_at
		 FROM summaries WHERE channel_id = ?
		 ORDER BY end_at DESC, id DESC LIMIT 1`,
		channelID,
	).Scan(&sum.ID, &sum.ChannelID, &startAt, &endAt, &sum.Text, &failed, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest summary: %w", err)
	}
	sum.StartAt = parseTime(startAt)
	sum.EndAt = parseTime(endAt)
	sum.Failed = failed != 0
	sum.CreatedAt = parseTime(createdAt)
	return &sum, nil
}

// DeleteSummaries removes a channel's summaries. A zero cutoff removes
// all of them; otherwise only rows that ended before the cutoff go.
func (s *Store) DeleteSummaries(channelID string, before time.Time) (int64, error) {
	var res sql.Result
	var err error
	if before.IsZero() {
		res, err = s.db.Exec(`DELETE FROM summaries WHERE channel_id = ?`, channelID)
	} else {
		res, err = s.db.Exec(
			`DELETE FROM summaries WHERE channel_id = ? AND end_at < ?`,
			channelID, before.UTC().Format(timeLayout),
		)
	}
	if err != nil {
		return 0, fmt.Errorf("delete summaries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Activated channels ---

// SetActivated flips the respond-to-everything flag for a channel.
func (s *Store) SetActivated(guildID, channelID string, on bool) error {
	var err error
	if on {
		_, err = s.db.Exec(
			`INSERT INTO activated_channels (guild_id, channel_id) VALUES (?, ?)
			 ON CONFLICT(guild_id, channel_id) DO NOTHING`,
			guildID, channelID,
		)
	} else {
		_, err = s.db.Exec(
			`DELETE FROM activated_channels WHERE guild_id = ? AND channel_id = ?`,
			guildID, channelID,
		)
	}
	if err != nil {
		return fmt.Errorf("set activated: %w", err)
	}
	return nil
}

// LoadActivated returns every activated channel key.
func (s *Store) LoadActivated() ([]ChannelKey, error) {
	rows, err := s.db.Query(`SELECT guild_id, channel_id FROM activated_channels`)
	if err != nil {
		return nil, fmt.Errorf("load activated: %w", err)
	}
	defer rows.Close()

	var keys []ChannelKey
	for rows.Next() {
		var k ChannelKey
		if err := rows.Scan(&k.GuildID, &k.ChannelID); err != nil {
			return nil, fmt.Errorf("scan activated: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Dedup markers ---

// SaveHandled records dispatched message ids so a restart does not
// re-process backlog. Idempotent.
func (s *Store) SaveHandled(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin handled tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	stmt, err := tx.Prepare(
		`INSERT INTO handled_messages (message_id, handled_at) VALUES (?, ?)
		 ON CONFLICT(message_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare handled stmt: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id, now); err != nil {
			return fmt.Errorf("save handled %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// LoadHandled returns the most recently handled message ids, newest first.
func (s *Store) LoadHandled(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(
		`SELECT message_id FROM handled_messages ORDER BY handled_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load handled: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan handled: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneHandled deletes dedup markers older than the cutoff.
func (s *Store) PruneHandled(before time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM handled_messages WHERE handled_at < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune handled: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Prompt overrides ---

// SetPromptOverride stores a custom system prompt for one persona in one
// channel. Empty prompt clears the override.
func (s *Store) SetPromptOverride(o PromptOverride) error {
	var err error
	if strings.TrimSpace(o.Prompt) == "" {
		_, err = s.db.Exec(
			`DELETE FROM prompt_overrides WHERE guild_id = ? AND channel_id = ? AND persona = ?`,
			o.GuildID, o.ChannelID, o.Persona,
		)
	} else {
		_, err = s.db.Exec(
			`INSERT INTO prompt_overrides (guild_id, channel_id, persona, prompt)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(guild_id, channel_id, persona) DO UPDATE SET prompt = excluded.prompt`,
			o.GuildID, o.ChannelID, o.Persona, o.Prompt,
		)
	}
	if err != nil {
		return fmt.Errorf("set prompt override: %w", err)
	}
	return nil
}

// GetPromptOverride returns the override prompt, or "" when none is set.
func (s *Store) GetPromptOverride(guildID, channelID, persona string) (string, error) {
	var prompt string
	err := s.db.QueryRow(
		`SELECT prompt FROM prompt_overrides WHERE guild_id = ? AND channel_id = ? AND persona = ?`,
		guildID, channelID, persona,
	).Scan(&prompt)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get prompt override: %w", err)
	}
	return prompt, nil
}

// --- Embedding support ---

// MessageRef is a lightweight reference for the embedding sync worker.
type MessageRef struct {
	RowID       int64
	ContentHash string
}

// AllMessageRefs returns row ids and content hashes of all stored
// messages, newest first, capped to avoid unbounded scans.
func (s *Store) AllMessageRefs(limit int) ([]MessageRef, error) {
	if limit <= 0 {
		limit = 5000
	}
	rows, err := s.db.Query(
		`SELECT rowid, content FROM messages ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("message refs: %w", err)
	}
	defer rows.Close()

	var refs []MessageRef
	for rows.Next() {
		var id int64
		var content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("scan message ref: %w", err)
		}
		refs = append(refs, MessageRef{RowID: id, ContentHash: ContentHash(content)})
	}
	return refs, rows.Err()
}

// MessagesByRowIDs fetches full messages for a list of row ids.
func (s *Store) MessagesByRowIDs(ids []int64) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT rowid, id, channel_id, guild_id, user_id, content, is_assistant, persona, emotion, created_at
		 FROM messages WHERE rowid IN (%s)`, string(placeholders))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("messages by rowids: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ContentHash computes an MD5 hash of content for staleness detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}

// --- Helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTime parses a datetime string from SQLite, handling the formats
// different writers may have used.
func parseTime(s string) time.Time {
	formats := []string{
		timeLayout,
		time.RFC3339,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
