package store

import (
	"container/list"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikabot/mika/internal/providers"
)

// ContextStore persists per-session snapshots and the append-only message
// archive. The snapshot and the archive rows for one append are written in
// a single transaction so readers see both or neither.
type ContextStore struct {
	db            *DB
	snapshotLimit int

	mu      sync.Mutex
	cache   map[string]*list.Element
	order   *list.List
	maxSize int
}

type snapshotEntry struct {
	key      string
	messages []providers.Message
}

func NewContextStore(db *DB, snapshotLimit, cacheSize int) *ContextStore {
	if snapshotLimit <= 0 {
		snapshotLimit = 200
	}
	if cacheSize <= 0 {
		cacheSize = 64
	}
	return &ContextStore{
		db:            db,
		snapshotLimit: snapshotLimit,
		cache:         make(map[string]*list.Element),
		order:         list.New(),
		maxSize:       cacheSize,
	}
}

// Get returns the snapshot messages for a session, from cache or DB.
func (s *ContextStore) Get(ctx context.Context, contextKey string) ([]providers.Message, error) {
	s.mu.Lock()
	if elem, ok := s.cache[contextKey]; ok {
		s.order.MoveToFront(elem)
		msgs := elem.Value.(*snapshotEntry).messages
		out := append([]providers.Message(nil), msgs...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	var raw string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT messages FROM contexts WHERE context_key = ?`, contextKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read context %s: %w", contextKey, err)
	}

	var msgs []providers.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", contextKey, err)
	}

	s.cachePut(contextKey, msgs)
	return append([]providers.Message(nil), msgs...), nil
}

// Append adds messages to the session: each message becomes an archive row
// and the snapshot is rewritten to the last snapshotLimit messages, all in
// one transaction.
func (s *ContextStore) Append(ctx context.Context, contextKey string, msgs ...providers.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	existing, err := s.Get(ctx, contextKey)
	if err != nil {
		return err
	}
	combined := append(existing, msgs...)
	if len(combined) > s.snapshotLimit {
		combined = combined[len(combined)-s.snapshotLimit:]
	}

	snapshot, err := json.Marshal(combined)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	now := time.Now().UnixMilli()
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if err := archiveInsert(ctx, tx, contextKey, m, now); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contexts (context_key, messages, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(context_key) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		contextKey, string(snapshot), now, now); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	s.cachePut(contextKey, combined)
	return nil
}

// ArchiveOnly appends messages to the archive without touching the
// snapshot. Used for observed group traffic that never becomes a request:
// the transcript, history search, summarizer and proactive judge all read
// the archive, while the snapshot stays a working set of handled turns.
func (s *ContextStore) ArchiveOnly(ctx context.Context, contextKey string, msgs ...providers.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if err := archiveInsert(ctx, tx, contextKey, m, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func archiveInsert(ctx context.Context, tx execer, contextKey string, m providers.Message, now int64) error {
	ts := m.Timestamp
	if ts == 0 {
		ts = now
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_archive (context_key, user_id, display_name, role, content, message_id, timestamp, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		contextKey, m.UserID, m.Nickname, m.Role, archiveContent(m), m.MessageID, ts, now); err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	return nil
}

// Replace overwrites the snapshot without touching the archive. Used by
// degradation retries that rewrite the working set.
func (s *ContextStore) Replace(ctx context.Context, contextKey string, msgs []providers.Message) error {
	snapshot, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	now := time.Now().UnixMilli()
	if _, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO contexts (context_key, messages, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(context_key) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		contextKey, string(snapshot), now, now); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	s.cachePut(contextKey, msgs)
	return nil
}

// Clear removes the snapshot and cache entry; archive rows are kept.
func (s *ContextStore) Clear(ctx context.Context, contextKey string) error {
	if _, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM contexts WHERE context_key = ?`, contextKey); err != nil {
		return fmt.Errorf("clear context: %w", err)
	}
	s.mu.Lock()
	if elem, ok := s.cache[contextKey]; ok {
		s.order.Remove(elem)
		delete(s.cache, contextKey)
	}
	s.mu.Unlock()
	return nil
}

// ArchivedMessage is one row of the append-only archive.
type ArchivedMessage struct {
	ID          int64
	UserID      string
	DisplayName string
	Role        string
	Content     string
	MessageID   string
	Timestamp   int64
}

// ArchiveTail returns the newest count archive rows in chronological order.
func (s *ContextStore) ArchiveTail(ctx context.Context, contextKey string, count int) ([]ArchivedMessage, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, COALESCE(user_id,''), COALESCE(display_name,''), role, content, COALESCE(message_id,''), timestamp
		 FROM message_archive WHERE context_key = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, contextKey, count)
	if err != nil {
		return nil, fmt.Errorf("read archive tail: %w", err)
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.DisplayName, &m.Role, &m.Content, &m.MessageID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to chronological
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ArchiveCount returns the number of archived rows for a session.
func (s *ContextStore) ArchiveCount(ctx context.Context, contextKey string) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_archive WHERE context_key = ?`, contextKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count archive: %w", err)
	}
	return n, nil
}

// ArchiveRange returns rows [offset, offset+limit) in insertion order.
func (s *ContextStore) ArchiveRange(ctx context.Context, contextKey string, offset, limit int) ([]ArchivedMessage, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, COALESCE(user_id,''), COALESCE(display_name,''), role, content, COALESCE(message_id,''), timestamp
		 FROM message_archive WHERE context_key = ?
		 ORDER BY timestamp ASC, id ASC LIMIT ? OFFSET ?`, contextKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("read archive range: %w", err)
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var m ArchivedMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.DisplayName, &m.Role, &m.Content, &m.MessageID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindArchivedByMessageID looks up one archived row by platform message id,
// scoped to the session. Used by fetch_history_images ownership checks.
func (s *ContextStore) FindArchivedByMessageID(ctx context.Context, contextKey, messageID string) (*ArchivedMessage, error) {
	var m ArchivedMessage
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT id, COALESCE(user_id,''), COALESCE(display_name,''), role, content, COALESCE(message_id,''), timestamp
		 FROM message_archive WHERE context_key = ? AND message_id = ?
		 ORDER BY id DESC LIMIT 1`, contextKey, messageID).
		Scan(&m.ID, &m.UserID, &m.DisplayName, &m.Role, &m.Content, &m.MessageID, &m.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find archived message: %w", err)
	}
	return &m, nil
}

func (s *ContextStore) cachePut(key string, msgs []providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := append([]providers.Message(nil), msgs...)
	if elem, ok := s.cache[key]; ok {
		elem.Value.(*snapshotEntry).messages = stored
		s.order.MoveToFront(elem)
		return
	}
	for s.order.Len() >= s.maxSize {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.cache, oldest.Value.(*snapshotEntry).key)
	}
	s.cache[key] = s.order.PushFront(&snapshotEntry{key: key, messages: stored})
}

// archiveContent flattens a message for the archive: plain text, with tool
// payloads preserved as JSON.
func archiveContent(m providers.Message) string {
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err == nil {
			return m.Content + "[tool_calls]" + string(data)
		}
	}
	if len(m.Parts) > 0 {
		data, err := json.Marshal(m.Parts)
		if err == nil {
			return string(data)
		}
	}
	return m.Content
}
