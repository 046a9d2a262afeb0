package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TopicSummary is one summarized conversation topic.
type TopicSummary struct {
	ID                 int64    `json:"id"`
	SessionKey         string   `json:"session_key"`
	Topic              string   `json:"topic"`
	Keywords           []string `json:"keywords"`
	Summary            string   `json:"summary"`
	KeyPoints          []string `json:"key_points"`
	Participants       []string `json:"participants"`
	TimestampStart     int64    `json:"timestamp_start"`
	TimestampEnd       int64    `json:"timestamp_end"`
	SourceMessageCount int      `json:"source_message_count"`
	CreatedAt          int64    `json:"created_at"`
	UpdatedAt          int64    `json:"updated_at"`
}

// TopicStore persists topic summaries and the per-session batch cursor.
type TopicStore struct {
	db *DB
}

func NewTopicStore(db *DB) *TopicStore {
	return &TopicStore{db: db}
}

// Upsert inserts or merges a summary keyed on (session_key, topic).
// Updates accumulate source_message_count.
func (s *TopicStore) Upsert(ctx context.Context, t *TopicSummary) error {
	keywords := marshalList(t.Keywords)
	keyPoints := marshalList(t.KeyPoints)
	participants := marshalList(t.Participants)
	now := time.Now().UnixMilli()

	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO topic_summaries
		   (session_key, topic, keywords, summary, key_points, participants,
		    timestamp_start, timestamp_end, source_message_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key, topic) DO UPDATE SET
		   keywords = excluded.keywords,
		   summary = excluded.summary,
		   key_points = excluded.key_points,
		   participants = excluded.participants,
		   timestamp_end = excluded.timestamp_end,
		   source_message_count = topic_summaries.source_message_count + excluded.source_message_count,
		   updated_at = excluded.updated_at`,
		t.SessionKey, t.Topic, keywords, t.Summary, keyPoints, participants,
		t.TimestampStart, t.TimestampEnd, t.SourceMessageCount, now, now)
	if err != nil {
		return fmt.Errorf("upsert topic %q: %w", t.Topic, err)
	}
	return nil
}

// BySession returns all topics for a session, newest first.
func (s *TopicStore) BySession(ctx context.Context, sessionKey string, limit int) ([]TopicSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, session_key, topic, keywords, summary, key_points, participants,
		        COALESCE(timestamp_start,0), COALESCE(timestamp_end,0),
		        source_message_count, created_at, updated_at
		 FROM topic_summaries WHERE session_key = ?
		 ORDER BY updated_at DESC LIMIT ?`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var out []TopicSummary
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes one topic row by id.
func (s *TopicStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM topic_summaries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete topic %d: %w", id, err)
	}
	return nil
}

// Update rewrites a topic row in place (dream merges).
func (s *TopicStore) Update(ctx context.Context, t *TopicSummary) error {
	_, err := s.db.conn.ExecContext(ctx,
		`UPDATE topic_summaries SET
		   topic = ?, keywords = ?, summary = ?, key_points = ?, participants = ?,
		   timestamp_start = ?, timestamp_end = ?, source_message_count = ?, updated_at = ?
		 WHERE id = ?`,
		t.Topic, marshalList(t.Keywords), t.Summary, marshalList(t.KeyPoints),
		marshalList(t.Participants), t.TimestampStart, t.TimestampEnd,
		t.SourceMessageCount, time.Now().UnixMilli(), t.ID)
	if err != nil {
		return fmt.Errorf("update topic %d: %w", t.ID, err)
	}
	return nil
}

// ProcessedCount reads the batch cursor for a session.
func (s *TopicStore) ProcessedCount(ctx context.Context, sessionKey string) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT processed_message_count FROM topic_summary_state WHERE session_key = ?`,
		sessionKey).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read topic cursor: %w", err)
	}
	return n, nil
}

// SetProcessedCount advances the batch cursor.
func (s *TopicStore) SetProcessedCount(ctx context.Context, sessionKey string, count int) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO topic_summary_state (session_key, processed_message_count, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
		   processed_message_count = excluded.processed_message_count,
		   updated_at = excluded.updated_at`,
		sessionKey, count, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write topic cursor: %w", err)
	}
	return nil
}

// SessionKeys lists sessions that have topic summaries.
func (s *TopicStore) SessionKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT DISTINCT session_key FROM topic_summaries`)
	if err != nil {
		return nil, fmt.Errorf("list topic sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func scanTopic(rows *sql.Rows) (TopicSummary, error) {
	var t TopicSummary
	var keywords, keyPoints, participants string
	if err := rows.Scan(&t.ID, &t.SessionKey, &t.Topic, &keywords, &t.Summary,
		&keyPoints, &participants, &t.TimestampStart, &t.TimestampEnd,
		&t.SourceMessageCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, fmt.Errorf("scan topic row: %w", err)
	}
	t.Keywords = unmarshalList(keywords)
	t.KeyPoints = unmarshalList(keyPoints)
	t.Participants = unmarshalList(participants)
	return t, nil
}

func marshalList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
