package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TraceEvent is one lifecycle event inside a request trace.
type TraceEvent struct {
	Type string                 `json:"type"`
	TS   int64                  `json:"ts"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// TraceRow is the persisted per-request event log.
type TraceRow struct {
	RequestID  string                 `json:"request_id"`
	SessionKey string                 `json:"session_key"`
	UserID     string                 `json:"user_id"`
	GroupID    string                 `json:"group_id"`
	CreatedAt  int64                  `json:"created_at"`
	Plan       map[string]interface{} `json:"plan,omitempty"`
	Events     []TraceEvent           `json:"events"`
}

// TraceStore persists agent_traces rows. Events are appended in emission
// order under SQLite's writer serialization.
type TraceStore struct {
	db            *DB
	retentionDays int
	maxRows       int
}

func NewTraceStore(db *DB, retentionDays, maxRows int) *TraceStore {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if maxRows <= 0 {
		maxRows = 10000
	}
	return &TraceStore{db: db, retentionDays: retentionDays, maxRows: maxRows}
}

// AppendEvent upserts the trace row and appends one event to events_json.
func (s *TraceStore) AppendEvent(ctx context.Context, requestID, sessionKey, userID, groupID string, event TraceEvent) error {
	if event.TS == 0 {
		event.TS = time.Now().UnixMilli()
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trace tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureRow(ctx, tx, requestID, sessionKey, userID, groupID); err != nil {
		return err
	}

	var raw string
	if err := tx.QueryRowContext(ctx,
		`SELECT events_json FROM agent_traces WHERE request_id = ?`, requestID).Scan(&raw); err != nil {
		return fmt.Errorf("read trace events: %w", err)
	}

	var events []TraceEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		events = nil
	}
	events = append(events, event)

	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode trace events: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_traces SET events_json = ? WHERE request_id = ?`,
		string(data), requestID); err != nil {
		return fmt.Errorf("write trace events: %w", err)
	}
	return tx.Commit()
}

// SetPlan upserts the trace row and overwrites plan_json.
func (s *TraceStore) SetPlan(ctx context.Context, requestID, sessionKey, userID, groupID string, plan interface{}) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trace tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureRow(ctx, tx, requestID, sessionKey, userID, groupID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_traces SET plan_json = ? WHERE request_id = ?`,
		string(data), requestID); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return tx.Commit()
}

// Get reads one trace row.
func (s *TraceStore) Get(ctx context.Context, requestID string) (*TraceRow, error) {
	var row TraceRow
	var plan sql.NullString
	var events string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT request_id, session_key, COALESCE(user_id,''), COALESCE(group_id,''),
		        created_at, plan_json, events_json
		 FROM agent_traces WHERE request_id = ?`, requestID).
		Scan(&row.RequestID, &row.SessionKey, &row.UserID, &row.GroupID,
			&row.CreatedAt, &plan, &events)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trace %s: %w", requestID, err)
	}

	if plan.Valid && plan.String != "" {
		_ = json.Unmarshal([]byte(plan.String), &row.Plan)
	}
	_ = json.Unmarshal([]byte(events), &row.Events)
	return &row, nil
}

// PruneIfNeeded ages out rows older than retentionDays and caps the table
// at maxRows, deleting oldest first.
func (s *TraceStore) PruneIfNeeded(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UnixMilli()
	if _, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM agent_traces WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("prune traces by age: %w", err)
	}

	var count int
	if err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_traces`).Scan(&count); err != nil {
		return fmt.Errorf("count traces: %w", err)
	}
	if count > s.maxRows {
		if _, err := s.db.conn.ExecContext(ctx,
			`DELETE FROM agent_traces WHERE request_id IN (
			   SELECT request_id FROM agent_traces ORDER BY created_at ASC LIMIT ?)`,
			count-s.maxRows); err != nil {
			return fmt.Errorf("prune traces by count: %w", err)
		}
	}
	return nil
}

func (s *TraceStore) ensureRow(ctx context.Context, tx *sql.Tx, requestID, sessionKey, userID, groupID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO agent_traces (request_id, session_key, user_id, group_id, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO NOTHING`,
		requestID, sessionKey, userID, groupID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure trace row: %w", err)
	}
	return nil
}
