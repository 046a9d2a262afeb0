package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ProfileStore keeps one free-text summary per user.
type ProfileStore struct {
	db *DB
}

func NewProfileStore(db *DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// Get returns the profile summary, empty when absent.
func (s *ProfileStore) Get(ctx context.Context, userID string) (string, error) {
	var summary string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT summary FROM user_profiles WHERE user_id = ?`, userID).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read profile %s: %w", userID, err)
	}
	return summary, nil
}

// Set replaces the profile summary.
func (s *ProfileStore) Set(ctx context.Context, userID, summary string) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, summary, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		userID, summary, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write profile %s: %w", userID, err)
	}
	return nil
}
