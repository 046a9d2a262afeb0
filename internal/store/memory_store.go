package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// MemoryFact is one durable fact about a user.
type MemoryFact struct {
	ID         int64     `json:"id"`
	SessionKey string    `json:"session_key"`
	UserID     string    `json:"user_id"`
	Fact       string    `json:"fact"`
	Embedding  []float64 `json:"-"`
	Source     string    `json:"source"`
	CreatedAt  int64     `json:"created_at"`
}

// MemoryHit is a scored search result.
type MemoryHit struct {
	Fact  MemoryFact
	Score float64
}

// Embedder turns text into a vector. The backend is external; tests use a
// deterministic fake.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// MemoryStore persists facts with JSON-encoded embeddings and serves
// brute-force cosine search over a session's rows.
type MemoryStore struct {
	db *DB
}

func NewMemoryStore(db *DB) *MemoryStore {
	return &MemoryStore{db: db}
}

// Add inserts a fact, skipping near-duplicates (cosine ≥ 0.98 against the
// same user's existing facts).
func (s *MemoryStore) Add(ctx context.Context, fact MemoryFact) error {
	if len(fact.Embedding) > 0 {
		existing, err := s.bySession(ctx, fact.SessionKey)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.UserID == fact.UserID && cosine(e.Embedding, fact.Embedding) >= 0.98 {
				return nil
			}
		}
	}

	embedding, err := json.Marshal(fact.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	if fact.Source == "" {
		fact.Source = "extract"
	}
	if _, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO memory_embeddings (session_key, user_id, fact, embedding, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fact.SessionKey, fact.UserID, fact.Fact, string(embedding), fact.Source,
		time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert memory fact: %w", err)
	}
	return nil
}

// Search returns the topK facts most similar to the query embedding.
func (s *MemoryStore) Search(ctx context.Context, sessionKey string, query []float64, topK int) ([]MemoryHit, error) {
	facts, err := s.bySession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	hits := make([]MemoryHit, 0, len(facts))
	for _, f := range facts {
		hits = append(hits, MemoryHit{Fact: f, Score: cosine(f.Embedding, query)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// ByUser returns all facts for one user in a session, newest first.
func (s *MemoryStore) ByUser(ctx context.Context, sessionKey, userID string, limit int) ([]MemoryFact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, session_key, COALESCE(user_id,''), fact, embedding, source, created_at
		 FROM memory_embeddings WHERE session_key = ? AND user_id = ?
		 ORDER BY created_at DESC LIMIT ?`, sessionKey, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// Delete removes one fact row.
func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM memory_embeddings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory fact %d: %w", id, err)
	}
	return nil
}

func (s *MemoryStore) bySession(ctx context.Context, sessionKey string) ([]MemoryFact, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id, session_key, COALESCE(user_id,''), fact, embedding, source, created_at
		 FROM memory_embeddings WHERE session_key = ?`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("list session facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFacts(rows *sql.Rows) ([]MemoryFact, error) {
	var out []MemoryFact
	for rows.Next() {
		var f MemoryFact
		var embedding string
		if err := rows.Scan(&f.ID, &f.SessionKey, &f.UserID, &f.Fact, &embedding,
			&f.Source, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		_ = json.Unmarshal([]byte(embedding), &f.Embedding)
		out = append(out, f)
	}
	return out, rows.Err()
}

// cosine similarity; zero-length or mismatched vectors score 0.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
