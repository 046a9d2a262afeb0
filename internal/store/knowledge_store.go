package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// KnowledgeEntry is one curated knowledge base row.
type KnowledgeEntry struct {
	ID        int64     `json:"id"`
	CorpusID  string    `json:"corpus_id"`
	Content   string    `json:"content"`
	Embedding []float64 `json:"-"`
	Source    string    `json:"source"`
	CreatedAt int64     `json:"created_at"`
}

// KnowledgeHit is a scored knowledge search result.
type KnowledgeHit struct {
	Entry KnowledgeEntry
	Score float64
}

// KnowledgeStore persists knowledge entries with JSON embeddings.
type KnowledgeStore struct {
	db *DB
}

func NewKnowledgeStore(db *DB) *KnowledgeStore {
	return &KnowledgeStore{db: db}
}

func (s *KnowledgeStore) Add(ctx context.Context, entry KnowledgeEntry) error {
	embedding, err := json.Marshal(entry.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	if _, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO knowledge_entries (corpus_id, content, embedding, source, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.CorpusID, entry.Content, string(embedding), entry.Source,
		time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert knowledge entry: %w", err)
	}
	return nil
}

// Search runs brute-force cosine search, optionally scoped to one corpus.
func (s *KnowledgeStore) Search(ctx context.Context, query []float64, topK int, corpusID string) ([]KnowledgeHit, error) {
	sqlQuery := `SELECT id, corpus_id, content, embedding, COALESCE(source,''), created_at
	             FROM knowledge_entries`
	var args []interface{}
	if corpusID != "" {
		sqlQuery += ` WHERE corpus_id = ?`
		args = append(args, corpusID)
	}

	rows, err := s.db.conn.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("list knowledge entries: %w", err)
	}
	defer rows.Close()

	if topK <= 0 {
		topK = 5
	}
	var hits []KnowledgeHit
	for rows.Next() {
		var e KnowledgeEntry
		var embedding string
		if err := rows.Scan(&e.ID, &e.CorpusID, &e.Content, &embedding, &e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge row: %w", err)
		}
		_ = json.Unmarshal([]byte(embedding), &e.Embedding)
		hits = append(hits, KnowledgeHit{Entry: e, Score: cosine(e.Embedding, query)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
