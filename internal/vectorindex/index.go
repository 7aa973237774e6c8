// Package vectorindex is a small SQLite-backed embedding store with in-memory
// cosine search. It is the query capability behind the retriever.
package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/models"
)

// Document is one passage to store. Embedding is computed on Upsert when empty.
type Document struct {
	ID        string
	Text      string
	Source    string
	Embedding []float32
}

// Index stores documents and answers similarity queries.
type Index struct {
	db       *sql.DB
	embedder Embedder
	logger   *logger.Logger
}

// Open opens the index database at path and applies migrations.
func Open(path string, embedder Embedder) (*Index, error) {
	if embedder == nil {
		return nil, errors.New("vectorindex: embedder is required")
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{
		db:       db,
		embedder: embedder,
		logger:   logger.GetLogger().WithComponent("vectorindex"),
	}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Count returns the number of stored documents.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM passages").Scan(&n); err != nil {
		return 0, fmt.Errorf("vectorindex: count: %w", err)
	}
	return n, nil
}

// Upsert stores docs, replacing existing ones by ID. A replaced document keeps
// its original insertion position.
func (ix *Index) Upsert(ctx context.Context, docs []Document) error {
	docs = append([]Document(nil), docs...)

	var missing []string
	var missingIdx []int
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("vectorindex: document %d has no id", i)
		}
		if len(d.Embedding) == 0 {
			missing = append(missing, d.Text)
			missingIdx = append(missingIdx, i)
		}
	}

	if len(missing) > 0 {
		vecs, err := ix.embedder.Embed(ctx, missing)
		if err != nil {
			return fmt.Errorf("vectorindex: embed documents: %w", err)
		}
		if len(vecs) != len(missing) {
			return fmt.Errorf("vectorindex: embed documents: got %d vectors for %d texts", len(vecs), len(missing))
		}
		for j, i := range missingIdx {
			docs[i].Embedding = vecs[j]
		}
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vectorindex: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO passages (id, text, source, embedding) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			source = excluded.source,
			embedding = excluded.embedding,
			updated_at = datetime('now')
	`)
	if err != nil {
		return fmt.Errorf("vectorindex: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		vec, err := json.Marshal(d.Embedding)
		if err != nil {
			return fmt.Errorf("vectorindex: encode embedding %s: %w", d.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, d.ID, d.Text, d.Source, string(vec)); err != nil {
			return fmt.Errorf("vectorindex: upsert %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vectorindex: commit: %w", err)
	}
	ix.logger.Debug("Upserted %d documents", len(docs))
	return nil
}

type storedRow struct {
	id     string
	text   string
	source string
	vec    []float32
}

func (ix *Index) loadRows(ctx context.Context) ([]storedRow, error) {
	rows, err := ix.db.QueryContext(ctx, "SELECT id, text, source, embedding FROM passages ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("vectorindex: load: %w", err)
	}
	defer rows.Close()

	var out []storedRow
	for rows.Next() {
		var r storedRow
		var raw string
		if err := rows.Scan(&r.id, &r.text, &r.source, &raw); err != nil {
			return nil, fmt.Errorf("vectorindex: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &r.vec); err != nil {
			ix.logger.Warn("Skipping passage %s with malformed embedding: %v", r.id, err)
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Query embeds text and returns up to k matches by descending cosine
// similarity. An empty index returns no matches without calling the embedder.
func (ix *Index) Query(ctx context.Context, text string, k int) ([]models.IndexMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := ix.loadRows(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	vecs, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("vectorindex: embed query: got %d vectors", len(vecs))
	}
	return rank(rows, vecs[0], k), nil
}

// QueryEmbedding is Query with a precomputed query vector.
func (ix *Index) QueryEmbedding(ctx context.Context, vec []float32, k int) ([]models.IndexMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := ix.loadRows(ctx)
	if err != nil {
		return nil, err
	}
	return rank(rows, vec, k), nil
}

// rank scores rows against vec. Ties keep insertion order.
func rank(rows []storedRow, vec []float32, k int) []models.IndexMatch {
	matches := make([]models.IndexMatch, 0, len(rows))
	for _, r := range rows {
		sourceID := r.source
		if sourceID == "" {
			sourceID = r.id
		}
		matches = append(matches, models.IndexMatch{
			SourceID: sourceID,
			Text:     r.text,
			Score:    cosineSimilarity(vec, r.vec),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// cosineSimilarity returns 0 for mismatched or zero-magnitude vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
