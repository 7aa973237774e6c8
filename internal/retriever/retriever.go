// Package retriever turns vector index matches into ranked context passages.
package retriever

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/models"
)

// Index is the query capability of the vector index. Implementations must be
// safe for concurrent queries.
type Index interface {
	Query(ctx context.Context, text string, k int) ([]models.IndexMatch, error)
}

// Retriever wraps an Index with relevance filtering and deterministic ranking.
type Retriever struct {
	index    Index
	minScore float64
	logger   *logger.Logger
}

// New creates a Retriever. Only matches scoring above minScore are kept.
func New(index Index, minScore float64) *Retriever {
	return &Retriever{
		index:    index,
		minScore: minScore,
		logger:   logger.GetLogger().WithComponent("retriever"),
	}
}

// Retrieve returns up to topK passages for query, best first. No matches is
// an empty result, not an error. An unreachable index is RetrievalUnavailable.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]models.RetrievedPassage, error) {
	if topK < 0 {
		return nil, models.NewError(models.KindInvalidRequest, "top_k must not be negative", nil)
	}
	if topK == 0 {
		return []models.RetrievedPassage{}, nil
	}

	matches, err := r.index.Query(ctx, query, topK)
	if err != nil {
		return nil, models.NewError(models.KindRetrievalUnavailable, "query vector index", err)
	}

	kept := make([]models.IndexMatch, 0, len(matches))
	for _, m := range matches {
		if m.Score <= r.minScore {
			continue
		}
		kept = append(kept, m)
	}

	// Stable so equal scores keep the index's insertion order.
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Score > kept[j].Score
	})
	if len(kept) > topK {
		kept = kept[:topK]
	}

	passages := make([]models.RetrievedPassage, len(kept))
	for i, m := range kept {
		passages[i] = models.RetrievedPassage{
			SourceID: m.SourceID,
			Text:     m.Text,
			Score:    m.Score,
			Rank:     i + 1,
		}
	}

	r.logger.WithFields(logrus.Fields{
		"matches":  len(matches),
		"passages": len(passages),
	}).Debug("Retrieved context")
	return passages, nil
}
