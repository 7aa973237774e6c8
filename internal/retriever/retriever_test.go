package retriever

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleepstars/localbrain/internal/config"
	"github.com/sleepstars/localbrain/internal/mocks"
	"github.com/sleepstars/localbrain/internal/models"
)

func TestRetrieveRanksAndFilters(t *testing.T) {
	index := &mocks.MockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]models.IndexMatch, error) {
			assert.Equal(t, "what is A?", text)
			assert.Equal(t, 3, k)
			return []models.IndexMatch{
				{SourceID: "low", Text: "noise", Score: 0.1},
				{SourceID: "b", Text: "fact B", Score: 0.7},
				{SourceID: "a", Text: "fact A", Score: 0.9},
			}, nil
		},
	}

	r := New(index, 0.2)
	passages, err := r.Retrieve(context.Background(), "what is A?", 3)
	require.NoError(t, err)

	assert.Equal(t, []models.RetrievedPassage{
		{SourceID: "a", Text: "fact A", Score: 0.9, Rank: 1},
		{SourceID: "b", Text: "fact B", Score: 0.7, Rank: 2},
	}, passages)
}

func TestRetrieveTiesKeepIndexOrder(t *testing.T) {
	index := &mocks.MockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]models.IndexMatch, error) {
			return []models.IndexMatch{
				{SourceID: "first", Score: 0.5},
				{SourceID: "second", Score: 0.5},
				{SourceID: "top", Score: 0.8},
				{SourceID: "third", Score: 0.5},
			}, nil
		},
	}

	passages, err := New(index, 0).Retrieve(context.Background(), "q", 3)
	require.NoError(t, err)
	require.Len(t, passages, 3)
	assert.Equal(t, "top", passages[0].SourceID)
	assert.Equal(t, "first", passages[1].SourceID)
	assert.Equal(t, "second", passages[2].SourceID)
	assert.Equal(t, 3, passages[2].Rank)
}

func TestRetrieveIsIdempotent(t *testing.T) {
	index := &mocks.MockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]models.IndexMatch, error) {
			return []models.IndexMatch{
				{SourceID: "x", Text: "1", Score: 0.4},
				{SourceID: "y", Text: "2", Score: 0.4},
				{SourceID: "z", Text: "3", Score: 0.6},
			}, nil
		},
	}
	r := New(index, 0)

	first, err := r.Retrieve(context.Background(), "same", 5)
	require.NoError(t, err)
	second, err := r.Retrieve(context.Background(), "same", 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRetrieveZeroTopKSkipsIndex(t *testing.T) {
	index := &mocks.MockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]models.IndexMatch, error) {
			t.Fatal("index must not be queried for top_k = 0")
			return nil, nil
		},
	}

	passages, err := New(index, 0).Retrieve(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.NotNil(t, passages)
	assert.Empty(t, passages)
}

func TestRetrieveNegativeTopK(t *testing.T) {
	_, err := New(&mocks.MockIndex{}, 0).Retrieve(context.Background(), "q", -1)
	assert.True(t, errors.Is(err, models.ErrInvalidRequest))
}

func TestRetrieveEmptyIndex(t *testing.T) {
	passages, err := New(&mocks.MockIndex{}, 0).Retrieve(context.Background(), "q", 4)
	require.NoError(t, err)
	assert.Empty(t, passages)
}

func TestRetrieveIndexUnavailable(t *testing.T) {
	cause := errors.New("database is locked")
	index := &mocks.MockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]models.IndexMatch, error) {
			return nil, cause
		},
	}

	_, err := New(index, 0).Retrieve(context.Background(), "q", 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrRetrievalUnavailable))
	assert.True(t, errors.Is(err, cause))
}

func TestRetrieveThresholdIsExclusive(t *testing.T) {
	index := &mocks.MockIndex{
		QueryFunc: func(ctx context.Context, text string, k int) ([]models.IndexMatch, error) {
			return []models.IndexMatch{
				{SourceID: "unrelated", Text: "nothing in common", Score: 0},
				{SourceID: "edge", Text: "exactly at the threshold", Score: 0.5},
				{SourceID: "hit", Text: "fact A", Score: 0.51},
			}, nil
		},
	}

	passages, err := New(index, 0.5).Retrieve(context.Background(), "q", 4)
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "hit", passages[0].SourceID)

	passages, err = New(index, config.Default().Retrieval.MinScore).Retrieve(context.Background(), "q", 4)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	for _, p := range passages {
		assert.NotEqual(t, "unrelated", p.SourceID, "zero similarity never counts as relevant")
	}
}
