package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEmbedder maps texts onto a 3-d space by keyword so scores are predictable.
type keywordEmbedder struct {
	calls int
	err   error
}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := []float32{0, 0, 0}
		if strings.Contains(t, "cat") {
			v[0] = 1
		}
		if strings.Contains(t, "dog") {
			v[1] = 1
		}
		if strings.Contains(t, "fish") {
			v[2] = 1
		}
		out[i] = v
	}
	return out, nil
}

func openTestIndex(t *testing.T, e Embedder) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "index.db"), e)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestQueryRanksByCosine(t *testing.T) {
	emb := &keywordEmbedder{}
	ix := openTestIndex(t, emb)
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, []Document{
		{ID: "1", Text: "all about dog", Source: "dogs.md"},
		{ID: "2", Text: "cat and dog", Source: "pets.md"},
		{ID: "3", Text: "cat facts"},
	}))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	matches, err := ix.Query(ctx, "tell me about cat", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "3", matches[0].SourceID, "empty source falls back to id")
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	assert.Equal(t, "pets.md", matches[1].SourceID)
	assert.InDelta(t, 0.7071, matches[1].Score, 1e-3)
}

func TestQueryTiesKeepInsertionOrder(t *testing.T) {
	ix := openTestIndex(t, &keywordEmbedder{})
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, []Document{
		{ID: "b", Text: "fish one"},
		{ID: "a", Text: "fish two"},
		{ID: "c", Text: "fish three"},
	}))

	for i := 0; i < 3; i++ {
		matches, err := ix.Query(ctx, "fish", 3)
		require.NoError(t, err)
		require.Len(t, matches, 3)
		assert.Equal(t, []string{"b", "a", "c"}, []string{matches[0].SourceID, matches[1].SourceID, matches[2].SourceID})
	}
}

func TestUpsertReplacesByID(t *testing.T) {
	ix := openTestIndex(t, &keywordEmbedder{})
	ctx := context.Background()

	require.NoError(t, ix.Upsert(ctx, []Document{{ID: "1", Text: "dog"}, {ID: "2", Text: "dog"}}))
	require.NoError(t, ix.Upsert(ctx, []Document{{ID: "1", Text: "dog again"}}))

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	matches, err := ix.QueryEmbedding(ctx, []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "dog again", matches[0].Text, "replaced document keeps its position")
}

func TestUpsertUsesProvidedEmbedding(t *testing.T) {
	emb := &keywordEmbedder{}
	ix := openTestIndex(t, emb)

	require.NoError(t, ix.Upsert(context.Background(), []Document{{ID: "1", Text: "x", Embedding: []float32{1, 0, 0}}}))
	assert.Equal(t, 0, emb.calls)
}

func TestQueryEmptyIndexSkipsEmbedder(t *testing.T) {
	emb := &keywordEmbedder{err: errors.New("engine down")}
	ix := openTestIndex(t, emb)

	matches, err := ix.Query(context.Background(), "cat", 4)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Equal(t, 0, emb.calls)
}

func TestQueryEmbedderFailure(t *testing.T) {
	emb := &keywordEmbedder{}
	ix := openTestIndex(t, emb)
	require.NoError(t, ix.Upsert(context.Background(), []Document{{ID: "1", Text: "cat"}}))

	emb.err = errors.New("engine down")
	_, err := ix.Query(context.Background(), "cat", 4)
	assert.ErrorContains(t, err, "engine down")
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	ix, err := Open(path, &keywordEmbedder{})
	require.NoError(t, err)
	require.NoError(t, ix.Upsert(context.Background(), []Document{{ID: "1", Text: "cat"}}))
	require.NoError(t, ix.Close())

	ix, err = Open(path, &keywordEmbedder{})
	require.NoError(t, err)
	defer ix.Close()

	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInMemoryIndex(t *testing.T) {
	ix, err := Open(":memory:", &keywordEmbedder{})
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Upsert(context.Background(), []Document{{ID: "1", Text: "cat"}}))
	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestOpenAIEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embed-model", req.Model)
		assert.Equal(t, []string{"a", "b"}, req.Input)

		// Out of order on purpose
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"model":  "embed-model",
			"data": []map[string]interface{}{
				{"object": "embedding", "index": 1, "embedding": []float32{0, 1}},
				{"object": "embedding", "index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer server.Close()

	emb := NewOpenAIEmbedder(server.URL+"/v1", "key", "embed-model")
	vecs, err := emb.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestOpenAIEmbedderNoInput(t *testing.T) {
	emb := NewOpenAIEmbedder("http://127.0.0.1:1/v1", "key", "m")
	vecs, err := emb.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}
