package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleepstars/localbrain/internal/models"
)

func writeChunk(w http.ResponseWriter, content, finish string) {
	choice := map[string]interface{}{
		"index": 0,
		"delta": map[string]string{"content": content},
	}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	data, _ := json.Marshal(map[string]interface{}{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"choices": []interface{}{choice},
	})
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()
}

func collect(t *testing.T, ch <-chan models.Fragment) []models.Fragment {
	t.Helper()
	var out []models.Fragment
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestOpenAIClient_Complete(t *testing.T) {
	// Create test server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var reqMap map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&reqMap))
		assert.Equal(t, "test-model", reqMap["model"], "model falls back to config")
		assert.InDelta(t, 0.5, reqMap["temperature"], 1e-6)
		assert.EqualValues(t, 64, reqMap["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "test-model",
			"choices": []map[string]interface{}{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "test response"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(ModelClientConfig{
		APIBase: server.URL + "/v1",
		APIKey:  "secret",
		Model:   "test-model",
	})

	temp := float32(0.5)
	maxTokens := 64
	resp, err := client.Complete(context.Background(), &models.ChatCompletionRequest{
		Messages:    []models.ChatCompletionMessage{{Role: "user", Content: "test"}},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})

	require.NoError(t, err)
	assert.Equal(t, "test response", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, &models.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, resp.Usage)
}

func TestOpenAIClient_CompleteEngineError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"model not loaded","type":"server_error"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(ModelClientConfig{APIBase: server.URL + "/v1", Model: "m"})
	_, err := client.Complete(context.Background(), &models.ChatCompletionRequest{
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "test"}},
	})
	assert.ErrorContains(t, err, "model not loaded")
}

func TestOpenAIClient_CompleteStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify streaming headers
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "Hel", "")
		writeChunk(w, "", "")
		writeChunk(w, "lo", "")
		writeChunk(w, "", "length")
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-test\",\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewOpenAIClient(ModelClientConfig{APIBase: server.URL + "/v1", Model: "test-model"})
	ch, err := client.CompleteStream(context.Background(), &models.ChatCompletionRequest{
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "test"}},
	})
	require.NoError(t, err)

	frags := collect(t, ch)
	require.Len(t, frags, 3)
	assert.Equal(t, "Hel", frags[0].Content)
	assert.Equal(t, "lo", frags[1].Content)
	assert.True(t, frags[2].Terminal())
	assert.Equal(t, models.FinishLength, frags[2].FinishReason)
	assert.NoError(t, frags[2].Err)
	assert.Equal(t, &models.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}, frags[2].Usage)
}

func TestOpenAIClient_CompleteStreamDropped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "one ", "")
		writeChunk(w, "two", "")
		// Abort the connection without the terminating chunk.
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	client := NewOpenAIClient(ModelClientConfig{APIBase: server.URL + "/v1", Model: "test-model"})
	ch, err := client.CompleteStream(context.Background(), &models.ChatCompletionRequest{
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "test"}},
	})
	require.NoError(t, err)

	frags := collect(t, ch)
	require.Len(t, frags, 3)
	assert.Equal(t, "one ", frags[0].Content)
	assert.Equal(t, "two", frags[1].Content)
	assert.Equal(t, models.FinishError, frags[2].FinishReason)
	assert.Error(t, frags[2].Err)
}

func TestOpenAIClient_CompleteStreamWithoutFinishReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "partial", "")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewOpenAIClient(ModelClientConfig{APIBase: server.URL + "/v1", Model: "test-model"})
	ch, err := client.CompleteStream(context.Background(), &models.ChatCompletionRequest{
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "test"}},
	})
	require.NoError(t, err)

	frags := collect(t, ch)
	require.Len(t, frags, 2)
	assert.Equal(t, models.FinishError, frags[1].FinishReason)
	assert.True(t, errors.Is(frags[1].Err, ErrStreamTruncated))
}

func TestOpenAIClient_CompleteStreamUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewOpenAIClient(ModelClientConfig{APIBase: url + "/v1", Model: "test-model"})
	_, err := client.CompleteStream(context.Background(), &models.ChatCompletionRequest{
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "test"}},
	})
	assert.Error(t, err)
}

func TestOpenAIClient_CompleteStreamCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, "first", "")
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewOpenAIClient(ModelClientConfig{APIBase: server.URL + "/v1", Model: "test-model"})
	ch, err := client.CompleteStream(ctx, &models.ChatCompletionRequest{
		Messages: []models.ChatCompletionMessage{{Role: "user", Content: "test"}},
	})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "first", first.Content)
	cancel()

	// The channel closes once the engine call is cancelled.
	collect(t, ch)
}
