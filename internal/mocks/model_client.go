package mocks

import (
	"context"
	"sync"

	"github.com/sleepstars/localbrain/internal/models"
)

// MockModelClient implements ModelClient interface for testing
type MockModelClient struct {
	CompleteFunc       func(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)
	CompleteStreamFunc func(ctx context.Context, req *models.ChatCompletionRequest) (<-chan models.Fragment, error)

	mu    sync.Mutex
	calls int
}

func (m *MockModelClient) Complete(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	m.count()
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &models.ChatCompletionResponse{
		Choices: []models.ChatCompletionChoice{{
			Message:      models.ChatCompletionMessage{Role: "assistant"},
			FinishReason: "stop",
		}},
	}, nil
}

func (m *MockModelClient) CompleteStream(ctx context.Context, req *models.ChatCompletionRequest) (<-chan models.Fragment, error) {
	m.count()
	if m.CompleteStreamFunc != nil {
		return m.CompleteStreamFunc(ctx, req)
	}
	return FragmentStream(ctx, models.Fragment{FinishReason: models.FinishStop}), nil
}

// Calls returns how many times either method was invoked.
func (m *MockModelClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockModelClient) count() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

// FragmentStream emits frags in order on a channel that closes afterwards or
// when ctx is done.
func FragmentStream(ctx context.Context, frags ...models.Fragment) <-chan models.Fragment {
	ch := make(chan models.Fragment)
	go func() {
		defer close(ch)
		for _, f := range frags {
			select {
			case <-ctx.Done():
				return
			case ch <- f:
			}
		}
	}()
	return ch
}

// TextResponse builds a one-choice completion response.
func TextResponse(content, finishReason string) *models.ChatCompletionResponse {
	return &models.ChatCompletionResponse{
		ID:     "chatcmpl-mock",
		Object: models.ObjectChatCompletion,
		Choices: []models.ChatCompletionChoice{{
			Message:      models.ChatCompletionMessage{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
	}
}
