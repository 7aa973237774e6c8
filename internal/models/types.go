package models

import (
	"fmt"
	"strings"
)

// ChatCompletionRequest represents an incoming chat completion request
type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	Stream      bool                    `json:"stream,omitempty"`
	Temperature *float32                `json:"temperature,omitempty"`
	MaxTokens   *int                    `json:"max_tokens,omitempty"`
	TopP        *float32                `json:"top_p,omitempty"`
	Stop        []string                `json:"stop,omitempty"`
	UseRAG      *bool                   `json:"use_rag,omitempty"`
}

// ChatCompletionMessage represents a message in the chat
type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionChoice represents a completion choice
type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// ChatCompletionResponse represents the response from the chat completion API
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *Usage                 `json:"usage,omitempty"`
}

// ChatCompletionDelta is the incremental message part of a streamed chunk.
type ChatCompletionDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionChunkChoice is one choice of a streamed chunk. FinishReason is
// null until the terminal chunk.
type ChatCompletionChunkChoice struct {
	Index        int                 `json:"index"`
	Delta        ChatCompletionDelta `json:"delta"`
	FinishReason *string             `json:"finish_reason"`
}

// ChatCompletionChunk is one "chat.completion.chunk" object of a streamed response.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	Usage   *Usage                      `json:"usage,omitempty"`
}

// Usage carries token counts reported by the engine.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Model is one entry of the /v1/models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorBody is the OpenAI-compatible error object.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ErrorResponse wraps ErrorBody as {"error": {...}}.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Object names used on the wire.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectModel               = "model"
	ObjectList                = "list"
)

// ToCompletionRequest validates the wire shape and converts it into the
// pipeline's CompletionRequest. Shape errors are InvalidRequest.
func (r *ChatCompletionRequest) ToCompletionRequest() (*CompletionRequest, error) {
	if len(r.Messages) == 0 {
		return nil, NewError(KindInvalidRequest, "messages must not be empty", nil)
	}

	msgs := make([]ChatMessage, 0, len(r.Messages))
	for i, m := range r.Messages {
		role, err := ParseRole(m.Role)
		if err != nil {
			return nil, NewError(KindInvalidRequest, fmt.Sprintf("messages[%d]: %v", i, err), nil)
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: m.Content})
	}

	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return nil, NewError(KindInvalidRequest, "max_tokens must not be negative", nil)
	}

	return &CompletionRequest{
		Model:    strings.TrimSpace(r.Model),
		Messages: msgs,
		Stream:   r.Stream,
		NoRAG:    r.UseRAG != nil && !*r.UseRAG,
		Options: SamplingOptions{
			Temperature: r.Temperature,
			MaxTokens:   r.MaxTokens,
			TopP:        r.TopP,
			Stop:        r.Stop,
		},
	}, nil
}
