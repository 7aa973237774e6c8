package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/models"
)

// ErrStreamTruncated marks a stream that ended before the engine sent a finish reason.
var ErrStreamTruncated = errors.New("stream ended before a finish reason")

// OpenAIClient implements ModelClient against any OpenAI-compatible engine
type OpenAIClient struct {
	config ModelClientConfig
	client *openai.Client
	logger *logger.Logger
}

// NewOpenAIClient creates a new client. APIBase includes the /v1 prefix.
func NewOpenAIClient(config ModelClientConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = strings.TrimRight(config.APIBase, "/")
	if !strings.HasPrefix(clientConfig.BaseURL, "http://") && !strings.HasPrefix(clientConfig.BaseURL, "https://") {
		clientConfig.BaseURL = "http://" + clientConfig.BaseURL
	}

	return &OpenAIClient{
		config: config,
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger.GetLogger().WithComponent("openai_client"),
	}
}

// toOpenAI converts the request, filling the model from config when unset.
func (c *OpenAIClient) toOpenAI(req *models.ChatCompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	openaiReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, len(req.Messages)),
		Stop:     req.Stop,
	}
	for i, msg := range req.Messages {
		openaiReq.Messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	return openaiReq
}

func fromOpenAIUsage(u openai.Usage) *models.Usage {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return nil
	}
	return &models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// Complete implements ModelClient
func (c *OpenAIClient) Complete(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.toOpenAI(req))
	if err != nil {
		return nil, fmt.Errorf("create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &models.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  models.ObjectChatCompletion,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []models.ChatCompletionChoice{
			{
				Message: models.ChatCompletionMessage{
					Role:    resp.Choices[0].Message.Role,
					Content: resp.Choices[0].Message.Content,
				},
				FinishReason: string(resp.Choices[0].FinishReason),
			},
		},
		Usage: fromOpenAIUsage(resp.Usage),
	}, nil
}

// CompleteStream implements ModelClient
func (c *OpenAIClient) CompleteStream(ctx context.Context, req *models.ChatCompletionRequest) (<-chan models.Fragment, error) {
	openaiReq := c.toOpenAI(req)
	openaiReq.Stream = true
	openaiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, openaiReq)
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}

	resultChan := make(chan models.Fragment)

	go func() {
		defer close(resultChan)
		defer stream.Close()

		send := func(f models.Fragment) bool {
			select {
			case resultChan <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var finish models.FinishReason
		var usage *models.Usage
		received := 0

		for {
			resp, err := stream.Recv()
			if err != nil {
				terminal := models.Fragment{FinishReason: finish, Usage: usage}
				switch {
				case finish != "":
					// Engine already finished; trailing errors do not matter.
				case errors.Is(err, io.EOF):
					terminal.FinishReason = models.FinishError
					terminal.Err = ErrStreamTruncated
				default:
					terminal.FinishReason = models.FinishError
					terminal.Err = err
				}
				if terminal.Err != nil {
					c.logger.Warn("Stream ended after %d chunks: %v", received, terminal.Err)
				}
				send(terminal)
				return
			}
			received++

			if resp.Usage != nil {
				usage = &models.Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				if !send(models.Fragment{Content: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != "" {
				finish = models.ParseFinishReason(string(choice.FinishReason))
			}
		}
	}()

	return resultChan, nil
}
