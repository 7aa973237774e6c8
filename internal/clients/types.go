package clients

import (
	"context"

	"github.com/sleepstars/localbrain/internal/models"
)

// ModelClient defines the interface for inference engine clients
type ModelClient interface {
	// Complete sends a completion request to the engine
	Complete(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)

	// CompleteStream sends a streaming completion request. The channel yields
	// content fragments and is closed after exactly one terminal fragment.
	CompleteStream(ctx context.Context, req *models.ChatCompletionRequest) (<-chan models.Fragment, error)
}

// ModelClientConfig contains configuration for model clients
type ModelClientConfig struct {
	APIBase string
	APIKey  string
	Model   string
}
