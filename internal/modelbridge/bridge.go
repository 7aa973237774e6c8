package modelbridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sleepstars/localbrain/internal/clients"
	"github.com/sleepstars/localbrain/internal/config"
	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/models"
)

// PingPrompt is the diagnostic prompt sent by Ping.
const PingPrompt = "Reply with: LM STUDIO OK"

// InferenceClient wraps the engine client with deadlines, the retry policy
// and error classification.
type InferenceClient struct {
	client   clients.ModelClient
	model    string
	timeout  time.Duration
	retry    RetryPolicy
	defaults models.SamplingOptions
	logger   *logger.Logger
}

// New creates an InferenceClient from the inference configuration.
func New(client clients.ModelClient, cfg config.InferenceConfig) *InferenceClient {
	log := logger.GetLogger().WithComponent("model_bridge")
	log.Info("Creating inference client for model %s", cfg.Model)

	policy := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryBackoff > 0 {
		policy.Backoff = cfg.RetryBackoff
	}

	return &InferenceClient{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		retry:   policy,
		defaults: models.SamplingOptions{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		},
		logger: log,
	}
}

// RetryPolicy returns the policy applied to non-streamed calls.
func (c *InferenceClient) RetryPolicy() RetryPolicy {
	return c.retry
}

func (c *InferenceClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *InferenceClient) buildRequest(prompt *models.AugmentedPrompt, opts models.SamplingOptions, stream bool) *models.ChatCompletionRequest {
	msgs := prompt.Messages()
	req := &models.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]models.ChatCompletionMessage, len(msgs)),
		Stream:      stream,
		Temperature: c.defaults.Temperature,
		MaxTokens:   c.defaults.MaxTokens,
		TopP:        opts.TopP,
		Stop:        opts.Stop,
	}
	for i, m := range msgs {
		req.Messages[i] = models.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	if opts.Temperature != nil {
		req.Temperature = opts.Temperature
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = opts.MaxTokens
	}
	return req
}

// classify maps an engine error onto InferenceTimeout or InferenceUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var kinded *models.Error
	if errors.As(err, &kinded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.KindInferenceTimeout, "no response from inference engine before the deadline", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewError(models.KindInferenceTimeout, "no response from inference engine before the deadline", err)
	}
	return models.NewError(models.KindInferenceUnavailable, "inference engine unavailable", err)
}

// Complete runs a non-streamed completion under the per-call deadline and the
// retry policy.
func (c *InferenceClient) Complete(ctx context.Context, prompt *models.AugmentedPrompt, opts models.SamplingOptions) (*models.CompletionResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req := c.buildRequest(prompt, opts, false)
	c.logger.Debug("Calling inference engine with %d messages", len(req.Messages))

	attempts := 0
	var resp *models.ChatCompletionResponse
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		r, err := c.client.Complete(ctx, req)
		if err != nil {
			c.logger.WithError(err).Warn("Inference attempt %d failed", attempts)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, models.NewError(models.KindInferenceUnavailable, "inference engine returned no choices", nil)
	}

	finish := models.ParseFinishReason(resp.Choices[0].FinishReason)
	if finish == "" {
		finish = models.FinishStop
	}

	c.logger.Debug("Inference call completed after %d attempt(s)", attempts)
	return &models.CompletionResult{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: finish,
		Usage:        resp.Usage,
	}, nil
}

// Stream starts a streamed completion. It is never retried. Errors opening
// the stream are returned directly; later failures arrive as a terminal
// fragment with FinishError.
func (c *InferenceClient) Stream(ctx context.Context, prompt *models.AugmentedPrompt, opts models.SamplingOptions) (*Stream, error) {
	ctx, cancel := c.withTimeout(ctx)

	req := c.buildRequest(prompt, opts, true)
	c.logger.Debug("Starting streaming call with %d messages", len(req.Messages))

	in, err := c.client.CompleteStream(ctx, req)
	if err != nil {
		cancel()
		c.logger.WithError(err).Error("Failed to start streaming")
		return nil, classify(err)
	}

	s := &Stream{
		out:    make(chan models.Fragment),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.forward(ctx, in, c.logger)
	return s, nil
}

// Ping sends the diagnostic prompt and returns the engine's reply.
func (c *InferenceClient) Ping(ctx context.Context) (string, error) {
	prompt := &models.AugmentedPrompt{
		History: []models.ChatMessage{{Role: models.RoleUser, Content: PingPrompt}},
	}
	res, err := c.Complete(ctx, prompt, models.SamplingOptions{})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// Stream is a single-consumer, non-restartable sequence of fragments. The
// last fragment is always terminal.
type Stream struct {
	out       chan models.Fragment
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Fragments returns the fragment channel. It is closed after the terminal fragment.
func (s *Stream) Fragments() <-chan models.Fragment {
	return s.out
}

// Close stops the stream and cancels the engine call. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}

func (s *Stream) emit(f models.Fragment) bool {
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *Stream) forward(ctx context.Context, in <-chan models.Fragment, log *logger.Logger) {
	defer close(s.out)
	defer s.cancel()

	forwarded, dropped := 0, 0
	terminated := false
	open := true

	for f := range in {
		if terminated || !open {
			// Keep draining so the producer never blocks.
			continue
		}
		if f.Terminal() {
			terminated = true
			if f.FinishReason == models.FinishError {
				cause := f.Err
				if ctx.Err() != nil {
					cause = ctx.Err()
				}
				if cause == nil {
					cause = errors.New("inference engine reported an error")
				}
				f.Err = classify(cause)
			}
			open = s.emit(f)
			continue
		}
		if f.Content == "" {
			dropped++
			continue
		}
		forwarded++
		open = s.emit(f)
	}

	if !terminated && open {
		cause := ctx.Err()
		if cause == nil {
			cause = clients.ErrStreamTruncated
		}
		s.emit(models.Fragment{FinishReason: models.FinishError, Err: classify(cause)})
	}

	log.Debug("Streaming completed: forwarded=%d, empty=%d", forwarded, dropped)
}
