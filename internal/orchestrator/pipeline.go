package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sleepstars/localbrain/internal/config"
	"github.com/sleepstars/localbrain/internal/conversationlog"
	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/modelbridge"
	"github.com/sleepstars/localbrain/internal/models"
	"github.com/sleepstars/localbrain/internal/prompt"
)

// Sources recorded in log entries.
const (
	SourceAPI = "api"
	SourceCLI = "cli"
)

// State is the position of a request in the pipeline.
type State int

const (
	StateReceived State = iota
	StateRetrieving
	StateAssembling
	StateInferring
	StateLogging
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateRetrieving:
		return "retrieving"
	case StateAssembling:
		return "assembling"
	case StateInferring:
		return "inferring"
	case StateLogging:
		return "logging"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Retriever supplies ranked context passages.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]models.RetrievedPassage, error)
}

// Inference runs completions against the engine.
type Inference interface {
	Complete(ctx context.Context, prompt *models.AugmentedPrompt, opts models.SamplingOptions) (*models.CompletionResult, error)
	Stream(ctx context.Context, prompt *models.AugmentedPrompt, opts models.SamplingOptions) (*modelbridge.Stream, error)
}

// Payload represents the data passed between pipeline stages
type Payload struct {
	ID             string
	Source         string
	Request        *models.CompletionRequest
	Started        time.Time
	Passages       []models.RetrievedPassage
	RetrievalError error
	Prompt         *models.AugmentedPrompt
	Result         models.CompletionResult
	Err            error

	state State
	mux   sync.RWMutex
}

// State returns the current pipeline state.
func (p *Payload) State() State {
	p.mux.RLock()
	defer p.mux.RUnlock()
	return p.state
}

func (p *Payload) setState(s State) State {
	p.mux.Lock()
	defer p.mux.Unlock()
	prev := p.state
	p.state = s
	return prev
}

// PipelineStage defines the interface for a stage in the processing pipeline
type PipelineStage interface {
	Execute(ctx context.Context, data *Payload) error
	Name() string
	State() State
}

// Options are the request-level settings of the pipeline.
type Options struct {
	ModelID        string
	TopK           int
	RAGEnabled     bool
	RequestTimeout time.Duration
}

// OptionsFromConfig extracts the pipeline options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ModelID:        cfg.Model.ID,
		TopK:           cfg.Retrieval.TopK,
		RAGEnabled:     cfg.Retrieval.Enabled,
		RequestTimeout: cfg.RequestTimeout,
	}
}

// Dependencies are the collaborators of a Pipeline. Retriever may be nil, in
// which case every request is a plain chat completion.
type Dependencies struct {
	Retriever Retriever
	Assembler *prompt.Assembler
	Inference Inference
	Log       conversationlog.Appender
}

// Pipeline coordinates retrieval, prompt assembly, inference and logging for
// each request.
type Pipeline struct {
	stages    []PipelineStage
	assembler *prompt.Assembler
	inference Inference
	log       conversationlog.Appender
	opts      Options
	logger    *logger.Logger
	now       func() time.Time
}

// NewPipeline creates a pipeline over deps.
func NewPipeline(deps Dependencies, opts Options) *Pipeline {
	log := logger.GetLogger().WithComponent("pipeline")

	retriever := deps.Retriever
	if !opts.RAGEnabled {
		retriever = nil
	}
	log.Info("Creating pipeline for model %s (rag=%v, top_k=%d)", opts.ModelID, retriever != nil, opts.TopK)

	return &Pipeline{
		assembler: deps.Assembler,
		inference: deps.Inference,
		log:       deps.Log,
		opts:      opts,
		logger:    log,
		now:       time.Now,
		stages: []PipelineStage{
			newRetrievalStage(retriever, opts.TopK),
			newAssemblyStage(deps.Assembler),
		},
	}
}

// ModelID returns the advertised model id.
func (p *Pipeline) ModelID() string {
	return p.opts.ModelID
}

func (p *Pipeline) requestLogger(data *Payload) *logger.Logger {
	return p.logger.WithFields(logrus.Fields{"request_id": data.ID, "source": data.Source})
}

func (p *Pipeline) transition(data *Payload, next State) {
	prev := data.setState(next)
	p.requestLogger(data).Debug("State %s -> %s", prev, next)
}

// begin validates req and creates its payload. Invalid requests fail here,
// before any external call and without a log entry.
func (p *Pipeline) begin(req *models.CompletionRequest, source string) (*Payload, error) {
	id := uuid.NewString()
	data := &Payload{
		ID:      id,
		Source:  source,
		Request: req,
		Started: p.now(),
	}
	log := p.requestLogger(data)
	log.Info("Received request")

	if req != nil && req.Model != "" && req.Model != p.opts.ModelID {
		err := models.NewError(models.KindInvalidRequest, fmt.Sprintf("unknown model %q", req.Model), nil)
		data.setState(StateFailed)
		log.Warn("Rejected request: %v", err)
		return nil, err
	}
	if err := p.assembler.Validate(req); err != nil {
		data.setState(StateFailed)
		log.Warn("Rejected request: %v", err)
		return nil, err
	}
	return data, nil
}

func (p *Pipeline) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.opts.RequestTimeout)
}

// prepare runs the stages that precede inference.
func (p *Pipeline) prepare(ctx context.Context, data *Payload) error {
	log := p.requestLogger(data)
	for _, stage := range p.stages {
		select {
		case <-ctx.Done():
			log.Warn("Pipeline cancelled before stage %s", stage.Name())
			return contextError(ctx.Err())
		default:
			p.transition(data, stage.State())
			if err := stage.Execute(ctx, data); err != nil {
				log.WithError(err).Error("Stage %s failed", stage.Name())
				return fmt.Errorf("stage %s failed: %w", stage.Name(), err)
			}
		}
	}
	return nil
}

// contextError maps an expired request context onto the inference error kinds.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.KindInferenceTimeout, "request deadline exceeded", err)
	}
	return models.NewError(models.KindInferenceUnavailable, "request cancelled", err)
}

// Complete runs a non-streamed request through the pipeline.
func (p *Pipeline) Complete(ctx context.Context, req *models.CompletionRequest, source string) (*models.ChatCompletionResponse, error) {
	data, err := p.begin(req, source)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	if err := p.prepare(ctx, data); err != nil {
		return nil, p.fail(data, err)
	}

	p.transition(data, StateInferring)
	res, err := p.inference.Complete(ctx, data.Prompt, req.Options)
	if err != nil {
		return nil, p.fail(data, err)
	}

	data.Result = *res
	p.finish(data)
	return p.buildResponse(data), nil
}

// fail moves data to Failed, logs the exchange and returns err.
func (p *Pipeline) fail(data *Payload, err error) error {
	data.Err = err
	data.Result.FinishReason = models.FinishError
	p.transition(data, StateFailed)
	p.requestLogger(data).WithError(err).Error("Request failed")
	p.record(data)
	return err
}

func (p *Pipeline) finish(data *Payload) {
	p.transition(data, StateLogging)
	p.record(data)
	p.transition(data, StateCompleted)
	p.requestLogger(data).Info("Request completed: finish_reason=%s, used_rag=%v", data.Result.FinishReason, usedRAG(data))
}

// record appends the log entry for data. A failed append is reported and
// otherwise ignored.
func (p *Pipeline) record(data *Payload) {
	if p.log == nil {
		return
	}
	if err := p.log.Append(p.logEntry(data)); err != nil {
		p.requestLogger(data).WithError(err).Error("Failed to write conversation log entry")
	}
}

func (p *Pipeline) logEntry(data *Payload) *models.LogEntry {
	entry := &models.LogEntry{
		ID:         data.ID,
		Timestamp:  data.Started.UTC(),
		Source:     data.Source,
		Model:      p.opts.ModelID,
		Request:    *data.Request,
		Retrieved:  data.Passages,
		UsedRAG:    usedRAG(data),
		Result:     data.Result,
		DurationMS: p.now().Sub(data.Started).Milliseconds(),
	}
	if entry.Retrieved == nil {
		entry.Retrieved = []models.RetrievedPassage{}
	}
	if data.RetrievalError != nil {
		entry.RetrievalError = data.RetrievalError.Error()
	}
	if data.Prompt != nil {
		entry.SentMessages = data.Prompt.Messages()
	}
	if data.Err != nil {
		entry.Error = data.Err.Error()
	}
	return entry
}

func usedRAG(data *Payload) bool {
	return data.Prompt != nil && len(data.Prompt.ContextBlock) > 0
}

func completionID(data *Payload) string {
	return "chatcmpl-" + strings.ReplaceAll(data.ID, "-", "")
}

// buildResponse creates the final API response
func (p *Pipeline) buildResponse(data *Payload) *models.ChatCompletionResponse {
	p.logger.Debug("Building final response with content length: %d", len(data.Result.Content))

	return &models.ChatCompletionResponse{
		ID:      completionID(data),
		Object:  models.ObjectChatCompletion,
		Created: data.Started.Unix(),
		Model:   p.opts.ModelID,
		Choices: []models.ChatCompletionChoice{
			{
				Message: models.ChatCompletionMessage{
					Role:    string(models.RoleAssistant),
					Content: data.Result.Content,
				},
				FinishReason: string(data.Result.FinishReason),
			},
		},
		Usage: data.Result.Usage,
	}
}
