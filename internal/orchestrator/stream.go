package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sleepstars/localbrain/internal/modelbridge"
	"github.com/sleepstars/localbrain/internal/models"
)

// ErrClientGone is recorded when the consumer closes a stream before its end.
var ErrClientGone = errors.New("client disconnected before the stream ended")

// ChunkStream delivers a streamed completion as chat.completion.chunk objects.
// The last chunk carries the finish reason.
type ChunkStream struct {
	id      string
	model   string
	created int64

	out       chan models.ChatCompletionChunk
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newChunkStream(id, model string, created int64) *ChunkStream {
	return &ChunkStream{
		id:       id,
		model:    model,
		created:  created,
		out:      make(chan models.ChatCompletionChunk),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// ID returns the completion id shared by every chunk.
func (s *ChunkStream) ID() string {
	return s.id
}

// Chunks returns the chunk channel. It is closed once the exchange is logged.
func (s *ChunkStream) Chunks() <-chan models.ChatCompletionChunk {
	return s.out
}

// Close abandons the stream and cancels the engine call. Safe to call more than once.
func (s *ChunkStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Wait blocks until the stream has ended and its log entry is written.
func (s *ChunkStream) Wait() {
	<-s.finished
}

// Err returns the error that ended the stream, if any. Valid once Chunks is
// closed or Wait has returned.
func (s *ChunkStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ChunkStream) chunk(delta models.ChatCompletionDelta, finish *string, usage *models.Usage) models.ChatCompletionChunk {
	return models.ChatCompletionChunk{
		ID:      s.id,
		Object:  models.ObjectChatCompletionChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []models.ChatCompletionChunkChoice{{Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
}

func (s *ChunkStream) send(c models.ChatCompletionChunk) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- c:
		return true
	case <-s.done:
		return false
	}
}

// Stream runs req through the pipeline and streams the completion. Failures
// before the first fragment are returned here; later ones end the stream
// with an error-marked chunk.
func (p *Pipeline) Stream(ctx context.Context, req *models.CompletionRequest, source string) (*ChunkStream, error) {
	data, err := p.begin(req, source)
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.withDeadline(ctx)

	if err := p.prepare(ctx, data); err != nil {
		cancel()
		return nil, p.fail(data, err)
	}

	p.transition(data, StateInferring)
	fragments, err := p.inference.Stream(ctx, data.Prompt, req.Options)
	if err != nil {
		cancel()
		return nil, p.fail(data, err)
	}

	cs := newChunkStream(completionID(data), p.opts.ModelID, data.Started.Unix())
	go p.pump(cancel, data, fragments, cs)
	return cs, nil
}

// pump turns engine fragments into chunks until the terminal fragment or
// until the consumer goes away, then logs what the consumer received.
func (p *Pipeline) pump(cancel context.CancelFunc, data *Payload, fragments *modelbridge.Stream, cs *ChunkStream) {
	defer close(cs.finished)
	defer cancel()
	defer fragments.Close()

	log := p.requestLogger(data)
	var content strings.Builder
	result := models.CompletionResult{}
	first := true
	gone := false
	count := 0

	for f := range fragments.Fragments() {
		if gone {
			continue
		}

		delta := models.ChatCompletionDelta{Content: f.Content}
		if first {
			delta.Role = string(models.RoleAssistant)
		}

		var finish *string
		var usage *models.Usage
		if f.Terminal() {
			reason := string(f.FinishReason)
			finish = &reason
			usage = f.Usage
			result.FinishReason = f.FinishReason
			result.Usage = f.Usage
			if f.FinishReason == models.FinishError {
				data.Err = f.Err
			}
		}

		if !cs.send(cs.chunk(delta, finish, usage)) {
			gone = true
			fragments.Close()
			continue
		}
		first = false
		count++
		content.WriteString(f.Content)
	}

	if gone {
		log.Warn("Client disconnected after %d chunks, engine call cancelled", count)
		result.FinishReason = models.FinishError
		if data.Err == nil {
			data.Err = ErrClientGone
		}
	}
	if result.FinishReason == "" {
		result.FinishReason = models.FinishError
		if data.Err == nil {
			data.Err = models.NewError(models.KindInferenceUnavailable, "inference stream ended without a finish reason", nil)
		}
	}

	result.Content = content.String()
	data.Result = result

	if result.FinishReason == models.FinishError {
		cs.mu.Lock()
		cs.err = data.Err
		cs.mu.Unlock()
		p.transition(data, StateFailed)
		log.WithError(data.Err).Error("Stream failed after %d chunks", count)
		p.record(data)
	} else {
		p.finish(data)
	}
	close(cs.out)
}
