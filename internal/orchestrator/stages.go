package orchestrator

import (
	"context"

	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/prompt"
)

// retrievalStage fetches context passages for the last user message. A
// failing retriever degrades the request to a plain completion.
type retrievalStage struct {
	retriever Retriever
	topK      int
	logger    *logger.Logger
}

func newRetrievalStage(r Retriever, topK int) *retrievalStage {
	return &retrievalStage{
		retriever: r,
		topK:      topK,
		logger:    logger.GetLogger().WithComponent("retrieval_stage"),
	}
}

func (s *retrievalStage) Name() string {
	return "retrieval"
}

func (s *retrievalStage) State() State {
	return StateRetrieving
}

func (s *retrievalStage) Execute(ctx context.Context, data *Payload) error {
	if s.retriever == nil || s.topK == 0 {
		s.logger.Debug("Retrieval disabled, skipping")
		return nil
	}
	if data.Request.NoRAG {
		s.logger.Debug("Retrieval turned off for request %s", data.ID)
		return nil
	}

	query, _ := data.Request.LastUserMessage()
	passages, err := s.retriever.Retrieve(ctx, query, s.topK)
	if err != nil {
		s.logger.WithError(err).Warn("Retrieval failed for request %s, continuing without context", data.ID)
		data.RetrievalError = err
		data.Passages = nil
		return nil
	}

	data.Passages = passages
	s.logger.Debug("Retrieved %d passages for request %s", len(passages), data.ID)
	return nil
}

// assemblyStage builds the augmented prompt.
type assemblyStage struct {
	assembler *prompt.Assembler
	logger    *logger.Logger
}

func newAssemblyStage(a *prompt.Assembler) *assemblyStage {
	return &assemblyStage{
		assembler: a,
		logger:    logger.GetLogger().WithComponent("assembly_stage"),
	}
}

func (s *assemblyStage) Name() string {
	return "assembly"
}

func (s *assemblyStage) State() State {
	return StateAssembling
}

func (s *assemblyStage) Execute(ctx context.Context, data *Payload) error {
	p, err := s.assembler.Assemble(data.Request, data.Passages)
	if err != nil {
		return err
	}
	data.Prompt = p
	s.logger.Debug("Assembled prompt for request %s: %d chars, %d/%d passages",
		data.ID, p.Length(), len(p.ContextBlock), len(data.Passages))
	return nil
}
