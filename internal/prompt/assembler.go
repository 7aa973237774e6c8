// Package prompt builds the augmented prompt sent to the inference engine.
package prompt

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/sleepstars/localbrain/internal/config"
	"github.com/sleepstars/localbrain/internal/logger"
	"github.com/sleepstars/localbrain/internal/models"
)

const uiInstructionsHeader = "Additional instructions from the UI:"

// Assembler combines the preamble, retrieved passages and the conversation
// under a character budget. It holds no mutable state.
type Assembler struct {
	preamble string
	budget   int
	logger   *logger.Logger
}

// New creates an Assembler from the prompt configuration.
func New(cfg config.PromptConfig) *Assembler {
	return &Assembler{
		preamble: cfg.SystemPreamble,
		budget:   cfg.BudgetChars,
		logger:   logger.GetLogger().WithComponent("prompt"),
	}
}

// Budget returns the configured prompt size limit in characters.
func (a *Assembler) Budget() int {
	return a.budget
}

// Validate rejects requests that cannot be assembled.
func (a *Assembler) Validate(req *models.CompletionRequest) error {
	if req == nil || len(req.Messages) == 0 {
		return models.NewError(models.KindInvalidRequest, "messages must not be empty", nil)
	}
	if _, ok := req.LastUserMessage(); !ok {
		return models.NewError(models.KindInvalidRequest, "messages must contain a user message", nil)
	}
	return nil
}

// Assemble builds the prompt for req with passages as context. The result is
// a pure function of its inputs.
func (a *Assembler) Assemble(req *models.CompletionRequest, passages []models.RetrievedPassage) (*models.AugmentedPrompt, error) {
	if err := a.Validate(req); err != nil {
		return nil, err
	}

	p := &models.AugmentedPrompt{
		SystemPreamble: a.systemPreamble(req.Messages),
		History:        conversation(req.Messages),
	}

	length, dropped := a.trimHistory(p, p.Length())
	if dropped > 0 || length > a.budget {
		a.logger.WithFields(logrus.Fields{
			"dropped_turns": dropped,
			"length":        length,
			"budget":        a.budget,
		}).Warn("Conversation history exceeds prompt budget")
	}

	ranked := append([]models.RetrievedPassage(nil), passages...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })

	if len(ranked) > 0 {
		length += p.ContextOverhead()
	}
	for _, passage := range ranked {
		next := length + models.PassageLength(passage)
		if next > a.budget {
			break
		}
		p.ContextBlock = append(p.ContextBlock, passage)
		length = next
	}

	if omitted := len(ranked) - len(p.ContextBlock); omitted > 0 {
		a.logger.Debug("Dropped %d of %d passages to fit budget %d", omitted, len(ranked), a.budget)
	}
	return p, nil
}

// systemPreamble folds client-supplied system messages in after the configured preamble.
func (a *Assembler) systemPreamble(msgs []models.ChatMessage) string {
	var extra []string
	for _, m := range msgs {
		if m.Role == models.RoleSystem && strings.TrimSpace(m.Content) != "" {
			extra = append(extra, strings.TrimSpace(m.Content))
		}
	}
	if len(extra) == 0 {
		return a.preamble
	}

	var b strings.Builder
	if a.preamble != "" {
		b.WriteString(a.preamble)
		b.WriteString("\n\n")
	}
	b.WriteString(uiInstructionsHeader)
	b.WriteString("\n")
	b.WriteString(strings.Join(extra, "\n"))
	return b.String()
}

func conversation(msgs []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != models.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// trimHistory drops the oldest turns while the prompt is over budget and
// returns the new length with the number of dropped turns. The last user
// message and the turn right before it are never dropped.
func (a *Assembler) trimHistory(p *models.AugmentedPrompt, length int) (int, int) {
	lastUser := -1
	for i := len(p.History) - 1; i >= 0; i-- {
		if p.History[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}
	keepFrom := lastUser - 1
	if keepFrom < 0 {
		keepFrom = 0
	}

	dropped := 0
	for dropped < keepFrom && length > a.budget {
		length -= utf8.RuneCountInString(p.History[0].Content)
		p.History = p.History[1:]
		dropped++
	}
	return length, dropped
}
