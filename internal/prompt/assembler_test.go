package prompt

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleepstars/localbrain/internal/config"
	"github.com/sleepstars/localbrain/internal/models"
)

const preamble = "You are a helpful assistant."

func newAssembler(budget int) *Assembler {
	return New(config.PromptConfig{SystemPreamble: preamble, BudgetChars: budget})
}

func userRequest(content string) *models.CompletionRequest {
	return &models.CompletionRequest{
		Model:    "m1",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: content}},
	}
}

func passages(n int, size int) []models.RetrievedPassage {
	out := make([]models.RetrievedPassage, n)
	for i := range out {
		out[i] = models.RetrievedPassage{
			SourceID: fmt.Sprintf("doc%d", i+1),
			Text:     strings.Repeat(string(rune('a'+i)), size),
			Score:    1 - float64(i)/10,
			Rank:     i + 1,
		}
	}
	return out
}

// lengthWith is the prompt length for req's history with the given context block.
func lengthWith(req *models.CompletionRequest, ctx []models.RetrievedPassage) int {
	p := &models.AugmentedPrompt{SystemPreamble: preamble, ContextBlock: ctx, History: req.Messages}
	return p.Length()
}

func TestAssembleWithoutPassagesIsPlainChat(t *testing.T) {
	a := newAssembler(10000)
	req := userRequest("hello")

	p, err := a.Assemble(req, nil)
	require.NoError(t, err)
	assert.Empty(t, p.ContextBlock)
	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleSystem, Content: preamble},
		{Role: models.RoleUser, Content: "hello"},
	}, p.Messages())

	empty, err := a.Assemble(req, []models.RetrievedPassage{})
	require.NoError(t, err)
	assert.Equal(t, p.Messages(), empty.Messages())
}

func TestAssembleIncludesPassagesInRankOrder(t *testing.T) {
	a := newAssembler(10000)
	ps := []models.RetrievedPassage{
		{SourceID: "second", Text: "fact B", Score: 0.5, Rank: 2},
		{SourceID: "first", Text: "fact A", Score: 0.9, Rank: 1},
	}

	p, err := a.Assemble(userRequest("hello"), ps)
	require.NoError(t, err)
	require.Len(t, p.ContextBlock, 2)
	assert.Equal(t, "first", p.ContextBlock[0].SourceID)

	sys := p.Messages()[0].Content
	assert.Contains(t, sys, "fact A")
	assert.Less(t, strings.Index(sys, "fact A"), strings.Index(sys, "fact B"))
	assert.Equal(t, models.RoleUser, p.Messages()[1].Role)
	assert.Equal(t, "hello", p.Messages()[1].Content)
}

func TestAssembleDropsWholeLowestRankedPassages(t *testing.T) {
	req := userRequest("what do the documents say?")
	ps := passages(4, 200)
	budget := lengthWith(req, ps[:2]) + 50

	p, err := newAssembler(budget).Assemble(req, ps)
	require.NoError(t, err)

	require.Len(t, p.ContextBlock, 2)
	assert.Equal(t, ps[:2], p.ContextBlock, "passage text is never truncated")
	assert.LessOrEqual(t, p.Length(), budget)
	assert.Equal(t, req.Messages, p.History, "user turn untouched")
}

func TestAssembleStopsAtFirstPassageThatDoesNotFit(t *testing.T) {
	req := userRequest("q")
	ps := []models.RetrievedPassage{
		{SourceID: "big", Text: strings.Repeat("x", 500), Score: 0.9, Rank: 1},
		{SourceID: "small", Text: "tiny", Score: 0.8, Rank: 2},
	}
	budget := lengthWith(req, ps[1:]) + 10

	p, err := newAssembler(budget).Assemble(req, ps)
	require.NoError(t, err)
	assert.Empty(t, p.ContextBlock, "lower-ranked passages are not promoted over a higher-ranked one")
}

func TestAssembleBudgetHoldsForManySizes(t *testing.T) {
	req := userRequest("hello there")
	ps := passages(6, 97)
	base := lengthWith(req, nil)

	for budget := base; budget < lengthWith(req, ps)+100; budget += 37 {
		p, err := newAssembler(budget).Assemble(req, ps)
		require.NoError(t, err)
		assert.LessOrEqual(t, p.Length(), budget, "budget %d", budget)
		if len(p.ContextBlock) > 0 {
			assert.Equal(t, ps[:len(p.ContextBlock)], p.ContextBlock, "budget %d keeps a rank prefix", budget)
		}
	}
}

func TestAssembleTrimsOldestHistoryFirst(t *testing.T) {
	long := strings.Repeat("z", 300)
	req := &models.CompletionRequest{Messages: []models.ChatMessage{
		{Role: models.RoleUser, Content: "old question " + long},
		{Role: models.RoleAssistant, Content: "old answer " + long},
		{Role: models.RoleUser, Content: "recent question"},
		{Role: models.RoleAssistant, Content: "recent answer"},
		{Role: models.RoleUser, Content: "latest question"},
	}}
	budget := lengthWith(&models.CompletionRequest{Messages: req.Messages[2:]}, nil) + 20

	p, err := newAssembler(budget).Assemble(req, passages(2, 100))
	require.NoError(t, err)

	assert.Equal(t, req.Messages[2:], p.History)
	assert.Empty(t, p.ContextBlock, "history takes precedence over context")
	assert.LessOrEqual(t, p.Length(), budget)
}

func TestAssembleLongHistory(t *testing.T) {
	var msgs []models.ChatMessage
	for i := 0; i < 5000; i++ {
		msgs = append(msgs,
			models.ChatMessage{Role: models.RoleUser, Content: fmt.Sprintf("question %d", i)},
			models.ChatMessage{Role: models.RoleAssistant, Content: fmt.Sprintf("answer %d", i)},
		)
	}
	msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: "latest"})
	req := &models.CompletionRequest{Messages: msgs}

	budget := 2000
	p, err := newAssembler(budget).Assemble(req, passages(3, 50))
	require.NoError(t, err)

	assert.LessOrEqual(t, p.Length(), budget)
	assert.Equal(t, "latest", p.History[len(p.History)-1].Content)
	assert.Equal(t, msgs[len(msgs)-len(p.History):], p.History)
	assert.Greater(t, len(p.History), 2)
}

func TestAssembleContextWithoutPreamble(t *testing.T) {
	req := userRequest("hello")
	ps := passages(3, 40)
	full := (&models.AugmentedPrompt{ContextBlock: ps, History: req.Messages}).Length()

	p, err := New(config.PromptConfig{BudgetChars: full}).Assemble(req, ps)
	require.NoError(t, err)
	assert.Equal(t, ps, p.ContextBlock)
	assert.Equal(t, full, p.Length())

	p, err = New(config.PromptConfig{BudgetChars: full - 1}).Assemble(req, ps)
	require.NoError(t, err)
	assert.Equal(t, ps[:2], p.ContextBlock)
	assert.True(t, strings.HasPrefix(p.Messages()[0].Content, models.ContextHeader))
}

func TestAssembleNeverDropsMostRecentExchange(t *testing.T) {
	req := &models.CompletionRequest{Messages: []models.ChatMessage{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: strings.Repeat("a", 500)},
		{Role: models.RoleUser, Content: strings.Repeat("u", 500)},
	}}

	p, err := newAssembler(100).Assemble(req, passages(1, 10))
	require.NoError(t, err)
	assert.Equal(t, req.Messages[1:], p.History)
	assert.Empty(t, p.ContextBlock)
	assert.Equal(t, preamble, p.SystemPreamble)
}

func TestAssembleFoldsClientSystemMessages(t *testing.T) {
	req := &models.CompletionRequest{Messages: []models.ChatMessage{
		{Role: models.RoleSystem, Content: "Answer in French."},
		{Role: models.RoleUser, Content: "hello"},
	}}

	p, err := newAssembler(10000).Assemble(req, nil)
	require.NoError(t, err)
	assert.Equal(t, preamble+"\n\nAdditional instructions from the UI:\nAnswer in French.", p.SystemPreamble)
	assert.Equal(t, []models.ChatMessage{{Role: models.RoleUser, Content: "hello"}}, p.History)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
}

func TestAssembleIsDeterministic(t *testing.T) {
	a := newAssembler(600)
	req := userRequest("hello")
	ps := passages(5, 80)

	first, err := a.Assemble(req, ps)
	require.NoError(t, err)
	second, err := a.Assemble(req, ps)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValidate(t *testing.T) {
	a := newAssembler(1000)

	tests := []struct {
		name string
		req  *models.CompletionRequest
	}{
		{name: "nil request", req: nil},
		{name: "empty messages", req: &models.CompletionRequest{}},
		{name: "no user message", req: &models.CompletionRequest{Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "s"},
			{Role: models.RoleAssistant, Content: "a"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Validate(tt.req)
			assert.True(t, errors.Is(err, models.ErrInvalidRequest))

			_, err = a.Assemble(tt.req, nil)
			assert.True(t, errors.Is(err, models.ErrInvalidRequest))
		})
	}

	assert.NoError(t, a.Validate(userRequest("hi")))
}
