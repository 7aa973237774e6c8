package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies the author of a ChatMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole accepts the three conversation roles, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	}
	return "", fmt.Errorf("unsupported role %q", s)
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SamplingOptions are the optional engine parameters a client may pass through.
type SamplingOptions struct {
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// CompletionRequest is the validated, immutable form of an incoming request.
type CompletionRequest struct {
	Model    string          `json:"model"`
	Messages []ChatMessage   `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  SamplingOptions `json:"options"`
	// NoRAG skips retrieval for this request only.
	NoRAG    bool            `json:"no_rag,omitempty"`
}

// LastUserMessage returns the content of the most recent user turn.
func (r *CompletionRequest) LastUserMessage() (string, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content, true
		}
	}
	return "", false
}

// IndexMatch is a raw hit returned by the vector index capability.
type IndexMatch struct {
	SourceID string
	Text     string
	Score    float64
}

// RetrievedPassage is a ranked context passage. Rank 1 is the most relevant.
type RetrievedPassage struct {
	SourceID string  `json:"source_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Rank     int     `json:"rank"`
}

// Render formats the passage the way it appears inside the context block.
func (p RetrievedPassage) Render() string {
	return fmt.Sprintf("[%s] (score %.2f):\n%s", p.SourceID, p.Score, p.Text)
}

// ContextHeader introduces the retrieved passages inside the system message.
const ContextHeader = "### Retrieved context\n" +
	"Use the following retrieved context to answer if it is relevant. " +
	"If it is not relevant, ignore it and answer normally. " +
	"Do not repeat it verbatim unless necessary.\n"

// AugmentedPrompt is the assembled input handed to the inference engine.
type AugmentedPrompt struct {
	SystemPreamble string             `json:"system_preamble"`
	ContextBlock   []RetrievedPassage `json:"context_block"`
	History        []ChatMessage      `json:"history"`
}

// SystemMessage renders the preamble plus, when present, the context block.
func (p *AugmentedPrompt) SystemMessage() string {
	if len(p.ContextBlock) == 0 {
		return p.SystemPreamble
	}
	var b strings.Builder
	b.WriteString(p.SystemPreamble)
	if p.SystemPreamble != "" {
		b.WriteString(contextSeparator)
	}
	b.WriteString(ContextHeader)
	for _, passage := range p.ContextBlock {
		b.WriteString(renderedPassage(passage))
	}
	return b.String()
}

const contextSeparator = "\n\n"

func renderedPassage(passage RetrievedPassage) string {
	return "\n" + passage.Render() + "\n"
}

// ContextOverhead is the length the context header adds to the system
// message when the first passage is placed.
func (p *AugmentedPrompt) ContextOverhead() int {
	n := utf8.RuneCountInString(ContextHeader)
	if p.SystemPreamble != "" {
		n += utf8.RuneCountInString(contextSeparator)
	}
	return n
}

// PassageLength is the length one passage adds to the context block.
func PassageLength(passage RetrievedPassage) int {
	return utf8.RuneCountInString(renderedPassage(passage))
}

// Messages renders the prompt into the message list sent to the engine.
func (p *AugmentedPrompt) Messages() []ChatMessage {
	out := make([]ChatMessage, 0, len(p.History)+1)
	if sys := p.SystemMessage(); sys != "" {
		out = append(out, ChatMessage{Role: RoleSystem, Content: sys})
	}
	return append(out, p.History...)
}

// Length is the estimated prompt size in characters over all rendered messages.
func (p *AugmentedPrompt) Length() int {
	n := 0
	for _, m := range p.Messages() {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

// FinishReason tells why a completion ended.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishError  FinishReason = "error"
)

// ParseFinishReason maps engine values onto the three supported reasons.
// Unknown non-empty values are treated as stop.
func ParseFinishReason(s string) FinishReason {
	switch FinishReason(s) {
	case FinishLength:
		return FinishLength
	case FinishError:
		return FinishError
	case "":
		return ""
	}
	return FinishStop
}

// CompletionResult is the outcome of one inference call.
type CompletionResult struct {
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        *Usage       `json:"usage,omitempty"`
}

// Fragment is one element of a streamed completion. A non-empty FinishReason
// marks the terminal fragment; Err is set when it is FinishError.
type Fragment struct {
	Content      string
	FinishReason FinishReason
	Usage        *Usage
	Err          error
}

// Terminal reports whether f ends the stream.
func (f Fragment) Terminal() bool {
	return f.FinishReason != ""
}

// LogEntry is one durable record of a request/response exchange.
type LogEntry struct {
	ID             string             `json:"id"`
	Timestamp      time.Time          `json:"timestamp"`
	Source         string             `json:"source"`
	Model          string             `json:"model"`
	Request        CompletionRequest  `json:"request"`
	Retrieved      []RetrievedPassage `json:"retrieved"`
	UsedRAG        bool               `json:"used_rag"`
	RetrievalError string             `json:"retrieval_error,omitempty"`
	SentMessages   []ChatMessage      `json:"sent_messages,omitempty"`
	Result         CompletionResult   `json:"result"`
	Error          string             `json:"error,omitempty"`
	DurationMS     int64              `json:"duration_ms"`
}
