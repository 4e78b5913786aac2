package usecase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"agentd/internal/domain"
)

// PromptInput is everything one DECIDING step renders into a request.
type PromptInput struct {
	Node       domain.AgentNode
	Summary    string
	History    []domain.Message
	Memories   []domain.MemoryRecord
	Tools      []domain.ToolSchema
	Correction string // ephemeral re-prompt, never stored in history
}

// ContextBuilder constructs the prompt message array for LLM calls.
type ContextBuilder struct {
	now func() time.Time
}

// NewContextBuilder creates a new context builder.
func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{now: time.Now}
}

// Build assembles: system prompt + summary + recalled memory, then the
// repaired live history, then any correction.
func (cb *ContextBuilder) Build(in PromptInput, cfg TurnConfig) domain.ChatRequest {
	messages := make([]domain.Message, 0, 2+len(in.History))

	var sb strings.Builder
	sb.WriteString(cb.renderSystemPrompt(in.Node))
	if in.Summary != "" {
		sb.WriteString("\n\n## Conversation summary\n")
		sb.WriteString(in.Summary)
	}
	if len(in.Memories) > 0 {
		sb.WriteString("\n\n## Relevant memory\n")
		sb.WriteString(formatMemories(in.Memories))
	}
	messages = append(messages, domain.Message{
		Role:      domain.RoleSystem,
		Content:   sb.String(),
		Timestamp: cb.now(),
	})

	messages = append(messages, RepairTranscript(in.History)...)

	if in.Correction != "" {
		messages = append(messages, domain.Message{
			Role:      domain.RoleSystem,
			Content:   in.Correction,
			Timestamp: cb.now(),
		})
	}

	return domain.ChatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Tools:       in.Tools,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Stream:      cfg.Stream,
	}
}

// renderSystemPrompt expands the profile template placeholders.
func (cb *ContextBuilder) renderSystemPrompt(node domain.AgentNode) string {
	prompt := node.Profile.SystemPrompt
	if prompt == "" {
		prompt = "You are a helpful autonomous agent."
	}
	r := strings.NewReplacer(
		"{{agent_id}}", node.ID,
		"{{profile}}", node.Profile.Name,
		"{{depth}}", strconv.Itoa(node.Depth),
		"{{date}}", cb.now().Format("2006-01-02"),
	)
	return r.Replace(prompt)
}

func formatMemories(records []domain.MemoryRecord) string {
	var sb strings.Builder
	for i, r := range records {
		fmt.Fprintf(&sb, "- [%d] (%s, confidence %.2f) %s\n", i+1, r.Kind, r.Confidence, r.Text)
	}
	return sb.String()
}
