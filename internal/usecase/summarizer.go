package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"agentd/internal/domain"
)

// keepPrefix marks a must-retain fact line in a summary or message.
const keepPrefix = "KEEP:"

const summarizeSystemPrompt = `You are a conversation summarizer. You receive an existing summary and the next block of an agent's conversation. Produce one updated summary that preserves:
- Key facts, decisions, and conclusions
- Tool results the agent still depends on
- The user's goal and any pending sub-tasks

Copy every line starting with "KEEP:" into your output unchanged.
Output ONLY the summary, no preamble. Be concise but comprehensive.`

// Summarizer folds a block of messages into a cumulative summary.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, block []domain.Message) (string, error)
}

// LLMSummarizer summarizes with one provider call per block.
type LLMSummarizer struct {
	llm    domain.LLMProvider
	model  string
	logger *slog.Logger
}

// NewLLMSummarizer creates a summarizer that calls llm with the given model.
func NewLLMSummarizer(llm domain.LLMProvider, model string, logger *slog.Logger) *LLMSummarizer {
	return &LLMSummarizer{llm: llm, model: model, logger: logger}
}

// Summarize returns the new cumulative summary. Every KEEP line present in
// prior or block appears in the result even if the model dropped it.
func (s *LLMSummarizer) Summarize(ctx context.Context, prior string, block []domain.Message) (string, error) {
	var sb strings.Builder
	if prior != "" {
		sb.WriteString("## Existing summary\n")
		sb.WriteString(prior)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Conversation block\n")
	for _, msg := range block {
		if msg.Role == domain.RoleSystem {
			continue
		}
		role := msg.Role
		if msg.Name != "" {
			role += "(" + msg.Name + ")"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, msg.Content)
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&sb, "%s called %s %s\n", role, tc.Name, string(tc.Arguments))
		}
	}

	req := domain.ChatRequest{
		Model: s.model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: summarizeSystemPrompt},
			{Role: domain.RoleUser, Content: sb.String()},
		},
		Temperature: 0.3,
	}

	resp, err := s.llm.Chat(ctx, req)
	if err != nil {
		return "", domain.WrapOp("summarize", err)
	}

	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return "", fmt.Errorf("summarize: empty response")
	}
	return carryKeepLines(summary, prior, block), nil
}

// carryKeepLines appends every KEEP line from prior and block that is
// missing from summary.
func carryKeepLines(summary, prior string, block []domain.Message) string {
	present := make(map[string]bool)
	for _, line := range keepLines(summary) {
		present[line] = true
	}

	var missing []string
	add := func(text string) {
		for _, line := range keepLines(text) {
			if !present[line] {
				present[line] = true
				missing = append(missing, line)
			}
		}
	}
	add(prior)
	for _, m := range block {
		add(m.Content)
	}

	if len(missing) == 0 {
		return summary
	}
	return summary + "\n" + strings.Join(missing, "\n")
}

func isKeepLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), keepPrefix)
}

// keepLines returns the trimmed KEEP lines of text in order.
func keepLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if isKeepLine(line) {
			out = append(out, strings.TrimSpace(line))
		}
	}
	return out
}
