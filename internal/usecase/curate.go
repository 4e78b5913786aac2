package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"agentd/internal/domain"
)

// curatedConfidence is the confidence given to automatically extracted facts.
const curatedConfidence = 0.6

const curateSystemPrompt = `You are a knowledge extraction assistant. Read the final exchange of an agent's task and extract facts, solutions, or user preferences worth remembering long-term.

Output one line per item, exactly in this format:
POINT: <kind>: <concise, self-contained statement>

<kind> is one of fact, solution, preference.
Skip greetings, small talk, and anything only relevant to this task.
If nothing is worth remembering, respond with exactly: NONE`

// Curator extracts durable knowledge at the end of a turn and saves it
// to the memory store.
type Curator struct {
	memory domain.MemoryStore
	llm    domain.LLMProvider
	model  string
	logger *slog.Logger
}

// NewCurator creates a new Curator.
func NewCurator(memory domain.MemoryStore, llm domain.LLMProvider, model string, logger *slog.Logger) *Curator {
	return &Curator{memory: memory, llm: llm, model: model, logger: logger}
}

// CurateTurn extracts POINT lines from msgs with one provider call and
// saves each as a record. It returns the number of records saved.
func (c *Curator) CurateTurn(ctx context.Context, agentID string, msgs []domain.Message) (int, error) {
	var sb strings.Builder
	for _, msg := range msgs {
		if msg.Role == domain.RoleSystem || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return 0, nil
	}

	resp, err := c.llm.Chat(ctx, domain.ChatRequest{
		Model: c.model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: curateSystemPrompt},
			{Role: domain.RoleUser, Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return 0, domain.WrapOp("Curator.CurateTurn", err)
	}

	stored := 0
	for _, p := range parseCuratePoints(resp.Message.Content) {
		id, err := c.memory.Save(ctx, domain.NewMemory{
			Text:          p.text,
			Kind:          p.kind,
			Confidence:    curatedConfidence,
			SourceAgentID: agentID,
		})
		if err != nil {
			c.logger.Warn("failed to store curated record", "agent_id", agentID, "error", err)
			continue
		}
		c.logger.Debug("curated record stored", "agent_id", agentID, "record_id", id, "kind", string(p.kind))
		stored++
	}

	if stored > 0 {
		c.logger.Info("curation complete", "agent_id", agentID, "stored", stored)
	}
	return stored, nil
}

type curatePoint struct {
	kind domain.MemoryKind
	text string
}

// parseCuratePoints parses "POINT: kind: text" lines. A missing or
// unknown kind defaults to fact.
func parseCuratePoints(response string) []curatePoint {
	response = strings.TrimSpace(response)
	if response == "" || response == "NONE" {
		return nil
	}

	var points []curatePoint
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "POINT:")
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		kind := domain.MemoryFact
		if k, text, found := strings.Cut(rest, ":"); found {
			if mk := domain.MemoryKind(strings.ToLower(strings.TrimSpace(k))); mk.Valid() {
				kind = mk
				rest = strings.TrimSpace(text)
			}
		}
		if rest != "" {
			points = append(points, curatePoint{kind: kind, text: rest})
		}
	}
	return points
}

// lastExchange returns the messages from the most recent user message on.
func lastExchange(msgs []domain.Message) []domain.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return msgs[i:]
		}
	}
	return msgs
}
