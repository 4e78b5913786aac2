package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"agentd/internal/domain"
)

// maxMemoryText caps the text of a saved record.
const maxMemoryText = 4096

// MemorySaveTool lets an agent store a long-term record.
type MemorySaveTool struct {
	store  domain.MemoryStore
	logger *slog.Logger
}

// NewMemorySaveTool creates the memory_save tool.
func NewMemorySaveTool(store domain.MemoryStore, logger *slog.Logger) *MemorySaveTool {
	return &MemorySaveTool{store: store, logger: orDiscard(logger)}
}

func (t *MemorySaveTool) Name() string { return "memory_save" }
func (t *MemorySaveTool) Description() string {
	return "Store a fact, solution, or user preference in long-term memory shared by all agents"
}

func (t *MemorySaveTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "minLength": 1, "description": "The content to remember"},
				"kind": {"type": "string", "enum": ["fact", "solution", "preference"], "description": "Record kind (default fact)"},
				"confidence": {"type": "number", "minimum": 0, "maximum": 1, "description": "How certain the content is (default 0.8)"}
			},
			"required": ["text"],
			"additionalProperties": false
		}`),
	}
}

type memorySaveParams struct {
	Text       string   `json:"text"`
	Kind       string   `json:"kind"`
	Confidence *float64 `json:"confidence"`
}

func (t *MemorySaveTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.memory_save", t.logger, params,
		func(ctx context.Context, _ trace.Span, p memorySaveParams) (any, error) {
			if err := Check(
				Required("text", p.Text),
				MaxLen("text", p.Text, maxMemoryText),
				OneOf("kind", p.Kind, string(domain.MemoryFact), string(domain.MemorySolution), string(domain.MemoryPreference)),
			); err != nil {
				return nil, err
			}

			confidence := 0.8
			if p.Confidence != nil {
				confidence = *p.Confidence
			}
			kind := domain.MemoryKind(p.Kind)
			if kind == "" {
				kind = domain.MemoryFact
			}

			id, err := t.store.Save(ctx, domain.NewMemory{
				Text:          p.Text,
				Kind:          kind,
				Confidence:    confidence,
				SourceAgentID: domain.AgentIDFromContext(ctx),
			})
			if err != nil {
				return nil, fmt.Errorf("save memory: %w", err)
			}

			return &domain.ToolResult{
				Success:     true,
				Payload:     fmt.Sprintf(`{"record_id":%q}`, id),
				SideEffects: []domain.SideEffect{{Kind: domain.SideEffectMemoryWrite, Target: id, Detail: "save " + string(kind)}},
			}, nil
		},
	)
}

// MemoryQueryTool searches long-term memory by semantic similarity.
type MemoryQueryTool struct {
	store  domain.MemoryStore
	maxK   int
	logger *slog.Logger
}

// NewMemoryQueryTool creates the memory_query tool. maxK bounds the number of
// records a single call may request.
func NewMemoryQueryTool(store domain.MemoryStore, maxK int, logger *slog.Logger) *MemoryQueryTool {
	if maxK <= 0 {
		maxK = 20
	}
	return &MemoryQueryTool{store: store, maxK: maxK, logger: orDiscard(logger)}
}

func (t *MemoryQueryTool) Name() string { return "memory_query" }
func (t *MemoryQueryTool) Description() string {
	return "Search long-term memory for records similar to a query, best match first"
}

func (t *MemoryQueryTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1, "description": "What to look for"},
				"k": {"type": "integer", "minimum": 1, "description": "Maximum records to return (default 5)"}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
	}
}

type memoryQueryParams struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type memoryHit struct {
	ID         string  `json:"record_id"`
	Text       string  `json:"text"`
	Kind       string  `json:"kind"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
}

func (t *MemoryQueryTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.memory_query", t.logger, params,
		func(ctx context.Context, _ trace.Span, p memoryQueryParams) (any, error) {
			if err := Required("query", p.Query); err != nil {
				return nil, err
			}
			k := p.K
			if k == 0 {
				k = 5
			}
			if err := InRange("k", k, 1, t.maxK); err != nil {
				return nil, err
			}

			records, err := t.store.Query(ctx, p.Query, k)
			if err != nil {
				return nil, fmt.Errorf("query memory: %w", err)
			}

			hits := make([]memoryHit, 0, len(records))
			for _, r := range records {
				hits = append(hits, memoryHit{
					ID:         r.ID,
					Text:       r.Text,
					Kind:       string(r.Kind),
					Confidence: r.Confidence,
					Score:      r.Score,
				})
			}
			return hits, nil
		},
	)
}

// MemoryForgetTool deletes a record by ID.
type MemoryForgetTool struct {
	store  domain.MemoryStore
	logger *slog.Logger
}

// NewMemoryForgetTool creates the memory_forget tool.
func NewMemoryForgetTool(store domain.MemoryStore, logger *slog.Logger) *MemoryForgetTool {
	return &MemoryForgetTool{store: store, logger: orDiscard(logger)}
}

func (t *MemoryForgetTool) Name() string        { return "memory_forget" }
func (t *MemoryForgetTool) Description() string { return "Delete a long-term memory record by its ID" }

func (t *MemoryForgetTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"record_id": {"type": "string", "minLength": 1, "description": "ID returned by memory_save or memory_query"}
			},
			"required": ["record_id"],
			"additionalProperties": false
		}`),
	}
}

type memoryForgetParams struct {
	RecordID string `json:"record_id"`
}

func (t *MemoryForgetTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.memory_forget", t.logger, params,
		func(ctx context.Context, _ trace.Span, p memoryForgetParams) (any, error) {
			if err := Required("record_id", p.RecordID); err != nil {
				return nil, err
			}
			if err := t.store.Forget(ctx, p.RecordID); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return ErrResult(domain.ToolErrInvalidArguments, "no memory record %q", p.RecordID), nil
				}
				return nil, fmt.Errorf("forget memory: %w", err)
			}
			return &domain.ToolResult{
				Success:     true,
				Payload:     "forgotten " + p.RecordID,
				SideEffects: []domain.SideEffect{{Kind: domain.SideEffectMemoryWrite, Target: p.RecordID, Detail: "forget"}},
			}, nil
		},
	)
}

// MemoryTools returns the three memory tools over one store.
func MemoryTools(store domain.MemoryStore, maxK int, logger *slog.Logger) []domain.Tool {
	return []domain.Tool{
		NewMemorySaveTool(store, logger),
		NewMemoryQueryTool(store, maxK, logger),
		NewMemoryForgetTool(store, logger),
	}
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
