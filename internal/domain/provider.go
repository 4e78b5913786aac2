package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "bedrock").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming LLM response.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	// Err is set on the terminal delta of a stream that broke off.
	Err error `json:"-"`
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// ModelLister is implemented by providers that can enumerate their models.
// The gateway uses it to order fail-over candidates.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// TokenCounter applies a model's tokenization rule.
type TokenCounter interface {
	CountText(text string) int
	CountMessages(msgs []Message) int
}

// TokenCounterFactory returns the counter for a model name.
type TokenCounterFactory interface {
	ForModel(model string) TokenCounter
}
