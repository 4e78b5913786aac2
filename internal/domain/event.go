package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventStateChanged        EventType = "agent.state.changed"
	EventAgentCreated        EventType = "agent.created"
	EventAgentDeleted        EventType = "agent.deleted"
	EventAgentPaused         EventType = "agent.paused"
	EventAgentResumed        EventType = "agent.resumed"
	EventMessageAppended     EventType = "message.appended"
	EventLLMCallStarted      EventType = "llm.call.started"
	EventLLMCallCompleted    EventType = "llm.call.completed"
	EventStreamDelta         EventType = "stream.delta"
	EventDecisionRejected    EventType = "decision.rejected"
	EventToolCallStarted     EventType = "tool.call.started"
	EventToolCallCompleted   EventType = "tool.call.completed"
	EventAgentDelegated      EventType = "agent.delegated"
	EventAgentReported       EventType = "agent.reported"
	EventHistorySummarized   EventType = "history.summarized"
	EventSummarizationFailed EventType = "history.summarization_failed"
	EventHistoryTruncated    EventType = "history.truncated"
	EventMemoryStored        EventType = "memory.stored"
	EventMemoryDeleted       EventType = "memory.deleted"
	EventMemoryUnavailable   EventType = "memory.unavailable"
	EventMemoryConsolidated  EventType = "memory.consolidated"
	EventMemoryEvicted       EventType = "memory.evicted"
	EventTurnCompleted       EventType = "turn.completed"
	EventTurnFailed          EventType = "turn.failed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// StateChangedPayload accompanies EventStateChanged.
type StateChangedPayload struct {
	From AgentState `json:"from"`
	To   AgentState `json:"to"`
}

// ToolCallPayload accompanies tool call events.
type ToolCallPayload struct {
	Tool        string       `json:"tool"`
	CallID      string       `json:"call_id,omitempty"`
	Success     bool         `json:"success"`
	ErrorKind   string       `json:"error_kind,omitempty"`
	SideEffects []SideEffect `json:"side_effects,omitempty"`
	Duration    string       `json:"duration,omitempty"`
}

// LLMCallPayload accompanies LLM call events.
type LLMCallPayload struct {
	Model     string `json:"model"`
	Iteration int    `json:"iteration"`
	Tokens    int    `json:"tokens,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StreamDeltaPayload is published once per streamed chunk.
type StreamDeltaPayload struct {
	Content   string `json:"content,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Iteration int    `json:"iteration"`
}

// DelegationPayload accompanies delegate and report events.
type DelegationPayload struct {
	TaskID    string           `json:"task_id"`
	ChildID   string           `json:"child_id"`
	Objective string           `json:"objective,omitempty"`
	Status    DelegationStatus `json:"status"`
}

// MemoryPayload accompanies memory events.
type MemoryPayload struct {
	RecordID string   `json:"record_id,omitempty"`
	Merged   []string `json:"merged,omitempty"`
	Count    int      `json:"count,omitempty"`
}
