package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolInvocation is a dispatch request issued on behalf of an agent.
type ToolInvocation struct {
	ToolCallID    string          `json:"tool_call_id,omitempty"`
	ToolName      string          `json:"tool_name"`
	Arguments     json.RawMessage `json:"arguments"`
	CallerAgentID string          `json:"caller_agent_id"`
}

// ToolErrorKind classifies a failed tool result.
type ToolErrorKind string

const (
	ToolErrInvalidArguments ToolErrorKind = "InvalidArguments"
	ToolErrHandlerFailure   ToolErrorKind = "HandlerFailure"
	ToolErrNotAllowed       ToolErrorKind = "NotAllowed"
	ToolErrNotFound         ToolErrorKind = "NotFound"
	ToolErrRateLimited      ToolErrorKind = "RateLimited"
)

// ToolError is the error half of a ToolResult.
type ToolError struct {
	Kind    ToolErrorKind `json:"kind"`
	Message string        `json:"message"`
}

func (e *ToolError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// SideEffect describes external state a tool touched. Used for audit only.
type SideEffect struct {
	Kind   string `json:"kind"`   // e.g. "file_write", "external_call", "memory_write"
	Target string `json:"target"` // path, URL, record id
	Detail string `json:"detail,omitempty"`
}

// Side effect kinds reported by the built-in tools.
const (
	SideEffectFileWrite    = "file_write"
	SideEffectExternalCall = "external_call"
	SideEffectMemoryWrite  = "memory_write"
)

// ToolResult is the outcome of dispatching a ToolInvocation.
type ToolResult struct {
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	Success     bool         `json:"success"`
	Payload     string       `json:"payload,omitempty"`
	Error       *ToolError   `json:"error,omitempty"`
	SideEffects []SideEffect `json:"side_effects,omitempty"`
}

// Content renders the result as the text recorded in the context history.
func (r ToolResult) Content() string {
	if r.Error != nil {
		return "error: " + r.Error.Error()
	}
	return r.Payload
}

// Tool is the extension point every dispatchable capability implements.
// Execute returns a payload result; returning an error marks a handler failure.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// ToolDispatcher validates and runs tool invocations under a profile's gate.
type ToolDispatcher interface {
	// Catalog returns the schemas visible to the profile.
	Catalog(profile Profile) []ToolSchema
	// Known reports whether any tool with the name is registered.
	Known(name string) bool
	// Dispatch never returns an error: failures are encoded in the result.
	Dispatch(ctx context.Context, profile Profile, inv ToolInvocation) ToolResult
}
