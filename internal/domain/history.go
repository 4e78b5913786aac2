package domain

import (
	"context"
	"time"
)

// HistorySnapshot is the persisted form of one agent's context history.
type HistorySnapshot struct {
	AgentID   string    `json:"agent_id"`
	Summary   string    `json:"summary"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryStore persists context histories and agent identities across restarts.
type HistoryStore interface {
	SaveAgent(ctx context.Context, node AgentNode) error
	LoadAgents(ctx context.Context) ([]AgentNode, error)
	AppendMessage(ctx context.Context, agentID string, msg Message) error
	// Compact replaces the summary and removes the summarized messages atomically.
	Compact(ctx context.Context, agentID, summary string, removedIDs []string) error
	LoadHistory(ctx context.Context, agentID string) (*HistorySnapshot, error)
	DeleteAgent(ctx context.Context, agentID string) error
}
