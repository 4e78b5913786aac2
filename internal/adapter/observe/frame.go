package observe

import "agentd/internal/domain"

// FrameType identifies a frame pushed over the observation socket.
type FrameType string

const (
	// FrameSnapshot carries an agent's snapshot after an event.
	FrameSnapshot FrameType = "snapshot"
	// FrameRemoved reports that an agent no longer exists.
	FrameRemoved FrameType = "removed"
)

// Frame is one message on the observation socket.
type Frame struct {
	Type     FrameType             `json:"type"`
	Event    domain.EventType      `json:"event,omitempty"`
	AgentID  string                `json:"agent_id"`
	Snapshot *domain.AgentSnapshot `json:"snapshot,omitempty"`
}
