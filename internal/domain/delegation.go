package domain

import "time"

// DelegationStatus is the lifecycle of a parent-to-child assignment.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationRunning   DelegationStatus = "running"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
	DelegationCancelled DelegationStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s DelegationStatus) IsTerminal() bool {
	return s == DelegationCompleted || s == DelegationFailed || s == DelegationCancelled
}

// DelegationTask is owned by the parent agent and resolved by the child's report.
type DelegationTask struct {
	ID              string           `json:"task_id"`
	ParentAgentID   string           `json:"parent_agent_id"`
	AssignedAgentID string           `json:"assigned_agent_id"`
	Objective       string           `json:"objective"`
	Profile         string           `json:"profile"`
	ToolCallID      string           `json:"tool_call_id,omitempty"`
	Status          DelegationStatus `json:"status"`
	Result          string           `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     time.Time        `json:"completed_at,omitempty"`
}
