package domain

// TreeNode is one node of a delegation tree snapshot.
type TreeNode struct {
	AgentID    string           `json:"agent_id"`
	Profile    string           `json:"profile"`
	State      AgentState       `json:"state"`
	Depth      int              `json:"depth"`
	TaskID     string           `json:"task_id,omitempty"`
	TaskStatus DelegationStatus `json:"task_status,omitempty"`
	Children   []TreeNode       `json:"children,omitempty"`
}

// AgentSnapshot is the observation record exposed to dashboards and CLIs.
type AgentSnapshot struct {
	AgentID      string     `json:"agent_id"`
	ParentID     string     `json:"parent_id,omitempty"`
	State        AgentState `json:"state"`
	Paused       bool       `json:"paused"`
	LastMessage  *Message   `json:"last_message,omitempty"`
	PendingTool  string     `json:"pending_tool,omitempty"`
	QueuedInputs int        `json:"queued_inputs"`
	Tree         *TreeNode  `json:"delegation_tree_snapshot,omitempty"`
}
