package domain

import "time"

// AgentState is a position in the orchestrator state machine.
type AgentState string

const (
	StateIdle           AgentState = "IDLE"
	StatePerceiving     AgentState = "PERCEIVING"
	StateDeciding       AgentState = "DECIDING"
	StateActing         AgentState = "ACTING"
	StateWaitingOnChild AgentState = "WAITING_ON_CHILD"
	StateTerminated     AgentState = "TERMINATED"
)

// AllowAllTools is the wildcard entry of Profile.AllowedTools.
const AllowAllTools = "*"

// Profile is a named configuration bundle an agent runs under.
type Profile struct {
	Name          string   `json:"name"           yaml:"name"`
	Description   string   `json:"description"    yaml:"description"`
	SystemPrompt  string   `json:"system_prompt"  yaml:"system_prompt"`
	AllowedTools  []string `json:"allowed_tools"  yaml:"allowed_tools"`
	Provider      string   `json:"provider"       yaml:"provider"`
	Model         string   `json:"model"          yaml:"model"`
	MaxIterations int      `json:"max_iterations" yaml:"max_iterations"`
	CanDelegate   bool     `json:"can_delegate"   yaml:"can_delegate"`
}

// Allows reports whether the profile may see and call the named tool.
// An empty allow list permits nothing.
func (p Profile) Allows(tool string) bool {
	for _, t := range p.AllowedTools {
		if t == AllowAllTools || t == tool {
			return true
		}
	}
	return false
}

// AgentNode is the persistent identity of an agent in the delegation tree.
// ParentID is a relation only; the tree arena owns every node.
type AgentNode struct {
	ID        string     `json:"agent_id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Profile   Profile    `json:"profile"`
	Depth     int        `json:"depth"`
	State     AgentState `json:"state"`
	TaskID    string     `json:"task_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// IsRoot reports whether the node has no parent.
func (n AgentNode) IsRoot() bool { return n.ParentID == "" }
