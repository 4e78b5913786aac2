package domain

// DecisionKind is the action an LLM response resolved to.
type DecisionKind string

const (
	DecisionFinalAnswer DecisionKind = "final_answer"
	DecisionToolCall    DecisionKind = "tool_call"
	DecisionDelegate    DecisionKind = "delegate"
)

// Decision is the parsed form of one DECIDING step.
type Decision struct {
	Kind      DecisionKind
	Text      string    // FinalAnswer text, or reasoning emitted alongside an action
	ToolCall  *ToolCall // ToolCall and Delegate
	Objective string    // Delegate
	Profile   string    // Delegate; empty means the parent's profile
}
