package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentd/internal/domain"
)

// DelegateToolName is the reserved function name the model calls to
// hand an objective to a sub-agent.
const DelegateToolName = "delegate"

var delegateParameters = json.RawMessage(`{
  "type": "object",
  "properties": {
    "objective": {"type": "string", "description": "What the sub-agent must accomplish, self-contained."},
    "profile": {"type": "string", "description": "Profile name for the sub-agent. Defaults to your own."}
  },
  "required": ["objective"]
}`)

// DelegateSchema is the catalog entry offered to profiles that may delegate.
func DelegateSchema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        DelegateToolName,
		Description: "Delegate a sub-task to a new sub-agent and wait for its report.",
		Parameters:  delegateParameters,
	}
}

type delegateArgs struct {
	Objective string `json:"objective"`
	Profile   string `json:"profile"`
}

// DecisionParser turns a provider message into exactly one Decision.
type DecisionParser struct {
	tools domain.ToolDispatcher
}

// NewDecisionParser creates a parser that checks tool names against tools.
func NewDecisionParser(tools domain.ToolDispatcher) *DecisionParser {
	return &DecisionParser{tools: tools}
}

// Parse classifies msg as FinalAnswer, ToolCall, or Delegate. It rejects
// multiple calls, unknown tools, malformed delegate arguments, and empty
// answers with ErrDecisionParse.
func (p *DecisionParser) Parse(msg domain.Message) (domain.Decision, error) {
	const op = "DecisionParser.Parse"

	switch len(msg.ToolCalls) {
	case 0:
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			return domain.Decision{}, domain.NewDomainError(op, domain.ErrDecisionParse,
				"response contained neither an answer nor a call")
		}
		return domain.Decision{Kind: domain.DecisionFinalAnswer, Text: text}, nil
	case 1:
	default:
		return domain.Decision{}, domain.NewDomainError(op, domain.ErrDecisionParse,
			fmt.Sprintf("response contained %d calls, exactly one is allowed per step", len(msg.ToolCalls)))
	}

	call := msg.ToolCalls[0]
	if call.Name == DelegateToolName {
		var args delegateArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return domain.Decision{}, domain.NewDomainError(op, domain.ErrDecisionParse,
				"delegate arguments are not a JSON object: "+err.Error())
		}
		if strings.TrimSpace(args.Objective) == "" {
			return domain.Decision{}, domain.NewDomainError(op, domain.ErrDecisionParse,
				"delegate requires a non-empty objective")
		}
		return domain.Decision{
			Kind:      domain.DecisionDelegate,
			Text:      strings.TrimSpace(msg.Content),
			ToolCall:  &call,
			Objective: strings.TrimSpace(args.Objective),
			Profile:   strings.TrimSpace(args.Profile),
		}, nil
	}

	if p.tools == nil || !p.tools.Known(call.Name) {
		return domain.Decision{}, domain.NewDomainError(op, domain.ErrDecisionParse,
			fmt.Sprintf("unknown tool %q", call.Name))
	}
	return domain.Decision{
		Kind:     domain.DecisionToolCall,
		Text:     strings.TrimSpace(msg.Content),
		ToolCall: &call,
	}, nil
}

// correctionPrompt is the ephemeral re-prompt sent after a parse failure.
func correctionPrompt(err error) string {
	return "Your previous response could not be used: " + err.Error() +
		". Reply with either a final answer as plain text, or exactly one call to one of the listed tools."
}
