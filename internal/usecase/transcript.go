package usecase

import (
	"time"

	"github.com/oklog/ulid/v2"

	"agentd/internal/domain"
)

// newID returns a lexically sortable unique ID.
func newID() string {
	return ulid.Make().String()
}

// isCallResult reports whether msg answers an earlier tool or delegate call.
func isCallResult(msg domain.Message) bool {
	return msg.ToolCallID != ""
}

// groupMessages partitions messages into atomic groups. An agent message
// with tool calls and the result messages that follow it form one group.
func groupMessages(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.Role == domain.RoleAgent && len(msg.ToolCalls) > 0 {
			group := []domain.Message{msg}
			j := i + 1
			for j < len(msgs) && isCallResult(msgs[j]) {
				group = append(group, msgs[j])
				j++
			}
			groups = append(groups, group)
			i = j
			continue
		}
		groups = append(groups, []domain.Message{msg})
		i++
	}
	return groups
}

// RepairTranscript fixes broken call chains before a prompt is sent:
// a call without a result gets an injected error result, and a result
// without a preceding call is dropped. The input is not modified.
func RepairTranscript(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]domain.Message, 0, len(messages))
	pending := make(map[string]domain.ToolCall)
	var order []string

	flush := func() {
		for _, id := range order {
			tc, ok := pending[id]
			if !ok {
				continue
			}
			result = append(result, domain.Message{
				Role:       domain.RoleTool,
				Name:       tc.Name,
				Content:    "error: call did not produce a result",
				ToolCallID: id,
				Timestamp:  time.Now(),
			})
		}
		clear(pending)
		order = order[:0]
	}

	for _, msg := range messages {
		if isCallResult(msg) {
			if _, ok := pending[msg.ToolCallID]; !ok {
				continue
			}
			delete(pending, msg.ToolCallID)
			result = append(result, msg)
			continue
		}

		flush()
		if msg.Role == domain.RoleAgent {
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					pending[tc.ID] = tc
					order = append(order, tc.ID)
				}
			}
		}
		result = append(result, msg)
	}
	flush()

	return result
}
