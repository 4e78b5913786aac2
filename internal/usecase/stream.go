package usecase

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"agentd/internal/domain"
)

// maxStreamToolCalls bounds the call slots a stream may open.
const maxStreamToolCalls = 50

// streamAccumulator folds deltas into one agent message. Tool call fragments
// are positional: the first fragment at an index names the call, later ones
// extend its arguments.
type streamAccumulator struct {
	content strings.Builder
	calls   []domain.ToolCall
	usage   domain.Usage
	deltas  int
	done    bool
	err     error
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

func (acc *streamAccumulator) addDelta(d domain.StreamDelta) {
	acc.deltas++
	acc.content.WriteString(d.Content)
	for i, tc := range d.ToolCalls[:min(len(d.ToolCalls), maxStreamToolCalls)] {
		if i >= len(acc.calls) {
			acc.calls = append(acc.calls, make([]domain.ToolCall, i+1-len(acc.calls))...)
		}
		call := &acc.calls[i]
		if tc.ID != "" {
			call.ID = tc.ID
		}
		if tc.Name != "" {
			call.Name = tc.Name
		}
		call.Arguments = append(call.Arguments, tc.Arguments...)
	}
	if d.Usage != nil {
		acc.usage = *d.Usage
	}
	if d.Done {
		acc.done = true
		acc.err = d.Err
	}
}

// result returns the assembled message. A stream that broke off, or closed
// before its terminal delta, is an error and its partial content is dropped.
func (acc *streamAccumulator) result() (domain.Message, domain.Usage, error) {
	switch {
	case acc.err != nil:
		return domain.Message{}, acc.usage, acc.err
	case !acc.done:
		return domain.Message{}, acc.usage, fmt.Errorf("%w: stream closed after %d deltas without finishing",
			domain.ErrProviderUnavailable, acc.deltas)
	}
	calls := slices.DeleteFunc(acc.calls, func(tc domain.ToolCall) bool { return tc.Name == "" })
	return domain.Message{
		Role:      domain.RoleAgent,
		Content:   acc.content.String(),
		ToolCalls: calls,
		Timestamp: time.Now(),
	}, acc.usage, nil
}
