package usecase

import (
	"context"
	"encoding/json"
	"time"

	"agentd/internal/domain"
)

// emit publishes one event for agentID. A nil bus drops it, and so does a
// payload that cannot be marshaled.
func emit(ctx context.Context, bus domain.EventBus, eventType domain.EventType, agentID string, payload any) {
	if bus == nil {
		return
	}
	ev := domain.Event{Type: eventType, Timestamp: time.Now(), AgentID: agentID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		ev.Payload = raw
	}
	bus.Publish(ctx, ev)
}
