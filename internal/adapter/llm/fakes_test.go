package llm

import (
	"context"
	"sync/atomic"

	"agentd/internal/domain"
)

// fakeProvider answers Chat with chatFn and counts calls.
type fakeProvider struct {
	name   string
	chatFn func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	calls  atomic.Int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.calls.Add(1)
	if p.chatFn == nil {
		return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAgent, Content: p.name}}, nil
	}
	return p.chatFn(ctx, req)
}

// fakeStreamer adds streaming and model listing.
type fakeStreamer struct {
	fakeProvider
	streamFn func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error)
	listFn   func(ctx context.Context) ([]domain.ModelInfo, error)
}

func (p *fakeStreamer) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	p.calls.Add(1)
	return p.streamFn(ctx, req)
}

func (p *fakeStreamer) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	if p.listFn == nil {
		return []domain.ModelInfo{{Provider: p.name, Model: p.name + "-model"}}, nil
	}
	return p.listFn(ctx)
}

func failWith(err error) func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) { return nil, err }
}

func deltas(ds ...domain.StreamDelta) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, len(ds))
	for _, d := range ds {
		ch <- d
	}
	close(ch)
	return ch
}

func drain(ch <-chan domain.StreamDelta) []domain.StreamDelta {
	var out []domain.StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}
