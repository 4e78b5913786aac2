package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

func TestGateway_PrimaryAnswers(t *testing.T) {
	primary := &fakeProvider{name: "a"}
	fallback := &fakeProvider{name: "b"}
	gw := NewGateway(primary, []domain.LLMProvider{fallback}, time.Second, nil)

	resp, err := gw.Chat(context.Background(), domain.ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Provider)
	assert.Equal(t, "a", gw.Name())
	assert.Zero(t, fallback.calls.Load())
}

func TestGateway_FailsOverWithFallbackModel(t *testing.T) {
	primary := &fakeProvider{name: "a", chatFn: failWith(domain.ErrProviderUnavailable)}
	var fallbackModel string
	fallback := &fakeProvider{name: "b", chatFn: func(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		fallbackModel = req.Model
		return &domain.ChatResponse{Message: domain.Message{Content: "ok"}}, nil
	}}
	gw := NewGateway(primary, []domain.LLMProvider{fallback}, time.Second, nil)

	resp, err := gw.Chat(context.Background(), domain.ChatRequest{Model: "primary-only-model"})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Provider)
	assert.Empty(t, fallbackModel, "fallbacks use their own default model")
}

func TestGateway_Exhausted(t *testing.T) {
	a := &fakeProvider{name: "a", chatFn: failWith(domain.ErrRateLimit)}
	b := &fakeProvider{name: "b", chatFn: failWith(errors.New("boom"))}
	gw := NewGateway(a, []domain.LLMProvider{b}, time.Second, nil)

	_, err := gw.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.ErrorIs(t, err, domain.ErrRateLimit, "the joined cause stays inspectable")
	assert.Contains(t, err.Error(), "all 2 providers failed")
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestGateway_AttemptTimeout(t *testing.T) {
	slow := &fakeProvider{name: "slow", chatFn: func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	gw := NewGateway(slow, nil, 20*time.Millisecond, nil)

	_, err := gw.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestGateway_CallerCancellationStopsFailover(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &fakeProvider{name: "a", chatFn: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		cancel()
		return nil, context.Canceled
	}}
	b := &fakeProvider{name: "b"}
	gw := NewGateway(a, []domain.LLMProvider{b}, time.Second, nil)

	_, err := gw.Chat(ctx, domain.ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, b.calls.Load())
}

func TestGateway_RefreshDemotesUnlistedProviders(t *testing.T) {
	down := &fakeStreamer{
		fakeProvider: fakeProvider{name: "down"},
		listFn: func(context.Context) ([]domain.ModelInfo, error) {
			return nil, domain.ErrProviderUnavailable
		},
	}
	up := &fakeStreamer{fakeProvider: fakeProvider{name: "up"}}
	gw := NewGateway(down, []domain.LLMProvider{up}, time.Second, nil)

	resp, err := gw.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "up", resp.Provider)
	assert.Zero(t, down.calls.Load(), "the demoted primary is tried last")
}

func TestGateway_ChatStream(t *testing.T) {
	a := &fakeStreamer{
		fakeProvider: fakeProvider{name: "a"},
		streamFn: func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
			return nil, domain.ErrProviderUnavailable
		},
	}
	b := &fakeStreamer{
		fakeProvider: fakeProvider{name: "b"},
		streamFn: func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
			return deltas(domain.StreamDelta{Content: "hi"}, domain.StreamDelta{Done: true}), nil
		},
	}
	gw := NewGateway(a, []domain.LLMProvider{b}, time.Second, nil)

	ch, err := gw.ChatStream(context.Background(), domain.ChatRequest{Stream: true})
	require.NoError(t, err)
	got := drain(ch)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Content)
	assert.True(t, got[1].Done)
}

// stalled returns a stream that emits ds and then goes quiet until ctx ends.
func stalled(ds ...domain.StreamDelta) func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	return func(ctx context.Context, _ domain.ChatRequest) (<-chan domain.StreamDelta, error) {
		ch := make(chan domain.StreamDelta, len(ds))
		for _, d := range ds {
			ch <- d
		}
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
}

func TestGateway_ChatStreamSilentCandidateFailsOver(t *testing.T) {
	quiet := &fakeStreamer{fakeProvider: fakeProvider{name: "quiet"}, streamFn: stalled()}
	b := &fakeStreamer{
		fakeProvider: fakeProvider{name: "b"},
		streamFn: func(context.Context, domain.ChatRequest) (<-chan domain.StreamDelta, error) {
			return deltas(domain.StreamDelta{Content: "from b"}, domain.StreamDelta{Done: true}), nil
		},
	}
	gw := NewGateway(quiet, []domain.LLMProvider{b}, 30*time.Millisecond, nil)

	ch, err := gw.ChatStream(context.Background(), domain.ChatRequest{Stream: true})
	require.NoError(t, err)
	got := drain(ch)
	require.Len(t, got, 2)
	assert.Equal(t, "from b", got[0].Content)
	assert.True(t, got[1].Done)
	assert.NoError(t, got[1].Err)
}

func TestGateway_ChatStreamStallMidAnswer(t *testing.T) {
	a := &fakeStreamer{fakeProvider: fakeProvider{name: "a"}, streamFn: stalled(domain.StreamDelta{Content: "partial"})}
	b := &fakeStreamer{fakeProvider: fakeProvider{name: "b"}, streamFn: stalled()}
	gw := NewGateway(a, []domain.LLMProvider{b}, 30*time.Millisecond, nil)

	ch, err := gw.ChatStream(context.Background(), domain.ChatRequest{Stream: true})
	require.NoError(t, err)
	got := drain(ch)
	require.Len(t, got, 2)
	assert.Equal(t, "partial", got[0].Content)
	assert.True(t, got[1].Done)
	assert.ErrorIs(t, got[1].Err, domain.ErrTimeout)
	assert.Zero(t, b.calls.Load(), "output already reached the caller")
}

func TestGateway_ChatStreamEveryCandidateSilent(t *testing.T) {
	a := &fakeStreamer{fakeProvider: fakeProvider{name: "a"}, streamFn: stalled()}
	b := &fakeStreamer{fakeProvider: fakeProvider{name: "b"}, streamFn: stalled()}
	gw := NewGateway(a, []domain.LLMProvider{b}, 20*time.Millisecond, nil)

	ch, err := gw.ChatStream(context.Background(), domain.ChatRequest{Stream: true})
	require.NoError(t, err)
	got := drain(ch)
	require.Len(t, got, 1)
	assert.True(t, got[0].Done)
	assert.ErrorIs(t, got[0].Err, domain.ErrProviderUnavailable)
	assert.ErrorIs(t, got[0].Err, domain.ErrTimeout)
}

func TestGateway_ChatStreamFallsBackToChat(t *testing.T) {
	plain := &fakeProvider{name: "plain", chatFn: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{
			Message: domain.Message{Content: "whole answer", ToolCalls: []domain.ToolCall{{ID: "c1", Name: "t"}}},
			Usage:   domain.Usage{TotalTokens: 9},
		}, nil
	}}
	gw := NewGateway(plain, nil, time.Second, nil)

	ch, err := gw.ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	got := drain(ch)
	require.Len(t, got, 1)
	assert.True(t, got[0].Done)
	assert.Equal(t, "whole answer", got[0].Content)
	assert.Len(t, got[0].ToolCalls, 1)
	require.NotNil(t, got[0].Usage)
	assert.Equal(t, 9, got[0].Usage.TotalTokens)
}

func TestGateway_ChatStreamUnsupportedWrapper(t *testing.T) {
	inner := &fakeProvider{name: "plain"}
	gw := NewGateway(NewRateLimitedProvider(inner, 6000), nil, time.Second, nil)

	ch, err := gw.ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, "plain", got[0].Content)
}

func TestGateway_ListModelsMerges(t *testing.T) {
	a := &fakeStreamer{fakeProvider: fakeProvider{name: "a"}}
	b := &fakeStreamer{
		fakeProvider: fakeProvider{name: "b"},
		listFn: func(context.Context) ([]domain.ModelInfo, error) {
			return nil, errors.New("offline")
		},
	}
	c := &fakeProvider{name: "c"}
	gw := NewGateway(a, []domain.LLMProvider{b, c}, time.Second, nil)

	models, err := gw.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.ModelInfo{{Provider: "a", Model: "a-model"}}, models)

	onlyB := NewGateway(b, nil, time.Second, nil)
	_, err = onlyB.ListModels(context.Background())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}
