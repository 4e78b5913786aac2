package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"agentd/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.StreamingLLMProvider = (*RateLimitedProvider)(nil)
	_ domain.ModelLister          = (*RateLimitedProvider)(nil)
)

// RateLimitedProvider paces requests to a provider with a token bucket.
// Callers wait for a token; a context that ends first fails the call.
type RateLimitedProvider struct {
	inner   domain.LLMProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider allows requestsPerMinute calls with a burst of one
// second's worth (at least one).
func NewRateLimitedProvider(inner domain.LLMProvider, requestsPerMinute int) *RateLimitedProvider {
	burst := max(requestsPerMinute/60, 1)
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), burst),
	}
}

func (p *RateLimitedProvider) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: waiting for %s request slot: %v", domain.ErrRateLimit, p.inner.Name(), err)
	}
	return nil
}

// Chat implements domain.LLMProvider.
func (p *RateLimitedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, req)
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *RateLimitedProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errStreamUnsupported, p.inner.Name())
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return sp.ChatStream(ctx, req)
}

// ListModels forwards to the inner provider without consuming a token.
func (p *RateLimitedProvider) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	ml, ok := p.inner.(domain.ModelLister)
	if !ok {
		return nil, errNoModelList
	}
	return ml.ListModels(ctx)
}

// Name implements domain.LLMProvider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }
