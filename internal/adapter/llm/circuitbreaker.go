package llm

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentd/internal/domain"
	"agentd/internal/infra/config"
)

const (
	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second
)

var (
	_ domain.StreamingLLMProvider = (*CircuitBreakerProvider)(nil)
	_ domain.ModelLister          = (*CircuitBreakerProvider)(nil)
)

// CircuitBreakerProvider fails fast with ErrProviderUnavailable once a
// provider keeps failing, so the gateway skips it instead of waiting on it.
// Only provider faults count; cancelled calls, oversized prompts and
// requests the provider rejected leave the breaker alone.
type CircuitBreakerProvider struct {
	inner   domain.LLMProvider
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

func NewCircuitBreakerProvider(inner domain.LLMProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxFailures := cmp.Or(cfg.MaxFailures, defaultCBMaxFailures)

	return &CircuitBreakerProvider{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
			Name:        "llm:" + inner.Name(),
			MaxRequests: 1,
			Interval:    cmp.Or(cfg.Interval, defaultCBInterval),
			Timeout:     cmp.Or(cfg.Timeout, defaultCBTimeout),
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change", "provider", inner.Name(), "breaker", name,
					"from", from.String(), "to", to.String())
			},
			IsSuccessful: func(err error) bool { return !providerFault(err) },
		}),
	}
}

func providerFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrContextOverflow) {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr) || !apiErr.rejected()
}

func (p *CircuitBreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	return resp, p.wrap(err)
}

// ChatStream guards stream setup only; errors after the first delta do not
// count against the provider.
func (p *CircuitBreakerProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingLLMProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errStreamUnsupported, p.inner.Name())
	}
	var ch <-chan domain.StreamDelta
	_, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		var serr error
		ch, serr = sp.ChatStream(ctx, req)
		return nil, serr
	})
	if err != nil {
		return nil, p.wrap(err)
	}
	return ch, nil
}

func (p *CircuitBreakerProvider) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	ml, ok := p.inner.(domain.ModelLister)
	if !ok {
		return nil, errNoModelList
	}
	return ml.ListModels(ctx)
}

func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

func (p *CircuitBreakerProvider) State() gobreaker.State { return p.breaker.State() }

func (p *CircuitBreakerProvider) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: provider %q circuit open: %v", domain.ErrProviderUnavailable, p.inner.Name(), err)
	}
	return err
}
