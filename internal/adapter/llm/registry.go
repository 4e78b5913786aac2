package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"agentd/internal/domain"
	"agentd/internal/infra/config"
)

// Registry holds the configured providers and hands out a fail-over
// gateway per provider name. It implements usecase.ProviderSource.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]domain.LLMProvider
	gateways    map[string]*Gateway
	defaultName string
	failover    config.FailoverConfig
	logger      *slog.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(defaultName string, failover config.FailoverConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		providers:   make(map[string]domain.LLMProvider),
		gateways:    make(map[string]*Gateway),
		defaultName: defaultName,
		failover:    failover,
		logger:      logger,
	}
}

// NewRegistryFromConfig builds every configured provider. Each one is wrapped
// in a circuit breaker when enabled and in a rate limiter when it has a
// request budget.
func NewRegistryFromConfig(cfg config.LLMConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(cfg.DefaultProvider, cfg.Failover, logger)
	for _, pc := range cfg.Providers {
		p, err := newProvider(pc, r.logger)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		if cfg.CircuitBreaker.Enabled {
			p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, r.logger)
		}
		if pc.RequestsPerMinute > 0 {
			p = NewRateLimitedProvider(p, pc.RequestsPerMinute)
		}
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func newProvider(pc config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	switch pc.Type {
	case "", "openai", "openai-compatible", "ollama", "openrouter", "groq":
		return NewOpenAIProvider(pc, logger), nil
	case "bedrock":
		return newBedrockProvider(pc, logger)
	default:
		return nil, domain.NewDomainError("llm.newProvider", domain.ErrInvalidInput,
			fmt.Sprintf("unknown provider type %q", pc.Type))
	}
}

// Register adds a provider under its name.
func (r *Registry) Register(provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, name)
	}
	r.providers[name] = provider
	clear(r.gateways)
	return nil
}

// Get retrieves a bare provider by name.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Provider returns the gateway for name; an empty name selects the default
// provider. With fail-over enabled the gateway falls back to the configured
// fallbacks, skipping the primary itself.
func (r *Registry) Provider(name string) (domain.LLMProvider, error) {
	return r.Gateway(name)
}

// Gateway is Provider with the concrete type, for callers that refresh the
// fail-over order or list models.
func (r *Registry) Gateway(name string) (*Gateway, error) {
	if name == "" {
		name = r.defaultName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if gw, ok := r.gateways[name]; ok {
		return gw, nil
	}
	primary, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Provider", domain.ErrProviderNotFound, name)
	}

	var fallbacks []domain.LLMProvider
	if r.failover.Enabled {
		for _, fb := range r.failover.Fallbacks {
			if fb == name {
				continue
			}
			p, ok := r.providers[fb]
			if !ok {
				r.logger.Warn("unknown fallback provider ignored", "provider", fb)
				continue
			}
			fallbacks = append(fallbacks, p)
		}
	}

	gw := NewGateway(primary, fallbacks, r.failover.AttemptTimeout, r.logger)
	r.gateways[name] = gw
	return gw, nil
}

// ModelList is one provider's answer to a ListModels call.
type ModelList struct {
	Provider string
	Models   []domain.ModelInfo
	Err      error
	// Unsupported marks a provider without a model listing endpoint.
	Unsupported bool
}

// ListModels asks every registered provider for its models, in name order.
// Failures are reported per provider rather than aborting the listing.
func (r *Registry) ListModels(ctx context.Context) []ModelList {
	names := r.List()
	out := make([]ModelList, 0, len(names))
	for _, name := range names {
		p, err := r.Get(name)
		if err != nil {
			continue
		}
		entry := ModelList{Provider: name}
		ml, ok := p.(domain.ModelLister)
		if !ok {
			entry.Unsupported = true
			out = append(out, entry)
			continue
		}
		entry.Models, entry.Err = ml.ListModels(ctx)
		if errors.Is(entry.Err, errNoModelList) {
			entry.Err, entry.Unsupported = nil, true
		}
		out = append(out, entry)
	}
	return out
}
