// Package embedding turns memory text into vectors for similarity search.
package embedding

import (
	"fmt"
	"log/slog"

	"agentd/internal/domain"
	"agentd/internal/infra/config"
)

// New builds the configured embedding provider, wrapped in a cache when
// cache_size is positive.
func New(cfg config.EmbeddingConfig, logger *slog.Logger) (domain.EmbeddingProvider, error) {
	var p domain.EmbeddingProvider
	switch cfg.Provider {
	case "", "hash":
		p = NewHashEmbedder(cfg.Dimensions)
	case "openai":
		p = NewOpenAIProvider(cfg.APIKey,
			WithOpenAIModel(cfg.Model),
			WithOpenAIDimensions(cfg.Dimensions),
			WithOpenAIBaseURL(cfg.BaseURL),
			WithOpenAILogger(logger),
		)
	default:
		return nil, domain.NewDomainError("embedding.New", domain.ErrInvalidInput,
			fmt.Sprintf("unknown embedding provider %q", cfg.Provider))
	}
	return NewCachedEmbedder(p, cfg.CacheSize), nil
}
