//go:build !bedrock

package llm

import (
	"fmt"
	"log/slog"

	"agentd/internal/domain"
	"agentd/internal/infra/config"
)

func newBedrockProvider(config.ProviderConfig, *slog.Logger) (domain.LLMProvider, error) {
	return nil, fmt.Errorf("%w: bedrock support is not compiled in (build with -tags bedrock)", domain.ErrInvalidInput)
}
