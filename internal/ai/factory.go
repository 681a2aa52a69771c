package ai

import (
	"fmt"

	"github.com/kiranshivaraju/pmpilot/internal/ai/anthropic"
	"github.com/kiranshivaraju/pmpilot/internal/ai/mock"
	"github.com/kiranshivaraju/pmpilot/internal/config"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

// NewModelClient constructs the model client selected by config.
// Called once at server startup.
func NewModelClient(cfg config.AIConfig) (models.ModelClient, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("%w: anthropic requires an API key", ErrProviderUnavailable)
		}
		return anthropic.NewClient(cfg.Anthropic), nil
	case "mock":
		return mock.NewClient(), nil
	default:
		return nil, fmt.Errorf("%w: unknown AI provider %q: must be one of anthropic, mock", ErrProviderUnavailable, cfg.Provider)
	}
}
