// -- internal/llmclient/factory.go --
package llmclient

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
)

// NewClient is a factory function that creates an LLMClient based on the configuration.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	case config.ProviderOllama:
		return NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI, config.ProviderOllama)
	}
}

// resolveModel looks name up in the configured models. A name that is not a
// configured key is treated as a Gemini model name.
func resolveModel(cfg config.LLMRouterConfig, name string) config.LLMModelConfig {
	if m, ok := cfg.Models[name]; ok {
		if m.Model == "" {
			m.Model = name
		}
		return m
	}
	return config.LLMModelConfig{
		Provider: config.ProviderGemini,
		Model:    name,
		APIKey:   os.Getenv("GEMINI_API_KEY"),
	}
}

// NewRouterFromConfig builds the fast and powerful tier clients and wraps them
// in a paced router. Tiers resolving to the same model share one client.
func NewRouterFromConfig(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (*LLMRouter, error) {
	fastCfg := resolveModel(cfg, cfg.DefaultFastModel)
	powerfulCfg := resolveModel(cfg, cfg.DefaultPowerfulModel)

	fast, err := NewClient(ctx, fastCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fast tier client: %w", err)
	}

	powerful := fast
	if powerfulCfg != fastCfg {
		powerful, err = NewClient(ctx, powerfulCfg, logger)
		if err != nil {
			_ = fast.Close()
			return nil, fmt.Errorf("failed to create powerful tier client: %w", err)
		}
	}

	return NewLLMRouter(logger, fast, powerful, WithRateLimit(cfg.RequestsPerMinute, cfg.Burst))
}
