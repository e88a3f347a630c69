// internal/llmclient/ollama_client.go
package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
)

// OllamaClient implements schemas.LLMClient for a local Ollama server.
type OllamaClient struct {
	client *api.Client
	logger *zap.Logger
	config config.LLMModelConfig
}

var _ schemas.LLMClient = (*OllamaClient)(nil)

// NewOllamaClient connects to cfg.Endpoint, or to OLLAMA_HOST when no endpoint is configured.
func NewOllamaClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OllamaClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("Ollama model name is required")
	}

	var client *api.Client
	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("ollama: bad endpoint %q: %w", cfg.Endpoint, err)
		}
		client = api.NewClient(u, &http.Client{Timeout: cfg.APITimeout})
	} else {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client init: %w", err)
		}
		client = c
	}

	return &OllamaClient{
		client: client,
		config: cfg,
		logger: logger.Named("llm_client.ollama"),
	}, nil
}

// Generate runs a non-streaming completion.
func (c *OllamaClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	stream := false
	genReq := &api.GenerateRequest{
		Model:   c.config.Model,
		System:  req.SystemPrompt,
		Prompt:  req.UserPrompt,
		Stream:  &stream,
		Options: c.buildOptions(req),
	}
	if req.Options.ForceJSONFormat {
		genReq.Format = json.RawMessage(`"json"`)
	}

	var responseContent string
	operation := func() error {
		var out strings.Builder
		var final api.GenerateResponse
		startTime := time.Now()
		err := c.client.Generate(ctx, genReq, func(gr api.GenerateResponse) error {
			out.WriteString(gr.Response)
			if gr.Done {
				final = gr
			}
			return nil
		})
		if err != nil {
			return c.handleAPIError(err)
		}

		c.logger.Debug("LLM generation complete (Ollama)",
			zap.Duration("duration", time.Since(startTime)),
			zap.String("model", c.config.Model),
			zap.Int("prompt_tokens", final.PromptEvalCount),
			zap.Int("completion_tokens", final.EvalCount),
		)
		responseContent = out.String()
		return nil
	}

	if err := retry(ctx, c.logger, c.config.MaxRetryElapsed, operation); err != nil {
		return "", err
	}
	return responseContent, nil
}

func (c *OllamaClient) buildOptions(req schemas.GenerationRequest) map[string]any {
	opts := map[string]any{}
	temperature := c.config.Temperature
	if req.Options.Temperature > 0 {
		temperature = req.Options.Temperature
	}
	opts["temperature"] = temperature
	if c.config.TopP > 0 {
		opts["top_p"] = c.config.TopP
	}
	if c.config.TopK > 0 {
		opts["top_k"] = c.config.TopK
	}
	maxTokens := c.config.MaxTokens
	if req.Options.MaxTokens > 0 {
		maxTokens = req.Options.MaxTokens
	}
	if maxTokens > 0 {
		opts["num_predict"] = maxTokens
	}
	return opts
}

func (c *OllamaClient) handleAPIError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		c.logger.Error("Ollama returned error status",
			zap.Int("status", statusErr.StatusCode),
			zap.String("response", statusErr.ErrorMessage))
		return classifyStatus("ollama", statusErr.StatusCode, err)
	}
	c.logger.Warn("Network error during LLM request", zap.Error(err))
	return classifyStatus("ollama", 0, err)
}

// Close is a no-op for the HTTP based Ollama client.
func (c *OllamaClient) Close() error {
	return nil
}
