// internal/llmclient/openai_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
)

// OpenAIClient implements schemas.LLMClient for OpenAI-compatible chat APIs.
type OpenAIClient struct {
	client openai.Client
	logger *zap.Logger
	config config.LLMModelConfig
}

var _ schemas.LLMClient = (*OpenAIClient)(nil)

// NewOpenAIClient initializes the client. Endpoint overrides the base URL so
// Azure or self-hosted compatible servers can be used.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("OpenAI model name is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.APITimeout}),
		// Retries are owned by our backoff loop so a 429 is never retried.
		option.WithMaxRetries(0),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		config: cfg,
		logger: logger.Named("llm_client.openai"),
	}, nil
}

// Generate sends a chat completion request and returns the first choice.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	params := c.buildParams(req)

	var responseContent string
	operation := func() error {
		startTime := time.Now()
		completion, err := c.client.Chat.Completions.New(ctx, params)
		duration := time.Since(startTime)
		if err != nil {
			return c.handleAPIError(err)
		}
		if len(completion.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("openai API returned no choices"))
		}

		c.logger.Debug("LLM generation complete (OpenAI)",
			zap.Duration("duration", duration),
			zap.String("model", c.config.Model),
			zap.Int64("prompt_tokens", completion.Usage.PromptTokens),
			zap.Int64("completion_tokens", completion.Usage.CompletionTokens),
			zap.Int64("total_tokens", completion.Usage.TotalTokens),
		)
		responseContent = completion.Choices[0].Message.Content
		return nil
	}

	if err := retry(ctx, c.logger, c.config.MaxRetryElapsed, operation); err != nil {
		return "", err
	}
	return responseContent, nil
}

func (c *OpenAIClient) buildParams(req schemas.GenerationRequest) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.config.Model),
		Messages: messages,
	}

	temperature := c.config.Temperature
	if req.Options.Temperature > 0 {
		temperature = req.Options.Temperature
	}
	params.Temperature = openai.Float(float64(temperature))
	if c.config.TopP > 0 {
		params.TopP = openai.Float(float64(c.config.TopP))
	}

	maxTokens := c.config.MaxTokens
	if req.Options.MaxTokens > 0 {
		maxTokens = req.Options.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	if req.Options.ForceJSONFormat {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

func (c *OpenAIClient) handleAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		c.logger.Error("OpenAI API returned error status", zap.Int("status", apiErr.StatusCode), zap.Error(err))
		return classifyStatus("openai", apiErr.StatusCode, err)
	}
	c.logger.Warn("Network error during LLM request", zap.Error(err))
	return classifyStatus("openai", 0, err)
}

// Close is a no-op; the underlying HTTP client is shared with nothing else.
func (c *OpenAIClient) Close() error {
	return nil
}
