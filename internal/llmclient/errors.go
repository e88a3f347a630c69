// internal/llmclient/errors.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

const defaultMaxRetryElapsed = 2 * time.Minute

// classifyStatus maps a provider failure onto the retry policy. Rate limit
// responses are permanent and wrap schemas.ErrRateLimited so the run level
// breaker can recognize them; server-side failures are retried.
func classifyStatus(provider string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("%s: %w: %v", provider, schemas.ErrRateLimited, err))
	case status == 0,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return fmt.Errorf("%s transient error (status %d): %w", provider, status, err)
	default:
		return backoff.Permanent(fmt.Errorf("%s API error (status %d): %w", provider, status, err))
	}
}

// retry runs op with exponential backoff bounded by maxElapsed.
func retry(ctx context.Context, logger *zap.Logger, maxElapsed time.Duration, op func() error) error {
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxRetryElapsed
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	b.MaxInterval = 30 * time.Second

	notify := func(err error, wait time.Duration) {
		logger.Warn("LLM request failed, retrying...", zap.Error(err), zap.Duration("backoff", wait))
	}

	wrapped := func() error {
		err := op()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(wrapped, backoff.WithContext(b, ctx), notify)
}

// IsRateLimited reports whether err carries a provider rate limit signal.
func IsRateLimited(err error) bool {
	return errors.Is(err, schemas.ErrRateLimited)
}
