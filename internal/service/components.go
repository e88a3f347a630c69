// File: internal/service/components.go
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
	"github.com/xkilldash9x/autoqa-cli/internal/store"
)

// Components holds everything a command needs to drive sessions, and owns
// their shutdown order.
type Components struct {
	Config  *config.Config
	Service *Service
	Store   store.Backend
	LLM     schemas.LLMClient
	Driver  schemas.BrowserDriver

	logger       *zap.Logger
	shutdownOnce sync.Once
}

// Shutdown releases every component. Safe to call on a partially built set.
func (c *Components) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		logger := c.logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Debug("Beginning components shutdown sequence.")

		// 1. Stop sessions first so nothing writes to the store after it closes.
		if c.Service != nil {
			if err := c.Service.Shutdown(ctx); err != nil {
				logger.Warn("Sessions did not finish cleanly.", zap.Error(err))
			} else {
				logger.Debug("Service stopped.")
			}
		}

		// 2. Close the store.
		if c.Store != nil {
			if err := c.Store.Close(); err != nil {
				logger.Warn("Error closing store.", zap.Error(err))
			} else {
				logger.Debug("Store closed.")
			}
		}

		// 3. Close the LLM clients.
		if c.LLM != nil {
			if err := c.LLM.Close(); err != nil {
				logger.Warn("Error closing LLM client.", zap.Error(err))
			} else {
				logger.Debug("LLM client closed.")
			}
		}

		logger.Info("All components shut down successfully.")
	})
}

// ShutdownWithTimeout runs Shutdown under a fresh deadline, for use after the
// caller's context has already been canceled.
func (c *Components) ShutdownWithTimeout(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c.Shutdown(ctx)
}
