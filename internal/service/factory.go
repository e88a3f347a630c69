// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/agent"
	"github.com/xkilldash9x/autoqa-cli/internal/browser"
	"github.com/xkilldash9x/autoqa-cli/internal/casegen"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
	"github.com/xkilldash9x/autoqa-cli/internal/llmclient"
	"github.com/xkilldash9x/autoqa-cli/internal/store"
	"github.com/xkilldash9x/autoqa-cli/internal/validation"
)

// ComponentFactory builds the full set of components for a command. Commands
// take the interface so tests can substitute a factory wired with fakes.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates the production component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles dependency injection and initialization of all components.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	if cfg == nil || logger == nil {
		return nil, fmt.Errorf("cannot create components without config and logger")
	}
	components := &Components{Config: cfg, logger: logger}

	// Shut down whatever was built if a later step fails.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.ShutdownWithTimeout(10 * time.Second)
		}
	}()

	// 1. Store
	backend, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to open store: %w", err)
		return nil, initializationErr
	}
	components.Store = backend
	logger.Debug("Store initialized.", zap.String("driver", cfg.Database.Driver))

	// 2. LLM router
	router, err := llmclient.NewRouterFromConfig(ctx, cfg.LLM, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize LLM router: %w", err)
		return nil, initializationErr
	}
	components.LLM = router
	logger.Debug("LLM router initialized.")

	// 3. Browser driver
	driver, err := browser.NewChromeDriver(cfg.Browser, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize browser driver: %w", err)
		return nil, initializationErr
	}
	components.Driver = driver

	// 4. Case corpus
	var corpus []schemas.Case
	if cfg.Cases.CorpusFile != "" {
		corpus, err = casegen.LoadCorpus(cfg.Cases.CorpusFile)
		if err != nil {
			initializationErr = fmt.Errorf("failed to load case corpus: %w", err)
			return nil, initializationErr
		}
		logger.Debug("Case corpus loaded.", zap.Int("cases", len(corpus)))
	}

	// 5. Agent, validation and generation
	decider := agent.NewLLMDecider(router, logger, cfg.Runner.HistoryWindow)
	executor := agent.NewExecutor(decider, logger, cfg.Runner.DecisionTimeout)
	validator := validation.NewEngine(cfg.Validation, logger)
	generator := casegen.NewLLMGenerator(router, logger, cfg.Cases.MaxGenerated)

	// 6. Service
	svc, err := New(Deps{
		Config:    cfg,
		Logger:    logger,
		Executor:  executor,
		Validator: validator,
		Driver:    driver,
		Generator: generator,
		Store:     backend,
		Corpus:    corpus,
	})
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize service: %w", err)
		return nil, initializationErr
	}
	components.Service = svc

	logger.Info("Components initialized.")
	return components, nil
}
