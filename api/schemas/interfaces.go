package schemas

import (
	"context"
	"errors"
)

// -- Sentinel Errors --

var (
	// ErrRateLimited is wrapped by every LLM adapter when the provider reports
	// quota exhaustion (HTTP 429 or its equivalent).
	ErrRateLimited = errors.New("llm provider rate limit exhausted")
	// ErrTargetUnreachable is returned when the explored target cannot be loaded.
	ErrTargetUnreachable = errors.New("target unreachable")
	// ErrMalformedDecision is returned when an LLM response cannot be normalized.
	ErrMalformedDecision = errors.New("malformed agent decision")
)

// -- LLM Interfaces --

// ModelTier selects between cheaper and more capable models.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierPowerful ModelTier = "powerful"
)

// GenerationOptions tunes a single completion request.
type GenerationOptions struct {
	Temperature     float32
	ForceJSONFormat bool
	MaxTokens       int
}

// GenerationRequest is a provider-neutral completion request.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Tier         ModelTier
	Options      GenerationOptions
}

// LLMClient produces text completions.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Close() error
}

// Decider is the LLM decision service consumed by the step executor.
type Decider interface {
	Decide(ctx context.Context, page PageState, cc CaseContext, history []StepRecord) (Decision, error)
}

// CaseGenerator produces candidate cases for an intent.
type CaseGenerator interface {
	Generate(ctx context.Context, intent string, analysis PageAnalysis, existing []Case) ([]Case, error)
}

// -- Browser Interfaces --

// BrowserContext is one isolated browser context (a tab and its storage).
type BrowserContext interface {
	// Apply performs a single action and reports the resulting page state.
	Apply(ctx context.Context, action Action) (ActionOutcome, error)
	// Snapshot reads the current page state without acting.
	Snapshot(ctx context.Context) (PageState, error)
	// Reset clears case-scoped state between cases.
	Reset(ctx context.Context, clearStorage bool) error
}

// BrowserDriver creates and destroys browser contexts.
type BrowserDriver interface {
	NewContext(ctx context.Context) (BrowserContext, error)
	CloseContext(bctx BrowserContext) error
}

// -- Persistence --

// SnapshotStore receives session, case and result snapshots. It owns the
// schema and any querying.
type SnapshotStore interface {
	SaveSession(ctx context.Context, s Session) error
	SaveCaseResult(ctx context.Context, sessionID string, state CaseRunState) error
	SaveExecutionResult(ctx context.Context, sessionID string, result ExecutionResult) error
	LoadSession(ctx context.Context, id string) (Session, error)
	Close() error
}
