// internal/agent/executor.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// Executor performs one decide-then-act cycle against a browser context.
type Executor struct {
	decider         schemas.Decider
	logger          *zap.Logger
	decisionTimeout time.Duration
}

// NewExecutor creates a step executor. A zero decisionTimeout leaves the
// decision call bounded only by the caller's context.
func NewExecutor(decider schemas.Decider, logger *zap.Logger, decisionTimeout time.Duration) *Executor {
	return &Executor{
		decider:         decider,
		logger:          logger.Named("executor"),
		decisionTimeout: decisionTimeout,
	}
}

// Step asks the decider for the next action given page and applies it.
//
// Driver failures never surface as errors: they come back as a failed
// StepResult carrying an ErrorCode, with Page re-read from the browser so the
// next decision starts from the current state. Only decision failures are
// returned as errors, leaving the caller to tell rate limits from the rest.
func (e *Executor) Step(ctx context.Context, bctx schemas.BrowserContext, page schemas.PageState, cc schemas.CaseContext, history []schemas.StepRecord) (schemas.StepResult, error) {
	start := time.Now()

	// 1. Decide.
	decision, err := e.decide(ctx, page, cc, history)
	if err != nil {
		return schemas.StepResult{Page: page, Duration: time.Since(start)}, err
	}

	result := schemas.StepResult{
		Decision: decision,
		Page:     page,
	}

	// 2. A finish decision touches nothing.
	if decision.Kind == schemas.DecisionFinish {
		result.Done = decision.Done
		result.Duration = time.Since(start)
		e.logger.Debug("Agent signalled completion",
			zap.String("case_id", cc.Case.ID),
			zap.Bool("success", decision.Done != nil && decision.Done.Success))
		return result, nil
	}

	// 3. Act.
	result.Action = decision.Action
	outcome, err := bctx.Apply(ctx, decision.Action)
	if err != nil {
		code, details := ParseBrowserError(err, decision.Action)
		result.Failed = true
		result.ErrorCode = string(code)
		result.Err = err
		e.logger.Warn("Browser action execution failed",
			zap.String("case_id", cc.Case.ID),
			zap.String("action", string(decision.Action.Type)),
			zap.String("error_code", string(code)),
			zap.Any("details", details),
			zap.Error(err))

		// Re-read so the next decision is not made against stale state.
		if ctx.Err() == nil && code != ErrCodeSessionClosed {
			if fresh, snapErr := bctx.Snapshot(ctx); snapErr == nil {
				result.Page = fresh
			}
		}
		result.Duration = time.Since(start)
		return result, nil
	}

	result.Page = outcome.Page
	result.NoEffect = outcome.NoEffect
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Executor) decide(ctx context.Context, page schemas.PageState, cc schemas.CaseContext, history []schemas.StepRecord) (schemas.Decision, error) {
	decideCtx := ctx
	if e.decisionTimeout > 0 {
		var cancel context.CancelFunc
		decideCtx, cancel = context.WithTimeout(ctx, e.decisionTimeout)
		defer cancel()
	}

	decision, err := e.decider.Decide(decideCtx, page, cc, history)
	if err != nil {
		return schemas.Decision{}, fmt.Errorf("decision for case %s step %d failed: %w", cc.Case.ID, cc.Step, err)
	}

	switch decision.Kind {
	case schemas.DecisionFinish:
		if decision.Done == nil {
			decision.Done = &schemas.DoneSignal{}
		}
	case schemas.DecisionAct:
		if !decision.Action.Type.IsKnown() {
			return schemas.Decision{}, fmt.Errorf("%w: unknown action type %q", schemas.ErrMalformedDecision, decision.Action.Type)
		}
	default:
		return schemas.Decision{}, fmt.Errorf("%w: unknown decision kind %q", schemas.ErrMalformedDecision, decision.Kind)
	}
	return decision, nil
}

// DecisionErrorCode classifies an error returned by Step for the transcript.
func DecisionErrorCode(err error) ErrorCode {
	if errors.Is(err, schemas.ErrMalformedDecision) {
		return ErrCodeMalformedDecision
	}
	return ErrCodeDecisionFailure
}
