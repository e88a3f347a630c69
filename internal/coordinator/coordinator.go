// File: internal/coordinator/coordinator.go
// Description: Runs the confirmed cases of a session one after another on a
// single shared browser session, applying run control, stop-loss, the
// rate-limit breaker and validation along the way.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/breaker"
	"github.com/xkilldash9x/autoqa-cli/internal/browser"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
	"github.com/xkilldash9x/autoqa-cli/internal/runcontrol"
	"github.com/xkilldash9x/autoqa-cli/internal/validation"
)

// Outcome is how a run ended. It maps onto the session's terminal status.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFailed    Outcome = "failed"
)

// Status returns the session status the outcome leads to.
func (o Outcome) Status() schemas.SessionStatus {
	switch o {
	case OutcomeStopped:
		return schemas.StatusStopped
	case OutcomeFailed:
		return schemas.StatusFailed
	}
	return schemas.StatusCompleted
}

// StepExecutor runs one decide-then-act cycle.
type StepExecutor interface {
	Step(ctx context.Context, bctx schemas.BrowserContext, page schemas.PageState, cc schemas.CaseContext, history []schemas.StepRecord) (schemas.StepResult, error)
}

// Validator judges a finished case.
type Validator interface {
	Validate(ctx context.Context, bctx schemas.BrowserContext, req validation.Request) validation.Verdict
}

// EventSink receives progress events. Publish must not block.
type EventSink interface {
	Publish(ev schemas.Event)
}

// RunRequest describes one execution of a session's cases.
type RunRequest struct {
	SessionID string
	Goal      string
	// StartURL is loaded at the start of every case, if set.
	StartURL string
	// Cases is every case of the session; unselected ones are reported as skipped.
	Cases   []schemas.Case
	Browser *browser.SharedSession
	Control *runcontrol.Control
}

// Coordinator executes runs. A single Coordinator may serve many sessions
// concurrently; all per-run state lives on the stack of Run.
type Coordinator struct {
	runner    config.RunnerConfig
	tripAfter int
	executor  StepExecutor
	validator Validator
	store     schemas.SnapshotStore
	events    EventSink
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a coordinator. store and events may be nil.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	executor StepExecutor,
	validator Validator,
	store schemas.SnapshotStore,
	events EventSink,
) (*Coordinator, error) {
	if cfg == nil || logger == nil || executor == nil || validator == nil {
		return nil, fmt.Errorf("cannot initialize coordinator with nil dependencies")
	}
	return &Coordinator{
		runner:    cfg.Runner,
		tripAfter: cfg.Breaker.TripAfter,
		executor:  executor,
		validator: validator,
		store:     store,
		events:    events,
		logger:    logger.Named("coordinator"),
		now:       time.Now,
	}, nil
}

// NewResult builds the initial per-case states for cases.
func NewResult(cases []schemas.Case) schemas.ExecutionResult {
	result := schemas.ExecutionResult{Cases: make([]schemas.CaseRunState, len(cases))}
	for i, c := range cases {
		st := schemas.CaseRunState{CaseID: c.ID, Title: c.Title, Status: schemas.CasePending}
		switch {
		case !c.Selected:
			st.Status, st.Reason = schemas.CaseSkipped, schemas.ReasonNotSelected
		case !c.NeedsBrowser:
			st.Status, st.Reason = schemas.CaseSkipped, schemas.ReasonNoBrowser
		}
		result.Cases[i] = st
	}
	result.Summarize()
	return result
}

// Run executes the selected cases sequentially. It always returns a result
// with a summary, and it always closes the browser before returning.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (schemas.ExecutionResult, Outcome, error) {
	if req.Browser == nil || req.Control == nil {
		return schemas.ExecutionResult{}, OutcomeFailed, fmt.Errorf("run %s: browser session and control are required", req.SessionID)
	}
	logger := c.logger.With(zap.String("session_id", req.SessionID))

	result := NewResult(req.Cases)
	result.StartedAt = c.now().UTC()

	runCtx := ctx
	if c.runner.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.runner.RunTimeout)
		defer cancel()
	}

	// The watcher tears the browser down the moment stop is requested so an
	// in-flight action is aborted rather than awaited.
	watchDone := make(chan struct{})
	watcherExited := make(chan struct{})
	go func() {
		defer close(watcherExited)
		select {
		case <-req.Control.Done():
			logger.Info("Stop requested, force closing browser.")
			_ = req.Browser.ForceClose()
		case <-watchDone:
		}
	}()
	defer func() {
		close(watchDone)
		<-watcherExited
		if err := req.Browser.ForceClose(); err != nil {
			logger.Warn("Browser close reported an error.", zap.Error(err))
		}
	}()

	r := &run{
		Coordinator: c,
		req:         req,
		logger:      logger,
		ctx:         runCtx,
		parent:      ctx,
		result:      &result,
		breaker:     breaker.New(c.tripAfter, logger),
	}
	outcome, err := r.execute()

	result.FinishedAt = c.now().UTC()
	result.Summarize()
	c.saveResult(req.SessionID, result, logger)

	logger.Info("Run finished.",
		zap.String("outcome", string(outcome)),
		zap.Int("passed", result.Summary.Passed),
		zap.Int("failed", result.Summary.Failed),
		zap.Int("skipped", result.Summary.Skipped),
		zap.Bool("rate_limited", result.RateLimited),
		zap.Duration("duration", result.Summary.Duration))
	return result, outcome, err
}

// -- Per-run State --

// caseEnd tells the run loop what to do after a case.
type caseEnd int

const (
	endContinue caseEnd = iota
	endStopped
	endRateLimited
	endRunTimeout
	endBrowserLost
)

type run struct {
	*Coordinator
	req     RunRequest
	logger  *zap.Logger
	ctx     context.Context
	parent  context.Context
	result  *schemas.ExecutionResult
	breaker *breaker.Breaker
	bctx    schemas.BrowserContext
}

func (r *run) execute() (Outcome, error) {
	started := false
	for i := range r.result.Cases {
		state := &r.result.Cases[i]
		if state.Status.IsTerminal() {
			continue
		}

		// 1. Between cases: control, then breaker.
		if err := r.req.Control.Checkpoint(r.ctx); err != nil {
			return r.haltFrom(i, r.haltReason(err))
		}
		if r.breaker.Tripped() {
			return r.haltFrom(i, endRateLimited)
		}

		// 2. The browser is created lazily for the first case that needs it.
		if r.bctx == nil {
			bctx, err := r.req.Browser.Acquire(r.ctx)
			if err != nil {
				if r.req.Control.StopRequested() || errors.Is(err, browser.ErrSessionClosed) {
					return r.haltFrom(i, endStopped)
				}
				r.skipFrom(i, schemas.ReasonBrowserFailure)
				return OutcomeFailed, fmt.Errorf("failed to acquire browser: %w", err)
			}
			r.bctx = bctx
		} else if started {
			if err := r.req.Browser.ReleaseForCase(r.ctx); err != nil {
				if r.req.Control.StopRequested() {
					return r.haltFrom(i, endStopped)
				}
				r.logger.Warn("Failed to reset browser between cases.", zap.Error(err))
			}
		}
		started = true

		end := r.runCase(i)
		r.saveCase(*state)
		r.publish(schemas.Event{Type: schemas.EventCaseFinished, CaseID: state.CaseID, Case: ptr(state.Clone())})

		if end != endContinue {
			return r.haltFrom(i+1, end)
		}
	}
	return OutcomeCompleted, nil
}

func (r *run) haltReason(err error) caseEnd {
	if errors.Is(err, runcontrol.ErrStopRequested) || r.req.Control.StopRequested() || r.parent.Err() != nil {
		return endStopped
	}
	return endRunTimeout
}

// haltFrom marks cases from index on as skipped and returns the run outcome.
func (r *run) haltFrom(index int, end caseEnd) (Outcome, error) {
	switch end {
	case endStopped:
		r.result.Stopped = true
		r.skipFrom(index, schemas.ReasonStopped)
		return OutcomeStopped, nil
	case endRateLimited:
		r.result.RateLimited = true
		r.skipFrom(index, schemas.ReasonRateLimited)
		r.publish(schemas.Event{Type: schemas.EventControl, Message: "rate limit reached; remaining cases skipped"})
		return OutcomeCompleted, nil
	case endRunTimeout:
		r.skipFrom(index, schemas.ReasonRunTimeout)
		return OutcomeCompleted, nil
	case endBrowserLost:
		r.skipFrom(index, schemas.ReasonBrowserFailure)
		return OutcomeFailed, fmt.Errorf("browser session lost during run")
	}
	return OutcomeCompleted, nil
}

func (r *run) skipFrom(index int, reason schemas.ReasonCode) {
	for j := index; j < len(r.result.Cases); j++ {
		st := &r.result.Cases[j]
		if st.Status.IsTerminal() {
			continue
		}
		st.Status, st.Reason = schemas.CaseSkipped, reason
	}
}

// -- Side Effects --

func (r *run) publish(ev schemas.Event) {
	if r.events == nil {
		return
	}
	ev.SessionID = r.req.SessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	r.events.Publish(ev)
}

func (r *run) saveCase(state schemas.CaseRunState) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.SaveCaseResult(ctx, r.req.SessionID, state); err != nil {
		r.logger.Warn("Failed to persist case result.", zap.String("case_id", state.CaseID), zap.Error(err))
	}
}

func (c *Coordinator) saveResult(sessionID string, result schemas.ExecutionResult, logger *zap.Logger) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.SaveExecutionResult(ctx, sessionID, result); err != nil {
		logger.Warn("Failed to persist execution result.", zap.Error(err))
	}
}

func ptr[T any](v T) *T { return &v }
