// File: internal/coordinator/case_runner.go
// Description: The per-case step loop.

package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/agent"
	"github.com/xkilldash9x/autoqa-cli/internal/stoploss"
	"github.com/xkilldash9x/autoqa-cli/internal/validation"
)

// caseRun is the mutable state of the case being executed.
type caseRun struct {
	tc      schemas.Case
	state   *schemas.CaseRunState
	page    schemas.PageState
	cached  *schemas.PageState
	seen    []string
	last    schemas.Action
	output  string
	monitor *stoploss.Monitor
	budget  *stoploss.Budget
	logger  *zap.Logger
}

func (r *run) runCase(index int) caseEnd {
	tc := r.req.Cases[index]
	state := &r.result.Cases[index]
	start := r.now()
	state.Status = schemas.CaseRunning
	state.StartedAt = start.UTC()
	defer func() { state.Duration = r.now().Sub(start) }()

	cr := &caseRun{
		tc:      tc,
		state:   state,
		monitor: stoploss.NewMonitor(r.runner.StopLossThreshold),
		budget:  stoploss.NewBudget(r.runner.MaxStepsPerCase, r.runner.CaseTimeout, start),
		logger:  r.logger.With(zap.String("case_id", tc.ID)),
	}
	cr.logger.Info("Case started.", zap.String("title", tc.Title))
	r.publish(schemas.Event{Type: schemas.EventCaseStarted, CaseID: tc.ID, Case: ptr(state.Clone())})

	caseCtx, cancel := cr.budget.Context(r.ctx)
	defer cancel()
	// Step work is also bound to the browser session so ForceClose aborts it.
	stepCtx, cancelStep := r.req.Browser.Bind(caseCtx)
	defer cancelStep()

	// Land on the start page.
	if end, ok := r.landing(stepCtx, caseCtx, cr); !ok {
		return end
	}

	for {
		// 1. Control checkpoint. Pause blocks here, never mid-step.
		if err := r.req.Control.Checkpoint(caseCtx); err != nil {
			return r.interrupted(caseCtx, cr)
		}

		// 2. Breaker, then budget.
		if r.breaker.Tripped() {
			r.finishFailed(cr, schemas.ReasonRateLimited, "rate limited before the case finished")
			return endRateLimited
		}
		if reason, over := cr.budget.Exceeded(state.StepCount); over {
			if reason == schemas.ReasonCaseTimeout {
				return r.finishFailed(cr, reason, "case timeout exceeded")
			}
			r.judge(stepCtx, cr, nil, reason)
			return endContinue
		}

		// 3. One step.
		prev := cr.page
		cc := schemas.CaseContext{
			SessionID: r.req.SessionID,
			Goal:      r.req.Goal,
			Case:      tc,
			Step:      state.StepCount + 1,
			MaxSteps:  r.runner.MaxStepsPerCase,
		}
		res, err := r.executor.Step(stepCtx, r.bctx, prev, cc, state.Transcript)

		if r.req.Control.StopRequested() {
			if err == nil {
				r.record(cr, prev, res, nil)
			}
			return r.finishSkipped(cr, schemas.ReasonStopped, endStopped)
		}

		if err != nil {
			if r.breaker.Observe(err) {
				cr.logger.Warn("Rate limited during case.", zap.Error(err))
				// The case already started, so it cannot be skipped.
				r.finishFailed(cr, schemas.ReasonRateLimited, "rate limited before the case finished")
				return endRateLimited
			}
			if caseCtx.Err() != nil {
				return r.interrupted(caseCtx, cr)
			}
			// Any other decision failure is a failed step.
			res = schemas.StepResult{Page: prev, Failed: true, ErrorCode: string(agent.DecisionErrorCode(err)), Err: err, Duration: res.Duration}
			cr.logger.Warn("Decision failed; counting as a failed step.", zap.Error(err))
		} else if caseCtx.Err() != nil {
			r.record(cr, prev, res, nil)
			return r.interrupted(caseCtx, cr)
		}

		verdict := cr.monitor.Observe(prev, res)
		r.record(cr, prev, res, &verdict)

		// 4. Finish, or stop-loss.
		if res.Done != nil {
			r.judge(stepCtx, cr, res.Done, "")
			return endContinue
		}
		if verdict.Tripped {
			cr.logger.Info("Stop-loss tripped.", zap.Int("ineffective", verdict.Count))
			return r.stopLoss(cr, verdict.Count)
		}
	}
}

// landing loads the start page, or captures the current one.
func (r *run) landing(stepCtx, caseCtx context.Context, cr *caseRun) (caseEnd, bool) {
	var (
		page schemas.PageState
		err  error
	)
	if r.req.StartURL != "" {
		var out schemas.ActionOutcome
		out, err = r.bctx.Apply(stepCtx, schemas.Action{Type: schemas.ActionNavigate, Value: r.req.StartURL})
		page = out.Page
	} else {
		page, err = r.bctx.Snapshot(stepCtx)
	}
	if err == nil {
		cr.page = page
		return endContinue, true
	}

	if r.req.Control.StopRequested() {
		return r.finishSkipped(cr, schemas.ReasonStopped, endStopped), false
	}
	if caseCtx.Err() != nil {
		return r.interrupted(caseCtx, cr), false
	}
	cr.state.Error = err.Error()
	cr.logger.Warn("Failed to load start page.", zap.Error(err))
	return r.finishFailed(cr, schemas.ReasonBrowserFailure, err.Error()), false
}

// interrupted resolves a canceled case context: stop, run timeout or case timeout.
func (r *run) interrupted(caseCtx context.Context, cr *caseRun) caseEnd {
	switch {
	case r.req.Control.StopRequested() || r.parent.Err() != nil:
		return r.finishSkipped(cr, schemas.ReasonStopped, endStopped)
	case r.ctx.Err() != nil:
		r.finishFailed(cr, schemas.ReasonCaseTimeout, "run timeout exceeded")
		return endRunTimeout
	case errors.Is(caseCtx.Err(), context.DeadlineExceeded):
		return r.finishFailed(cr, schemas.ReasonCaseTimeout, "case timeout exceeded")
	}
	return r.finishSkipped(cr, schemas.ReasonStopped, endStopped)
}

// record appends a step to the transcript and tracks post-step state.
func (r *run) record(cr *caseRun, prev schemas.PageState, res schemas.StepResult, verdict *stoploss.Verdict) {
	st := cr.state
	st.StepCount++
	rec := schemas.StepRecord{
		Index:       st.StepCount,
		Thinking:    res.Decision.Thinking,
		Action:      res.Action,
		URL:         res.Page.URL,
		Fingerprint: res.Page.Fingerprint,
		Failed:      res.Failed,
		ErrorCode:   res.ErrorCode,
		Done:        res.Done,
		Duration:    res.Duration,
		Timestamp:   r.now().UTC(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if verdict != nil {
		rec.Effective = !verdict.Ineffective
		if verdict.Ineffective {
			st.IneffectiveCount++
		}
	} else {
		ineffective, _ := stoploss.Classify(prev, res)
		rec.Effective = !ineffective
	}
	st.Transcript = append(st.Transcript, rec)

	if res.Decision.Thinking != "" {
		cr.output = res.Decision.Thinking
	}
	if res.Done != nil && res.Done.Summary != "" {
		cr.output = res.Done.Summary
	}
	cr.page = res.Page
	if !res.Failed && !res.Action.IsZero() {
		page := res.Page
		cr.cached = &page
		cr.last = res.Action
		cr.seen = appendUnique(cr.seen, res.Page.Transients...)
	}

	r.publish(schemas.Event{Type: schemas.EventStep, CaseID: cr.tc.ID, Step: &rec})
}

// judge validates the case. override replaces the failure reason when the
// case ran out of steps rather than ending on the agent's own report.
func (r *run) judge(ctx context.Context, cr *caseRun, done *schemas.DoneSignal, override schemas.ReasonCode) {
	v := r.validator.Validate(ctx, r.bctx, validation.Request{
		Case:           cr.tc,
		Done:           done,
		AgentOutput:    cr.output,
		Final:          cr.page,
		Cached:         cr.cached,
		SeenTransients: cr.seen,
		LastAction:     cr.last,
		RetriggerUsed:  cr.state.RetriggerUsed,
	})

	st := cr.state
	st.RetriggerUsed = v.RetriggerUsed
	ev := v.Evidence
	st.Evidence = &ev
	if v.Pass {
		st.Status, st.Reason = schemas.CasePass, v.Reason
	} else {
		st.Status, st.Reason = schemas.CaseFail, v.Reason
		if override != "" && done == nil {
			st.Reason = override
		}
	}
	cr.logger.Info("Case finished.",
		zap.String("status", string(st.Status)),
		zap.String("reason", string(st.Reason)),
		zap.Int("steps", st.StepCount),
		zap.Float64("score", ev.Score))
}

// stopLoss fails the case without validating it. Evidence only records the
// page the case was stuck on.
func (r *run) stopLoss(cr *caseRun, ineffective int) caseEnd {
	cr.state.Evidence = &schemas.Evidence{
		Source:      schemas.SourceNone,
		Expected:    cr.tc.Expected,
		PageURL:     cr.page.URL,
		Fingerprint: cr.page.Fingerprint,
	}
	return r.finishFailed(cr, schemas.ReasonStopLoss, fmt.Sprintf("stop-loss tripped after %d ineffective steps", ineffective))
}

func (r *run) finishFailed(cr *caseRun, reason schemas.ReasonCode, msg string) caseEnd {
	st := cr.state
	st.Status, st.Reason = schemas.CaseFail, reason
	if st.Error == "" {
		st.Error = msg
	}
	cr.logger.Info("Case failed.", zap.String("reason", string(reason)), zap.Int("steps", st.StepCount))
	return endContinue
}

func (r *run) finishSkipped(cr *caseRun, reason schemas.ReasonCode, end caseEnd) caseEnd {
	cr.state.Status, cr.state.Reason = schemas.CaseSkipped, reason
	cr.logger.Info("Case skipped.", zap.String("reason", string(reason)), zap.Int("steps", cr.state.StepCount))
	return end
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
