// internal/validation/engine.go
package validation

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
	"github.com/xkilldash9x/autoqa-cli/internal/llmutil"
)

const maxEvidenceText = 300

// Request carries everything observed for a case at the moment it is judged.
type Request struct {
	Case schemas.Case
	// Done is the agent's own verdict, if it finished.
	Done *schemas.DoneSignal
	// AgentOutput is the agent's last reasoning or summary text.
	AgentOutput string
	// Final is the page as it is now.
	Final schemas.PageState
	// Cached is the page captured right after the last applied action.
	Cached *schemas.PageState
	// SeenTransients are feedback messages captured earlier in the case.
	SeenTransients []string
	LastAction     schemas.Action
	RetriggerUsed  bool
}

// Verdict is the outcome of validating one case.
type Verdict struct {
	Pass          bool
	Reason        schemas.ReasonCode
	Evidence      schemas.Evidence
	RetriggerUsed bool
}

// Engine decides pass or fail for a finished case.
type Engine struct {
	matcher   *Matcher
	retrigger Retriggerer
	logger    *zap.Logger
}

// NewEngine builds an engine from configuration.
func NewEngine(cfg config.ValidationConfig, logger *zap.Logger) *Engine {
	return NewEngineWith(NewMatcher(cfg.FuzzyThreshold), NewRetriggerer(cfg.RollbackMode), logger)
}

// NewEngineWith builds an engine from explicit parts.
func NewEngineWith(matcher *Matcher, retrigger Retriggerer, logger *zap.Logger) *Engine {
	return &Engine{matcher: matcher, retrigger: retrigger, logger: logger.Named("validation")}
}

// Validate judges a case. The agent's self report is authoritative; without
// one the expected result is fuzzy matched against what was observed, with at
// most one rollback-and-retrigger attempt per case.
func (e *Engine) Validate(ctx context.Context, bctx schemas.BrowserContext, req Request) Verdict {
	expected := req.Case.Expected
	base := schemas.Evidence{
		Expected:    expected,
		PageURL:     req.Final.URL,
		Fingerprint: req.Final.Fingerprint,
	}

	// 1. Self report.
	if req.Done != nil {
		ev := base
		ev.Source = schemas.SourceSelfReport
		ev.AgentReport = req.Done.Summary
		if m := e.matcher.Match(expected, e.segments(req.Final, req.AgentOutput, req.Done.Summary)...); m.Segment != "" {
			ev.Score = m.Score
		}
		return Verdict{
			Pass:          req.Done.Success,
			Reason:        schemas.ReasonAgentSelfReport,
			Evidence:      ev,
			RetriggerUsed: req.RetriggerUsed,
		}
	}

	// 2. Fuzzy match against the final state.
	first := e.matcher.Match(expected, e.segments(req.Final, req.AgentOutput)...)
	if first.Matched {
		return Verdict{
			Pass:          true,
			Reason:        schemas.ReasonFuzzyMatch,
			Evidence:      e.fuzzyEvidence(base, first, schemas.SourceFuzzy),
			RetriggerUsed: req.RetriggerUsed,
		}
	}

	// 3. Rollback and retrigger, once per case.
	if !req.RetriggerUsed && e.shouldRetrigger(req) {
		verdict, ok := e.retry(ctx, bctx, req, base)
		if ok {
			return verdict
		}
		return Verdict{
			Reason:        schemas.ReasonFuzzyMismatch,
			Evidence:      e.mismatchEvidence(base, first),
			RetriggerUsed: true,
		}
	}

	return Verdict{
		Reason:        schemas.ReasonFuzzyMismatch,
		Evidence:      e.mismatchEvidence(base, first),
		RetriggerUsed: req.RetriggerUsed,
	}
}

func (e *Engine) shouldRetrigger(req Request) bool {
	if len(req.SeenTransients) > 0 {
		return true
	}
	return req.Cached != nil && req.Cached.Fingerprint != req.Final.Fingerprint
}

// retry runs the retrigger and reports whether it produced a verdict.
func (e *Engine) retry(ctx context.Context, bctx schemas.BrowserContext, req Request, base schemas.Evidence) (Verdict, bool) {
	page, err := e.retrigger.Retrigger(ctx, bctx, req)
	segments := append([]string(nil), req.SeenTransients...)
	if err != nil {
		e.logger.Debug("Retrigger unavailable, using captured transients only.", zap.String("case_id", req.Case.ID), zap.Error(err))
		if len(segments) == 0 {
			return Verdict{}, false
		}
	} else {
		segments = append(segments, e.segments(page)...)
		base.PageURL = page.URL
		base.Fingerprint = page.Fingerprint
	}

	m := e.matcher.Match(req.Case.Expected, segments...)
	ev := e.fuzzyEvidence(base, m, schemas.SourceRetrigger)
	ev.Retriggered = true
	v := Verdict{Pass: m.Matched, Evidence: ev, RetriggerUsed: true}
	if m.Matched {
		v.Reason = schemas.ReasonFuzzyMatch
	} else {
		v.Reason = schemas.ReasonFuzzyMismatch
	}
	e.logger.Debug("Retrigger validation finished.",
		zap.String("case_id", req.Case.ID), zap.Bool("pass", v.Pass), zap.Float64("score", m.Score))
	return v, true
}

func (e *Engine) segments(page schemas.PageState, extra ...string) []string {
	out := make([]string, 0, 1+len(page.Transients)+len(extra))
	out = append(out, page.Transients...)
	out = append(out, page.Text)
	return append(out, extra...)
}

func (e *Engine) fuzzyEvidence(base schemas.Evidence, m Match, source schemas.EvidenceSource) schemas.Evidence {
	base.Source = source
	base.Score = m.Score
	base.Matched = llmutil.TruncateString(m.Segment, maxEvidenceText)
	return base
}

func (e *Engine) mismatchEvidence(base schemas.Evidence, m Match) schemas.Evidence {
	if base.Expected == "" {
		base.Source = schemas.SourceNone
		return base
	}
	return e.fuzzyEvidence(base, m, schemas.SourceFuzzy)
}
