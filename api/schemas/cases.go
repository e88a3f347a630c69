package schemas

import (
	"time"
)

// -- Test Cases --

// Priority ranks a case's importance. P0 is the most critical.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Case is one test scenario with ordered steps and an expected result.
type Case struct {
	ID           string            `json:"id" yaml:"id"`
	Title        string            `json:"title" yaml:"title"`
	Module       string            `json:"module,omitempty" yaml:"module,omitempty"`
	Steps        []string          `json:"steps" yaml:"steps"`
	Expected     string            `json:"expected" yaml:"expected"`
	Priority     Priority          `json:"priority,omitempty" yaml:"priority,omitempty"`
	TestData     map[string]string `json:"test_data,omitempty" yaml:"test_data,omitempty"`
	NeedsBrowser bool              `json:"needs_browser" yaml:"needs_browser"`
	Selected     bool              `json:"selected" yaml:"selected"`
}

// Clone returns a deep copy of the case.
func (c Case) Clone() Case {
	out := c
	out.Steps = append([]string(nil), c.Steps...)
	if c.TestData != nil {
		out.TestData = make(map[string]string, len(c.TestData))
		for k, v := range c.TestData {
			out.TestData[k] = v
		}
	}
	return out
}

// CaseContext is the read-only view of a case handed to the decision service.
type CaseContext struct {
	SessionID string `json:"session_id"`
	Goal      string `json:"goal,omitempty"`
	Case      Case   `json:"case"`
	Step      int    `json:"step"`
	MaxSteps  int    `json:"max_steps"`
}

// -- Run State --

// CaseStatus is the per-case execution status.
type CaseStatus string

const (
	CasePending CaseStatus = "pending"
	CaseRunning CaseStatus = "running"
	CasePass    CaseStatus = "pass"
	CaseFail    CaseStatus = "fail"
	CaseSkipped CaseStatus = "skipped"
)

// IsTerminal reports whether the case reached a final verdict.
func (s CaseStatus) IsTerminal() bool {
	return s == CasePass || s == CaseFail || s == CaseSkipped
}

// ReasonCode explains why a case reached its terminal status.
type ReasonCode string

const (
	ReasonAgentSelfReport ReasonCode = "agent_self_report"
	ReasonFuzzyMatch      ReasonCode = "fuzzy_match"
	ReasonFuzzyMismatch   ReasonCode = "fuzzy_mismatch"
	ReasonStopLoss        ReasonCode = "stop_loss"
	ReasonMaxSteps        ReasonCode = "max_steps"
	ReasonCaseTimeout     ReasonCode = "case_timeout"
	ReasonRunTimeout      ReasonCode = "run_timeout"
	ReasonRateLimited     ReasonCode = "rate_limited"
	ReasonStopped         ReasonCode = "stopped"
	ReasonNotSelected     ReasonCode = "not_selected"
	ReasonNoBrowser       ReasonCode = "no_browser_required"
	ReasonBrowserFailure  ReasonCode = "browser_failure"
)

// StepRecord is one entry in a case's running transcript.
type StepRecord struct {
	Index       int           `json:"index"`
	Thinking    string        `json:"thinking,omitempty"`
	Action      Action        `json:"action"`
	URL         string        `json:"url,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Effective   bool          `json:"effective"`
	Failed      bool          `json:"failed,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	Error       string        `json:"error,omitempty"`
	Done        *DoneSignal   `json:"done,omitempty"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

// EvidenceSource identifies which validation path produced a verdict.
type EvidenceSource string

const (
	SourceSelfReport EvidenceSource = "agent_self_report"
	SourceFuzzy      EvidenceSource = "fuzzy_match"
	SourceRetrigger  EvidenceSource = "retrigger"
	SourceNone       EvidenceSource = "none"
)

// Evidence supports a validation verdict.
type Evidence struct {
	Source      EvidenceSource `json:"source"`
	Expected    string         `json:"expected"`
	Matched     string         `json:"matched,omitempty"`
	Score       float64        `json:"score"`
	AgentReport string         `json:"agent_report,omitempty"`
	PageURL     string         `json:"page_url,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Retriggered bool           `json:"retriggered,omitempty"`
}

// CaseRunState tracks the execution of a single case within a run.
type CaseRunState struct {
	CaseID           string        `json:"case_id"`
	Title            string        `json:"title"`
	Status           CaseStatus    `json:"status"`
	Reason           ReasonCode    `json:"reason,omitempty"`
	Error            string        `json:"error,omitempty"`
	StepCount        int           `json:"step_count"`
	IneffectiveCount int           `json:"ineffective_count"`
	Transcript       []StepRecord  `json:"transcript"`
	Evidence         *Evidence     `json:"evidence,omitempty"`
	RetriggerUsed    bool          `json:"retrigger_used"`
	StartedAt        time.Time     `json:"started_at,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Clone returns a deep copy of the run state.
func (c CaseRunState) Clone() CaseRunState {
	out := c
	out.Transcript = append([]StepRecord(nil), c.Transcript...)
	if c.Evidence != nil {
		ev := *c.Evidence
		out.Evidence = &ev
	}
	return out
}

// -- Execution Result --

// Summary is the structured outcome exposed by every terminal session.
type Summary struct {
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// ExecutionResult aggregates the per-case states of a run.
type ExecutionResult struct {
	Cases       []CaseRunState `json:"cases"`
	Summary     Summary        `json:"summary"`
	RateLimited bool           `json:"rate_limited"`
	Stopped     bool           `json:"stopped"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// Clone returns a deep copy of the result.
func (r ExecutionResult) Clone() ExecutionResult {
	out := r
	out.Cases = make([]CaseRunState, len(r.Cases))
	for i, c := range r.Cases {
		out.Cases[i] = c.Clone()
	}
	return out
}

// Summarize recomputes the summary counts from the case states.
func (r *ExecutionResult) Summarize() {
	s := Summary{Total: len(r.Cases)}
	for _, c := range r.Cases {
		switch c.Status {
		case CasePass:
			s.Passed++
		case CaseFail:
			s.Failed++
		case CaseSkipped:
			s.Skipped++
		}
	}
	if !r.FinishedAt.IsZero() && !r.StartedAt.IsZero() {
		s.Duration = r.FinishedAt.Sub(r.StartedAt)
	}
	r.Summary = s
}
