package schemas

import (
	"time"
)

// -- Browser Actions --

// ActionType defines the browser operations the agent may request.
type ActionType string

const (
	ActionNavigate  ActionType = "NAVIGATE"
	ActionClick     ActionType = "CLICK"
	ActionInputText ActionType = "INPUT_TEXT"
	ActionSubmit    ActionType = "SUBMIT_FORM"
	ActionScroll    ActionType = "SCROLL"
	ActionPressKey  ActionType = "PRESS_KEY"
	ActionSelect    ActionType = "SELECT_OPTION"
	ActionWait      ActionType = "WAIT_FOR_ASYNC"
	ActionBack      ActionType = "NAVIGATE_BACK"
)

// KnownActionTypes lists every action type the browser driver understands.
var KnownActionTypes = []ActionType{
	ActionNavigate, ActionClick, ActionInputText, ActionSubmit, ActionScroll,
	ActionPressKey, ActionSelect, ActionWait, ActionBack,
}

// IsKnown reports whether the driver can apply this action type.
func (t ActionType) IsKnown() bool {
	for _, k := range KnownActionTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Action is a single browser operation requested by the agent.
type Action struct {
	Type     ActionType `json:"type"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
	// Rationale is the agent's short justification for the action.
	Rationale string `json:"rationale,omitempty"`
}

// IsZero reports whether no action was requested.
func (a Action) IsZero() bool {
	return a.Type == ""
}

// -- Page State --

// Element is an interactive control visible on the page.
type Element struct {
	Tag      string `json:"tag"`
	Selector string `json:"selector"`
	Text     string `json:"text,omitempty"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// PageState is an observation of the page after an action.
type PageState struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	// Text is the visible text of the page, truncated for prompting.
	Text     string    `json:"text"`
	Elements []Element `json:"elements,omitempty"`
	// Transients holds short-lived feedback (toasts, alerts, live regions)
	// present at capture time.
	Transients  []string  `json:"transients,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	HTML        string    `json:"-"`
	CapturedAt  time.Time `json:"captured_at"`
}

// ActionOutcome is the browser driver's report after applying an action.
type ActionOutcome struct {
	Page PageState
	// NoEffect is set when the driver observed that the action changed nothing.
	NoEffect bool
}

// -- Agent Decisions --

// DecisionKind tags the variant carried by a Decision.
type DecisionKind string

const (
	// DecisionAct asks for a browser action to be applied.
	DecisionAct DecisionKind = "act"
	// DecisionFinish reports that the agent considers the case complete.
	DecisionFinish DecisionKind = "finish"
)

// DoneSignal is the agent's own success determination for a case.
type DoneSignal struct {
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
}

// Decision is the normalized response of the LLM decision service. Provider
// specific shapes are resolved before a Decision is built.
type Decision struct {
	Kind     DecisionKind `json:"kind"`
	Action   Action       `json:"action"`
	Thinking string       `json:"thinking,omitempty"`
	Done     *DoneSignal  `json:"done,omitempty"`
}

// StepResult is the outcome of one decide-then-act cycle.
type StepResult struct {
	Decision  Decision
	Action    Action
	Page      PageState
	Done      *DoneSignal
	NoEffect  bool
	Failed    bool
	ErrorCode string
	Err       error
	Duration  time.Duration
}
