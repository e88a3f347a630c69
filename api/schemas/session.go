package schemas

import (
	"time"
)

// -- Session Lifecycle --

// SessionStatus enumerates the life cycle states of a test session.
type SessionStatus string

const (
	StatusInit           SessionStatus = "init"
	StatusAnalyzing      SessionStatus = "analyzing"
	StatusExploring      SessionStatus = "exploring"
	StatusPageScanned    SessionStatus = "page_scanned"
	StatusCasesGenerated SessionStatus = "cases_generated"
	StatusConfirmed      SessionStatus = "confirmed"
	StatusExecuting      SessionStatus = "executing"
	StatusCompleted      SessionStatus = "completed"
	StatusFailed         SessionStatus = "failed"
	StatusStopped        SessionStatus = "stopped"
)

// IsTerminal reports whether no further transitions are possible from the status.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Target is the navigable destination extracted from a user's intent.
type Target struct {
	URL  string `json:"url"`
	Goal string `json:"goal"`
}

// TranscriptRole identifies the author of a transcript entry.
type TranscriptRole string

const (
	RoleUser      TranscriptRole = "user"
	RoleAssistant TranscriptRole = "assistant"
	RoleSystem    TranscriptRole = "system"
)

// TranscriptEntry is one message exchanged during the session.
type TranscriptEntry struct {
	Role      TranscriptRole `json:"role" yaml:"role"`
	Content   string         `json:"content" yaml:"content"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
}

// TransitionRecord captures a single state change of a session.
type TransitionRecord struct {
	From   SessionStatus `json:"from"`
	To     SessionStatus `json:"to"`
	Reason string        `json:"reason,omitempty"`
	At     time.Time     `json:"at"`
}

// Session is the full state of a test intent from submission to completion.
type Session struct {
	ID           string             `json:"id"`
	Status       SessionStatus      `json:"status"`
	Intent       string             `json:"intent"`
	Target       *Target            `json:"target,omitempty"`
	Transcript   []TranscriptEntry  `json:"transcript"`
	PageAnalysis *PageAnalysis      `json:"page_analysis,omitempty"`
	Cases        []Case             `json:"cases"`
	Result       *ExecutionResult   `json:"result,omitempty"`
	History      []TransitionRecord `json:"history"`
	Error        string             `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of the session that is safe to hand to other goroutines.
func (s *Session) Clone() Session {
	out := *s
	out.Transcript = append([]TranscriptEntry(nil), s.Transcript...)
	out.History = append([]TransitionRecord(nil), s.History...)
	out.Cases = make([]Case, len(s.Cases))
	for i, c := range s.Cases {
		out.Cases[i] = c.Clone()
	}
	if s.Target != nil {
		t := *s.Target
		out.Target = &t
	}
	if s.PageAnalysis != nil {
		pa := s.PageAnalysis.Clone()
		out.PageAnalysis = &pa
	}
	if s.Result != nil {
		r := s.Result.Clone()
		out.Result = &r
	}
	return out
}

// SelectedCases returns the cases flagged for execution, in order.
func (s *Session) SelectedCases() []Case {
	var selected []Case
	for _, c := range s.Cases {
		if c.Selected {
			selected = append(selected, c.Clone())
		}
	}
	return selected
}

// -- Page Analysis --

// FormField describes a single input control within a form.
type FormField struct {
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Label       string `json:"label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Selector    string `json:"selector"`
	Required    bool   `json:"required,omitempty"`
}

// Form describes a form discovered on the page.
type Form struct {
	Selector string      `json:"selector"`
	Action   string      `json:"action,omitempty"`
	Method   string      `json:"method,omitempty"`
	Fields   []FormField `json:"fields"`
}

// PageAnalysis is the structural description of an explored target page.
type PageAnalysis struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Headings   []string  `json:"headings,omitempty"`
	Forms      []Form    `json:"forms,omitempty"`
	Elements   []Element `json:"elements,omitempty"`
	Transients []string  `json:"transients,omitempty"`
	Excerpt    string    `json:"excerpt,omitempty"`
	ScannedAt  time.Time `json:"scanned_at"`
}

// Clone returns a deep copy of the analysis.
func (p PageAnalysis) Clone() PageAnalysis {
	out := p
	out.Headings = append([]string(nil), p.Headings...)
	out.Elements = append([]Element(nil), p.Elements...)
	out.Transients = append([]string(nil), p.Transients...)
	out.Forms = make([]Form, len(p.Forms))
	for i, f := range p.Forms {
		f.Fields = append([]FormField(nil), f.Fields...)
		out.Forms[i] = f
	}
	return out
}

// -- Events --

// EventType classifies a progress event published while a session advances.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventCaseStarted   EventType = "case_started"
	EventCaseFinished  EventType = "case_finished"
	EventStep          EventType = "step"
	EventControl       EventType = "control"
)

// Event is a progress notification for operator-facing subscribers.
type Event struct {
	SessionID string        `json:"session_id"`
	Type      EventType     `json:"type"`
	Status    SessionStatus `json:"status,omitempty"`
	CaseID    string        `json:"case_id,omitempty"`
	Step      *StepRecord   `json:"step,omitempty"`
	Case      *CaseRunState `json:"case,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
