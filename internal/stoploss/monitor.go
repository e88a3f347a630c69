// internal/stoploss/monitor.go
package stoploss

import (
	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// DefaultThreshold is the number of consecutive ineffective steps that ends a case.
const DefaultThreshold = 3

// Cause explains why a step was judged ineffective.
type Cause string

const (
	CauseNone        Cause = ""
	CauseFailed      Cause = "failed"
	CauseNoEffect    Cause = "no_effect"
	CauseUnchanged   Cause = "unchanged_fingerprint"
	CauseFinishCheck Cause = "finish"
)

// Verdict is the monitor's judgement after observing one step.
type Verdict struct {
	Ineffective bool
	Cause       Cause
	// Count is the consecutive ineffective count after this step.
	Count   int
	Tripped bool
	Reason  schemas.ReasonCode
}

// Monitor counts consecutive ineffective steps within a single case.
// It is owned by the case loop and is not safe for concurrent use.
type Monitor struct {
	threshold int
	count     int
	tripped   bool
}

// NewMonitor returns a monitor that trips after threshold consecutive
// ineffective steps. A non-positive threshold uses DefaultThreshold.
func NewMonitor(threshold int) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{threshold: threshold}
}

// Observe classifies a step relative to the page it started from.
// An effective step resets the counter to zero.
func (m *Monitor) Observe(prev schemas.PageState, step schemas.StepResult) Verdict {
	// Finish decisions never touch the browser and are not counted.
	if step.Done != nil {
		return Verdict{Cause: CauseFinishCheck, Count: m.count, Tripped: m.tripped, Reason: m.reason()}
	}

	ineffective, cause := Classify(prev, step)
	if ineffective {
		m.count++
	} else {
		m.count = 0
	}
	if m.count >= m.threshold {
		m.tripped = true
	}

	return Verdict{
		Ineffective: ineffective,
		Cause:       cause,
		Count:       m.count,
		Tripped:     m.tripped,
		Reason:      m.reason(),
	}
}

// Classify reports whether a step was ineffective and why.
func Classify(prev schemas.PageState, step schemas.StepResult) (bool, Cause) {
	switch {
	case step.Failed:
		return true, CauseFailed
	case step.NoEffect:
		return true, CauseNoEffect
	case prev.Fingerprint != "" && step.Page.Fingerprint == prev.Fingerprint:
		return true, CauseUnchanged
	}
	return false, CauseNone
}

// Count returns the current consecutive ineffective count.
func (m *Monitor) Count() int { return m.count }

// Tripped reports whether the threshold has been reached.
func (m *Monitor) Tripped() bool { return m.tripped }

// Threshold returns the configured threshold.
func (m *Monitor) Threshold() int { return m.threshold }

func (m *Monitor) reason() schemas.ReasonCode {
	if m.tripped {
		return schemas.ReasonStopLoss
	}
	return ""
}
