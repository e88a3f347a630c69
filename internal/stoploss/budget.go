// internal/stoploss/budget.go
package stoploss

import (
	"context"
	"time"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// Budget bounds a case by step count and wall clock.
type Budget struct {
	maxSteps int
	deadline time.Time
	now      func() time.Time
}

// NewBudget starts a budget at start. Zero or negative limits are unbounded.
func NewBudget(maxSteps int, timeout time.Duration, start time.Time) *Budget {
	b := &Budget{maxSteps: maxSteps, now: time.Now}
	if timeout > 0 {
		b.deadline = start.Add(timeout)
	}
	return b
}

// Exceeded reports whether another step may be started after stepsTaken steps.
// The step limit is checked before the deadline.
func (b *Budget) Exceeded(stepsTaken int) (schemas.ReasonCode, bool) {
	if b.maxSteps > 0 && stepsTaken >= b.maxSteps {
		return schemas.ReasonMaxSteps, true
	}
	if !b.deadline.IsZero() && !b.now().Before(b.deadline) {
		return schemas.ReasonCaseTimeout, true
	}
	return "", false
}

// MaxSteps returns the step limit, or 0 when unbounded.
func (b *Budget) MaxSteps() int { return b.maxSteps }

// Deadline returns the case deadline, if any.
func (b *Budget) Deadline() (time.Time, bool) {
	return b.deadline, !b.deadline.IsZero()
}

// Context bounds ctx by the case deadline so that an in-flight step is cut
// off when the case runs out of time.
func (b *Budget) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, b.deadline)
}
