// internal/validation/engine_test.go
package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
)

// -- Mocks --

type mockBrowserContext struct {
	mock.Mock
}

func (m *mockBrowserContext) Apply(ctx context.Context, a schemas.Action) (schemas.ActionOutcome, error) {
	args := m.Called(ctx, a)
	return args.Get(0).(schemas.ActionOutcome), args.Error(1)
}

func (m *mockBrowserContext) Snapshot(ctx context.Context) (schemas.PageState, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.PageState), args.Error(1)
}

func (m *mockBrowserContext) Reset(ctx context.Context, clearStorage bool) error {
	return m.Called(ctx, clearStorage).Error(0)
}

type countingRetriggerer struct {
	calls int
	page  schemas.PageState
	err   error
}

func (c *countingRetriggerer) Retrigger(context.Context, schemas.BrowserContext, Request) (schemas.PageState, error) {
	c.calls++
	return c.page, c.err
}

// -- Helpers --

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(config.ValidationConfig{FuzzyThreshold: DefaultThreshold, RollbackMode: config.RollbackSnapshot}, zaptest.NewLogger(t))
}

func wrongPasswordCase() schemas.Case {
	return schemas.Case{ID: "c-1", Title: "Wrong password", Expected: "Password incorrect"}
}

// -- Tests --

func TestValidate_SelfReportOverridesEverything(t *testing.T) {
	e := newEngine(t)

	t.Run("reported failure beats a textual match", func(t *testing.T) {
		v := e.Validate(context.Background(), nil, Request{
			Case:  wrongPasswordCase(),
			Done:  &schemas.DoneSignal{Success: false, Summary: "form never submitted"},
			Final: schemas.PageState{Text: "Password incorrect", URL: "https://app.test/login"},
		})
		assert.False(t, v.Pass)
		assert.Equal(t, schemas.ReasonAgentSelfReport, v.Reason)
		assert.Equal(t, schemas.SourceSelfReport, v.Evidence.Source)
		assert.Equal(t, "form never submitted", v.Evidence.AgentReport)
		assert.Equal(t, "https://app.test/login", v.Evidence.PageURL)
	})

	t.Run("reported success beats a missing match", func(t *testing.T) {
		v := e.Validate(context.Background(), nil, Request{
			Case:  wrongPasswordCase(),
			Done:  &schemas.DoneSignal{Success: true, Summary: "toast appeared briefly"},
			Final: schemas.PageState{Text: "Sign in"},
		})
		assert.True(t, v.Pass)
		assert.Equal(t, schemas.ReasonAgentSelfReport, v.Reason)
	})
}

func TestValidate_FuzzyMatch(t *testing.T) {
	e := newEngine(t)
	v := e.Validate(context.Background(), nil, Request{
		Case:  wrongPasswordCase(),
		Final: schemas.PageState{Text: "Sign in", Transients: []string{"The password is incorrect, try again"}},
	})
	assert.True(t, v.Pass)
	assert.Equal(t, schemas.ReasonFuzzyMatch, v.Reason)
	assert.Equal(t, schemas.SourceFuzzy, v.Evidence.Source)
	assert.Equal(t, "The password is incorrect, try again", v.Evidence.Matched)
	assert.InDelta(t, 1.0, v.Evidence.Score, 1e-9)
	assert.False(t, v.RetriggerUsed)
}

func TestValidate_RetriggerAtMostOnce(t *testing.T) {
	cached := schemas.PageState{Fingerprint: "post-step", Transients: []string{"Password incorrect"}}
	final := schemas.PageState{Fingerprint: "later", Text: "Sign in"}
	rt := &countingRetriggerer{page: cached}
	e := NewEngineWith(NewMatcher(0), rt, zaptest.NewLogger(t))

	req := Request{Case: wrongPasswordCase(), Final: final, Cached: &cached}
	v := e.Validate(context.Background(), nil, req)
	require.True(t, v.Pass)
	assert.Equal(t, schemas.ReasonFuzzyMatch, v.Reason)
	assert.Equal(t, schemas.SourceRetrigger, v.Evidence.Source)
	assert.True(t, v.Evidence.Retriggered)
	assert.Equal(t, "post-step", v.Evidence.Fingerprint)
	assert.True(t, v.RetriggerUsed)
	assert.Equal(t, 1, rt.calls)

	// The same case may not retrigger again.
	req.RetriggerUsed = v.RetriggerUsed
	req.Cached = &schemas.PageState{Fingerprint: "other"}
	v = e.Validate(context.Background(), nil, req)
	assert.False(t, v.Pass)
	assert.Equal(t, schemas.ReasonFuzzyMismatch, v.Reason)
	assert.Equal(t, 1, rt.calls, "retrigger must not run twice for one case")
}

func TestValidate_NoRetriggerWhenStateUnchanged(t *testing.T) {
	page := schemas.PageState{Fingerprint: "same", Text: "Dashboard"}
	rt := &countingRetriggerer{}
	e := NewEngineWith(NewMatcher(0), rt, zaptest.NewLogger(t))

	v := e.Validate(context.Background(), nil, Request{Case: wrongPasswordCase(), Final: page, Cached: &page})
	assert.False(t, v.Pass)
	assert.Equal(t, schemas.ReasonFuzzyMismatch, v.Reason)
	assert.Zero(t, rt.calls)
	assert.False(t, v.RetriggerUsed)
}

func TestValidate_SeenTransientsSurviveRetriggerFailure(t *testing.T) {
	rt := &countingRetriggerer{err: errors.New("tab gone")}
	e := NewEngineWith(NewMatcher(0), rt, zaptest.NewLogger(t))

	v := e.Validate(context.Background(), nil, Request{
		Case:           wrongPasswordCase(),
		Final:          schemas.PageState{Text: "Sign in"},
		SeenTransients: []string{"Password incorrect"},
	})
	assert.True(t, v.Pass)
	assert.Equal(t, schemas.SourceRetrigger, v.Evidence.Source)
	assert.True(t, v.RetriggerUsed)
}

func TestValidate_EmptyExpectation(t *testing.T) {
	e := newEngine(t)
	v := e.Validate(context.Background(), nil, Request{Case: schemas.Case{ID: "c"}, Final: schemas.PageState{Text: "anything"}})
	assert.False(t, v.Pass)
	assert.Equal(t, schemas.SourceNone, v.Evidence.Source)
}

func TestReexecuteRetriggerer(t *testing.T) {
	bctx := new(mockBrowserContext)
	action := schemas.Action{Type: schemas.ActionClick, Selector: "#submit"}
	fresh := schemas.PageState{Fingerprint: "again", Transients: []string{"Password incorrect"}}
	bctx.On("Apply", mock.Anything, action).Return(schemas.ActionOutcome{Page: fresh}, nil).Once()

	got, err := ReexecuteRetriggerer{}.Retrigger(context.Background(), bctx, Request{LastAction: action})
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	bctx.AssertExpectations(t)

	t.Run("falls back to the cached snapshot without an action", func(t *testing.T) {
		cached := schemas.PageState{Fingerprint: "cached"}
		got, err := ReexecuteRetriggerer{}.Retrigger(context.Background(), bctx, Request{Cached: &cached})
		require.NoError(t, err)
		assert.Equal(t, cached, got)
	})

	t.Run("snapshot mode needs a cached state", func(t *testing.T) {
		_, err := SnapshotRetriggerer{}.Retrigger(context.Background(), nil, Request{})
		assert.ErrorIs(t, err, ErrNothingToRetrigger)
	})
}

func TestNewRetriggerer(t *testing.T) {
	assert.IsType(t, ReexecuteRetriggerer{}, NewRetriggerer(config.RollbackReexecute))
	assert.IsType(t, SnapshotRetriggerer{}, NewRetriggerer(config.RollbackSnapshot))
	assert.IsType(t, SnapshotRetriggerer{}, NewRetriggerer(""))
}
