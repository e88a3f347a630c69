package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// -- Test Setup Helpers --

func setupExecutor(t *testing.T) (*Executor, *MockDecider, *MockBrowserContext) {
	t.Helper()
	decider := new(MockDecider)
	bctx := new(MockBrowserContext)
	exec := NewExecutor(decider, zaptest.NewLogger(t), time.Second)
	t.Cleanup(func() {
		decider.AssertExpectations(t)
		bctx.AssertExpectations(t)
	})
	return exec, decider, bctx
}

func loginCaseContext() schemas.CaseContext {
	return schemas.CaseContext{
		SessionID: "s-1",
		Case: schemas.Case{
			ID:       "c-1",
			Title:    "Login with wrong password",
			Steps:    []string{"Open login", "Enter bad password", "Submit"},
			Expected: "password incorrect",
		},
		Step:     1,
		MaxSteps: 10,
	}
}

// -- Test Cases --

func TestStep_AppliesDecidedAction(t *testing.T) {
	exec, decider, bctx := setupExecutor(t)
	page := schemas.PageState{URL: "https://app.test/login", Fingerprint: "fp-1"}
	cc := loginCaseContext()
	action := schemas.Action{Type: schemas.ActionClick, Selector: "#submit"}
	next := schemas.PageState{URL: "https://app.test/login", Fingerprint: "fp-2"}

	decider.On("Decide", mock.Anything, page, cc, mock.Anything).
		Return(schemas.Decision{Kind: schemas.DecisionAct, Action: action, Thinking: "submit the form"}, nil).Once()
	bctx.On("Apply", mock.Anything, action).Return(schemas.ActionOutcome{Page: next}, nil).Once()

	res, err := exec.Step(context.Background(), bctx, page, cc, nil)
	require.NoError(t, err)
	assert.Equal(t, action, res.Action)
	assert.Equal(t, "fp-2", res.Page.Fingerprint)
	assert.False(t, res.Failed)
	assert.Nil(t, res.Done)
	assert.Equal(t, "submit the form", res.Decision.Thinking)
}

func TestStep_FinishDoesNotTouchBrowser(t *testing.T) {
	exec, decider, bctx := setupExecutor(t)
	page := schemas.PageState{URL: "https://app.test/home"}
	done := &schemas.DoneSignal{Success: true, Summary: "toast said 'password incorrect'"}

	decider.On("Decide", mock.Anything, page, mock.Anything, mock.Anything).
		Return(schemas.Decision{Kind: schemas.DecisionFinish, Done: done}, nil).Once()

	res, err := exec.Step(context.Background(), bctx, page, loginCaseContext(), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Done)
	assert.True(t, res.Done.Success)
	assert.Equal(t, page, res.Page)
	bctx.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
}

func TestStep_DriverErrorBecomesFailedStep(t *testing.T) {
	exec, decider, bctx := setupExecutor(t)
	page := schemas.PageState{Fingerprint: "fp-1"}
	action := schemas.Action{Type: schemas.ActionClick, Selector: "#missing"}
	fresh := schemas.PageState{Fingerprint: "fp-1", URL: "https://app.test/login"}

	decider.On("Decide", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(schemas.Decision{Kind: schemas.DecisionAct, Action: action}, nil).Once()
	bctx.On("Apply", mock.Anything, action).
		Return(schemas.ActionOutcome{}, errors.New("no element found for selector '#missing'")).Once()
	bctx.On("Snapshot", mock.Anything).Return(fresh, nil).Once()

	res, err := exec.Step(context.Background(), bctx, page, loginCaseContext(), nil)
	require.NoError(t, err, "driver failures are step results, not errors")
	assert.True(t, res.Failed)
	assert.Equal(t, string(ErrCodeElementNotFound), res.ErrorCode)
	assert.Equal(t, fresh, res.Page, "page must be re-read after a failure")
}

func TestStep_DecisionErrorsPropagate(t *testing.T) {
	t.Run("rate limit", func(t *testing.T) {
		exec, decider, bctx := setupExecutor(t)
		decider.On("Decide", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(schemas.Decision{}, fmt.Errorf("gemini: %w", schemas.ErrRateLimited)).Once()

		_, err := exec.Step(context.Background(), bctx, schemas.PageState{}, loginCaseContext(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrRateLimited)
		assert.Equal(t, ErrCodeDecisionFailure, DecisionErrorCode(err))
	})

	t.Run("unknown action type", func(t *testing.T) {
		exec, decider, bctx := setupExecutor(t)
		decider.On("Decide", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(schemas.Decision{Kind: schemas.DecisionAct, Action: schemas.Action{Type: "HOVER"}}, nil).Once()

		_, err := exec.Step(context.Background(), bctx, schemas.PageState{}, loginCaseContext(), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrMalformedDecision)
		assert.Equal(t, ErrCodeMalformedDecision, DecisionErrorCode(err))
	})
}

func TestStep_DecisionTimeout(t *testing.T) {
	decider := new(MockDecider)
	bctx := new(MockBrowserContext)
	exec := NewExecutor(decider, zaptest.NewLogger(t), 20*time.Millisecond)

	decider.On("Decide", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(schemas.Decision{}, context.DeadlineExceeded).Once()

	_, err := exec.Step(context.Background(), bctx, schemas.PageState{}, loginCaseContext(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseBrowserError(t *testing.T) {
	action := schemas.Action{Type: schemas.ActionNavigate, Selector: "#x", Value: "https://evil.test"}
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{errors.New("navigation to https://evil.test is out of scope"), ErrCodeOutOfScope},
		{errors.New("no element found for selector"), ErrCodeElementNotFound},
		{fmt.Errorf("waiting: %w", context.DeadlineExceeded), ErrCodeTimeoutError},
		{errors.New("page load error net::ERR_NAME_NOT_RESOLVED"), ErrCodeNavigationError},
		{context.Canceled, ErrCodeSessionClosed},
		{errors.New("ActionInputText requires a 'selector'"), ErrCodeInvalidParameters},
		{errors.New("unsupported action type: HOVER"), ErrCodeUnknownAction},
		{errors.New("something odd"), ErrCodeExecutionFailure},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			code, details := ParseBrowserError(tt.err, action)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, tt.err.Error(), details["message"])
		})
	}
}
