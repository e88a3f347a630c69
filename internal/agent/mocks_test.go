package agent

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// -- Mock Decider --

type MockDecider struct {
	mock.Mock
}

func (m *MockDecider) Decide(ctx context.Context, page schemas.PageState, cc schemas.CaseContext, history []schemas.StepRecord) (schemas.Decision, error) {
	args := m.Called(ctx, page, cc, history)
	return args.Get(0).(schemas.Decision), args.Error(1)
}

// -- Mock Browser Context --

type MockBrowserContext struct {
	mock.Mock
}

func (m *MockBrowserContext) Apply(ctx context.Context, action schemas.Action) (schemas.ActionOutcome, error) {
	args := m.Called(ctx, action)
	return args.Get(0).(schemas.ActionOutcome), args.Error(1)
}

func (m *MockBrowserContext) Snapshot(ctx context.Context) (schemas.PageState, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.PageState), args.Error(1)
}

func (m *MockBrowserContext) Reset(ctx context.Context, clearStorage bool) error {
	args := m.Called(ctx, clearStorage)
	return args.Error(0)
}

// -- Mock LLM Client --

type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}
