package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// -- Test Setup Helper --

// setupRouter creates a standard LLMRouter instance for testing, along with its mocks and a log observer.
func setupRouter(t *testing.T, opts ...RouterOption) (*LLMRouter, *MockLLMClient, *MockLLMClient, *observer.ObservedLogs) {
	t.Helper()
	logger, observedLogs := setupTestLogger(t)

	fastClient := &MockLLMClient{Name: "FastClient"}
	powerfulClient := &MockLLMClient{Name: "PowerfulClient"}

	router, err := NewLLMRouter(logger, fastClient, powerfulClient, opts...)
	require.NoError(t, err, "NewLLMRouter should initialize successfully")

	return router, fastClient, powerfulClient, observedLogs
}

// -- Test Cases: Initialization --

func TestNewLLMRouter_Failure_MissingClients(t *testing.T) {
	logger, _ := setupTestLogger(t)
	validClient := new(MockLLMClient)

	tests := []struct {
		name     string
		fast     schemas.LLMClient
		powerful schemas.LLMClient
	}{
		{"Missing Fast Client", nil, validClient},
		{"Missing Powerful Client", validClient, nil},
		{"Missing Both Clients", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, err := NewLLMRouter(logger, tt.fast, tt.powerful)
			assert.Error(t, err)
			assert.Nil(t, router)
			assert.Contains(t, err.Error(), "both fast and powerful tier clients must be provided")
		})
	}
}

// -- Test Cases: Routing Logic --

func TestGenerate_RoutesByTier(t *testing.T) {
	router, fastClient, powerfulClient, observedLogs := setupRouter(t)
	ctx := context.Background()

	fastReq := schemas.GenerationRequest{UserPrompt: "decide", Tier: schemas.TierFast}
	fastClient.On("Generate", ctx, fastReq).Return("fast response", nil).Once()

	resp, err := router.Generate(ctx, fastReq)
	require.NoError(t, err)
	assert.Equal(t, "fast response", resp)

	// An unspecified tier defaults to powerful.
	defaultReq := schemas.GenerationRequest{UserPrompt: "generate cases"}
	powerfulClient.On("Generate", ctx, defaultReq).Return("powerful response", nil).Once()

	resp, err = router.Generate(ctx, defaultReq)
	require.NoError(t, err)
	assert.Equal(t, "powerful response", resp)

	fastClient.AssertExpectations(t)
	powerfulClient.AssertExpectations(t)
	assert.Equal(t, 2, observedLogs.FilterMessage("Routing LLM request").Len())
}

func TestGenerate_UnknownTier(t *testing.T) {
	router, fastClient, powerfulClient, _ := setupRouter(t)

	_, err := router.Generate(context.Background(), schemas.GenerationRequest{Tier: "enormous"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no LLM client configured for tier: enormous")
	fastClient.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	powerfulClient.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestGenerate_PropagatesRateLimit(t *testing.T) {
	router, fastClient, _, _ := setupRouter(t)
	req := schemas.GenerationRequest{Tier: schemas.TierFast}
	fastClient.On("Generate", mock.Anything, req).
		Return("", errors.Join(schemas.ErrRateLimited, errors.New("quota"))).Once()

	_, err := router.Generate(context.Background(), req)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestGenerate_PacerHonorsContext(t *testing.T) {
	// One request per minute with a burst of one: the second call must wait.
	router, fastClient, _, _ := setupRouter(t, WithRateLimit(1, 1))
	req := schemas.GenerationRequest{Tier: schemas.TierFast}
	fastClient.On("Generate", mock.Anything, req).Return("ok", nil).Once()

	_, err := router.Generate(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = router.Generate(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "waiting for LLM pacer")
	fastClient.AssertNumberOfCalls(t, "Generate", 1)
}

func TestWithRateLimit_DisabledForNonPositiveRate(t *testing.T) {
	router, _, _, _ := setupRouter(t, WithRateLimit(0, 5))
	assert.Nil(t, router.limiter)
}

func TestClose_ClosesSharedClientOnce(t *testing.T) {
	logger, _ := setupTestLogger(t)
	shared := &MockLLMClient{Name: "Shared"}
	shared.On("Close").Return(nil).Once()

	router, err := NewLLMRouter(logger, shared, shared)
	require.NoError(t, err)
	require.NoError(t, router.Close())
	shared.AssertNumberOfCalls(t, "Close", 1)
}
