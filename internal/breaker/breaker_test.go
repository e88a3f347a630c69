// internal/breaker/breaker_test.go
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

func TestBreaker_TripsOnRateLimit(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	b := New(0, zap.New(core))

	assert.False(t, b.Observe(nil))
	assert.False(t, b.Observe(errors.New("500 internal")))
	assert.False(t, b.Tripped())

	rateErr := fmt.Errorf("gemini: %w: quota", schemas.ErrRateLimited)
	assert.True(t, b.Observe(rateErr))
	assert.True(t, b.Tripped())
	assert.Same(t, rateErr, b.Cause())
	assert.Equal(t, 1, logs.FilterMessageSnippet("breaker tripped").Len())

	// Stays open and keeps the first cause.
	assert.True(t, b.Observe(errors.New("anything")))
	assert.True(t, b.Observe(fmt.Errorf("again: %w", schemas.ErrRateLimited)))
	assert.Same(t, rateErr, b.Cause())
	assert.Equal(t, 1, logs.Len())
}

func TestBreaker_TripAfter(t *testing.T) {
	b := New(3, zap.NewNop())
	for i := 0; i < 2; i++ {
		assert.False(t, b.Observe(schemas.ErrRateLimited))
	}
	assert.True(t, b.Observe(schemas.ErrRateLimited))
}

func TestBreaker_Concurrent(t *testing.T) {
	b := New(5, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Observe(schemas.ErrRateLimited)
		}()
	}
	wg.Wait()
	assert.True(t, b.Tripped())
}
