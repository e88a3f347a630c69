// File: cmd/serve_test.go
package cmd

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoqa-cli/internal/config"
)

func TestServe(t *testing.T) {
	t.Run("CanceledContextShutsDownComponents", func(t *testing.T) {
		svc := newFakeService(t)
		var shutdowns atomic.Int32

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- serve(ctx, config.ServerConfig{ListenAddr: "127.0.0.1:0", ShutdownTimeout: time.Second}, svc,
				func(context.Context) { shutdowns.Add(1) }, zaptest.NewLogger(t))
		}()

		time.Sleep(50 * time.Millisecond)
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("serve did not return after cancellation")
		}
		assert.Equal(t, int32(1), shutdowns.Load())
	})

	t.Run("ListenFailureStillShutsDown", func(t *testing.T) {
		svc := newFakeService(t)
		var shutdowns atomic.Int32

		err := serve(context.Background(), config.ServerConfig{ListenAddr: "256.0.0.1:bad"}, svc,
			func(ctx context.Context) {
				_, hasDeadline := ctx.Deadline()
				assert.True(t, hasDeadline, "shutdown is bounded")
				shutdowns.Add(1)
			}, zaptest.NewLogger(t))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "control server failed")
		assert.Equal(t, int32(1), shutdowns.Load())
	})
}
