package runcontrol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCheckpointRunningReturnsImmediately(t *testing.T) {
	c := New()
	require.NoError(t, c.Checkpoint(context.Background()))
	state, gen := c.Snapshot()
	assert.Equal(t, Running, state)
	assert.Equal(t, uint64(0), gen)
}

func TestPauseBlocksUntilResume(t *testing.T) {
	c := New()
	gen, changed := c.Pause()
	require.True(t, changed)
	assert.Equal(t, uint64(1), gen)

	released := make(chan error, 1)
	go func() { released <- c.Checkpoint(context.Background()) }()

	select {
	case <-released:
		t.Fatal("checkpoint returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	_, resumed := c.Resume()
	require.True(t, resumed)

	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not return after resume")
	}
}

func TestStopSupersedesPause(t *testing.T) {
	c := New()
	c.Pause()

	released := make(chan error, 1)
	go func() { released <- c.Checkpoint(context.Background()) }()

	require.True(t, c.RequestStop())
	select {
	case err := <-released:
		assert.ErrorIs(t, err, ErrStopRequested)
	case <-time.After(time.Second):
		t.Fatal("stop did not wake paused checkpoint")
	}

	// Stop is one-way.
	_, resumed := c.Resume()
	assert.False(t, resumed)
	_, paused := c.Pause()
	assert.False(t, paused)
	assert.ErrorIs(t, c.Checkpoint(context.Background()), ErrStopRequested)
}

func TestRequestStopIsIdempotent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	var winners int32
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.RequestStop() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
	assert.True(t, c.StopRequested())

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestResumeGenerationIgnoresStaleSignal(t *testing.T) {
	c := New()
	firstPause, _ := c.Pause()
	c.Resume()
	c.Pause() // a newer pause

	assert.False(t, c.ResumeGeneration(firstPause), "stale resume must be ignored")
	state, gen := c.Snapshot()
	assert.Equal(t, Paused, state)

	assert.True(t, c.ResumeGeneration(gen))
	state, _ = c.Snapshot()
	assert.Equal(t, Running, state)
}

func TestCheckpointHonorsContext(t *testing.T) {
	c := New()
	c.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Checkpoint(ctx), context.DeadlineExceeded)
}
