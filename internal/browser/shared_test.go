// internal/browser/shared_test.go
package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// -- Fakes --

type fakeContext struct {
	resets     atomic.Int32
	lastClear  atomic.Bool
	applyEnter chan struct{}
}

func (f *fakeContext) Apply(ctx context.Context, _ schemas.Action) (schemas.ActionOutcome, error) {
	if f.applyEnter != nil {
		close(f.applyEnter)
	}
	<-ctx.Done()
	return schemas.ActionOutcome{}, ctx.Err()
}

func (f *fakeContext) Snapshot(context.Context) (schemas.PageState, error) {
	return schemas.PageState{URL: "about:blank"}, nil
}

func (f *fakeContext) Reset(_ context.Context, clearStorage bool) error {
	f.resets.Add(1)
	f.lastClear.Store(clearStorage)
	return nil
}

type fakeDriver struct {
	creates atomic.Int32
	closes  atomic.Int32
	// block makes NewContext wait for cancellation.
	block bool
	bctx  *fakeContext
}

func (d *fakeDriver) NewContext(ctx context.Context) (schemas.BrowserContext, error) {
	d.creates.Add(1)
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.bctx == nil {
		d.bctx = &fakeContext{}
	}
	return d.bctx, nil
}

func (d *fakeDriver) CloseContext(schemas.BrowserContext) error {
	d.closes.Add(1)
	return nil
}

// -- Tests --

func TestSharedSession_AcquireReusesContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	driver := &fakeDriver{}
	s := NewSharedSession(driver, zaptest.NewLogger(t), false)

	first, err := s.Acquire(context.Background())
	require.NoError(t, err)
	second, err := s.Acquire(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, driver.creates.Load())
	require.NoError(t, s.ForceClose())
}

func TestSharedSession_ReleaseForCase(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("keeps storage by default", func(t *testing.T) {
		driver := &fakeDriver{}
		s := NewSharedSession(driver, zaptest.NewLogger(t), false)
		_, err := s.Acquire(context.Background())
		require.NoError(t, err)

		require.NoError(t, s.ReleaseForCase(context.Background()))
		assert.EqualValues(t, 1, driver.bctx.resets.Load())
		assert.False(t, driver.bctx.lastClear.Load())
		require.NoError(t, s.ForceClose())
	})

	t.Run("clears storage when configured", func(t *testing.T) {
		driver := &fakeDriver{}
		s := NewSharedSession(driver, zaptest.NewLogger(t), true)
		_, err := s.Acquire(context.Background())
		require.NoError(t, err)

		require.NoError(t, s.ReleaseForCase(context.Background()))
		assert.True(t, driver.bctx.lastClear.Load())
		require.NoError(t, s.ForceClose())
	})

	t.Run("no context yet is a no-op", func(t *testing.T) {
		s := NewSharedSession(&fakeDriver{}, zaptest.NewLogger(t), false)
		assert.NoError(t, s.ReleaseForCase(context.Background()))
		require.NoError(t, s.ForceClose())
	})
}

func TestSharedSession_ForceCloseExactlyOnceUnderConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)
	driver := &fakeDriver{}
	s := NewSharedSession(driver, zaptest.NewLogger(t), false)
	_, err := s.Acquire(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = s.ForceClose()
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, driver.closes.Load(), "the browser must be closed exactly once")
	assert.True(t, s.Closed())

	_, err = s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.ReleaseForCase(context.Background()), ErrSessionClosed)
}

func TestSharedSession_ForceCloseAbortsInFlightStep(t *testing.T) {
	defer goleak.VerifyNone(t)
	driver := &fakeDriver{bctx: &fakeContext{applyEnter: make(chan struct{})}}
	s := NewSharedSession(driver, zaptest.NewLogger(t), false)
	bctx, err := s.Acquire(context.Background())
	require.NoError(t, err)

	stepCtx, cancel := s.Bind(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := bctx.Apply(stepCtx, schemas.Action{Type: schemas.ActionClick, Selector: "#slow"})
		done <- err
	}()

	<-driver.bctx.applyEnter
	require.NoError(t, s.ForceClose())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight step was not aborted by ForceClose")
	}
	assert.EqualValues(t, 1, driver.closes.Load())
}

func TestSharedSession_ForceCloseDuringAcquire(t *testing.T) {
	defer goleak.VerifyNone(t)
	driver := &fakeDriver{block: true}
	s := NewSharedSession(driver, zaptest.NewLogger(t), false)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return driver.creates.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.ForceClose())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after ForceClose")
	}
	assert.Zero(t, driver.closes.Load(), "nothing was created, so nothing is closed")
}

func TestSharedSession_ForceCloseWithoutAcquire(t *testing.T) {
	defer goleak.VerifyNone(t)
	driver := &fakeDriver{}
	s := NewSharedSession(driver, zaptest.NewLogger(t), false)

	require.NoError(t, s.ForceClose())
	require.NoError(t, s.ForceClose())
	assert.Zero(t, driver.closes.Load())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after ForceClose")
	}
}
