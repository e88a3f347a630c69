// internal/browser/shared.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// ErrSessionClosed is returned by every operation after ForceClose.
var ErrSessionClosed = errors.New("browser session closed")

// SharedSession owns the single browser context used by one run. Cases run
// sequentially on it; state is reset between them, and it is torn down
// exactly once no matter how the run ends.
type SharedSession struct {
	driver       schemas.BrowserDriver
	logger       *zap.Logger
	resetStorage bool

	// ctx is canceled by ForceClose, aborting anything bound to it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	bctx   schemas.BrowserContext
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewSharedSession wraps a driver. No browser is started until Acquire.
func NewSharedSession(driver schemas.BrowserDriver, logger *zap.Logger, resetStorage bool) *SharedSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &SharedSession{
		driver:       driver,
		logger:       logger.Named("shared_session"),
		resetStorage: resetStorage,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Acquire returns the session's browser context, creating it on first use.
func (s *SharedSession) Acquire(ctx context.Context) (schemas.BrowserContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.bctx != nil {
		return s.bctx, nil
	}

	createCtx, cancel := CombineContext(ctx, s.ctx)
	defer cancel()

	bctx, err := s.driver.NewContext(createCtx)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	// A ForceClose racing with creation will find and close this context.
	s.bctx = bctx
	if s.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}
	s.logger.Debug("Browser context acquired.")
	return bctx, nil
}

// ReleaseForCase returns the context to a neutral page between cases.
// Cookies and storage survive unless resetStorage was requested.
func (s *SharedSession) ReleaseForCase(ctx context.Context) error {
	s.mu.Lock()
	closed, bctx := s.closed, s.bctx
	s.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}
	if bctx == nil {
		return nil
	}

	bound, cancel := s.Bind(ctx)
	defer cancel()
	if err := bctx.Reset(bound, s.resetStorage); err != nil {
		if s.Closed() {
			return ErrSessionClosed
		}
		return fmt.Errorf("failed to release browser context: %w", err)
	}
	return nil
}

// Bind derives a context that is also canceled when the session is closed.
// Step work runs under it so that ForceClose aborts an in-flight action.
func (s *SharedSession) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	return CombineContext(ctx, s.ctx)
}

// Closed reports whether ForceClose has run.
func (s *SharedSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed once ForceClose has been called.
func (s *SharedSession) Done() <-chan struct{} {
	return s.ctx.Done()
}

// ForceClose tears the browser down. It runs exactly once and is safe to call
// from any goroutine, including while a step is in flight.
func (s *SharedSession) ForceClose() error {
	s.closeOnce.Do(func() {
		// 1. Abort in-flight work first so a blocked Acquire releases the lock.
		s.cancel()

		// 2. Detach the context under the lock.
		s.mu.Lock()
		s.closed = true
		bctx := s.bctx
		s.bctx = nil
		s.mu.Unlock()

		// 3. Kill the browser.
		if bctx != nil {
			if err := s.driver.CloseContext(bctx); err != nil {
				s.closeErr = err
				s.logger.Warn("Error while closing browser context.", zap.Error(err))
				return
			}
		}
		s.logger.Debug("Shared browser session closed.")
	})
	return s.closeErr
}
