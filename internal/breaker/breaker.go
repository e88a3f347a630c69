// internal/breaker/breaker.go
package breaker

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// Breaker trips on LLM rate limiting. Once tripped it never closes again
// for the lifetime of the run; there is no half-open state.
type Breaker struct {
	logger    *zap.Logger
	tripAfter int

	mu      sync.Mutex
	seen    int
	tripped bool
	cause   error
}

// New returns a breaker that trips after tripAfter rate-limit errors.
// A non-positive value trips on the first one.
func New(tripAfter int, logger *zap.Logger) *Breaker {
	if tripAfter <= 0 {
		tripAfter = 1
	}
	return &Breaker{logger: logger.Named("breaker"), tripAfter: tripAfter}
}

// Observe records err and reports whether the breaker is now tripped.
// Errors that are not rate limits are ignored.
func (b *Breaker) Observe(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped || err == nil || !errors.Is(err, schemas.ErrRateLimited) {
		return b.tripped
	}

	b.seen++
	if b.seen >= b.tripAfter {
		b.tripped = true
		b.cause = err
		b.logger.Warn("Rate limit breaker tripped; remaining work will be skipped.",
			zap.Int("observed", b.seen), zap.Error(err))
	}
	return b.tripped
}

// Tripped reports whether the breaker is open.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Cause returns the error that tripped the breaker, or nil.
func (b *Breaker) Cause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}
