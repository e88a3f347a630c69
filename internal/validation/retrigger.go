// internal/validation/retrigger.go
package validation

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
)

// ErrNothingToRetrigger is returned when no post-step state is available.
var ErrNothingToRetrigger = errors.New("no post-step state to retrigger")

// Retriggerer recovers the page as it was right after the last action, for
// feedback that has since disappeared.
type Retriggerer interface {
	Retrigger(ctx context.Context, bctx schemas.BrowserContext, req Request) (schemas.PageState, error)
}

// NewRetriggerer returns the implementation for a rollback mode.
func NewRetriggerer(mode string) Retriggerer {
	if mode == config.RollbackReexecute {
		return ReexecuteRetriggerer{}
	}
	return SnapshotRetriggerer{}
}

// SnapshotRetriggerer re-reads the snapshot cached right after the last
// action. It never touches the browser.
type SnapshotRetriggerer struct{}

func (SnapshotRetriggerer) Retrigger(_ context.Context, _ schemas.BrowserContext, req Request) (schemas.PageState, error) {
	if req.Cached == nil {
		return schemas.PageState{}, ErrNothingToRetrigger
	}
	return *req.Cached, nil
}

// ReexecuteRetriggerer applies the last action one more time and observes
// the page it produces.
type ReexecuteRetriggerer struct{}

func (ReexecuteRetriggerer) Retrigger(ctx context.Context, bctx schemas.BrowserContext, req Request) (schemas.PageState, error) {
	if bctx == nil || req.LastAction.IsZero() {
		return SnapshotRetriggerer{}.Retrigger(ctx, bctx, req)
	}
	out, err := bctx.Apply(ctx, req.LastAction)
	if err != nil {
		return schemas.PageState{}, fmt.Errorf("re-executing %s failed: %w", req.LastAction.Type, err)
	}
	return out.Page, nil
}
