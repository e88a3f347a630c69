// File: internal/service/service_test.go
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
	"github.com/xkilldash9x/autoqa-cli/internal/runcontrol"
	"github.com/xkilldash9x/autoqa-cli/internal/session"
	"github.com/xkilldash9x/autoqa-cli/internal/store"
	"github.com/xkilldash9x/autoqa-cli/internal/validation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const shopHTML = `<html><head><title>Shop</title></head><body>
<h1>Checkout</h1>
<form id="checkout" action="/pay" method="post">
  <label for="card">Card number</label><input id="card" name="card" type="text" required>
  <button type="submit">Pay</button>
</form></body></html>`

// -- Fakes --

type fakePage struct {
	navigateErr error
}

func (p *fakePage) Apply(_ context.Context, a schemas.Action) (schemas.ActionOutcome, error) {
	if p.navigateErr != nil && a.Type == schemas.ActionNavigate {
		return schemas.ActionOutcome{}, p.navigateErr
	}
	return schemas.ActionOutcome{Page: schemas.PageState{
		URL: a.Value, Title: "Shop", Text: "Checkout Card number Pay", Fingerprint: "landing", HTML: shopHTML,
	}}, nil
}

func (p *fakePage) Snapshot(context.Context) (schemas.PageState, error) {
	return schemas.PageState{URL: "https://shop.test", Title: "Shop", Fingerprint: "landing", HTML: shopHTML}, nil
}

func (p *fakePage) Reset(context.Context, bool) error { return nil }

type fakeDriver struct {
	page    *fakePage
	creates atomic.Int32
	closes  atomic.Int32
}

func (d *fakeDriver) NewContext(context.Context) (schemas.BrowserContext, error) {
	d.creates.Add(1)
	return d.page, nil
}

func (d *fakeDriver) CloseContext(schemas.BrowserContext) error {
	d.closes.Add(1)
	return nil
}

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, intent string, analysis schemas.PageAnalysis, existing []schemas.Case) ([]schemas.Case, error) {
	args := m.Called(ctx, intent, analysis, existing)
	cases, _ := args.Get(0).([]schemas.Case)
	return cases, args.Error(1)
}

// funcExecutor adapts a function to coordinator.StepExecutor.
type funcExecutor struct {
	mu     sync.Mutex
	titles []string
	step   func(ctx context.Context, page schemas.PageState) (schemas.StepResult, error)
}

func (e *funcExecutor) Step(ctx context.Context, _ schemas.BrowserContext, page schemas.PageState, cc schemas.CaseContext, _ []schemas.StepRecord) (schemas.StepResult, error) {
	e.mu.Lock()
	e.titles = append(e.titles, cc.Case.Title)
	e.mu.Unlock()
	return e.step(ctx, page)
}

func (e *funcExecutor) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.titles...)
}

func finishSuccess(_ context.Context, page schemas.PageState) (schemas.StepResult, error) {
	return schemas.StepResult{
		Decision: schemas.Decision{Kind: schemas.DecisionFinish},
		Done:     &schemas.DoneSignal{Success: true, Summary: "checked"},
		Page:     page,
	}, nil
}

func generated() []schemas.Case {
	return []schemas.Case{
		{ID: "TC-1", Title: "Pay with a valid card", Steps: []string{"Enter card", "Pay"}, Expected: "Payment accepted", Priority: schemas.PriorityP0, NeedsBrowser: true, Selected: true},
		{ID: "TC-2", Title: "Reject an empty card", Steps: []string{"Pay"}, Expected: "Card number is required", Priority: schemas.PriorityP1, NeedsBrowser: true, Selected: true},
	}
}

func corpus() []schemas.Case {
	return []schemas.Case{{ID: "TC-CORPUS", Title: "Existing login", Steps: []string{"Log in"}, Expected: "Welcome", NeedsBrowser: true, Selected: true}}
}

type fixture struct {
	svc    *Service
	driver *fakeDriver
	gen    *mockGenerator
	exec   *funcExecutor
	store  *store.MemoryStore
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Runner.CaseTimeout = 5 * time.Second
	cfg.Runner.RunTimeout = 10 * time.Second
	cfg.Runner.ExploreTimeout = 5 * time.Second
	if tweak != nil {
		tweak(cfg)
	}
	logger := zaptest.NewLogger(t)

	f := &fixture{
		driver: &fakeDriver{page: &fakePage{}},
		gen:    new(mockGenerator),
		exec:   &funcExecutor{step: finishSuccess},
		store:  store.NewMemoryStore(),
	}
	svc, err := New(Deps{
		Config:    cfg,
		Logger:    logger,
		Executor:  f.exec,
		Validator: validation.NewEngine(cfg.Validation, logger),
		Driver:    f.driver,
		Generator: f.gen,
		Store:     f.store,
		Corpus:    corpus(),
	})
	require.NoError(t, err)
	f.svc = svc
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
	})
	return f
}

func (f *fixture) await(t *testing.T, id string, pred func(schemas.Session) bool) schemas.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := f.svc.Await(ctx, id, pred)
	require.NoError(t, err, "last seen status %s", sess.Status)
	return sess
}

// statusesUntilTerminal collects status changes until a terminal one arrives.
func statusesUntilTerminal(t *testing.T, events <-chan schemas.Event) []schemas.SessionStatus {
	t.Helper()
	var out []schemas.SessionStatus
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event stream closed early")
			if ev.Type != schemas.EventStatusChanged {
				continue
			}
			out = append(out, ev.Status)
			if ev.Status.IsTerminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("no terminal status event; saw %v", out)
		}
	}
}

// -- Tests --

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestService_FullLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.On("Generate", mock.Anything, "Check checkout", mock.MatchedBy(func(a schemas.PageAnalysis) bool {
		return len(a.Forms) == 1 && a.URL == "https://shop.test/cart"
	}), corpus()).Return(generated(), nil).Once()

	events, unsubscribe := f.svc.Subscribe("")
	defer unsubscribe()

	// 1. Prepare.
	id, err := f.svc.Start(context.Background(), "Check checkout on https://shop.test/cart")
	require.NoError(t, err)

	sess := f.await(t, id, StatusIs(schemas.StatusCasesGenerated))
	require.Equal(t, schemas.StatusCasesGenerated, sess.Status)
	require.NotNil(t, sess.Target)
	assert.Equal(t, "https://shop.test/cart", sess.Target.URL)
	assert.Equal(t, "Check checkout", sess.Target.Goal)
	require.NotNil(t, sess.PageAnalysis)
	assert.Equal(t, []string{"Checkout"}, sess.PageAnalysis.Headings)
	require.Len(t, sess.Cases, 3)
	assert.Equal(t, "TC-CORPUS", sess.Cases[0].ID)
	assert.Equal(t, int32(1), f.driver.closes.Load(), "exploration browser is closed after the scan")

	// 2. Confirm two generated cases, editing one.
	edit := generated()[1]
	edit.Title = "Reject a blank card"
	require.NoError(t, f.svc.Confirm(context.Background(), id, ConfirmRequest{
		SelectedIDs: []string{"TC-1", "TC-2"},
		Edits:       []schemas.Case{edit},
	}))

	// 3. Execute.
	sess = f.await(t, id, Terminal)
	assert.Equal(t, schemas.StatusCompleted, sess.Status)
	require.NotNil(t, sess.Result)
	assert.Equal(t, 3, sess.Result.Summary.Total)
	assert.Equal(t, 2, sess.Result.Summary.Passed)
	assert.Equal(t, 1, sess.Result.Summary.Skipped)
	assert.Equal(t, schemas.ReasonNotSelected, sess.Result.Cases[0].Reason)
	assert.Equal(t, []string{"Pay with a valid card", "Reject a blank card"}, f.exec.seen())
	assert.Equal(t, f.driver.creates.Load(), f.driver.closes.Load())

	assert.Equal(t, []schemas.SessionStatus{
		schemas.StatusAnalyzing,
		schemas.StatusExploring,
		schemas.StatusPageScanned,
		schemas.StatusCasesGenerated,
		schemas.StatusConfirmed,
		schemas.StatusExecuting,
		schemas.StatusCompleted,
	}, statusesUntilTerminal(t, events))

	// 4. Persisted, and terminal sessions ignore further commands.
	stored, err := f.store.LoadSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, stored.Status)
	assert.NoError(t, f.svc.Stop(id))
	assert.NoError(t, f.svc.Pause(id))
	assert.NoError(t, f.svc.Confirm(context.Background(), id, ConfirmRequest{}))
	snap, err := f.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, snap.Status)
	f.gen.AssertExpectations(t)
}

func TestService_NoTarget(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Target.DefaultURL = "" })

	id, err := f.svc.Start(context.Background(), "test the login page")
	require.NoError(t, err)

	sess := f.await(t, id, Terminal)
	assert.Equal(t, schemas.StatusFailed, sess.Status)
	assert.Contains(t, sess.Error, ErrNoTarget.Error())
	require.NotNil(t, sess.Result, "failed sessions still carry a summary")
	assert.Equal(t, 0, sess.Result.Summary.Total)
	assert.Zero(t, f.driver.creates.Load())
}

func TestService_DefaultTarget(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Target.DefaultURL = "https://shop.test/cart" })
	f.gen.On("Generate", mock.Anything, "test the checkout", mock.Anything, mock.Anything).Return(generated(), nil)

	id, err := f.svc.Start(context.Background(), "test the checkout")
	require.NoError(t, err)
	sess := f.await(t, id, StatusIs(schemas.StatusCasesGenerated))
	require.NotNil(t, sess.Target)
	assert.Equal(t, "https://shop.test/cart", sess.Target.URL)
}

func TestService_UnreachableTarget(t *testing.T) {
	f := newFixture(t, nil)
	f.driver.page.navigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	id, err := f.svc.Start(context.Background(), "smoke test https://nowhere.invalid")
	require.NoError(t, err)

	sess := f.await(t, id, Terminal)
	assert.Equal(t, schemas.StatusFailed, sess.Status)
	assert.Contains(t, sess.Error, schemas.ErrTargetUnreachable.Error())
	assert.Contains(t, sess.Error, "ERR_NAME_NOT_RESOLVED")
	assert.Equal(t, int32(1), f.driver.closes.Load())
	f.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_GenerationFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("model unavailable"))

	id, err := f.svc.Start(context.Background(), "https://shop.test")
	require.NoError(t, err)
	sess := f.await(t, id, Terminal)
	assert.Equal(t, schemas.StatusFailed, sess.Status)
	assert.Equal(t, "model unavailable", sess.Error)
}

func TestService_StopBeforeConfirm(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(generated(), nil)

	id, err := f.svc.Start(context.Background(), "https://shop.test")
	require.NoError(t, err)
	f.await(t, id, StatusIs(schemas.StatusCasesGenerated))

	require.NoError(t, f.svc.Stop(id))
	sess, err := f.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusStopped, sess.Status)
	require.NotNil(t, sess.Result)
	assert.True(t, sess.Result.Stopped)
	assert.Equal(t, 3, sess.Result.Summary.Skipped)
	for _, st := range sess.Result.Cases {
		assert.Equal(t, schemas.ReasonStopped, st.Reason)
	}

	// Everything after a terminal state is a no-op.
	assert.NoError(t, f.svc.Stop(id))
	assert.NoError(t, f.svc.Resume(id))
	assert.NoError(t, f.svc.Confirm(context.Background(), id, ConfirmRequest{}))
}

func TestService_StopDuringGeneration(t *testing.T) {
	f := newFixture(t, nil)
	entered := make(chan struct{})
	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(entered)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)

	id, err := f.svc.Start(context.Background(), "https://shop.test")
	require.NoError(t, err)
	<-entered

	require.NoError(t, f.svc.Stop(id))
	sess := f.await(t, id, Terminal)
	assert.Equal(t, schemas.StatusStopped, sess.Status)
	assert.Empty(t, sess.Error)
}

func TestService_ConfirmErrors(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(generated(), nil)

	err := f.svc.Confirm(context.Background(), "missing", ConfirmRequest{})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	id, err := f.svc.Start(context.Background(), "https://shop.test")
	require.NoError(t, err)

	// The prepare phase holds the session's command token.
	err = f.svc.Confirm(context.Background(), id, ConfirmRequest{})
	assert.ErrorIs(t, err, session.ErrBusy)

	close(release)
	f.await(t, id, StatusIs(schemas.StatusCasesGenerated))

	err = f.svc.Confirm(context.Background(), id, ConfirmRequest{SelectedIDs: []string{"TC-404"}})
	assert.ErrorContains(t, err, "unknown case")
	err = f.svc.Confirm(context.Background(), id, ConfirmRequest{SelectedIDs: []string{}})
	assert.ErrorContains(t, err, "no cases selected")

	sess, err := f.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCasesGenerated, sess.Status, "rejected confirmations leave the session untouched")
}

func TestService_PauseBeforeConfirmIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(generated(), nil)

	id, err := f.svc.Start(context.Background(), "https://shop.test")
	require.NoError(t, err)
	f.await(t, id, StatusIs(schemas.StatusCasesGenerated))

	require.NoError(t, f.svc.Pause(id))
	rec, ok := f.svc.registry.Get(id)
	require.True(t, ok)
	state, _ := rec.Control().Snapshot()
	assert.Equal(t, runcontrol.Running, state, "nothing to pause before the run exists")

	require.NoError(t, f.svc.Confirm(context.Background(), id, ConfirmRequest{SelectedIDs: []string{"TC-1"}}))
	sess := f.await(t, id, Terminal)
	assert.Equal(t, schemas.StatusCompleted, sess.Status, "the run never waits on an earlier pause")
}

func TestService_PauseResumeStopDuringExecution(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(generated(), nil)

	entered := make(chan struct{})
	var once sync.Once
	f.exec.step = func(ctx context.Context, page schemas.PageState) (schemas.StepResult, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return schemas.StepResult{Page: page, Failed: true, ErrorCode: "SESSION_CLOSED", Err: ctx.Err()}, nil
	}

	id, err := f.svc.Start(context.Background(), "https://shop.test")
	require.NoError(t, err)
	f.await(t, id, StatusIs(schemas.StatusCasesGenerated))

	events, unsubscribe := f.svc.Subscribe(id)
	defer unsubscribe()

	require.NoError(t, f.svc.Confirm(context.Background(), id, ConfirmRequest{SelectedIDs: []string{"TC-1", "TC-2"}}))
	<-entered

	require.NoError(t, f.svc.Pause(id))
	require.NoError(t, f.svc.Resume(id))
	require.NoError(t, f.svc.Stop(id))

	sess := f.await(t, id, Terminal)
	assert.Equal(t, schemas.StatusStopped, sess.Status)
	require.NotNil(t, sess.Result)
	assert.True(t, sess.Result.Stopped)
	assert.Equal(t, 0, sess.Result.Summary.Passed)
	for _, st := range sess.Result.Cases {
		assert.Equal(t, schemas.CaseSkipped, st.Status, st.CaseID)
	}
	assert.Equal(t, f.driver.creates.Load(), f.driver.closes.Load(), "every browser is closed")

	var controls []string
	for {
		select {
		case ev := <-events:
			if ev.Type == schemas.EventControl {
				controls = append(controls, ev.Message)
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, []string{"paused (generation 1)", "resumed (generation 2)", "stop requested"}, controls)
}

func TestService_ConcurrencyLimitQueuesRuns(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Runner.MaxConcurrentSessions = 1 })
	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(generated(), nil)

	entered := make(chan struct{})
	var once sync.Once
	f.exec.step = func(ctx context.Context, page schemas.PageState) (schemas.StepResult, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return schemas.StepResult{Page: page, Failed: true, ErrorCode: "SESSION_CLOSED", Err: ctx.Err()}, nil
	}

	first, err := f.svc.Start(context.Background(), "https://shop.test/a")
	require.NoError(t, err)
	second, err := f.svc.Start(context.Background(), "https://shop.test/b")
	require.NoError(t, err)
	f.await(t, first, StatusIs(schemas.StatusCasesGenerated))
	f.await(t, second, StatusIs(schemas.StatusCasesGenerated))

	require.NoError(t, f.svc.Confirm(context.Background(), first, ConfirmRequest{}))
	<-entered
	require.NoError(t, f.svc.Confirm(context.Background(), second, ConfirmRequest{}))

	// The second run waits for the slot held by the first.
	time.Sleep(50 * time.Millisecond)
	sess, err := f.svc.GetStatus(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusConfirmed, sess.Status)

	// Stopping a queued session ends it without running anything.
	require.NoError(t, f.svc.Stop(second))
	sess = f.await(t, second, Terminal)
	assert.Equal(t, schemas.StatusStopped, sess.Status)
	assert.True(t, sess.Result.Stopped)

	require.NoError(t, f.svc.Stop(first))
	f.await(t, first, Terminal)
}

func TestService_ShutdownStopsLiveSessions(t *testing.T) {
	f := newFixture(t, nil)
	entered := make(chan struct{})
	f.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(entered)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled)

	id, err := f.svc.Start(context.Background(), "https://shop.test")
	require.NoError(t, err)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))

	sess, err := f.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusStopped, sess.Status)

	_, err = f.svc.Start(context.Background(), "https://shop.test")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestService_GetStatusFallsBackToStore(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.SaveSession(context.Background(), schemas.Session{
		ID: "archived", Status: schemas.StatusCompleted, CreatedAt: time.Now(),
	}))

	sess, err := f.svc.GetStatus(context.Background(), "archived")
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, sess.Status)

	_, err = f.svc.GetStatus(context.Background(), "never-existed")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, f.svc.Pause("never-existed"), ErrSessionNotFound)
}

func TestApplyConfirm(t *testing.T) {
	base := generated()

	t.Run("NilSelectionKeepsFlags", func(t *testing.T) {
		out, err := applyConfirm(base, ConfirmRequest{})
		require.NoError(t, err)
		assert.True(t, out[0].Selected)
		assert.True(t, out[1].Selected)
	})

	t.Run("EditKeepsSelectionAndPriority", func(t *testing.T) {
		edit := schemas.Case{ID: "TC-2", Title: "New title", Steps: []string{"a"}, Expected: "b"}
		out, err := applyConfirm(base, ConfirmRequest{Edits: []schemas.Case{edit}, SelectedIDs: []string{"TC-2"}})
		require.NoError(t, err)
		assert.False(t, out[0].Selected)
		assert.True(t, out[1].Selected)
		assert.Equal(t, "New title", out[1].Title)
		assert.Equal(t, schemas.PriorityP1, out[1].Priority)
		assert.Equal(t, "Card number is required", base[1].Expected, "input is not mutated")
	})

	t.Run("InvalidEdits", func(t *testing.T) {
		_, err := applyConfirm(base, ConfirmRequest{Edits: []schemas.Case{{ID: "nope", Title: "x", Expected: "y"}}})
		assert.ErrorContains(t, err, "unknown case")
		_, err = applyConfirm(base, ConfirmRequest{Edits: []schemas.Case{{ID: "TC-1"}}})
		assert.ErrorContains(t, err, "needs a title")
	})
}
