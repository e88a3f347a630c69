// File: internal/service/service.go
// Description: The operator control surface. A Service owns every live
// session: it drives the prepare phase (intent, exploration, scan and case
// generation), hands confirmed sessions to the coordinator, and relays
// progress events to subscribers.

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/browser"
	"github.com/xkilldash9x/autoqa-cli/internal/casegen"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
	"github.com/xkilldash9x/autoqa-cli/internal/coordinator"
	"github.com/xkilldash9x/autoqa-cli/internal/observability"
	"github.com/xkilldash9x/autoqa-cli/internal/session"
	"github.com/xkilldash9x/autoqa-cli/internal/store"
)

var (
	// ErrSessionNotFound is returned for an id that is neither live nor stored.
	ErrSessionNotFound = errors.New("session not found")
	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("service is shutting down")
)

const (
	saveTimeout      = 10 * time.Second
	awaitPollPeriod  = 500 * time.Millisecond
	defaultExploreTO = 45 * time.Second
)

// ConfirmRequest carries the operator's decisions on the generated cases.
type ConfirmRequest struct {
	// SelectedIDs replaces the selection when non-nil. Nil keeps each case's
	// current Selected flag.
	SelectedIDs []string `json:"selected_ids,omitempty"`
	// Edits replace case content by ID. Selection is governed by SelectedIDs.
	Edits []schemas.Case `json:"edits,omitempty"`
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Config    *config.Config
	Logger    *zap.Logger
	Executor  coordinator.StepExecutor
	Validator coordinator.Validator
	Driver    schemas.BrowserDriver
	Generator schemas.CaseGenerator
	// Store may be nil, in which case nothing is persisted.
	Store schemas.SnapshotStore
	// Corpus holds previously curated cases that are offered with every session.
	Corpus []schemas.Case
}

// Service coordinates sessions from intent to result.
type Service struct {
	cfg       *config.Config
	logger    *zap.Logger
	driver    schemas.BrowserDriver
	generator schemas.CaseGenerator
	store     schemas.SnapshotStore
	corpus    []schemas.Case
	coord     *coordinator.Coordinator

	registry *session.Registry
	hub      *EventHub
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

var _ coordinator.EventSink = (*Service)(nil)

// New wires a Service. The coordinator is built here with the Service as
// its event sink so partial results stay current.
func New(deps Deps) (*Service, error) {
	if deps.Config == nil || deps.Logger == nil || deps.Driver == nil || deps.Generator == nil {
		return nil, fmt.Errorf("cannot initialize service with nil dependencies")
	}
	limit := deps.Config.Runner.MaxConcurrentSessions
	if limit <= 0 {
		limit = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       deps.Config,
		logger:    deps.Logger.Named("service"),
		driver:    deps.Driver,
		generator: deps.Generator,
		store:     deps.Store,
		corpus:    deps.Corpus,
		registry:  session.NewRegistry(),
		hub:       NewEventHub(deps.Logger, DefaultSubscriberBuffer),
		sem:       semaphore.NewWeighted(limit),
		ctx:       ctx,
		cancel:    cancel,
	}

	coord, err := coordinator.New(deps.Config, deps.Logger, deps.Executor, deps.Validator, deps.Store, s)
	if err != nil {
		cancel()
		return nil, err
	}
	s.coord = coord
	return s, nil
}

// -- Control Surface --

// Start registers a session for intent and begins preparing it in the
// background. It returns the new session id.
func (s *Service) Start(ctx context.Context, intent string) (string, error) {
	if s.ctx.Err() != nil {
		return "", ErrShuttingDown
	}
	if strings.TrimSpace(intent) == "" {
		return "", fmt.Errorf("intent is empty")
	}

	now := time.Now().UTC()
	rec := session.NewRecord(schemas.Session{
		ID:         uuid.NewString(),
		Intent:     intent,
		Transcript: []schemas.TranscriptEntry{{Role: schemas.RoleUser, Content: intent, Timestamp: now}},
		CreatedAt:  now,
	})
	tok, err := rec.Machine().Begin(session.CommandStart)
	if err != nil {
		return "", err
	}
	s.registry.Add(rec)
	s.saveWith(ctx, rec)

	s.wg.Add(1)
	go s.prepare(rec, tok)
	return rec.ID(), nil
}

// Confirm applies the operator's selection and edits, then queues the
// session for execution. Confirming a terminal session is a no-op.
func (s *Service) Confirm(ctx context.Context, id string, req ConfirmRequest) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}

	tok, err := rec.Machine().Begin(session.CommandConfirm)
	if errors.Is(err, session.ErrTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			rec.Machine().End(tok)
		}
	}()

	if status := rec.Machine().Status(); status != schemas.StatusCasesGenerated {
		return fmt.Errorf("%w: cannot confirm a session in %s", session.ErrInvalidTransition, status)
	}

	cases, err := applyConfirm(rec.Snapshot().Cases, req)
	if err != nil {
		return err
	}
	selected := 0
	for _, c := range cases {
		if c.Selected {
			selected++
		}
	}
	if selected == 0 {
		return fmt.Errorf("no cases selected")
	}

	rec.Update(func(sess *schemas.Session) {
		sess.Cases = cases
		sess.Transcript = append(sess.Transcript, schemas.TranscriptEntry{
			Role:      schemas.RoleUser,
			Content:   fmt.Sprintf("Confirmed %d of %d cases.", selected, len(cases)),
			Timestamp: time.Now().UTC(),
		})
	})
	if err := s.transition(rec, schemas.StatusConfirmed, ""); err != nil {
		return err
	}
	s.saveWith(ctx, rec)

	handedOff = true
	s.wg.Add(1)
	go s.execute(rec, tok)
	return nil
}

// Pause suspends a run at its next checkpoint. Only confirmed or executing
// sessions have a run to pause; for any other session it is a no-op.
func (s *Service) Pause(id string) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch status := rec.Machine().Status(); status {
	case schemas.StatusConfirmed, schemas.StatusExecuting:
	default:
		s.logger.Debug("Ignoring pause; session is not running.", zap.String("session_id", rec.ID()), zap.String("status", string(status)))
		return nil
	}
	if gen, changed := rec.Control().Pause(); changed {
		s.publishControl(rec.ID(), fmt.Sprintf("paused (generation %d)", gen))
	}
	return nil
}

// Resume lets a paused run continue.
func (s *Service) Resume(id string) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	if rec.Machine().Status().IsTerminal() {
		return nil
	}
	if gen, changed := rec.Control().Resume(); changed {
		s.publishControl(rec.ID(), fmt.Sprintf("resumed (generation %d)", gen))
	}
	return nil
}

// Stop ends a session. A running session is finalized by its run, which
// skips every unfinished case; any other session is stopped immediately.
func (s *Service) Stop(id string) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	if rec.Machine().Status().IsTerminal() {
		return nil
	}
	if rec.Control().RequestStop() {
		s.publishControl(rec.ID(), "stop requested")
	}

	switch rec.Machine().Status() {
	case schemas.StatusConfirmed, schemas.StatusExecuting:
		return nil
	}
	s.finishStopped(rec, "stopped by operator")
	return nil
}

// GetStatus returns a snapshot of a live session, falling back to the store.
func (s *Service) GetStatus(ctx context.Context, id string) (schemas.Session, error) {
	if rec, ok := s.registry.Get(id); ok {
		return rec.Snapshot(), nil
	}
	if s.store == nil {
		return schemas.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess, err := s.store.LoadSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return schemas.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, err
}

// List returns snapshots of every live session.
func (s *Service) List() []schemas.Session {
	return s.registry.List()
}

// Subscribe streams events for one session, or for all when id is empty.
func (s *Service) Subscribe(id string) (<-chan schemas.Event, func()) {
	return s.hub.Subscribe(id)
}

// Await blocks until pred holds for the session or ctx ends.
func (s *Service) Await(ctx context.Context, id string, pred func(schemas.Session) bool) (schemas.Session, error) {
	events, unsubscribe := s.hub.Subscribe(id)
	defer unsubscribe()
	ticker := time.NewTicker(awaitPollPeriod)
	defer ticker.Stop()

	for {
		snap, err := s.GetStatus(ctx, id)
		if err != nil {
			return schemas.Session{}, err
		}
		if pred(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		}
	}
}

// Terminal is an Await predicate matching finished sessions.
func Terminal(sess schemas.Session) bool { return sess.Status.IsTerminal() }

// StatusIs returns an Await predicate matching any of statuses, or a terminal status.
func StatusIs(statuses ...schemas.SessionStatus) func(schemas.Session) bool {
	return func(sess schemas.Session) bool {
		if sess.Status.IsTerminal() {
			return true
		}
		for _, st := range statuses {
			if sess.Status == st {
				return true
			}
		}
		return false
	}
}

// Shutdown stops every live session and waits for their goroutines.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down service.")
		for _, sess := range s.registry.List() {
			if !sess.Status.IsTerminal() {
				_ = s.Stop(sess.ID)
			}
		}
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("timed out waiting for sessions to finish: %w", ctx.Err())
		}
		s.hub.Shutdown()
	})
	return err
}

// Publish implements coordinator.EventSink. Case results are folded into
// the session's partial result before the event is fanned out.
func (s *Service) Publish(ev schemas.Event) {
	if ev.Case != nil {
		if rec, ok := s.registry.Get(ev.SessionID); ok {
			st := ev.Case.Clone()
			rec.Update(func(sess *schemas.Session) {
				if sess.Result == nil {
					return
				}
				for i := range sess.Result.Cases {
					if sess.Result.Cases[i].CaseID == st.CaseID {
						sess.Result.Cases[i] = st
						break
					}
				}
				sess.Result.Summarize()
			})
		}
	}
	s.hub.Publish(ev)
}

// -- Session Workers --

// prepare walks a new session from init to cases_generated.
func (s *Service) prepare(rec *session.Record, tok session.Token) {
	defer s.wg.Done()
	defer rec.Machine().End(tok)

	logger := observability.ForSession(s.logger, "prepare", rec.ID())
	ctx, cancel := s.controlContext(rec)
	defer cancel()

	// 1. Intent.
	if s.transition(rec, schemas.StatusAnalyzing, "") != nil {
		return
	}
	snap := rec.Snapshot()
	target, err := ParseIntent(snap.Intent, s.cfg.Target.DefaultURL)
	if err != nil {
		s.fail(rec, err)
		return
	}
	rec.Update(func(sess *schemas.Session) {
		sess.Target = &target
		sess.Transcript = append(sess.Transcript, schemas.TranscriptEntry{
			Role:      schemas.RoleAssistant,
			Content:   fmt.Sprintf("Target %s. Goal: %s", target.URL, target.Goal),
			Timestamp: time.Now().UTC(),
		})
	})

	// 2. Exploration.
	if s.transition(rec, schemas.StatusExploring, "") != nil {
		return
	}
	page, err := s.explore(ctx, target.URL, logger)
	if err != nil {
		if rec.Control().StopRequested() || s.ctx.Err() != nil {
			return
		}
		s.fail(rec, fmt.Errorf("%w: %v", schemas.ErrTargetUnreachable, err))
		return
	}

	// 3. Scan. A parse failure still leaves a usable partial analysis.
	analysis, err := browser.Analyze(page)
	if err != nil {
		logger.Warn("Page analysis incomplete.", zap.Error(err))
	}
	rec.Update(func(sess *schemas.Session) { sess.PageAnalysis = &analysis })
	if s.transition(rec, schemas.StatusPageScanned, "") != nil {
		return
	}

	// 4. Generation.
	generated, err := s.generator.Generate(ctx, target.Goal, analysis, s.corpus)
	if err != nil {
		if rec.Control().StopRequested() || s.ctx.Err() != nil {
			return
		}
		s.fail(rec, err)
		return
	}
	cases, added := casegen.Merge(cloneCases(s.corpus), generated)
	if len(cases) == 0 {
		s.fail(rec, fmt.Errorf("no test cases were generated"))
		return
	}
	rec.Update(func(sess *schemas.Session) {
		sess.Cases = cases
		sess.Transcript = append(sess.Transcript, schemas.TranscriptEntry{
			Role:      schemas.RoleAssistant,
			Content:   fmt.Sprintf("Proposed %d cases (%d new, %d from corpus).", len(cases), added, len(cases)-added),
			Timestamp: time.Now().UTC(),
		})
	})
	if s.transition(rec, schemas.StatusCasesGenerated, "") != nil {
		return
	}
	logger.Info("Cases ready for confirmation.", zap.Int("cases", len(cases)), zap.Int("generated", added))
}

// explore opens a throwaway browser session, loads the target and reads it.
func (s *Service) explore(ctx context.Context, url string, logger *zap.Logger) (schemas.PageState, error) {
	timeout := s.cfg.Runner.ExploreTimeout
	if timeout <= 0 {
		timeout = defaultExploreTO
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shared := browser.NewSharedSession(s.driver, logger, false)
	defer func() {
		if err := shared.ForceClose(); err != nil {
			logger.Warn("Exploration browser close reported an error.", zap.Error(err))
		}
	}()

	bctx, err := shared.Acquire(ctx)
	if err != nil {
		return schemas.PageState{}, err
	}
	bound, unbind := shared.Bind(ctx)
	defer unbind()

	out, err := bctx.Apply(bound, schemas.Action{Type: schemas.ActionNavigate, Value: url})
	if err != nil {
		return schemas.PageState{}, err
	}
	if out.Page.HTML == "" {
		// Some drivers only fill the DOM on an explicit snapshot.
		if page, serr := bctx.Snapshot(bound); serr == nil {
			return page, nil
		}
	}
	return out.Page, nil
}

// execute waits for a run slot and hands the session to the coordinator.
func (s *Service) execute(rec *session.Record, tok session.Token) {
	defer s.wg.Done()
	defer rec.Machine().End(tok)

	logger := observability.ForSession(s.logger, "execute", rec.ID())

	// 1. Wait for a slot. Stop or shutdown while queued ends the session.
	slotCtx, cancel := s.controlContext(rec)
	err := s.sem.Acquire(slotCtx, 1)
	cancel()
	if err != nil {
		s.finishStopped(rec, "stopped before execution")
		return
	}
	defer s.sem.Release(1)

	if s.transition(rec, schemas.StatusExecuting, "") != nil {
		return
	}

	snap := rec.Snapshot()
	partial := coordinator.NewResult(snap.Cases)
	rec.Update(func(sess *schemas.Session) { sess.Result = &partial })

	req := coordinator.RunRequest{
		SessionID: snap.ID,
		Cases:     snap.Cases,
		Browser:   browser.NewSharedSession(s.driver, logger, s.cfg.Browser.ResetStorage),
		Control:   rec.Control(),
	}
	if snap.Target != nil {
		req.Goal, req.StartURL = snap.Target.Goal, snap.Target.URL
	}

	// 2. Run. Shutdown cancels s.ctx, which the coordinator treats as a stop.
	result, outcome, runErr := s.coord.Run(s.ctx, req)
	rec.Update(func(sess *schemas.Session) {
		sess.Result = &result
		sess.Transcript = append(sess.Transcript, schemas.TranscriptEntry{
			Role: schemas.RoleSystem,
			Content: fmt.Sprintf("Run %s: %d passed, %d failed, %d skipped.",
				outcome, result.Summary.Passed, result.Summary.Failed, result.Summary.Skipped),
			Timestamp: time.Now().UTC(),
		})
	})

	reason := ""
	if runErr != nil {
		reason = runErr.Error()
		logger.Error("Run ended with an error.", zap.Error(runErr))
	}
	if err := s.transition(rec, outcome.Status(), reason); err != nil {
		logger.Warn("Could not record run outcome.", zap.Error(err))
	}
}

// -- Helpers --

func (s *Service) lookup(id string) (*session.Record, error) {
	rec, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rec, nil
}

// controlContext derives a context canceled on shutdown or on a stop request.
func (s *Service) controlContext(rec *session.Record) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		select {
		case <-rec.Control().Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// transition advances the session, publishes the change and persists it.
func (s *Service) transition(rec *session.Record, to schemas.SessionStatus, reason string) error {
	tr, err := rec.Transition(to, reason)
	if err != nil {
		return err
	}
	s.hub.Publish(schemas.Event{
		SessionID: rec.ID(),
		Type:      schemas.EventStatusChanged,
		Status:    to,
		Message:   reason,
		Timestamp: tr.At,
	})
	s.save(rec)
	return nil
}

// fail ends the session as failed with a summarized result.
func (s *Service) fail(rec *session.Record, cause error) {
	if rec.Machine().Status().IsTerminal() {
		return
	}
	s.logger.Warn("Session failed.", zap.String("session_id", rec.ID()), zap.Error(cause))
	s.ensureResult(rec, "")
	_ = s.transition(rec, schemas.StatusFailed, cause.Error())
}

// finishStopped ends a session that never reached the coordinator.
func (s *Service) finishStopped(rec *session.Record, reason string) {
	if rec.Machine().Status().IsTerminal() {
		return
	}
	s.ensureResult(rec, schemas.ReasonStopped)
	rec.Update(func(sess *schemas.Session) { sess.Result.Stopped = true })
	if err := s.transition(rec, schemas.StatusStopped, reason); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		s.logger.Warn("Could not stop session.", zap.String("session_id", rec.ID()), zap.Error(err))
	}
}

// ensureResult gives a session that never ran a result whose pending cases
// are skipped with reason.
func (s *Service) ensureResult(rec *session.Record, reason schemas.ReasonCode) {
	rec.Update(func(sess *schemas.Session) {
		if sess.Result != nil {
			return
		}
		result := coordinator.NewResult(sess.Cases)
		for i := range result.Cases {
			if result.Cases[i].Status == schemas.CasePending {
				result.Cases[i].Status = schemas.CaseSkipped
				result.Cases[i].Reason = reason
			}
		}
		now := time.Now().UTC()
		result.StartedAt, result.FinishedAt = now, now
		result.Summarize()
		sess.Result = &result
	})
}

func (s *Service) publishControl(id, msg string) {
	s.hub.Publish(schemas.Event{SessionID: id, Type: schemas.EventControl, Message: msg, Timestamp: time.Now().UTC()})
}

func (s *Service) save(rec *session.Record) {
	s.saveWith(context.Background(), rec)
}

func (s *Service) saveWith(ctx context.Context, rec *session.Record) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := s.store.SaveSession(ctx, rec.Snapshot()); err != nil {
		s.logger.Warn("Failed to persist session snapshot.", zap.String("session_id", rec.ID()), zap.Error(err))
	}
}

// applyConfirm returns a copy of cases with edits and selection applied.
func applyConfirm(cases []schemas.Case, req ConfirmRequest) ([]schemas.Case, error) {
	out := cloneCases(cases)
	index := make(map[string]int, len(out))
	for i, c := range out {
		index[c.ID] = i
	}

	for _, edit := range req.Edits {
		i, ok := index[edit.ID]
		if !ok {
			return nil, fmt.Errorf("edit references unknown case %q", edit.ID)
		}
		if strings.TrimSpace(edit.Title) == "" || strings.TrimSpace(edit.Expected) == "" {
			return nil, fmt.Errorf("edit of case %q needs a title and an expected result", edit.ID)
		}
		edited := edit.Clone()
		edited.Selected = out[i].Selected
		if edited.Priority == "" {
			edited.Priority = out[i].Priority
		}
		out[i] = edited
	}

	if req.SelectedIDs != nil {
		want := make(map[string]bool, len(req.SelectedIDs))
		for _, id := range req.SelectedIDs {
			if _, ok := index[id]; !ok {
				return nil, fmt.Errorf("selection references unknown case %q", id)
			}
			want[id] = true
		}
		for i := range out {
			out[i].Selected = want[out[i].ID]
		}
	}
	return out, nil
}

func cloneCases(cases []schemas.Case) []schemas.Case {
	out := make([]schemas.Case, len(cases))
	for i, c := range cases {
		out[i] = c.Clone()
	}
	return out
}
