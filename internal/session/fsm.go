// internal/session/fsm.go
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

var (
	// ErrInvalidTransition is returned for a state change the table does not allow.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrBusy is returned when another command already holds the session.
	ErrBusy = errors.New("session is busy with another command")
	// ErrTerminal is returned by Begin once the session can no longer change.
	// Callers treat it as a no-op.
	ErrTerminal = errors.New("session is in a terminal state")
)

// Command names an operator action that mutates a session.
type Command string

const (
	CommandStart   Command = "start"
	CommandConfirm Command = "confirm"
	CommandRun     Command = "run"
)

// transitions is the full table of allowed state changes. Failure is
// reachable from every working state, stop from every non-terminal state.
var transitions = map[schemas.SessionStatus][]schemas.SessionStatus{
	schemas.StatusInit:           {schemas.StatusAnalyzing, schemas.StatusStopped},
	schemas.StatusAnalyzing:      {schemas.StatusExploring, schemas.StatusFailed, schemas.StatusStopped},
	schemas.StatusExploring:      {schemas.StatusPageScanned, schemas.StatusFailed, schemas.StatusStopped},
	schemas.StatusPageScanned:    {schemas.StatusCasesGenerated, schemas.StatusFailed, schemas.StatusStopped},
	schemas.StatusCasesGenerated: {schemas.StatusConfirmed, schemas.StatusFailed, schemas.StatusStopped},
	schemas.StatusConfirmed:      {schemas.StatusExecuting, schemas.StatusFailed, schemas.StatusStopped},
	schemas.StatusExecuting:      {schemas.StatusCompleted, schemas.StatusFailed, schemas.StatusStopped},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to schemas.SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Token is the single in-flight command grant handed out by Begin.
type Token struct {
	Command Command
	id      uint64
}

// Machine guards a session's status. It is safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	status   schemas.SessionStatus
	history  []schemas.TransitionRecord
	inflight *Token
	nextID   uint64
	now      func() time.Time
}

// NewMachine returns a machine in the init state.
func NewMachine() *Machine {
	return &Machine{status: schemas.StatusInit, now: time.Now}
}

// Status returns the current status.
func (m *Machine) Status() schemas.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// History returns a copy of every transition taken so far.
func (m *Machine) History() []schemas.TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schemas.TransitionRecord(nil), m.history...)
}

// Transition moves to the next status or returns ErrInvalidTransition.
func (m *Machine) Transition(to schemas.SessionStatus, reason string) (schemas.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.status, to) {
		return schemas.TransitionRecord{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.status, to)
	}
	rec := schemas.TransitionRecord{From: m.status, To: to, Reason: reason, At: m.now().UTC()}
	m.status = to
	m.history = append(m.history, rec)
	return rec, nil
}

// Begin grants the in-flight token for cmd. Only one command may hold it.
func (m *Machine) Begin(cmd Command) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.IsTerminal() {
		return Token{}, ErrTerminal
	}
	if m.inflight != nil {
		return Token{}, fmt.Errorf("%w: %s in progress", ErrBusy, m.inflight.Command)
	}
	m.nextID++
	tok := Token{Command: cmd, id: m.nextID}
	m.inflight = &tok
	return tok, nil
}

// End releases tok. Releasing a token that is not current is a no-op.
func (m *Machine) End(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight != nil && m.inflight.id == tok.id {
		m.inflight = nil
	}
}

// Busy reports whether a command holds the token.
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight != nil
}
