// internal/session/registry.go
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/runcontrol"
)

// Record is the live, mutable state of one session: its data, its state
// machine and its run control.
type Record struct {
	machine *Machine
	control *runcontrol.Control

	mu      sync.RWMutex
	session schemas.Session
}

// NewRecord wraps s. Status and history are owned by the machine from here on.
func NewRecord(s schemas.Session) *Record {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return &Record{
		machine: NewMachine(),
		control: runcontrol.New(),
		session: s,
	}
}

// ID returns the session id.
func (r *Record) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session.ID
}

// Machine returns the session's state machine.
func (r *Record) Machine() *Machine { return r.machine }

// Control returns the session's run control.
func (r *Record) Control() *runcontrol.Control { return r.control }

// Snapshot returns a deep copy with the current status and history.
func (r *Record) Snapshot() schemas.Session {
	r.mu.RLock()
	out := r.session.Clone()
	r.mu.RUnlock()
	out.Status = r.machine.Status()
	out.History = r.machine.History()
	return out
}

// Update applies fn to the session data under the write lock.
func (r *Record) Update(fn func(s *schemas.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.session)
	r.session.UpdatedAt = time.Now().UTC()
}

// Transition advances the machine and stamps the update time.
func (r *Record) Transition(to schemas.SessionStatus, reason string) (schemas.TransitionRecord, error) {
	rec, err := r.machine.Transition(to, reason)
	if err != nil {
		return rec, err
	}
	r.Update(func(s *schemas.Session) {
		s.Status = to
		if to == schemas.StatusFailed && reason != "" {
			s.Error = reason
		}
	})
	return rec, nil
}

// Registry indexes live sessions by id.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Add registers r, replacing any record with the same id.
func (g *Registry) Add(r *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[r.ID()] = r
}

// Get looks up a record.
func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[id]
	return r, ok
}

// List returns snapshots of every session, oldest first.
func (g *Registry) List() []schemas.Session {
	g.mu.RLock()
	records := make([]*Record, 0, len(g.records))
	for _, r := range g.records {
		records = append(records, r)
	}
	g.mu.RUnlock()

	out := make([]schemas.Session, 0, len(records))
	for _, r := range records {
		out = append(out, r.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
