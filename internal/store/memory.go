// internal/store/memory.go
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

// MemoryStore keeps snapshots in process memory. Used when no database is
// configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]schemas.Session
	cases    map[string]map[string]schemas.CaseRunState
	results  map[string]schemas.ExecutionResult
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]schemas.Session),
		cases:    make(map[string]map[string]schemas.CaseRunState),
		results:  make(map[string]schemas.ExecutionResult),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, s schemas.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) SaveCaseResult(_ context.Context, sessionID string, state schemas.CaseRunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCase, ok := m.cases[sessionID]
	if !ok {
		byCase = make(map[string]schemas.CaseRunState)
		m.cases[sessionID] = byCase
	}
	byCase[state.CaseID] = state.Clone()
	return nil
}

func (m *MemoryStore) SaveExecutionResult(_ context.Context, sessionID string, result schemas.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[sessionID] = result.Clone()
	byCase, ok := m.cases[sessionID]
	if !ok {
		byCase = make(map[string]schemas.CaseRunState)
		m.cases[sessionID] = byCase
	}
	for _, st := range result.Cases {
		byCase[st.CaseID] = st.Clone()
	}
	return nil
}

func (m *MemoryStore) LoadSession(_ context.Context, id string) (schemas.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return schemas.Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := s.Clone()
	if out.Result == nil {
		if r, ok := m.results[id]; ok {
			r = r.Clone()
			out.Result = &r
		}
	}
	states := make(map[string]schemas.CaseRunState, len(m.cases[id]))
	for k, v := range m.cases[id] {
		states[k] = v.Clone()
	}
	mergeCaseStates(&out, states)
	return out, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, limit int) ([]schemas.Session, error) {
	m.mu.RLock()
	out := make([]schemas.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
