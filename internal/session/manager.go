package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/atmx/timemachine/internal/metrics"
	"github.com/atmx/timemachine/internal/store"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session: not found")

// Manager owns the open sessions of the process.
type Manager struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions share deps.
func NewManager(deps Deps) *Manager {
	deps.defaults()
	return &Manager{
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Create opens a session with the default selection and starts its first
// load.
func (m *Manager) Create() (*Session, *Load) {
	s := New(uuid.New().String(), m.deps)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	metrics.ActiveSessions.Inc()
	s.log.Info("session created")
	return s, s.Refresh()
}

// Get looks up a session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Delete closes a session and drops its trade log.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Close()
	metrics.ActiveSessions.Dec()
	if err := m.deps.Trades.Drop(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("session: drop trade log: %w", err)
	}
	s.log.Info("session deleted")
	return nil
}

// IDs lists open session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.Close()
		delete(m.sessions, id)
		metrics.ActiveSessions.Dec()
	}
}
