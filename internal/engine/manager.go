package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/flyxtv/flyxd/internal/models"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the session cap is reached.
	ErrTooManySessions = errors.New("session limit reached")
)

// Manager tracks live sessions and enforces the session cap.
type Manager struct {
	engine *Engine
	max    int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager. max <= 0 means unlimited.
func NewManager(engine *Engine, max int) *Manager {
	return &Manager{
		engine:   engine,
		max:      max,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new session for the source and begins loading.
func (m *Manager) Create(ctx context.Context, source models.StreamSource, sink MediaSink) (*Session, error) {
	if !source.Type.Valid() {
		return nil, errors.New("unknown provider type")
	}

	m.mu.Lock()
	if m.max > 0 && len(m.sessions) >= m.max {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	session := m.engine.NewSession(source, sink)
	m.sessions[session.ID] = session
	m.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		m.remove(session.ID)
		return nil, err
	}
	return session, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Stop stops and removes a session.
func (m *Manager) Stop(id string) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	session.Stop()
	m.remove(id)
	return nil
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StopAll stops every session. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
