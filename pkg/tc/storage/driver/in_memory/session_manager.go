package in_memory

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/opentrx/lock-coordinator/pkg/tc/model"
	"github.com/opentrx/lock-coordinator/pkg/tc/storage"
)

type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
}

// NewSessionManager returns an empty in-memory session store.
func NewSessionManager() storage.SessionManager {
	return &SessionManager{sessions: make(map[string]*model.Session)}
}

func (m *SessionManager) AddSession(session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.SessionID]; ok {
		return errors.Errorf("session %s already exists", session.SessionID)
	}
	s := *session
	m.sessions[session.SessionID] = &s
	return nil
}

func (m *SessionManager) FindSession(sessionID string) *model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	s := *session
	return &s
}

func (m *SessionManager) UpdateSession(session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.SessionID]; !ok {
		return errors.Errorf("session %s not found", session.SessionID)
	}
	s := *session
	m.sessions[session.SessionID] = &s
	return nil
}

func (m *SessionManager) RemoveSession(sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(m.sessions, sessionID)
	return true, nil
}

// AllSessions returns the sessions ordered by creation time.
func (m *SessionManager) AllSessions() []*model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*model.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		s := *session
		sessions = append(sessions, &s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].SessionID < sessions[j].SessionID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}
