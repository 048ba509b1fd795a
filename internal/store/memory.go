package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. It is the dev/test backend
// and the reference for the locking discipline: a read lock on the index
// plus a per-session mutex, so transitions on distinct sessions never
// contend.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*memoryEntry
	byUser map[string]string
}

type memoryEntry struct {
	mu      sync.Mutex
	session Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*memoryEntry), byUser: make(map[string]string)}
}

func (m *MemoryStore) Put(_ context.Context, session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.byUser[session.UserID]; ok {
		if entry, ok := m.byID[existingID]; ok {
			entry.mu.Lock()
			terminal := entry.session.Terminal()
			entry.mu.Unlock()
			if !terminal {
				return ErrUserHasSession
			}
		}
	}

	m.byID[session.ID] = &memoryEntry{session: session}
	m.byUser[session.UserID] = session.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (Session, error) {
	entry, err := m.entry(sessionID)
	if err != nil {
		return Session{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session, nil
}

func (m *MemoryStore) GetByUser(_ context.Context, userID string) (Session, error) {
	m.mu.RLock()
	sessionID, ok := m.byUser[userID]
	var entry *memoryEntry
	if ok {
		entry = m.byID[sessionID]
	}
	m.mu.RUnlock()
	if entry == nil {
		return Session{}, ErrSessionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session, nil
}

func (m *MemoryStore) Remove(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byID[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	delete(m.byID, sessionID)
	if m.byUser[entry.session.UserID] == sessionID {
		delete(m.byUser, entry.session.UserID)
	}
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, sessionID string, from []Status, to Status, deadline time.Time) (Session, bool, error) {
	entry, err := m.entry(sessionID)
	if err != nil {
		return Session{}, false, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !statusIn(entry.session.Status, from) {
		return entry.session, false, nil
	}
	entry.session.Status = to
	entry.session.Deadline = deadline
	return entry.session, true, nil
}

func (m *MemoryStore) Touch(_ context.Context, sessionID string, at, deadline time.Time) error {
	entry, err := m.entry(sessionID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Status != StatusActive {
		return nil
	}
	entry.session.LastActivity = at
	entry.session.Deadline = deadline
	return nil
}

func (m *MemoryStore) ListExpiringBefore(_ context.Context, ts time.Time) ([]Session, error) {
	sessions := m.snapshot()
	due := sessions[:0]
	for _, s := range sessions {
		if !s.Deadline.After(ts) {
			due = append(due, s)
		}
	}
	return due, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Session, error) {
	return m.snapshot(), nil
}

func (m *MemoryStore) entry(sessionID string) (*memoryEntry, error) {
	m.mu.RLock()
	entry, ok := m.byID[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

func (m *MemoryStore) snapshot() []Session {
	m.mu.RLock()
	entries := make([]*memoryEntry, 0, len(m.byID))
	for _, entry := range m.byID {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	sessions := make([]Session, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		sessions = append(sessions, entry.session)
		entry.mu.Unlock()
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Deadline.Before(sessions[j].Deadline) })
	return sessions
}
