package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Sessions live until Delete
// or process exit.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[Key]*Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[Key]*Session{}, now: time.Now}
}

func (m *MemoryStore) Get(ctx context.Context, key Key) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[key]
	if !ok {
		return Session{}, false, nil
	}
	return cloneSession(sess), true, nil
}

func (m *MemoryStore) Create(ctx context.Context, key Key, state map[string]any) (Session, bool, error) {
	if !key.Valid() {
		return Session{}, false, errors.New("session key requires user and conversation")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[key]; ok {
		return cloneSession(existing), false, nil
	}
	now := m.now().UTC()
	sess := &Session{Key: key, State: cloneState(state), CreatedAt: now, UpdatedAt: now}
	m.sessions[key] = sess
	return cloneSession(sess), true, nil
}

func (m *MemoryStore) Mutate(ctx context.Context, key Key, fn func(state map[string]any)) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[key]
	if !ok {
		return Session{}, ErrNotFound
	}
	next := cloneState(sess.State)
	fn(next)
	sess.State = next
	sess.UpdatedAt = m.now().UTC()
	return cloneSession(sess), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func cloneSession(s *Session) Session {
	clone := *s
	clone.State = cloneState(s.State)
	return clone
}
