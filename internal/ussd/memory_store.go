package ussd

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used when DATABASE_URL is unset.
//
// WithTx holds a single mutex for its entire callback, so one session's turn
// cannot interleave with another's. This sacrifices inter-session
// concurrency for simplicity — acceptable for the in-memory fallback, which
// exists for local development and tests, not production throughput.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(sessionID)
}

func (m *MemoryStore) getLocked(sessionID string) (*Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; !ok {
		return ErrSessionNotFound
	}
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// WithTx holds the store's mutex for the duration of fn, giving the engine
// one atomic get/mutate/persist step per turn.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &lockedView{m})
}

// lockedView exposes Store methods that assume the caller already holds
// MemoryStore.mu — used only from within WithTx.
type lockedView struct {
	m *MemoryStore
}

func (v *lockedView) GetForUpdate(ctx context.Context, sessionID string) (*Session, error) {
	return v.m.getLocked(sessionID)
}

func (v *lockedView) Create(ctx context.Context, s *Session) error {
	cp := *s
	v.m.sessions[s.SessionID] = &cp
	return nil
}

func (v *lockedView) Update(ctx context.Context, s *Session) error {
	if _, ok := v.m.sessions[s.SessionID]; !ok {
		return ErrSessionNotFound
	}
	cp := *s
	v.m.sessions[s.SessionID] = &cp
	return nil
}

func (v *lockedView) Delete(ctx context.Context, sessionID string) error {
	delete(v.m.sessions, sessionID)
	return nil
}

func (v *lockedView) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, v)
}
