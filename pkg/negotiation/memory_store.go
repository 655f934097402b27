package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with a mutex per session, matching the
// row-lock discipline of the SQL store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

type memSession struct {
	mu sync.Mutex
	s  *Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memSession)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("%w: duplicate session id %s", ErrValidation, s.ID)
	}
	m.sessions[s.ID] = &memSession{s: s.Clone()}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	holder, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	holder.mu.Lock()
	defer holder.mu.Unlock()
	return holder.s.Clone(), nil
}

func (m *MemoryStore) Mutate(_ context.Context, id string, fn func(*Session) error) (*Session, error) {
	m.mu.RLock()
	holder, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	holder.mu.Lock()
	defer holder.mu.Unlock()

	working := holder.s.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	holder.s = working
	return working.Clone(), nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, agentDID string) ([]*Session, error) {
	m.mu.RLock()
	holders := make([]*memSession, 0, len(m.sessions))
	for _, h := range m.sessions {
		holders = append(holders, h)
	}
	m.mu.RUnlock()

	out := make([]*Session, 0)
	for _, h := range holders {
		h.mu.Lock()
		if h.s.Participant(agentDID) {
			out = append(out, h.s.Clone())
		}
		h.mu.Unlock()
	}
	// Newest first.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ExpireStale(_ context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	holders := make([]*memSession, 0, len(m.sessions))
	for _, h := range m.sessions {
		holders = append(holders, h)
	}
	m.mu.RUnlock()

	count := 0
	for _, h := range holders {
		h.mu.Lock()
		if !h.s.State.Terminal() && !now.Before(h.s.ExpiresAt) {
			h.s.State = StateExpired
			h.s.UpdatedAt = now
			count++
		}
		h.mu.Unlock()
	}
	return count, nil
}
